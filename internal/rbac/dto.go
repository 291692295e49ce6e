package rbac

import "time"

type CreateRoleRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
	ParentID    *int64 `json:"parent_id,omitempty" validate:"omitempty,gt=0"`
}

type UpdateRoleRequest struct {
	Name        *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=500"`
}

type ReparentRoleRequest struct {
	ParentID *int64 `json:"parent_id"`
}

type CreatePermissionRequest struct {
	Resource    string         `json:"resource" validate:"required,max=100"`
	Action      string         `json:"action" validate:"required,max=100"`
	Description string         `json:"description" validate:"max=500"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

type UpdatePermissionRequest struct {
	Resource    *string         `json:"resource,omitempty" validate:"omitempty,min=1,max=100"`
	Action      *string         `json:"action,omitempty" validate:"omitempty,min=1,max=100"`
	Description *string         `json:"description,omitempty" validate:"omitempty,max=500"`
	Attributes  *map[string]any `json:"attributes,omitempty"`
}

type AssignPermissionRequest struct {
	PermissionID int64          `json:"permission_id" validate:"required,gt=0"`
	Constraints  map[string]any `json:"constraints,omitempty"`
	// Granted defaults to true when omitted; false records an explicit deny.
	Granted *bool `json:"granted,omitempty"`
}

type AssignRoleRequest struct {
	RoleID    int64          `json:"role_id" validate:"required,gt=0"`
	Scope     map[string]any `json:"scope,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	// IsActive defaults to true when omitted.
	IsActive *bool `json:"is_active,omitempty"`
}

type CheckRequest struct {
	Resource string         `json:"resource" validate:"required,max=100"`
	Action   string         `json:"action" validate:"required,max=100"`
	Context  map[string]any `json:"context,omitempty"`
}

type CheckResponse struct {
	Allowed bool `json:"allowed"`
}
