package rbac

import "time"

// Role is a named node in a parent-linked hierarchy. Level is derived from the
// parent chain (root = 0) and recomputed whenever ParentID changes.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ParentID    *int64    `json:"parent_id,omitempty"`
	Level       int       `json:"level"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is an atomic (resource, action) capability. Attributes are the
// permission's own contextual conditions, distinct from assignment constraints.
type Permission struct {
	ID          int64         `json:"id"`
	Resource    string        `json:"resource"`
	Action      string        `json:"action"`
	Description string        `json:"description,omitempty"`
	Attributes  ConstraintMap `json:"attributes,omitempty"`
	IsSystem    bool          `json:"is_system"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Name returns the canonical "resource.action" form used by route guards.
func (p Permission) Name() string {
	return p.Resource + "." + p.Action
}

// RolePermission binds a role to a permission. Granted false is an explicit
// deny entry that blocks inherited grants on the same chain.
type RolePermission struct {
	RoleID       int64         `json:"role_id"`
	PermissionID int64         `json:"permission_id"`
	Constraints  ConstraintMap `json:"constraints,omitempty"`
	Granted      bool          `json:"granted"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// UserRole binds a user to a role. A row contributes to resolution only while
// IsActive is true and ExpiresAt, when set, lies in the future.
type UserRole struct {
	UserID    int64         `json:"user_id"`
	RoleID    int64         `json:"role_id"`
	Scope     ConstraintMap `json:"scope,omitempty"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	IsActive  bool          `json:"is_active"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Active reports whether the assignment should count at resolution time.
func (ur UserRole) Active(now time.Time) bool {
	if !ur.IsActive {
		return false
	}
	if ur.ExpiresAt != nil && !ur.ExpiresAt.After(now) {
		return false
	}
	return true
}

// RoleNode is a role with its children attached, as returned by Hierarchy.
type RoleNode struct {
	Role
	Children []*RoleNode `json:"children"`
}

// Subject is the minimal view of a user the resolver needs. The users module
// satisfies it behind the UserDirectory port.
type Subject struct {
	ID          int64
	IsSuperuser bool
	IsActive    bool
}
