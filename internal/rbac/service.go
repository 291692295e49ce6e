package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lodestar-erp/lodestar-erp/internal/platform/httpx"
)

// AsyncInvalidator enqueues a retry when a synchronous cache purge fails.
// Implemented by the jobs package; nil disables the fallback.
type AsyncInvalidator interface {
	EnqueueRolePurge(ctx context.Context, roleID int64) error
}

// Service exposes the administrative operations: the role hierarchy manager,
// the permission catalog and the assignment manager. Every mutation that can
// change a resolution outcome purges the decision cache for affected users.
type Service struct {
	repo   Repository
	cache  *DecisionCache
	logger *slog.Logger
	async  AsyncInvalidator
}

// NewService constructs the administrative service. cache and async may be nil.
func NewService(repo Repository, cache *DecisionCache, logger *slog.Logger, async AsyncInvalidator) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, logger: logger, async: async}
}

// Role hierarchy manager

// CreateRoleInput carries the fields accepted when creating a role.
type CreateRoleInput struct {
	Name        string
	Description string
	ParentID    *int64
}

// CreateRole inserts a new role, computing its level from the parent chain.
func (s *Service) CreateRole(ctx context.Context, in CreateRoleInput) (Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name required", httpx.ErrValidation)
	}

	if _, err := s.repo.GetRoleByName(ctx, name); err == nil {
		return Role{}, fmt.Errorf("%w: role %q", httpx.ErrDuplicate, name)
	} else if !errors.Is(err, httpx.ErrNotFound) {
		return Role{}, err
	}

	level := 0
	if in.ParentID != nil {
		parent, err := s.repo.GetRole(ctx, *in.ParentID)
		if err != nil {
			if errors.Is(err, httpx.ErrNotFound) {
				return Role{}, fmt.Errorf("%w: parent role %d", httpx.ErrNotFound, *in.ParentID)
			}
			return Role{}, err
		}
		level = parent.Level + 1
	}

	role, err := s.repo.CreateRole(ctx, Role{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		ParentID:    in.ParentID,
		Level:       level,
	})
	if err != nil {
		return Role{}, err
	}
	s.audit(ctx, "role.create", slog.Int64("role_id", role.ID), slog.String("name", role.Name))
	return role, nil
}

// UpdateRoleInput carries optional role fields; nil means keep current value.
type UpdateRoleInput struct {
	Name        *string
	Description *string
}

// UpdateRole renames or re-describes a role. System roles are immutable.
func (s *Service) UpdateRole(ctx context.Context, roleID int64, in UpdateRoleInput) (Role, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystem {
		return Role{}, fmt.Errorf("%w: system role %q cannot be modified", httpx.ErrForbidden, role.Name)
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name required", httpx.ErrValidation)
		}
		if name != role.Name {
			if existing, err := s.repo.GetRoleByName(ctx, name); err == nil && existing.ID != roleID {
				return Role{}, fmt.Errorf("%w: role %q", httpx.ErrDuplicate, name)
			} else if err != nil && !errors.Is(err, httpx.ErrNotFound) {
				return Role{}, err
			}
		}
		role.Name = name
	}
	if in.Description != nil {
		role.Description = strings.TrimSpace(*in.Description)
	}

	updated, err := s.repo.UpdateRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	s.audit(ctx, "role.update", slog.Int64("role_id", roleID))
	return updated, nil
}

// Reparent moves a role under a new parent (nil detaches it to the root) and
// recomputes levels for the role and its whole descendant subtree. The
// proposed parent must not be the role itself or any of its descendants.
func (s *Service) Reparent(ctx context.Context, roleID int64, newParentID *int64) (Role, error) {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystem {
		return Role{}, fmt.Errorf("%w: system role %q cannot be modified", httpx.ErrForbidden, role.Name)
	}

	level := 0
	if newParentID != nil {
		if *newParentID == roleID {
			return Role{}, fmt.Errorf("%w: role cannot be its own parent", httpx.ErrValidation)
		}
		parent, err := s.repo.GetRole(ctx, *newParentID)
		if err != nil {
			if errors.Is(err, httpx.ErrNotFound) {
				return Role{}, fmt.Errorf("%w: parent role %d", httpx.ErrNotFound, *newParentID)
			}
			return Role{}, err
		}
		descendants, err := s.repo.ListDescendantRoleIDs(ctx, roleID)
		if err != nil {
			return Role{}, err
		}
		for _, id := range descendants {
			if id == parent.ID {
				return Role{}, fmt.Errorf("%w: circular dependency", httpx.ErrValidation)
			}
		}
		level = parent.Level + 1
	}

	role.ParentID = newParentID
	role.Level = level
	// The move and the subtree level rewrite must land together; a failure
	// mid-walk would otherwise strand descendants with stale levels.
	var updated Role
	err = s.repo.WithTx(ctx, func(txRepo Repository) error {
		var err error
		updated, err = txRepo.UpdateRole(ctx, role)
		if err != nil {
			return err
		}
		return s.recomputeSubtreeLevels(ctx, txRepo, updated)
	})
	if err != nil {
		return Role{}, err
	}

	s.audit(ctx, "role.reparent", slog.Int64("role_id", roleID))
	// Inherited permissions changed for the whole subtree.
	s.invalidateRoleUsers(ctx, roleID)
	return updated, nil
}

// recomputeSubtreeLevels walks the subtree under root breadth-first and
// rewrites each child's level as parent.level + 1.
func (s *Service) recomputeSubtreeLevels(ctx context.Context, repo Repository, root Role) error {
	queue := []Role{root}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		children, err := repo.ListChildRoles(ctx, parent.ID)
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Level != parent.Level+1 {
				child.Level = parent.Level + 1
				if child, err = repo.UpdateRole(ctx, child); err != nil {
					return err
				}
			}
			queue = append(queue, child)
		}
	}
	return nil
}

// DeleteRole removes a role. System roles, roles with children and roles with
// active user assignments are protected. Role-permission assignments cascade.
func (s *Service) DeleteRole(ctx context.Context, roleID int64) error {
	role, err := s.repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("%w: system role %q cannot be deleted", httpx.ErrForbidden, role.Name)
	}

	children, err := s.repo.ListChildRoles(ctx, roleID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return fmt.Errorf("%w: role %q has %d child roles", httpx.ErrValidation, role.Name, len(children))
	}

	count, err := s.repo.CountUserAssignmentsForRole(ctx, roleID)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: role %q is assigned to %d users", httpx.ErrValidation, role.Name, count)
	}

	// Purge before the user_roles rows cascade away with the role.
	s.invalidateRoleUsers(ctx, roleID)

	if err := s.repo.DeleteRole(ctx, roleID); err != nil {
		return err
	}
	s.audit(ctx, "role.delete", slog.Int64("role_id", roleID), slog.String("name", role.Name))
	return nil
}

// GetRole fetches a single role.
func (s *Service) GetRole(ctx context.Context, roleID int64) (Role, error) {
	return s.repo.GetRole(ctx, roleID)
}

// ListRoles returns all roles in creation order.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// Hierarchy returns all roles as a forest: root roles at the top level,
// children attached recursively, siblings in creation order.
func (s *Service) Hierarchy(ctx context.Context) ([]*RoleNode, error) {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make(map[int64]*RoleNode, len(roles))
	for _, role := range roles {
		nodes[role.ID] = &RoleNode{Role: role, Children: []*RoleNode{}}
	}

	var forest []*RoleNode
	for _, role := range roles {
		node := nodes[role.ID]
		if role.ParentID == nil {
			forest = append(forest, node)
			continue
		}
		parent, ok := nodes[*role.ParentID]
		if !ok {
			// Orphaned parent reference; surface the role at the top rather
			// than dropping it.
			forest = append(forest, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	return forest, nil
}

// Permission catalog manager

// CreatePermissionInput carries the fields accepted when creating a permission.
type CreatePermissionInput struct {
	Resource    string
	Action      string
	Description string
	Attributes  ConstraintMap
}

// CreatePermission registers a new (resource, action) capability.
func (s *Service) CreatePermission(ctx context.Context, in CreatePermissionInput) (Permission, error) {
	resource := strings.TrimSpace(in.Resource)
	action := strings.TrimSpace(in.Action)
	if resource == "" || action == "" {
		return Permission{}, fmt.Errorf("%w: resource and action required", httpx.ErrValidation)
	}

	if _, err := s.repo.GetPermissionByKey(ctx, resource, action); err == nil {
		return Permission{}, fmt.Errorf("%w: permission %s.%s", httpx.ErrDuplicate, resource, action)
	} else if !errors.Is(err, httpx.ErrNotFound) {
		return Permission{}, err
	}

	perm, err := s.repo.CreatePermission(ctx, Permission{
		Resource:    resource,
		Action:      action,
		Description: strings.TrimSpace(in.Description),
		Attributes:  in.Attributes.Clone(),
	})
	if err != nil {
		return Permission{}, err
	}
	s.audit(ctx, "permission.create", slog.Int64("permission_id", perm.ID), slog.String("name", perm.Name()))
	return perm, nil
}

// UpdatePermissionInput carries optional permission fields.
type UpdatePermissionInput struct {
	Resource    *string
	Action      *string
	Description *string
	Attributes  *ConstraintMap
}

// UpdatePermission modifies a permission. System permissions are immutable;
// changing resource/action re-checks uniqueness excluding the row itself.
func (s *Service) UpdatePermission(ctx context.Context, permissionID int64, in UpdatePermissionInput) (Permission, error) {
	perm, err := s.repo.GetPermission(ctx, permissionID)
	if err != nil {
		return Permission{}, err
	}
	if perm.IsSystem {
		return Permission{}, fmt.Errorf("%w: system permission %s cannot be modified", httpx.ErrForbidden, perm.Name())
	}

	if in.Resource != nil {
		perm.Resource = strings.TrimSpace(*in.Resource)
	}
	if in.Action != nil {
		perm.Action = strings.TrimSpace(*in.Action)
	}
	if perm.Resource == "" || perm.Action == "" {
		return Permission{}, fmt.Errorf("%w: resource and action required", httpx.ErrValidation)
	}
	if in.Resource != nil || in.Action != nil {
		if existing, err := s.repo.GetPermissionByKey(ctx, perm.Resource, perm.Action); err == nil && existing.ID != permissionID {
			return Permission{}, fmt.Errorf("%w: permission %s", httpx.ErrDuplicate, perm.Name())
		} else if err != nil && !errors.Is(err, httpx.ErrNotFound) {
			return Permission{}, err
		}
	}
	if in.Description != nil {
		perm.Description = strings.TrimSpace(*in.Description)
	}
	if in.Attributes != nil {
		perm.Attributes = in.Attributes.Clone()
	}

	updated, err := s.repo.UpdatePermission(ctx, perm)
	if err != nil {
		return Permission{}, err
	}
	s.audit(ctx, "permission.update", slog.Int64("permission_id", permissionID))
	s.invalidatePermissionUsers(ctx, permissionID)
	return updated, nil
}

// DeletePermission removes a permission that no assignment references.
func (s *Service) DeletePermission(ctx context.Context, permissionID int64) error {
	perm, err := s.repo.GetPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	if perm.IsSystem {
		return fmt.Errorf("%w: system permission %s cannot be deleted", httpx.ErrForbidden, perm.Name())
	}

	count, err := s.repo.CountAssignmentsForPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: permission %s is assigned to %d roles", httpx.ErrValidation, perm.Name(), count)
	}

	if err := s.repo.DeletePermission(ctx, permissionID); err != nil {
		return err
	}
	s.audit(ctx, "permission.delete", slog.Int64("permission_id", permissionID), slog.String("name", perm.Name()))
	return nil
}

// ListPermissions returns the whole catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// RolePermissionView pairs an assignment with its permission row and the role
// the assignment came from (the role itself or an ancestor).
type RolePermissionView struct {
	Permission  Permission    `json:"permission"`
	SourceRole  int64         `json:"source_role_id"`
	Constraints ConstraintMap `json:"constraints,omitempty"`
	Granted     bool          `json:"granted"`
}

// PermissionsForRole lists a role's assignments. With includeAncestors the
// whole chain contributes, nearest entry winning per permission.
func (s *Service) PermissionsForRole(ctx context.Context, roleID int64, includeAncestors bool) ([]RolePermissionView, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return nil, err
	}

	var views []RolePermissionView
	seen := make(map[int64]bool)
	current := roleID
	for depth := 0; depth < maxChainDepth; depth++ {
		assignments, err := s.repo.ListRolePermissions(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, rp := range assignments {
			if seen[rp.PermissionID] {
				continue
			}
			seen[rp.PermissionID] = true
			perm, err := s.repo.GetPermission(ctx, rp.PermissionID)
			if err != nil {
				if errors.Is(err, httpx.ErrNotFound) {
					continue
				}
				return nil, err
			}
			views = append(views, RolePermissionView{
				Permission:  perm,
				SourceRole:  current,
				Constraints: rp.Constraints,
				Granted:     rp.Granted,
			})
		}
		if !includeAncestors {
			break
		}
		role, err := s.repo.GetRole(ctx, current)
		if err != nil {
			return nil, err
		}
		if role.ParentID == nil {
			break
		}
		current = *role.ParentID
	}
	return views, nil
}

// Assignment manager

// AssignPermissionInput configures a role-permission assignment.
type AssignPermissionInput struct {
	Constraints ConstraintMap
	Granted     bool
}

// AssignPermissionToRole upserts the (role, permission) assignment: an
// existing row has its constraints and granted flag replaced in place.
func (s *Service) AssignPermissionToRole(ctx context.Context, roleID, permissionID int64, in AssignPermissionInput) (RolePermission, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return RolePermission{}, err
	}
	if _, err := s.repo.GetPermission(ctx, permissionID); err != nil {
		return RolePermission{}, err
	}

	rp, err := s.repo.UpsertRolePermission(ctx, RolePermission{
		RoleID:       roleID,
		PermissionID: permissionID,
		Constraints:  in.Constraints.Clone(),
		Granted:      in.Granted,
	})
	if err != nil {
		return RolePermission{}, err
	}
	s.audit(ctx, "role_permission.assign",
		slog.Int64("role_id", roleID), slog.Int64("permission_id", permissionID), slog.Bool("granted", in.Granted))
	s.invalidateRoleUsers(ctx, roleID)
	return rp, nil
}

// RevokePermissionFromRole removes the assignment; absent pairs are an error.
func (s *Service) RevokePermissionFromRole(ctx context.Context, roleID, permissionID int64) error {
	if err := s.repo.DeleteRolePermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.audit(ctx, "role_permission.revoke",
		slog.Int64("role_id", roleID), slog.Int64("permission_id", permissionID))
	s.invalidateRoleUsers(ctx, roleID)
	return nil
}

// AssignRoleInput configures a user-role assignment.
type AssignRoleInput struct {
	Scope     ConstraintMap
	ExpiresAt *time.Time
	IsActive  bool
}

// AssignRoleToUser upserts the (user, role) assignment with the same
// replace-in-place semantics as permission assignment.
func (s *Service) AssignRoleToUser(ctx context.Context, userID, roleID int64, in AssignRoleInput) (UserRole, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return UserRole{}, err
	}

	ur, err := s.repo.UpsertUserRole(ctx, UserRole{
		UserID:    userID,
		RoleID:    roleID,
		Scope:     in.Scope.Clone(),
		ExpiresAt: in.ExpiresAt,
		IsActive:  in.IsActive,
	})
	if err != nil {
		return UserRole{}, err
	}
	s.audit(ctx, "user_role.assign", slog.Int64("user_id", userID), slog.Int64("role_id", roleID))
	s.invalidateUser(ctx, userID)
	return ur, nil
}

// RevokeRoleFromUser removes the assignment; absent pairs are an error.
func (s *Service) RevokeRoleFromUser(ctx context.Context, userID, roleID int64) error {
	if err := s.repo.DeleteUserRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.audit(ctx, "user_role.revoke", slog.Int64("user_id", userID), slog.Int64("role_id", roleID))
	s.invalidateUser(ctx, userID)
	return nil
}

// Cache invalidation

// invalidateRoleUsers purges cached decisions for every user holding the role
// or any role inheriting from it. Errors are logged and the purge retried via
// the async fallback; the mutation itself has already committed.
func (s *Service) invalidateRoleUsers(ctx context.Context, roleID int64) {
	roleIDs, err := s.repo.ListDescendantRoleIDs(ctx, roleID)
	if err != nil {
		s.logger.Error("enumerate descendant roles for invalidation",
			slog.Int64("role_id", roleID), slog.Any("error", err))
		s.retryAsync(ctx, roleID)
		return
	}
	userIDs, err := s.repo.ListUserIDsWithRoles(ctx, roleIDs)
	if err != nil {
		s.logger.Error("enumerate users for invalidation",
			slog.Int64("role_id", roleID), slog.Any("error", err))
		s.retryAsync(ctx, roleID)
		return
	}
	failed := false
	for _, userID := range userIDs {
		if err := s.cache.DeleteUser(ctx, userID); err != nil {
			failed = true
			s.logger.Error("purge user decisions",
				slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	if failed {
		s.retryAsync(ctx, roleID)
	}
}

// invalidatePermissionUsers purges users holding any role assigned the
// permission, walking each such role's descendant set.
func (s *Service) invalidatePermissionUsers(ctx context.Context, permissionID int64) {
	roleIDs, err := s.repo.ListRoleIDsForPermission(ctx, permissionID)
	if err != nil {
		s.logger.Error("enumerate roles for permission invalidation",
			slog.Int64("permission_id", permissionID), slog.Any("error", err))
		return
	}
	for _, roleID := range roleIDs {
		s.invalidateRoleUsers(ctx, roleID)
	}
}

func (s *Service) invalidateUser(ctx context.Context, userID int64) {
	if err := s.cache.DeleteUser(ctx, userID); err != nil {
		s.logger.Error("purge user decisions",
			slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

func (s *Service) retryAsync(ctx context.Context, roleID int64) {
	if s.async == nil {
		return
	}
	if err := s.async.EnqueueRolePurge(ctx, roleID); err != nil {
		s.logger.Error("enqueue role purge retry",
			slog.Int64("role_id", roleID), slog.Any("error", err))
	}
}

func (s *Service) audit(ctx context.Context, op string, attrs ...any) {
	args := append([]any{slog.String("op", op)}, attrs...)
	s.logger.InfoContext(ctx, "authz admin mutation", args...)
}
