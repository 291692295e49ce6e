package rbac

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lodestar-erp/lodestar-erp/internal/platform/httpx"
)

// fakeRepo is an in-memory Repository used across the package tests.
type fakeRepo struct {
	mu sync.Mutex

	nextRoleID int64
	nextPermID int64

	roles     map[int64]Role
	perms     map[int64]Permission
	rolePerms map[int64][]RolePermission
	userRoles map[int64][]UserRole

	failListRolePerms bool
	failUpdateRoleID  int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		roles:     make(map[int64]Role),
		perms:     make(map[int64]Permission),
		rolePerms: make(map[int64][]RolePermission),
		userRoles: make(map[int64][]UserRole),
	}
}

func (f *fakeRepo) addRole(name string, parentID *int64, system bool) Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRoleID++
	level := 0
	if parentID != nil {
		level = f.roles[*parentID].Level + 1
	}
	role := Role{
		ID:        f.nextRoleID,
		Name:      name,
		ParentID:  parentID,
		Level:     level,
		IsSystem:  system,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.roles[role.ID] = role
	return role
}

func (f *fakeRepo) addPermission(resource, action string, attrs ConstraintMap) Permission {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPermID++
	perm := Permission{
		ID:         f.nextPermID,
		Resource:   resource,
		Action:     action,
		Attributes: attrs,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	f.perms[perm.ID] = perm
	return perm
}

func (f *fakeRepo) grant(roleID, permID int64, constraints ConstraintMap, granted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertRolePermLocked(RolePermission{RoleID: roleID, PermissionID: permID, Constraints: constraints, Granted: granted})
}

func (f *fakeRepo) assign(userID, roleID int64, expiresAt *time.Time, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertUserRoleLocked(UserRole{UserID: userID, RoleID: roleID, ExpiresAt: expiresAt, IsActive: active})
}

func (f *fakeRepo) upsertRolePermLocked(rp RolePermission) RolePermission {
	list := f.rolePerms[rp.RoleID]
	for i, existing := range list {
		if existing.PermissionID == rp.PermissionID {
			list[i] = rp
			return rp
		}
	}
	f.rolePerms[rp.RoleID] = append(list, rp)
	return rp
}

func (f *fakeRepo) upsertUserRoleLocked(ur UserRole) UserRole {
	list := f.userRoles[ur.UserID]
	for i, existing := range list {
		if existing.RoleID == ur.RoleID {
			list[i] = ur
			return ur
		}
	}
	f.userRoles[ur.UserID] = append(list, ur)
	return ur
}

// Repository implementation

// WithTx mimics transaction semantics: fn runs against a snapshot that is
// copied back only when fn succeeds.
func (f *fakeRepo) WithTx(ctx context.Context, fn func(Repository) error) error {
	f.mu.Lock()
	clone := f.cloneLocked()
	f.mu.Unlock()
	if err := fn(clone); err != nil {
		return err
	}
	f.mu.Lock()
	f.nextRoleID = clone.nextRoleID
	f.nextPermID = clone.nextPermID
	f.roles = clone.roles
	f.perms = clone.perms
	f.rolePerms = clone.rolePerms
	f.userRoles = clone.userRoles
	f.mu.Unlock()
	return nil
}

func (f *fakeRepo) cloneLocked() *fakeRepo {
	clone := newFakeRepo()
	clone.nextRoleID = f.nextRoleID
	clone.nextPermID = f.nextPermID
	clone.failListRolePerms = f.failListRolePerms
	clone.failUpdateRoleID = f.failUpdateRoleID
	for id, role := range f.roles {
		clone.roles[id] = role
	}
	for id, perm := range f.perms {
		clone.perms[id] = perm
	}
	for id, list := range f.rolePerms {
		clone.rolePerms[id] = append([]RolePermission(nil), list...)
	}
	for id, list := range f.userRoles {
		clone.userRoles[id] = append([]UserRole(nil), list...)
	}
	return clone
}

func (f *fakeRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role, ok := f.roles[id]
	if !ok {
		return Role{}, httpx.ErrNotFound
	}
	return role, nil
}

func (f *fakeRepo) GetRoleByName(ctx context.Context, name string) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, role := range f.roles {
		if role.Name == name {
			return role, nil
		}
	}
	return Role{}, httpx.ErrNotFound
}

func (f *fakeRepo) ListRoles(ctx context.Context) ([]Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.roles))
	for id := range f.roles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	roles := make([]Role, 0, len(ids))
	for _, id := range ids {
		roles = append(roles, f.roles[id])
	}
	return roles, nil
}

func (f *fakeRepo) ListChildRoles(ctx context.Context, parentID int64) ([]Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var children []Role
	for _, role := range f.roles {
		if role.ParentID != nil && *role.ParentID == parentID {
			children = append(children, role)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	return children, nil
}

func (f *fakeRepo) CreateRole(ctx context.Context, role Role) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.roles {
		if existing.Name == role.Name {
			return Role{}, httpx.ErrDuplicate
		}
	}
	f.nextRoleID++
	role.ID = f.nextRoleID
	role.CreatedAt = time.Now()
	role.UpdatedAt = role.CreatedAt
	f.roles[role.ID] = role
	return role, nil
}

func (f *fakeRepo) UpdateRole(ctx context.Context, role Role) (Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdateRoleID != 0 && role.ID == f.failUpdateRoleID {
		return Role{}, errStoreDown
	}
	if _, ok := f.roles[role.ID]; !ok {
		return Role{}, httpx.ErrNotFound
	}
	role.UpdatedAt = time.Now()
	f.roles[role.ID] = role
	return role, nil
}

func (f *fakeRepo) DeleteRole(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.roles[id]; !ok {
		return httpx.ErrNotFound
	}
	delete(f.roles, id)
	delete(f.rolePerms, id)
	for userID, list := range f.userRoles {
		kept := list[:0]
		for _, ur := range list {
			if ur.RoleID != id {
				kept = append(kept, ur)
			}
		}
		f.userRoles[userID] = kept
	}
	return nil
}

func (f *fakeRepo) GetPermission(ctx context.Context, id int64) (Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	perm, ok := f.perms[id]
	if !ok {
		return Permission{}, httpx.ErrNotFound
	}
	return perm, nil
}

func (f *fakeRepo) GetPermissionByKey(ctx context.Context, resource, action string) (Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, perm := range f.perms {
		if perm.Resource == resource && perm.Action == action {
			return perm, nil
		}
	}
	return Permission{}, httpx.ErrNotFound
}

func (f *fakeRepo) ListPermissions(ctx context.Context) ([]Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.perms))
	for id := range f.perms {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	perms := make([]Permission, 0, len(ids))
	for _, id := range ids {
		perms = append(perms, f.perms[id])
	}
	return perms, nil
}

func (f *fakeRepo) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.perms {
		if existing.Resource == perm.Resource && existing.Action == perm.Action {
			return Permission{}, httpx.ErrDuplicate
		}
	}
	f.nextPermID++
	perm.ID = f.nextPermID
	perm.CreatedAt = time.Now()
	perm.UpdatedAt = perm.CreatedAt
	f.perms[perm.ID] = perm
	return perm, nil
}

func (f *fakeRepo) UpdatePermission(ctx context.Context, perm Permission) (Permission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.perms[perm.ID]; !ok {
		return Permission{}, httpx.ErrNotFound
	}
	perm.UpdatedAt = time.Now()
	f.perms[perm.ID] = perm
	return perm, nil
}

func (f *fakeRepo) DeletePermission(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.perms[id]; !ok {
		return httpx.ErrNotFound
	}
	delete(f.perms, id)
	return nil
}

func (f *fakeRepo) UpsertRolePermission(ctx context.Context, rp RolePermission) (RolePermission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upsertRolePermLocked(rp), nil
}

func (f *fakeRepo) DeleteRolePermission(ctx context.Context, roleID, permissionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.rolePerms[roleID]
	for i, rp := range list {
		if rp.PermissionID == permissionID {
			f.rolePerms[roleID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return httpx.ErrNotFound
}

func (f *fakeRepo) ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failListRolePerms {
		return nil, errStoreDown
	}
	out := make([]RolePermission, len(f.rolePerms[roleID]))
	copy(out, f.rolePerms[roleID])
	return out, nil
}

func (f *fakeRepo) CountAssignmentsForPermission(ctx context.Context, permissionID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, list := range f.rolePerms {
		for _, rp := range list {
			if rp.PermissionID == permissionID {
				count++
			}
		}
	}
	return count, nil
}

func (f *fakeRepo) ListRoleIDsForPermission(ctx context.Context, permissionID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for roleID, list := range f.rolePerms {
		for _, rp := range list {
			if rp.PermissionID == permissionID {
				ids = append(ids, roleID)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeRepo) UpsertUserRole(ctx context.Context, ur UserRole) (UserRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upsertUserRoleLocked(ur), nil
}

func (f *fakeRepo) DeleteUserRole(ctx context.Context, userID, roleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.userRoles[userID]
	for i, ur := range list {
		if ur.RoleID == roleID {
			f.userRoles[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return httpx.ErrNotFound
}

func (f *fakeRepo) ListActiveUserRoles(ctx context.Context, userID int64) ([]UserRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []UserRole
	for _, ur := range f.userRoles[userID] {
		if ur.Active(now) {
			out = append(out, ur)
		}
	}
	return out, nil
}

func (f *fakeRepo) CountUserAssignmentsForRole(ctx context.Context, roleID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var count int64
	for _, list := range f.userRoles {
		for _, ur := range list {
			if ur.RoleID == roleID && ur.Active(now) {
				count++
			}
		}
	}
	return count, nil
}

func (f *fakeRepo) ListDescendantRoleIDs(ctx context.Context, roleID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []int64{roleID}
	frontier := []int64{roleID}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, role := range f.roles {
			if role.ParentID != nil && *role.ParentID == next {
				ids = append(ids, role.ID)
				frontier = append(frontier, role.ID)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeRepo) ListUserIDsWithRoles(ctx context.Context, roleIDs []int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wanted := make(map[int64]bool, len(roleIDs))
	for _, id := range roleIDs {
		wanted[id] = true
	}
	seen := make(map[int64]bool)
	for userID, list := range f.userRoles {
		for _, ur := range list {
			if wanted[ur.RoleID] {
				seen[userID] = true
				break
			}
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
