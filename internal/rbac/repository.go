package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lodestar-erp/lodestar-erp/internal/platform/db"
	"github.com/lodestar-erp/lodestar-erp/internal/platform/httpx"
)

// Repository defines the persistence operations the authorization core
// requires. The production implementation is PostgreSQL backed; tests use an
// in-memory fake.
type Repository interface {
	// WithTx runs fn against a Repository scoped to a single transaction.
	// An error from fn rolls the transaction back.
	WithTx(ctx context.Context, fn func(Repository) error) error

	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListChildRoles(ctx context.Context, parentID int64) ([]Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error

	GetPermission(ctx context.Context, id int64) (Permission, error)
	GetPermissionByKey(ctx context.Context, resource, action string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	CreatePermission(ctx context.Context, perm Permission) (Permission, error)
	UpdatePermission(ctx context.Context, perm Permission) (Permission, error)
	DeletePermission(ctx context.Context, id int64) error

	UpsertRolePermission(ctx context.Context, rp RolePermission) (RolePermission, error)
	DeleteRolePermission(ctx context.Context, roleID, permissionID int64) error
	ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error)
	CountAssignmentsForPermission(ctx context.Context, permissionID int64) (int64, error)
	ListRoleIDsForPermission(ctx context.Context, permissionID int64) ([]int64, error)

	UpsertUserRole(ctx context.Context, ur UserRole) (UserRole, error)
	DeleteUserRole(ctx context.Context, userID, roleID int64) error
	ListActiveUserRoles(ctx context.Context, userID int64) ([]UserRole, error)
	CountUserAssignmentsForRole(ctx context.Context, roleID int64) (int64, error)

	// ListDescendantRoleIDs returns roleID plus every role that inherits from
	// it, directly or transitively.
	ListDescendantRoleIDs(ctx context.Context, roleID int64) ([]int64, error)
	// ListUserIDsWithRoles returns the distinct users holding any of the given
	// roles, active or not. Used for cache invalidation sweeps.
	ListUserIDsWithRoles(ctx context.Context, roleIDs []int64) ([]int64, error)
}

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type repository struct {
	pool *pgxpool.Pool
	db   dbtx
}

// NewRepository constructs the PostgreSQL backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool, db: pool}
}

// WithTx hands fn a Repository whose statements run on one transaction.
// Nested calls reuse the surrounding transaction.
func (r *repository) WithTx(ctx context.Context, fn func(Repository) error) error {
	if r.pool == nil {
		return fn(r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&repository{db: tx})
	})
}

const uniqueViolation = "23505"

func mapPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return httpx.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return httpx.ErrDuplicate
	}
	return err
}

func marshalBag(cm ConstraintMap) ([]byte, error) {
	if cm == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(cm)
}

func unmarshalBag(raw []byte) (ConstraintMap, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var cm ConstraintMap
	if err := json.Unmarshal(raw, &cm); err != nil {
		return nil, err
	}
	if len(cm) == 0 {
		return nil, nil
	}
	return cm, nil
}

// Roles

const roleColumns = `id, name, description, parent_id, level, is_system, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.ParentID, &role.Level, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		return Role{}, mapPgError(err)
	}
	return role, nil
}

func (r *repository) GetRole(ctx context.Context, id int64) (Role, error) {
	return scanRole(r.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
}

func (r *repository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	return scanRole(r.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
}

func (r *repository) listRolesQuery(ctx context.Context, query string, args ...interface{}) ([]Role, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.ParentID, &role.Level, &role.IsSystem, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r *repository) ListRoles(ctx context.Context) ([]Role, error) {
	return r.listRolesQuery(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY id`)
}

func (r *repository) ListChildRoles(ctx context.Context, parentID int64) ([]Role, error) {
	return r.listRolesQuery(ctx, `SELECT `+roleColumns+` FROM roles WHERE parent_id = $1 ORDER BY id`, parentID)
}

func (r *repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO roles (name, description, parent_id, level, is_system)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+roleColumns,
		role.Name, role.Description, role.ParentID, role.Level, role.IsSystem)
	return scanRole(row)
}

func (r *repository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE roles
		SET name = $2, description = $3, parent_id = $4, level = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING `+roleColumns,
		role.ID, role.Name, role.Description, role.ParentID, role.Level)
	return scanRole(row)
}

func (r *repository) DeleteRole(ctx context.Context, id int64) error {
	// role_permissions rows cascade via FK.
	tag, err := r.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// Permissions

const permColumns = `id, resource, action, description, attributes, is_system, created_at, updated_at`

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	var attrs []byte
	err := row.Scan(&perm.ID, &perm.Resource, &perm.Action, &perm.Description, &attrs, &perm.IsSystem, &perm.CreatedAt, &perm.UpdatedAt)
	if err != nil {
		return Permission{}, mapPgError(err)
	}
	if perm.Attributes, err = unmarshalBag(attrs); err != nil {
		return Permission{}, fmt.Errorf("rbac: decode permission attributes: %w", err)
	}
	return perm, nil
}

func (r *repository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	return scanPermission(r.db.QueryRow(ctx, `SELECT `+permColumns+` FROM permissions WHERE id = $1`, id))
}

func (r *repository) GetPermissionByKey(ctx context.Context, resource, action string) (Permission, error) {
	return scanPermission(r.db.QueryRow(ctx, `SELECT `+permColumns+` FROM permissions WHERE resource = $1 AND action = $2`, resource, action))
}

func (r *repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.db.Query(ctx, `SELECT `+permColumns+` FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var perm Permission
		var attrs []byte
		if err := rows.Scan(&perm.ID, &perm.Resource, &perm.Action, &perm.Description, &attrs, &perm.IsSystem, &perm.CreatedAt, &perm.UpdatedAt); err != nil {
			return nil, err
		}
		if perm.Attributes, err = unmarshalBag(attrs); err != nil {
			return nil, fmt.Errorf("rbac: decode permission attributes: %w", err)
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func (r *repository) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	attrs, err := marshalBag(perm.Attributes)
	if err != nil {
		return Permission{}, fmt.Errorf("rbac: encode permission attributes: %w", err)
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO permissions (resource, action, description, attributes, is_system)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+permColumns,
		perm.Resource, perm.Action, perm.Description, attrs, perm.IsSystem)
	return scanPermission(row)
}

func (r *repository) UpdatePermission(ctx context.Context, perm Permission) (Permission, error) {
	attrs, err := marshalBag(perm.Attributes)
	if err != nil {
		return Permission{}, fmt.Errorf("rbac: encode permission attributes: %w", err)
	}
	row := r.db.QueryRow(ctx, `
		UPDATE permissions
		SET resource = $2, action = $3, description = $4, attributes = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING `+permColumns,
		perm.ID, perm.Resource, perm.Action, perm.Description, attrs)
	return scanPermission(row)
}

func (r *repository) DeletePermission(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

// Role-permission assignments

const rolePermColumns = `role_id, permission_id, constraints, granted, created_at, updated_at`

func scanRolePermission(row pgx.Row) (RolePermission, error) {
	var rp RolePermission
	var constraints []byte
	err := row.Scan(&rp.RoleID, &rp.PermissionID, &constraints, &rp.Granted, &rp.CreatedAt, &rp.UpdatedAt)
	if err != nil {
		return RolePermission{}, mapPgError(err)
	}
	if rp.Constraints, err = unmarshalBag(constraints); err != nil {
		return RolePermission{}, fmt.Errorf("rbac: decode assignment constraints: %w", err)
	}
	return rp, nil
}

func (r *repository) UpsertRolePermission(ctx context.Context, rp RolePermission) (RolePermission, error) {
	constraints, err := marshalBag(rp.Constraints)
	if err != nil {
		return RolePermission{}, fmt.Errorf("rbac: encode assignment constraints: %w", err)
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, constraints, granted)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (role_id, permission_id)
		DO UPDATE SET constraints = EXCLUDED.constraints, granted = EXCLUDED.granted, updated_at = NOW()
		RETURNING `+rolePermColumns,
		rp.RoleID, rp.PermissionID, constraints, rp.Granted)
	return scanRolePermission(row)
}

func (r *repository) DeleteRolePermission(ctx context.Context, roleID, permissionID int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, permissionID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

func (r *repository) ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	rows, err := r.db.Query(ctx, `SELECT `+rolePermColumns+` FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []RolePermission
	for rows.Next() {
		var rp RolePermission
		var constraints []byte
		if err := rows.Scan(&rp.RoleID, &rp.PermissionID, &constraints, &rp.Granted, &rp.CreatedAt, &rp.UpdatedAt); err != nil {
			return nil, err
		}
		if rp.Constraints, err = unmarshalBag(constraints); err != nil {
			return nil, fmt.Errorf("rbac: decode assignment constraints: %w", err)
		}
		assignments = append(assignments, rp)
	}
	return assignments, rows.Err()
}

func (r *repository) CountAssignmentsForPermission(ctx context.Context, permissionID int64) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM role_permissions WHERE permission_id = $1`, permissionID).Scan(&count)
	return count, err
}

func (r *repository) ListRoleIDsForPermission(ctx context.Context, permissionID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT role_id FROM role_permissions WHERE permission_id = $1`, permissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// User-role assignments

const userRoleColumns = `user_id, role_id, scope, expires_at, is_active, created_at, updated_at`

func (r *repository) UpsertUserRole(ctx context.Context, ur UserRole) (UserRole, error) {
	scope, err := marshalBag(ur.Scope)
	if err != nil {
		return UserRole{}, fmt.Errorf("rbac: encode assignment scope: %w", err)
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO user_roles (user_id, role_id, scope, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, role_id)
		DO UPDATE SET scope = EXCLUDED.scope, expires_at = EXCLUDED.expires_at, is_active = EXCLUDED.is_active, updated_at = NOW()
		RETURNING `+userRoleColumns,
		ur.UserID, ur.RoleID, scope, ur.ExpiresAt, ur.IsActive)
	return scanUserRole(row)
}

func scanUserRole(row pgx.Row) (UserRole, error) {
	var ur UserRole
	var scope []byte
	err := row.Scan(&ur.UserID, &ur.RoleID, &scope, &ur.ExpiresAt, &ur.IsActive, &ur.CreatedAt, &ur.UpdatedAt)
	if err != nil {
		return UserRole{}, mapPgError(err)
	}
	if ur.Scope, err = unmarshalBag(scope); err != nil {
		return UserRole{}, fmt.Errorf("rbac: decode assignment scope: %w", err)
	}
	return ur, nil
}

func (r *repository) DeleteUserRole(ctx context.Context, userID, roleID int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return httpx.ErrNotFound
	}
	return nil
}

func (r *repository) ListActiveUserRoles(ctx context.Context, userID int64) ([]UserRole, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+userRoleColumns+`
		FROM user_roles
		WHERE user_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY role_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []UserRole
	for rows.Next() {
		var ur UserRole
		var scope []byte
		if err := rows.Scan(&ur.UserID, &ur.RoleID, &scope, &ur.ExpiresAt, &ur.IsActive, &ur.CreatedAt, &ur.UpdatedAt); err != nil {
			return nil, err
		}
		if ur.Scope, err = unmarshalBag(scope); err != nil {
			return nil, fmt.Errorf("rbac: decode assignment scope: %w", err)
		}
		assignments = append(assignments, ur)
	}
	return assignments, rows.Err()
}

func (r *repository) CountUserAssignmentsForRole(ctx context.Context, roleID int64) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM user_roles
		WHERE role_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > NOW())`, roleID).Scan(&count)
	return count, err
}

// Reverse lookups

func (r *repository) ListDescendantRoleIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		WITH RECURSIVE descendants AS (
			SELECT id FROM roles WHERE id = $1
			UNION ALL
			SELECT r.id FROM roles r
			JOIN descendants d ON r.parent_id = d.id
		)
		SELECT id FROM descendants`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (r *repository) ListUserIDsWithRoles(ctx context.Context, roleIDs []int64) ([]int64, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `SELECT DISTINCT user_id FROM user_roles WHERE role_id = ANY($1)`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
