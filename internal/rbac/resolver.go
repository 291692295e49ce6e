package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lodestar-erp/lodestar-erp/internal/platform/httpx"
)

// UserDirectory is the narrow slice of the users module the resolver needs.
type UserDirectory interface {
	// FindSubject returns the subject for a user id, or a httpx.ErrNotFound
	// wrapped error when the user does not exist.
	FindSubject(ctx context.Context, userID int64) (Subject, error)
}

// DecisionMetrics receives resolution outcomes. Implemented by the
// observability package; a nil value disables instrumentation.
type DecisionMetrics interface {
	AuthzDecision(outcome, source string)
}

// PermissionRef names a (resource, action) pair for the composite helpers.
type PermissionRef struct {
	Resource string
	Action   string
}

// maxChainDepth bounds the ancestor walk. The hierarchy is expected to stay
// single-digit deep; the bound protects resolution from corrupted parent data.
const maxChainDepth = 32

// Resolver computes whether a user's roles grant a permission in a given
// context. Every uncertainty or failure resolves to deny; infrastructure
// errors are logged, never surfaced to callers.
type Resolver struct {
	repo      Repository
	users     UserDirectory
	cache     *DecisionCache
	ownership *OwnershipRegistry
	logger    *slog.Logger
	metrics   DecisionMetrics

	now func() time.Time
}

// NewResolver constructs the resolver. cache, ownership and metrics may be nil.
func NewResolver(repo Repository, users UserDirectory, cache *DecisionCache, ownership *OwnershipRegistry, logger *slog.Logger, metrics DecisionMetrics) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if ownership == nil {
		ownership = NewOwnershipRegistry(logger)
	}
	return &Resolver{
		repo:      repo,
		users:     users,
		cache:     cache,
		ownership: ownership,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Ownership exposes the registry so resource modules can register checkers.
func (r *Resolver) Ownership() *OwnershipRegistry {
	return r.ownership
}

// Resolve reports whether the user may perform action on resource given the
// request context. The decision is cached under (userID, resource, action);
// context is not part of the key, so differing contexts share one cached
// decision until the TTL expires or the user's entries are purged.
func (r *Resolver) Resolve(ctx context.Context, userID int64, resource, action string, reqCtx ConstraintMap) bool {
	if cached, ok, err := r.cache.Get(ctx, userID, resource, action); err == nil && ok {
		r.observe(cached, "cache")
		return cached
	} else if err != nil {
		r.logger.Warn("authz cache read failed, resolving from store",
			slog.Int64("user_id", userID), slog.Any("error", err))
	}

	allowed, cacheable, err := r.resolveFromStore(ctx, userID, resource, action, reqCtx)
	if err != nil {
		// Fail closed: a transient fault must never elevate into access.
		r.logger.Error("authz resolution failed, denying",
			slog.Int64("user_id", userID),
			slog.String("resource", resource),
			slog.String("action", action),
			slog.Any("error", err))
		r.observe(false, "store")
		return false
	}

	if cacheable {
		if err := r.cache.Set(ctx, userID, resource, action, allowed); err != nil {
			r.logger.Warn("authz cache write failed",
				slog.Int64("user_id", userID), slog.Any("error", err))
		}
	}
	r.observe(allowed, "store")
	return allowed
}

// resolveFromStore runs the uncached algorithm. cacheable is false for
// transient conditions (missing user, missing permission row) that should not
// be remembered as durable decisions.
func (r *Resolver) resolveFromStore(ctx context.Context, userID int64, resource, action string, reqCtx ConstraintMap) (allowed, cacheable bool, err error) {
	subject, err := r.users.FindSubject(ctx, userID)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("load user: %w", err)
	}
	if !subject.IsActive {
		return false, false, nil
	}
	if subject.IsSuperuser {
		return true, true, nil
	}

	assignments, err := r.repo.ListActiveUserRoles(ctx, userID)
	if err != nil {
		return false, false, fmt.Errorf("load role assignments: %w", err)
	}
	now := r.now()
	active := assignments[:0]
	for _, ur := range assignments {
		if ur.Active(now) {
			active = append(active, ur)
		}
	}
	if len(active) == 0 {
		return false, true, nil
	}

	perm, err := r.repo.GetPermissionByKey(ctx, resource, action)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("load permission: %w", err)
	}

	for _, ur := range active {
		settled, granted, err := r.settleChain(ctx, ur.RoleID, perm, reqCtx)
		if err != nil {
			return false, false, err
		}
		if settled && granted {
			return true, true, nil
		}
	}
	return false, true, nil
}

// settleChain walks from roleID up its ancestor chain and returns the outcome
// of the first assignment addressing the target permission. The nearest entry
// wins: an explicit deny close to the role shadows grants further up.
func (r *Resolver) settleChain(ctx context.Context, roleID int64, perm Permission, reqCtx ConstraintMap) (settled, granted bool, err error) {
	current := roleID
	for depth := 0; depth < maxChainDepth; depth++ {
		assignments, err := r.repo.ListRolePermissions(ctx, current)
		if err != nil {
			return false, false, fmt.Errorf("load role permissions: %w", err)
		}
		for _, rp := range assignments {
			if rp.PermissionID != perm.ID {
				continue
			}
			if !rp.Granted {
				return true, false, nil
			}
			return true, r.assignmentMatches(rp, perm, reqCtx), nil
		}

		role, err := r.repo.GetRole(ctx, current)
		if err != nil {
			return false, false, fmt.Errorf("load role %d: %w", current, err)
		}
		if role.ParentID == nil {
			return false, false, nil
		}
		current = *role.ParentID
	}
	r.logger.Warn("role chain exceeded max depth, treating as unsettled",
		slog.Int64("role_id", roleID))
	return false, false, nil
}

// assignmentMatches evaluates the assignment constraints merged over the
// request context (constraints win on overlapping keys) against the
// permission's own attribute conditions.
func (r *Resolver) assignmentMatches(rp RolePermission, perm Permission, reqCtx ConstraintMap) bool {
	merged := rp.Constraints.Merge(reqCtx)
	return perm.Attributes.SubsetOf(merged)
}

// HasAny reports whether Resolve succeeds for at least one pair. It
// short-circuits on the first allow.
func (r *Resolver) HasAny(ctx context.Context, userID int64, refs []PermissionRef, reqCtx ConstraintMap) bool {
	for _, ref := range refs {
		if r.Resolve(ctx, userID, ref.Resource, ref.Action, reqCtx) {
			return true
		}
	}
	return false
}

// HasAll reports whether Resolve succeeds for every pair. It short-circuits
// on the first deny; an empty list is vacuously true.
func (r *Resolver) HasAll(ctx context.Context, userID int64, refs []PermissionRef, reqCtx ConstraintMap) bool {
	for _, ref := range refs {
		if !r.Resolve(ctx, userID, ref.Resource, ref.Action, reqCtx) {
			return false
		}
	}
	return true
}

// OwnsResource reports whether the user owns the specific resource instance.
// Call sites combine it as Resolve(...) || OwnsResource(...), permission check
// first since it is cheap when cached.
func (r *Resolver) OwnsResource(ctx context.Context, userID int64, resourceType, resourceID string) bool {
	return r.ownership.Owns(ctx, userID, resourceType, resourceID)
}

// UserPermissions materializes the user's full granted permission set across
// all active roles and their ancestors, nearest-wins per chain. Used by UI
// permission displays; results are not cached.
func (r *Resolver) UserPermissions(ctx context.Context, userID int64) ([]Permission, error) {
	subject, err := r.users.FindSubject(ctx, userID)
	if err != nil {
		return nil, err
	}
	if subject.IsSuperuser {
		return r.repo.ListPermissions(ctx)
	}

	assignments, err := r.repo.ListActiveUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := r.now()

	grantedIDs := make(map[int64]bool)
	for _, ur := range assignments {
		if !ur.Active(now) {
			continue
		}
		// settled tracks permissions already decided on this chain so nearer
		// entries shadow ancestor ones; denies settle without granting.
		settled := make(map[int64]bool)
		current := ur.RoleID
		for depth := 0; depth < maxChainDepth; depth++ {
			rps, err := r.repo.ListRolePermissions(ctx, current)
			if err != nil {
				return nil, err
			}
			for _, rp := range rps {
				if settled[rp.PermissionID] {
					continue
				}
				settled[rp.PermissionID] = true
				if rp.Granted {
					grantedIDs[rp.PermissionID] = true
				}
			}
			role, err := r.repo.GetRole(ctx, current)
			if err != nil {
				return nil, err
			}
			if role.ParentID == nil {
				break
			}
			current = *role.ParentID
		}
	}

	ids := make([]int64, 0, len(grantedIDs))
	for id := range grantedIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	perms := make([]Permission, 0, len(ids))
	for _, id := range ids {
		perm, err := r.repo.GetPermission(ctx, id)
		if err != nil {
			if errors.Is(err, httpx.ErrNotFound) {
				continue
			}
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, nil
}

// InvalidateUser drops every cached decision for the user.
func (r *Resolver) InvalidateUser(ctx context.Context, userID int64) error {
	return r.cache.DeleteUser(ctx, userID)
}

func (r *Resolver) observe(allowed bool, source string) {
	if r.metrics == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	r.metrics.AuthzDecision(outcome, source)
}
