package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lodestar-erp/lodestar-erp/internal/platform/httpx"
)

func testService(t *testing.T, repo *fakeRepo) (*Service, *DecisionCache) {
	t.Helper()
	cache, _ := testCache(t)
	return NewService(repo, cache, nil, nil), cache
}

func TestCreateRoleComputesLevelFromParent(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := testService(t, repo)
	ctx := context.Background()

	root, err := svc.CreateRole(ctx, CreateRoleInput{Name: "operations"})
	require.NoError(t, err)
	require.Equal(t, 0, root.Level)

	child, err := svc.CreateRole(ctx, CreateRoleInput{Name: "dispatcher", ParentID: &root.ID})
	require.NoError(t, err)
	require.Equal(t, 1, child.Level)
	require.Equal(t, root.ID, *child.ParentID)
}

func TestCreateRoleRejectsDuplicateName(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := testService(t, repo)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, CreateRoleInput{Name: "dispatcher"})
	require.NoError(t, err)

	_, err = svc.CreateRole(ctx, CreateRoleInput{Name: "dispatcher"})
	require.ErrorIs(t, err, httpx.ErrDuplicate)
}

func TestCreateRoleRejectsMissingParent(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := testService(t, repo)

	missing := int64(404)
	_, err := svc.CreateRole(context.Background(), CreateRoleInput{Name: "dispatcher", ParentID: &missing})
	require.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestUpdateRoleSystemForbidden(t *testing.T) {
	repo := newFakeRepo()
	role := repo.addRole("operations", nil, true)
	svc, _ := testService(t, repo)

	name := "renamed"
	_, err := svc.UpdateRole(context.Background(), role.ID, UpdateRoleInput{Name: &name})
	require.ErrorIs(t, err, httpx.ErrForbidden)
}

func TestReparentRejectsSelfAndDescendants(t *testing.T) {
	repo := newFakeRepo()
	root := repo.addRole("operations", nil, false)
	mid := repo.addRole("ops-manager", &root.ID, false)
	leaf := repo.addRole("dispatcher", &mid.ID, false)
	svc, _ := testService(t, repo)
	ctx := context.Background()

	_, err := svc.Reparent(ctx, root.ID, &root.ID)
	require.ErrorIs(t, err, httpx.ErrValidation)

	_, err = svc.Reparent(ctx, root.ID, &leaf.ID)
	require.ErrorIs(t, err, httpx.ErrValidation)
	require.ErrorContains(t, err, "circular")
}

func TestReparentRecomputesSubtreeLevels(t *testing.T) {
	repo := newFakeRepo()
	rootA := repo.addRole("operations", nil, false)
	rootB := repo.addRole("regional", nil, false)
	mid := repo.addRole("ops-manager", &rootA.ID, false)
	leaf := repo.addRole("dispatcher", &mid.ID, false)
	svc, _ := testService(t, repo)
	ctx := context.Background()

	// Move rootB under the leaf: rootB becomes level 3.
	moved, err := svc.Reparent(ctx, rootB.ID, &leaf.ID)
	require.NoError(t, err)
	require.Equal(t, 3, moved.Level)

	// Detach mid to the root: mid 0, leaf 1, rootB 2.
	detached, err := svc.Reparent(ctx, mid.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 0, detached.Level)

	gotLeaf, err := svc.GetRole(ctx, leaf.ID)
	require.NoError(t, err)
	require.Equal(t, 1, gotLeaf.Level)

	gotB, err := svc.GetRole(ctx, rootB.ID)
	require.NoError(t, err)
	require.Equal(t, 2, gotB.Level)
}

func TestReparentDiscardsMoveWhenSubtreeRewriteFails(t *testing.T) {
	repo := newFakeRepo()
	root := repo.addRole("operations", nil, false)
	mid := repo.addRole("ops-manager", &root.ID, false)
	leaf := repo.addRole("dispatcher", &mid.ID, false)
	repo.failUpdateRoleID = leaf.ID
	svc, _ := testService(t, repo)
	ctx := context.Background()

	// Detaching mid succeeds, then the leaf rewrite fails; the whole move
	// must be discarded so levels stay consistent.
	_, err := svc.Reparent(ctx, mid.ID, nil)
	require.ErrorIs(t, err, errStoreDown)

	gotMid, err := svc.GetRole(ctx, mid.ID)
	require.NoError(t, err)
	require.Equal(t, root.ID, *gotMid.ParentID)
	require.Equal(t, 1, gotMid.Level)

	gotLeaf, err := svc.GetRole(ctx, leaf.ID)
	require.NoError(t, err)
	require.Equal(t, 2, gotLeaf.Level)
}

func TestDeleteRoleGuards(t *testing.T) {
	repo := newFakeRepo()
	root := repo.addRole("operations", nil, false)
	leaf := repo.addRole("dispatcher", &root.ID, false)
	system := repo.addRole("platform", nil, true)
	repo.assign(7, leaf.ID, nil, true)
	svc, _ := testService(t, repo)
	ctx := context.Background()

	require.ErrorIs(t, svc.DeleteRole(ctx, system.ID), httpx.ErrForbidden)
	require.ErrorIs(t, svc.DeleteRole(ctx, root.ID), httpx.ErrValidation)
	require.ErrorIs(t, svc.DeleteRole(ctx, leaf.ID), httpx.ErrValidation)

	require.NoError(t, svc.RevokeRoleFromUser(ctx, 7, leaf.ID))
	require.NoError(t, svc.DeleteRole(ctx, leaf.ID))
	require.NoError(t, svc.DeleteRole(ctx, root.ID))
}

func TestHierarchyBuildsForest(t *testing.T) {
	repo := newFakeRepo()
	rootA := repo.addRole("operations", nil, false)
	rootB := repo.addRole("finance", nil, false)
	mid := repo.addRole("ops-manager", &rootA.ID, false)
	repo.addRole("dispatcher", &mid.ID, false)
	svc, _ := testService(t, repo)

	forest, err := svc.Hierarchy(context.Background())
	require.NoError(t, err)
	require.Len(t, forest, 2)
	require.Equal(t, rootA.ID, forest[0].ID)
	require.Equal(t, rootB.ID, forest[1].ID)
	require.Len(t, forest[0].Children, 1)
	require.Len(t, forest[0].Children[0].Children, 1)
	require.Empty(t, forest[1].Children)
}

func TestCreatePermissionRejectsDuplicateKey(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := testService(t, repo)
	ctx := context.Background()

	_, err := svc.CreatePermission(ctx, CreatePermissionInput{Resource: "shipments", Action: "read"})
	require.NoError(t, err)

	_, err = svc.CreatePermission(ctx, CreatePermissionInput{Resource: "shipments", Action: "read"})
	require.ErrorIs(t, err, httpx.ErrDuplicate)
}

func TestUpdatePermissionUniquenessExcludesSelf(t *testing.T) {
	repo := newFakeRepo()
	perm := repo.addPermission("shipments", "read", nil)
	repo.addPermission("shipments", "create", nil)
	svc, _ := testService(t, repo)
	ctx := context.Background()

	// Re-saving the same key on the same row is fine.
	resource := "shipments"
	action := "read"
	_, err := svc.UpdatePermission(ctx, perm.ID, UpdatePermissionInput{Resource: &resource, Action: &action})
	require.NoError(t, err)

	// Colliding with another row is not.
	create := "create"
	_, err = svc.UpdatePermission(ctx, perm.ID, UpdatePermissionInput{Action: &create})
	require.ErrorIs(t, err, httpx.ErrDuplicate)
}

func TestDeletePermissionBlockedWhileAssigned(t *testing.T) {
	repo := newFakeRepo()
	role := repo.addRole("dispatcher", nil, false)
	perm := repo.addPermission("shipments", "read", nil)
	repo.grant(role.ID, perm.ID, nil, true)
	svc, _ := testService(t, repo)
	ctx := context.Background()

	require.ErrorIs(t, svc.DeletePermission(ctx, perm.ID), httpx.ErrValidation)

	require.NoError(t, svc.RevokePermissionFromRole(ctx, role.ID, perm.ID))
	require.NoError(t, svc.DeletePermission(ctx, perm.ID))
}

func TestAssignPermissionUpsertsInPlace(t *testing.T) {
	repo := newFakeRepo()
	role := repo.addRole("dispatcher", nil, false)
	perm := repo.addPermission("shipments", "update", nil)
	svc, _ := testService(t, repo)
	ctx := context.Background()

	first, err := svc.AssignPermissionToRole(ctx, role.ID, perm.ID, AssignPermissionInput{Granted: true})
	require.NoError(t, err)
	require.True(t, first.Granted)

	second, err := svc.AssignPermissionToRole(ctx, role.ID, perm.ID, AssignPermissionInput{
		Constraints: ConstraintMap{"department": "express"},
		Granted:     false,
	})
	require.NoError(t, err)
	require.False(t, second.Granted)

	assignments, err := repo.ListRolePermissions(ctx, role.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, ConstraintMap{"department": "express"}, assignments[0].Constraints)
}

func TestAssignPermissionPurgesCachedDecisions(t *testing.T) {
	repo := newFakeRepo()
	root := repo.addRole("operations", nil, false)
	leaf := repo.addRole("dispatcher", &root.ID, false)
	perm := repo.addPermission("shipments", "create", nil)
	repo.assign(7, leaf.ID, nil, true)
	svc, cache := testService(t, repo)
	ctx := context.Background()

	// A stale decision for a user holding a descendant role.
	require.NoError(t, cache.Set(ctx, 7, "shipments", "create", false))

	_, err := svc.AssignPermissionToRole(ctx, root.ID, perm.ID, AssignPermissionInput{Granted: true})
	require.NoError(t, err)

	_, found, err := cache.Get(ctx, 7, "shipments", "create")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRevokePermissionPurgesCachedDecisions(t *testing.T) {
	repo := newFakeRepo()
	root := repo.addRole("operations", nil, false)
	leaf := repo.addRole("dispatcher", &root.ID, false)
	perm := repo.addPermission("shipments", "create", nil)
	repo.grant(root.ID, perm.ID, nil, true)
	repo.assign(7, leaf.ID, nil, true)
	svc, cache := testService(t, repo)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 7, "shipments", "create", true))

	require.NoError(t, svc.RevokePermissionFromRole(ctx, root.ID, perm.ID))

	_, found, err := cache.Get(ctx, 7, "shipments", "create")
	require.NoError(t, err)
	require.False(t, found)
}

func TestAssignRoleToUserPurgesOnlyThatUser(t *testing.T) {
	repo := newFakeRepo()
	role := repo.addRole("dispatcher", nil, false)
	svc, cache := testService(t, repo)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 7, "shipments", "read", true))
	require.NoError(t, cache.Set(ctx, 8, "shipments", "read", true))

	expires := time.Now().Add(time.Hour)
	_, err := svc.AssignRoleToUser(ctx, 7, role.ID, AssignRoleInput{ExpiresAt: &expires, IsActive: true})
	require.NoError(t, err)

	_, found, err := cache.Get(ctx, 7, "shipments", "read")
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = cache.Get(ctx, 8, "shipments", "read")
	require.NoError(t, err)
	require.True(t, found)
}

func TestRevokeMissingAssignmentIsNotFound(t *testing.T) {
	repo := newFakeRepo()
	role := repo.addRole("dispatcher", nil, false)
	svc, _ := testService(t, repo)
	ctx := context.Background()

	require.ErrorIs(t, svc.RevokeRoleFromUser(ctx, 7, role.ID), httpx.ErrNotFound)
	require.ErrorIs(t, svc.RevokePermissionFromRole(ctx, role.ID, 1), httpx.ErrNotFound)
}

func TestPermissionsForRoleIncludesAncestors(t *testing.T) {
	repo := newFakeRepo()
	root := repo.addRole("operations", nil, false)
	leaf := repo.addRole("dispatcher", &root.ID, false)
	read := repo.addPermission("shipments", "read", nil)
	create := repo.addPermission("shipments", "create", nil)
	repo.grant(root.ID, read.ID, nil, true)
	repo.grant(root.ID, create.ID, nil, true)
	// The leaf shadows the inherited create with an explicit deny.
	repo.grant(leaf.ID, create.ID, nil, false)
	svc, _ := testService(t, repo)
	ctx := context.Background()

	direct, err := svc.PermissionsForRole(ctx, leaf.ID, false)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	require.False(t, direct[0].Granted)

	full, err := svc.PermissionsForRole(ctx, leaf.ID, true)
	require.NoError(t, err)
	require.Len(t, full, 2)
	for _, view := range full {
		switch view.Permission.ID {
		case create.ID:
			require.Equal(t, leaf.ID, view.SourceRole)
			require.False(t, view.Granted)
		case read.ID:
			require.Equal(t, root.ID, view.SourceRole)
			require.True(t, view.Granted)
		default:
			t.Fatalf("unexpected permission %d", view.Permission.ID)
		}
	}
}
