package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOwnershipRegistryBuiltinUserChecker(t *testing.T) {
	reg := NewOwnershipRegistry(nil)
	ctx := context.Background()

	require.True(t, reg.Owns(ctx, 7, "user", "7"))
	require.False(t, reg.Owns(ctx, 7, "user", "8"))
	require.False(t, reg.Owns(ctx, 7, "user", "seven"))
}

func TestOwnershipRegistryUnknownTypeAndErrors(t *testing.T) {
	reg := NewOwnershipRegistry(nil)
	ctx := context.Background()

	require.False(t, reg.Owns(ctx, 7, "warehouse", "1"))

	reg.Register("warehouse", OwnershipFunc(func(ctx context.Context, userID int64, resourceID string) (bool, error) {
		return false, errors.New("lookup failed")
	}))
	require.False(t, reg.Owns(ctx, 7, "warehouse", "1"))

	reg.Register("warehouse", OwnershipFunc(func(ctx context.Context, userID int64, resourceID string) (bool, error) {
		return resourceID == "1", nil
	}))
	require.True(t, reg.Owns(ctx, 7, "warehouse", "1"))
}
