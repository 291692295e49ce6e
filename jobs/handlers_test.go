package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-erp/lodestar-erp/internal/rbac"
)

func testDecisionCache(t *testing.T) *rbac.DecisionCache {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return rbac.NewDecisionCache(client, time.Minute)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleSweepDropsAllDecisions(t *testing.T) {
	cache := testDecisionCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 7, "shipments", "read", true))
	require.NoError(t, cache.Set(ctx, 8, "roles", "create", false))

	h := NewAuthzHandlers(nil, cache, discardLogger(), nil)
	require.NoError(t, h.HandleSweep(ctx, NewSweepTask()))

	_, found, err := cache.Get(ctx, 7, "shipments", "read")
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = cache.Get(ctx, 8, "roles", "create")
	require.NoError(t, err)
	require.False(t, found)
}

func TestHandleRolePurgeSkipsRetryOnBadPayload(t *testing.T) {
	h := NewAuthzHandlers(nil, testDecisionCache(t), discardLogger(), nil)

	task := asynq.NewTask(TaskAuthzRolePurge, []byte("not json"))
	err := h.HandleRolePurge(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewRolePurgeTaskPayload(t *testing.T) {
	task, err := NewRolePurgeTask(42)
	require.NoError(t, err)
	require.Equal(t, TaskAuthzRolePurge, task.Type())
	require.Contains(t, string(task.Payload()), `"role_id":42`)
}
