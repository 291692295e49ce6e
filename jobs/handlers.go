package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/lodestar-erp/lodestar-erp/internal/jobs"
	"github.com/lodestar-erp/lodestar-erp/internal/rbac"
)

// AuthzHandlers processes authorization cache maintenance tasks.
type AuthzHandlers struct {
	repo    rbac.Repository
	cache   *rbac.DecisionCache
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewAuthzHandlers constructs the task handlers. metrics may be nil.
func NewAuthzHandlers(repo rbac.Repository, cache *rbac.DecisionCache, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuthzHandlers {
	return &AuthzHandlers{repo: repo, cache: cache, logger: logger, metrics: metrics}
}

// HandleRolePurge re-runs the purge for every user holding the role or one of
// its descendants. Errors are returned so Asynq retries with backoff.
func (h *AuthzHandlers) HandleRolePurge(ctx context.Context, t *asynq.Task) error {
	tracker := h.metrics.Track("authz_role_purge")
	var payload RolePurgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	return tracker.End(h.purgeRoleUsers(ctx, payload.RoleID))
}

func (h *AuthzHandlers) purgeRoleUsers(ctx context.Context, roleID int64) error {
	roleIDs, err := h.repo.ListDescendantRoleIDs(ctx, roleID)
	if err != nil {
		return fmt.Errorf("enumerate descendant roles: %w", err)
	}
	userIDs, err := h.repo.ListUserIDsWithRoles(ctx, roleIDs)
	if err != nil {
		return fmt.Errorf("enumerate users: %w", err)
	}
	for _, userID := range userIDs {
		if err := h.cache.DeleteUser(ctx, userID); err != nil {
			return fmt.Errorf("purge decisions for user %d: %w", userID, err)
		}
	}
	h.logger.Info("role purge retry completed",
		slog.Int64("role_id", roleID),
		slog.Int("users", len(userIDs)))
	return nil
}

// HandleSweep drops every cached decision.
func (h *AuthzHandlers) HandleSweep(ctx context.Context, t *asynq.Task) error {
	tracker := h.metrics.Track("authz_sweep")
	dropped, err := h.cache.DeleteAll(ctx)
	if err != nil {
		return tracker.End(fmt.Errorf("sweep decision cache: %w", err))
	}
	h.logger.Info("decision cache sweep completed", slog.Int64("dropped", dropped))
	return tracker.End(nil)
}
