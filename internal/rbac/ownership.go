package rbac

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
)

// OwnershipChecker decides whether a user owns a specific resource instance.
// Resource modules register a checker for their type so ownership dispatch
// needs no central switch.
type OwnershipChecker interface {
	// Owns reports ownership of the resource instance. Lookup failures should
	// be returned as errors; the registry treats them as "not owner".
	Owns(ctx context.Context, userID int64, resourceID string) (bool, error)
}

// OwnershipFunc adapts a function to the OwnershipChecker interface.
type OwnershipFunc func(ctx context.Context, userID int64, resourceID string) (bool, error)

// Owns implements OwnershipChecker.
func (f OwnershipFunc) Owns(ctx context.Context, userID int64, resourceID string) (bool, error) {
	return f(ctx, userID, resourceID)
}

// OwnershipRegistry dispatches ownership checks by resource type. The builtin
// "user" type is always present: a user owns their own user record.
type OwnershipRegistry struct {
	mu       sync.RWMutex
	checkers map[string]OwnershipChecker
	logger   *slog.Logger
}

// NewOwnershipRegistry constructs a registry with the builtin user checker.
func NewOwnershipRegistry(logger *slog.Logger) *OwnershipRegistry {
	reg := &OwnershipRegistry{
		checkers: make(map[string]OwnershipChecker),
		logger:   logger,
	}
	reg.Register("user", OwnershipFunc(func(ctx context.Context, userID int64, resourceID string) (bool, error) {
		id, err := strconv.ParseInt(resourceID, 10, 64)
		if err != nil {
			return false, nil
		}
		return id == userID, nil
	}))
	return reg
}

// Register installs a checker for the given resource type, replacing any
// previous registration.
func (reg *OwnershipRegistry) Register(resourceType string, checker OwnershipChecker) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.checkers[resourceType] = checker
}

// Owns runs the checker registered for resourceType. Unknown types and lookup
// failures resolve to false.
func (reg *OwnershipRegistry) Owns(ctx context.Context, userID int64, resourceType, resourceID string) bool {
	reg.mu.RLock()
	checker, ok := reg.checkers[resourceType]
	reg.mu.RUnlock()
	if !ok {
		if reg.logger != nil {
			reg.logger.Warn("ownership check for unregistered resource type",
				slog.String("resource_type", resourceType))
		}
		return false
	}
	owns, err := checker.Owns(ctx, userID, resourceID)
	if err != nil {
		if reg.logger != nil {
			reg.logger.Error("ownership check failed",
				slog.String("resource_type", resourceType),
				slog.String("resource_id", resourceID),
				slog.Any("error", err))
		}
		return false
	}
	return owns
}
