package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDecisionTTL bounds how long a cached authorization decision may
// outlive the store state that produced it.
const DefaultDecisionTTL = 300 * time.Second

const decisionKeyPrefix = "authz:dec:"

// DecisionCache stores boolean resolution results in Redis. The key is
// (userID, resource, action); request context is deliberately not part of the
// key, so within the TTL the same decision is served regardless of context.
// Mutations compensate by purging every key for each affected user.
//
// All methods tolerate a nil receiver or nil client so the resolver degrades
// to uncached operation instead of failing.
type DecisionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDecisionCache constructs the cache helper. A non-positive ttl falls back
// to DefaultDecisionTTL.
func NewDecisionCache(client *redis.Client, ttl time.Duration) *DecisionCache {
	if ttl <= 0 {
		ttl = DefaultDecisionTTL
	}
	return &DecisionCache{client: client, ttl: ttl}
}

func decisionKey(userID int64, resource, action string) string {
	return fmt.Sprintf("%s%d:%s:%s", decisionKeyPrefix, userID, resource, action)
}

// Get returns the cached decision and whether one was present.
func (c *DecisionCache) Get(ctx context.Context, userID int64, resource, action string) (bool, bool, error) {
	if c == nil || c.client == nil {
		return false, false, nil
	}
	val, err := c.client.Get(ctx, decisionKey(userID, resource, action)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return val == "1", true, nil
}

// Set stores a decision with the configured TTL.
func (c *DecisionCache) Set(ctx context.Context, userID int64, resource, action string, allowed bool) error {
	if c == nil || c.client == nil {
		return nil
	}
	val := "0"
	if allowed {
		val = "1"
	}
	return c.client.Set(ctx, decisionKey(userID, resource, action), val, c.ttl).Err()
}

// DeleteUser removes every cached decision for the user. The scan is bounded
// by that user's own key prefix; deleting more than strictly necessary is
// acceptable, missing a key is not.
func (c *DecisionCache) DeleteUser(ctx context.Context, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	pattern := fmt.Sprintf("%s%d:*", decisionKeyPrefix, userID)
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// DeleteAll removes every cached decision. Used by the background sweep as a
// safety net against invalidations lost between store commit and cache purge.
func (c *DecisionCache) DeleteAll(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	iter := c.client.Scan(ctx, 0, decisionKeyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// TTL exposes the configured decision lifetime.
func (c *DecisionCache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}
