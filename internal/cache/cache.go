package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL applies when Set is called with ttl <= 0
const DefaultTTL = time.Hour

// Cache is the namespaced KV store shared by the rate limiter, the
// authorizer, the token blacklist and the engine's position hints.
// Values round-trip through JSON; a value that fails to decode is
// reported as a miss, never as an error.
type Cache interface {
	// Get decodes the value at key into dest. Returns false on miss.
	Get(ctx context.Context, key string, dest any) (bool, error)
	// Set stores a value with the given TTL (DefaultTTL when ttl <= 0)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Incr atomically increments an integer counter, creating it with the
	// given TTL when absent
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// RemoveByPattern deletes all keys matching a glob pattern
	RemoveByPattern(ctx context.Context, pattern string) error
}

// Key builders for the core keyspaces. Every consumer goes through these
// so the patterns stay greppable in one place.

func PositionKey(queueID uuid.UUID, userIdentifier string) string {
	return fmt.Sprintf("queue:%s:user:%s:position", queueID, userIdentifier)
}

func RateLimitCountKey(scope string) string {
	return fmt.Sprintf("rate_limit:count:%s", scope)
}

func RateLimitWindowKey(scope string) string {
	return fmt.Sprintf("rate_limit:window_start:%s", scope)
}

func RateLimitConfigKey(scope string) string {
	return fmt.Sprintf("rate_limit:config:%s", scope)
}

func PermissionKey(tenantID, userID uuid.UUID, permission string) string {
	return fmt.Sprintf("permission:%s:%s:%s", tenantID, userID, permission)
}

func PermissionPattern(tenantID, userID uuid.UUID) string {
	return fmt.Sprintf("permission:%s:%s:*", tenantID, userID)
}

func UserPermissionsKey(tenantID, userID uuid.UUID) string {
	return fmt.Sprintf("user_permissions:%s:%s", tenantID, userID)
}

func RolePermissionsKey(role string) string {
	return fmt.Sprintf("role_permissions:%s", role)
}

func JTIBlacklistKey(jti string) string {
	return fmt.Sprintf("jwt_blacklist:%s", jti)
}

func JWTTokenKey(tenantID, userID uuid.UUID, jti string) string {
	return fmt.Sprintf("jwt_token:%s:%s:%s", tenantID, userID, jti)
}
