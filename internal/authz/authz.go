package authz

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/queueworks/vqueue/internal/auth"
	"github.com/queueworks/vqueue/internal/cache"
	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/store"
)

// Permissions are dotted resource.action strings. The wildcard entry on
// an api key grants everything.
const (
	PermQueueCreate   = "queue.create"
	PermQueueRead     = "queue.read"
	PermQueueUpdate   = "queue.update"
	PermQueueDelete   = "queue.delete"
	PermQueueJoin     = "queue.join"
	PermUserCreate    = "user.create"
	PermUserRead      = "user.read"
	PermUserUpdate    = "user.update"
	PermUserDelete    = "user.delete"
	PermAnalyticsRead = "analytics.read"
	PermSystemConfig  = "system.configure"
	PermSystemRetain  = "system.retention"
	PermSystemBackup  = "system.backup"
	PermWildcard      = "*"
)

// decisionTTL bounds how long a stale grant can outlive a role change
const decisionTTL = 5 * time.Minute

// rolePermissions is the static grant table. Roles are coarse; per-key
// grants handle anything finer.
var rolePermissions = map[store.Role][]string{
	store.RoleAdmin: {
		PermQueueCreate, PermQueueRead, PermQueueUpdate, PermQueueDelete, PermQueueJoin,
		PermUserCreate, PermUserRead, PermUserUpdate, PermUserDelete,
		PermAnalyticsRead,
		PermSystemConfig, PermSystemRetain, PermSystemBackup,
	},
	store.RoleManager: {
		PermQueueCreate, PermQueueRead, PermQueueUpdate, PermQueueJoin,
		PermUserRead, PermUserUpdate,
		PermAnalyticsRead,
	},
	store.RoleUser: {
		PermQueueRead, PermQueueUpdate, PermQueueJoin,
		PermUserRead,
	},
	store.RoleGuest: {
		PermQueueRead, PermQueueJoin,
	},
}

// RolePermissions returns the grants for a role. Unknown roles have none.
func RolePermissions(role store.Role) []string {
	return slices.Clone(rolePermissions[role])
}

// Authorizer answers permission checks for resolved identities. Decisions
// are cached per (tenant, principal, permission) so hot paths skip the
// table walk; singleflight collapses concurrent misses for the same key.
type Authorizer struct {
	cache cache.Cache
	group singleflight.Group
}

func New(c cache.Cache) *Authorizer {
	return &Authorizer{cache: c}
}

// Authorize returns nil when the identity holds the permission and a
// FORBIDDEN error otherwise.
func (a *Authorizer) Authorize(ctx context.Context, id *auth.Identity, permission string) error {
	ok, err := a.Allowed(ctx, id, permission)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Forbidden("missing permission: " + permission).WithTenant(id.TenantID)
	}
	return nil
}

// Allowed reports whether the identity holds the permission
func (a *Authorizer) Allowed(ctx context.Context, id *auth.Identity, permission string) (bool, error) {
	key := cache.PermissionKey(id.TenantID, id.UserID, permission)

	var cached bool
	if hit, err := a.cache.Get(ctx, key, &cached); err != nil {
		// Cache trouble never blocks the check, the table walk is cheap
		log.Ctx(ctx).Warn().Err(err).Msg("permission cache read failed")
	} else if hit {
		return cached, nil
	}

	v, err, _ := a.group.Do(key, func() (any, error) {
		decision := decide(id, permission)
		if err := a.cache.Set(ctx, key, decision, decisionTTL); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("permission cache write failed")
		}
		return decision, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func decide(id *auth.Identity, permission string) bool {
	if id.APIKey {
		return slices.Contains(id.Permissions, permission) ||
			slices.Contains(id.Permissions, PermWildcard)
	}
	for _, role := range id.Roles {
		if slices.Contains(rolePermissions[role], permission) {
			return true
		}
	}
	return false
}

// Invalidate drops every cached decision for a principal. Call after a
// role change or key revocation so stale grants expire immediately.
func (a *Authorizer) Invalidate(ctx context.Context, id *auth.Identity) error {
	return a.cache.RemoveByPattern(ctx, cache.PermissionPattern(id.TenantID, id.UserID))
}
