package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/queueworks/vqueue/internal/cache"
)

// Config is the per-scope request budget
type Config struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// DefaultConfig applies to scopes with no stored override
var DefaultConfig = Config{Requests: 600, Window: time.Minute}

// Decision is the outcome of a single rate check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter enforces fixed-window request budgets keyed by scope strings.
// State lives in the shared cache so every server instance counts against
// the same window. Cache failures fail open: throttling is protection,
// not correctness, and an unavailable cache must not take the API down.
type Limiter struct {
	cache    cache.Cache
	clock    clockwork.Clock
	defaults Config
}

// New builds a limiter with the given default budget. Zero-valued
// defaults fall back to DefaultConfig.
func New(c cache.Cache, clk clockwork.Clock, defaults Config) *Limiter {
	if defaults.Requests <= 0 || defaults.Window <= 0 {
		defaults = DefaultConfig
	}
	return &Limiter{cache: c, clock: clk, defaults: defaults}
}

// Scope builders. Scopes nest tenant first so per-tenant wipes can use a
// single pattern.

func TenantScope(tenantID uuid.UUID) string {
	return fmt.Sprintf("tenant:%s", tenantID)
}

func UserScope(tenantID, userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:%s", tenantID, userID)
}

func IPScope(addr string) string {
	return fmt.Sprintf("ip:%s", addr)
}

// Check counts one request against the scope's window and reports whether
// it fits the budget.
func (l *Limiter) Check(ctx context.Context, scope string) Decision {
	cfg := l.configFor(ctx, scope)
	now := l.clock.Now().UTC()

	var windowStart time.Time
	hit, err := l.cache.Get(ctx, cache.RateLimitWindowKey(scope), &windowStart)
	if err != nil {
		return l.failOpen(ctx, scope, cfg, err)
	}

	if !hit || now.Sub(windowStart) >= cfg.Window {
		// New window: reset both keys. The count is written as 1 for this
		// request rather than incremented, so a stale counter cannot leak in.
		if err := l.cache.Set(ctx, cache.RateLimitWindowKey(scope), now, cfg.Window); err != nil {
			return l.failOpen(ctx, scope, cfg, err)
		}
		if err := l.cache.Set(ctx, cache.RateLimitCountKey(scope), int64(1), cfg.Window); err != nil {
			return l.failOpen(ctx, scope, cfg, err)
		}
		return Decision{Allowed: true, Limit: cfg.Requests, Remaining: cfg.Requests - 1, ResetAt: now.Add(cfg.Window)}
	}

	resetAt := windowStart.Add(cfg.Window)
	count, err := l.cache.Incr(ctx, cache.RateLimitCountKey(scope), cfg.Window)
	if err != nil {
		return l.failOpen(ctx, scope, cfg, err)
	}

	remaining := cfg.Requests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= cfg.Requests,
		Limit:     cfg.Requests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (l *Limiter) failOpen(ctx context.Context, scope string, cfg Config, err error) Decision {
	log.Ctx(ctx).Warn().Err(err).Str("scope", scope).
		Msg("rate limit state unavailable, allowing request")
	return Decision{Allowed: true, Limit: cfg.Requests, Remaining: cfg.Requests, ResetAt: l.clock.Now().UTC().Add(cfg.Window)}
}

func (l *Limiter) configFor(ctx context.Context, scope string) Config {
	var cfg Config
	hit, err := l.cache.Get(ctx, cache.RateLimitConfigKey(scope), &cfg)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("scope", scope).Msg("rate limit config read failed")
		return l.defaults
	}
	if !hit || cfg.Requests <= 0 || cfg.Window <= 0 {
		return l.defaults
	}
	return cfg
}

// Configure stores a budget override for the scope. Overrides do not
// expire; remove them with Reset plus a config delete or by storing the
// default again.
func (l *Limiter) Configure(ctx context.Context, scope string, cfg Config) error {
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		return fmt.Errorf("rate limit config must be positive, got %d/%s", cfg.Requests, cfg.Window)
	}
	// A year is effectively forever for a config entry
	return l.cache.Set(ctx, cache.RateLimitConfigKey(scope), cfg, 365*24*time.Hour)
}

// Reset clears the scope's current window so the next request starts
// fresh. Admin escape hatch for support workflows.
func (l *Limiter) Reset(ctx context.Context, scope string) error {
	if err := l.cache.Remove(ctx, cache.RateLimitCountKey(scope)); err != nil {
		return err
	}
	return l.cache.Remove(ctx, cache.RateLimitWindowKey(scope))
}
