package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/queueworks/vqueue/internal/auth"
)

// Middleware enforces per-user budgets on authenticated traffic. It runs
// after the auth middleware; requests without an identity pass through
// untouched so the IP-scoped limiter on the public routes stays the only
// gate for anonymous traffic.
func Middleware(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFrom(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Check(r.Context(), UserScope(id.TenantID, id.UserID))

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				retryAfter := int(d.ResetAt.Sub(limiter.clock.Now()).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Ctx(r.Context()).Warn().
					Str("userId", id.UserID.String()).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("rate limit exceeded")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"kind":"RATE_LIMITED","message":"rate limit exceeded, retry after ` +
					strconv.Itoa(retryAfter) + ` seconds"}}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
