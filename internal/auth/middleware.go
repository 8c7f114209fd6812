package auth

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/queueworks/vqueue/internal/tenant"
)

type identityKey struct{}

// WithIdentity stores the resolved principal on the context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the principal established by the middleware
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// Middleware authenticates every request from either an Authorization
// bearer token or an X-Api-Key header, then establishes the tenant scope
// for everything downstream. Requests with neither credential are
// rejected.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			var (
				id  *Identity
				err error
			)
			if token := BearerFromHeader(r.Header.Get("Authorization")); token != "" {
				id, err = svc.Validate(ctx, token)
			} else if key := r.Header.Get("X-Api-Key"); key != "" {
				id, err = svc.ResolveAPIKey(ctx, key)
			} else {
				writeAuthFailure(w, "missing credentials")
				return
			}
			if err != nil {
				log.Ctx(ctx).Debug().Err(err).Str("path", r.URL.Path).
					Msg("authentication failed")
				writeAuthFailure(w, "authentication failed")
				return
			}

			ctx = WithIdentity(ctx, id)
			ctx = tenant.With(ctx, id.TenantID)
			logger := log.Ctx(ctx).With().
				Str("tenant_id", id.TenantID.String()).
				Str("user_id", id.UserID.String()).
				Logger()
			next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
		})
	}
}

func writeAuthFailure(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="vqueue"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"kind":"UNAUTHORIZED","message":"` + msg + `"}}`))
}
