package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/queueworks/vqueue/internal/analytics"
	"github.com/queueworks/vqueue/internal/audit"
	"github.com/queueworks/vqueue/internal/auth"
	"github.com/queueworks/vqueue/internal/authz"
	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/events"
	"github.com/queueworks/vqueue/internal/metrics"
	"github.com/queueworks/vqueue/internal/notify"
	"github.com/queueworks/vqueue/internal/queue"
	"github.com/queueworks/vqueue/internal/ratelimit"
	"github.com/queueworks/vqueue/internal/retention"
	"github.com/queueworks/vqueue/internal/store"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Store     store.Store
	Auth      *auth.Service
	Authz     *authz.Authorizer
	Limiter   *ratelimit.Limiter
	Engine    *queue.Engine
	Bus       *events.Bus
	Analytics *analytics.Service
	Retention *retention.Service
	Backups   *retention.BackupService
	Webhooks  *notify.Dispatcher
	Audit     *audit.Recorder
	Metrics   *metrics.Metrics
}

// errorBody is the JSON error envelope. Kind mirrors the internal error
// taxonomy so clients can switch on it instead of parsing messages.
type errorBody struct {
	Error struct {
		Kind    errs.Kind      `json:"kind"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data,omitempty"`
	} `json:"error"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError maps an internal error onto the wire: status from the kind,
// body carrying kind + message + structured data. Closed errors with a
// known reopen time also advertise Retry-After.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var body errorBody
	var e *errs.Error
	if !errors.As(err, &e) {
		e = errs.Transient("internal error", err)
	}
	body.Error.Kind = e.Kind
	body.Error.Message = e.Message
	body.Error.Data = e.Data

	if e.Kind == errs.KindClosed {
		if opensAt, ok := e.Data["opensAt"].(time.Time); ok {
			secs := int(time.Until(opensAt).Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}

	status := statusFor(e.Kind)
	if status >= 500 {
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindUnauthorized:
		return http.StatusUnauthorized
	case errs.KindForbidden:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict, errs.KindInvalidState:
		return http.StatusConflict
	case errs.KindInvalidArgument:
		return http.StatusBadRequest
	case errs.KindRateLimited, errs.KindAtCapacity:
		return http.StatusTooManyRequests
	case errs.KindClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusServiceUnavailable
	}
}

// decode reads a JSON request body into v
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Invalid("invalid request body")
	}
	return nil
}

// pathID parses a UUID path parameter
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, errs.Invalid("invalid " + name)
	}
	return id, nil
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// require resolves the caller's identity and checks the permission,
// writing the error response itself on failure
func (s *Server) require(w http.ResponseWriter, r *http.Request, permission string) *auth.Identity {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, errs.Unauthorized("missing credentials"))
		return nil
	}
	if err := s.Authz.Authorize(r.Context(), id, permission); err != nil {
		s.record(r, id, "authz.denied", "permission", uuid.Nil, audit.ResultDenied, nil)
		writeError(w, r, err)
		return nil
	}
	return id
}

// record appends an audit entry for a handler action
func (s *Server) record(r *http.Request, id *auth.Identity, action, entityType string, entityID uuid.UUID, result string, after map[string]any) {
	actor := ""
	if id != nil {
		actor = id.UserID.String()
	}
	s.Audit.Record(r.Context(), audit.Entry{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		After:      after,
		IP:         r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Result:     result,
	})
}

// Routes creates the HTTP router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	// Credential endpoints are anonymous but IP-throttled
	r.Group(func(r chi.Router) {
		r.Use(s.ipThrottle)
		r.Post("/v1/auth/login", s.Login)
		r.Post("/v1/auth/refresh", s.Refresh)
	})

	// Everything else requires authentication
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Auth))
		r.Use(ratelimit.Middleware(s.Limiter))

		r.Post("/v1/auth/logout", s.Logout)
		r.Post("/v1/auth/2fa/enable", s.EnableTwoFactor)
		r.Post("/v1/auth/2fa/verify", s.VerifyTwoFactor)

		r.Post("/v1/apikeys", s.CreateAPIKey)
		r.Get("/v1/apikeys", s.ListAPIKeys)
		r.Delete("/v1/apikeys/{keyID}", s.RevokeAPIKey)

		r.Post("/v1/queues", s.CreateQueue)
		r.Get("/v1/queues", s.ListQueues)
		r.Get("/v1/queues/{queueID}", s.GetQueue)
		r.Patch("/v1/queues/{queueID}", s.UpdateQueue)
		r.Delete("/v1/queues/{queueID}", s.DeleteQueue)
		r.Post("/v1/queues/{queueID}/pause", s.PauseQueue)
		r.Post("/v1/queues/{queueID}/resume", s.ResumeQueue)

		r.Post("/v1/queues/{queueID}/sessions", s.Enqueue)
		r.Get("/v1/queues/{queueID}/position", s.PositionByUser)
		r.Get("/v1/queues/{queueID}/sessions/{sessionID}", s.Position)
		r.Delete("/v1/queues/{queueID}/sessions/{sessionID}", s.Drop)
		r.Post("/v1/queues/{queueID}/sessions/{sessionID}/serve", s.BeginServe)
		r.Post("/v1/queues/{queueID}/sessions/{sessionID}/complete", s.CompleteServe)
		r.Get("/v1/queues/{queueID}/events", s.Subscribe)

		r.Get("/v1/queues/{queueID}/analytics", s.QueueAnalytics)

		r.Post("/v1/webhooks", s.CreateWebhook)
		r.Get("/v1/webhooks", s.ListWebhooks)
		r.Delete("/v1/webhooks/{webhookID}", s.DeleteWebhook)
		r.Post("/v1/webhooks/{webhookID}/test", s.TestWebhook)
		r.Get("/v1/webhooks/{webhookID}/deliveries", s.ListDeliveries)
		r.Post("/v1/deliveries/{deliveryID}/retry", s.RetryDelivery)

		r.Post("/v1/retention/policies", s.CreateRetentionPolicy)
		r.Get("/v1/retention/policies", s.ListRetentionPolicies)
		r.Post("/v1/retention/policies/{policyID}/apply", s.ApplyRetentionPolicy)
		r.Get("/v1/retention/policies/{policyID}/executions", s.ListRetentionExecutions)
		r.Post("/v1/retention/apply", s.ApplyAllRetention)

		r.Post("/v1/backups", s.CreateBackup)
		r.Get("/v1/backups", s.ListBackups)
		r.Post("/v1/backups/{backupID}/verify", s.VerifyBackup)

		r.Get("/v1/audit", s.QueryAudit)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// ipThrottle rate-limits anonymous credential traffic by source address
func (s *Server) ipThrottle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.Limiter.Check(r.Context(), ratelimit.IPScope(r.RemoteAddr))
		if !d.Allowed {
			writeError(w, r, errs.New(errs.KindRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
