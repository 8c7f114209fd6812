package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/queueworks/vqueue/internal/audit"
	"github.com/queueworks/vqueue/internal/auth"
	"github.com/queueworks/vqueue/internal/authz"
	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/tenant"
)

type loginReq struct {
	Domain   string `json:"domain"`
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPCode string `json:"totpCode,omitempty"`
}

// Login exchanges credentials for a token pair. The tenant is resolved
// from its domain; an unknown domain reports the same failure as bad
// credentials.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.Store.Tenants().GetByDomain(r.Context(), req.Domain)
	if err != nil || !t.Active {
		writeError(w, r, errs.Unauthorized("invalid credentials"))
		return
	}
	ctx := tenant.With(r.Context(), t.ID)
	pair, err := s.Auth.Login(ctx, req.Username, req.Password, req.TOTPCode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh rotates a refresh token into a fresh pair
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := s.Auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Logout revokes the presented access token
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerFromHeader(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, r, errs.Unauthorized("missing bearer token"))
		return
	}
	if err := s.Auth.Logout(r.Context(), token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableTwoFactor provisions a TOTP secret for the caller. The secret
// stays dormant until the first code is verified.
func (s *Server) EnableTwoFactor(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok || id.APIKey {
		writeError(w, r, errs.Unauthorized("two-factor setup requires a user session"))
		return
	}
	secret, err := s.Auth.EnableTwoFactor(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

type verifyTwoFactorReq struct {
	Code string `json:"code"`
}

// VerifyTwoFactor activates a provisioned TOTP secret
func (s *Server) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok || id.APIKey {
		writeError(w, r, errs.Unauthorized("two-factor setup requires a user session"))
		return
	}
	var req verifyTwoFactorReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Auth.VerifyTwoFactor(r.Context(), id.UserID, req.Code); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "auth.2fa_enabled", "user", id.UserID, audit.ResultSuccess, nil)
	w.WriteHeader(http.StatusNoContent)
}

type createAPIKeyReq struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type apiKeyResp struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	Active      bool       `json:"active"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	// Key is the plaintext credential, present only on creation
	Key string `json:"key,omitempty"`
}

// CreateAPIKey mints a machine credential. The plaintext key appears in
// this response and nowhere else.
func (s *Server) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermSystemConfig)
	if id == nil {
		return
	}
	var req createAPIKeyReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	plaintext, rec, err := s.Auth.CreateAPIKey(r.Context(), req.Name, req.Permissions)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "apikey.created", "api_key", rec.ID, audit.ResultSuccess,
		map[string]any{"name": rec.Name})
	writeJSON(w, http.StatusCreated, apiKeyResp{
		ID:          rec.ID,
		Name:        rec.Name,
		Permissions: rec.Permissions,
		Active:      rec.Active,
		CreatedAt:   rec.CreatedAt,
		Key:         plaintext,
	})
}

// ListAPIKeys returns the tenant's keys, hashes excluded
func (s *Server) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if s.require(w, r, authz.PermSystemConfig) == nil {
		return
	}
	keys, err := s.Store.APIKeys().ListByTenant(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]apiKeyResp, 0, len(keys))
	for _, k := range keys {
		out = append(out, apiKeyResp{
			ID:          k.ID,
			Name:        k.Name,
			Permissions: k.Permissions,
			Active:      k.Active,
			LastUsedAt:  k.LastUsedAt,
			CreatedAt:   k.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// RevokeAPIKey deactivates a key. Revoking twice is a no-op.
func (s *Server) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := s.require(w, r, authz.PermSystemConfig)
	if id == nil {
		return
	}
	keyID, err := pathID(r, "keyID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Auth.RevokeAPIKey(r.Context(), keyID); err != nil {
		writeError(w, r, err)
		return
	}
	s.record(r, id, "apikey.revoked", "api_key", keyID, audit.ResultSuccess, nil)
	w.WriteHeader(http.StatusNoContent)
}
