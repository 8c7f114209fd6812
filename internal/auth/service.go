package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/queueworks/vqueue/internal/cache"
	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/store"
	"github.com/queueworks/vqueue/internal/tenant"
)

// Config holds token-issuance settings
type Config struct {
	HS256Secret string
	Issuer      string
	Audience    string
	AccessTTL   time.Duration // default 15 minutes
	RefreshTTL  time.Duration // default 7 days
}

func (c Config) accessTTL() time.Duration {
	if c.AccessTTL <= 0 {
		return 15 * time.Minute
	}
	return c.AccessTTL
}

func (c Config) refreshTTL() time.Duration {
	if c.RefreshTTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return c.RefreshTTL
}

// Claims are the token payload. TenantID and Roles ride along with the
// registered claims; TokenType distinguishes refresh tokens.
type Claims struct {
	jwt.RegisteredClaims
	TenantID  string   `json:"tid"`
	Roles     []string `json:"roles,omitempty"`
	TokenType string   `json:"typ,omitempty"`
}

// Identity is a resolved principal: who is calling, under which tenant,
// with which roles. Permissions is non-nil only for api-key principals.
type Identity struct {
	TenantID    uuid.UUID
	UserID      uuid.UUID
	Roles       []store.Role
	Permissions []string
	JTI         string
	APIKey      bool
}

// TokenPair is the result of a successful login or refresh
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Service implements the authentication contract: password + optional
// two-factor login, HS256 bearer tokens with jti blacklisting, single-use
// refresh tokens, and api-key resolution.
type Service struct {
	users store.UserRepo
	keys  store.APIKeyRepo
	cache cache.Cache
	clock clockwork.Clock
	cfg   Config
}

// NewService wires the auth service. The user repo is typically the
// encryption wrapper so credential fields stay sealed at rest.
func NewService(users store.UserRepo, keys store.APIKeyRepo, c cache.Cache, clk clockwork.Clock, cfg Config) *Service {
	return &Service{users: users, keys: keys, cache: c, clock: clk, cfg: cfg}
}

// Login authenticates a user within the tenant carried by ctx and issues
// a token pair. When the user has two-factor enabled, totpCode must hold
// a currently valid 6-digit code.
func (s *Service) Login(ctx context.Context, username, password, totpCode string) (*TokenPair, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		// Uniform failure: never reveal whether the username exists
		return nil, errs.Unauthorized("invalid credentials")
	}
	if u.Status != store.UserActive {
		return nil, errs.Unauthorized("account is not active")
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, errs.Unauthorized("invalid credentials")
	}
	if u.TwoFactorEnabled {
		if totpCode == "" {
			return nil, errs.Unauthorized("two-factor code required").
				WithData(map[string]any{"reason": "two_factor_required"})
		}
		if !ValidateTOTP(u.TwoFactorSecret, totpCode, s.clock.Now()) {
			return nil, errs.Unauthorized("invalid two-factor code")
		}
	}
	return s.issuePair(ctx, u)
}

func (s *Service) issuePair(ctx context.Context, u *store.User) (*TokenPair, error) {
	now := s.clock.Now().UTC()
	accessJTI := uuid.NewString()
	refreshJTI := uuid.NewString()
	accessExp := now.Add(s.cfg.accessTTL())
	refreshExp := now.Add(s.cfg.refreshTTL())

	access, err := s.sign(Claims{
		RegisteredClaims: s.registered(u.ID, accessJTI, now, accessExp),
		TenantID:         u.TenantID.String(),
		Roles:            []string{string(u.Role)},
	})
	if err != nil {
		return nil, errs.Transient("sign access token", err)
	}
	refresh, err := s.sign(Claims{
		RegisteredClaims: s.registered(u.ID, refreshJTI, now, refreshExp),
		TenantID:         u.TenantID.String(),
		TokenType:        "refresh",
	})
	if err != nil {
		return nil, errs.Transient("sign refresh token", err)
	}

	u.LastLoginAt = &now
	u.RefreshToken = refreshJTI
	u.RefreshExpiresAt = &refreshExp
	if err := s.users.Update(ctx, u); err != nil {
		return nil, err
	}

	// Track the live token for observability; best effort
	if err := s.cache.Set(ctx, cache.JWTTokenKey(u.TenantID, u.ID, accessJTI), accessExp, s.cfg.accessTTL()); err != nil {
		log.Warn().Err(err).Msg("failed to record issued token in cache")
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: accessExp}, nil
}

func (s *Service) registered(sub uuid.UUID, jti string, iat, exp time.Time) jwt.RegisteredClaims {
	rc := jwt.RegisteredClaims{
		Subject:   sub.String(),
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	if s.cfg.Issuer != "" {
		rc.Issuer = s.cfg.Issuer
	}
	if s.cfg.Audience != "" {
		rc.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	return rc
}

func (s *Service) sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.HS256Secret))
}

func (s *Service) parse(token string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.clock.Now)}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	if s.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Audience))
	}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(s.cfg.HS256Secret), nil
	}, opts...)
	if err != nil || !t.Valid {
		return nil, errs.Unauthorized("token validation failed")
	}
	return claims, nil
}

// Validate checks a bearer token and resolves the identity it carries.
// A blacklisted jti fails even while the token is otherwise valid.
func (s *Service) Validate(ctx context.Context, token string) (*Identity, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType == "refresh" {
		return nil, errs.Unauthorized("refresh token used as bearer token")
	}
	if blacklisted, err := s.cache.Exists(ctx, cache.JTIBlacklistKey(claims.ID)); err != nil {
		// Blacklist check must not fail open: a cache outage here keeps
		// revoked tokens revocable.
		return nil, errs.Transient("blacklist lookup", err)
	} else if blacklisted {
		return nil, errs.Unauthorized("token revoked")
	}
	return identityFromClaims(claims)
}

func identityFromClaims(claims *Claims) (*Identity, error) {
	tid, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, errs.Unauthorized("token carries no tenant")
	}
	uid, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, errs.Unauthorized("token carries no subject")
	}
	roles := make([]store.Role, 0, len(claims.Roles))
	for _, r := range claims.Roles {
		roles = append(roles, store.Role(r))
	}
	return &Identity{TenantID: tid, UserID: uid, Roles: roles, JTI: claims.ID}, nil
}

// Logout blacklists the token's jti until its original expiry
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	return s.blacklist(ctx, claims)
}

func (s *Service) blacklist(ctx context.Context, claims *Claims) error {
	ttl := claims.ExpiresAt.Time.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil // already expired, nothing to revoke
	}
	if err := s.cache.Set(ctx, cache.JTIBlacklistKey(claims.ID), true, ttl); err != nil {
		return errs.Transient("blacklist token", err)
	}
	return nil
}

// Refresh exchanges a refresh token for a new pair. Refresh tokens are
// single-use: the presented token is blacklisted before the new pair is
// issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.parse(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != "refresh" {
		return nil, errs.Unauthorized("not a refresh token")
	}
	if blacklisted, err := s.cache.Exists(ctx, cache.JTIBlacklistKey(claims.ID)); err != nil {
		return nil, errs.Transient("blacklist lookup", err)
	} else if blacklisted {
		return nil, errs.Unauthorized("refresh token already used")
	}

	tid, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, errs.Unauthorized("token carries no tenant")
	}
	uid, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, errs.Unauthorized("token carries no subject")
	}

	ctx = tenant.With(ctx, tid)
	u, err := s.users.GetByID(ctx, uid)
	if err != nil {
		return nil, errs.Unauthorized("unknown user")
	}
	if u.Status != store.UserActive {
		return nil, errs.Unauthorized("account is not active")
	}
	now := s.clock.Now().UTC()
	if u.RefreshToken != claims.ID || u.RefreshExpiresAt == nil || now.After(*u.RefreshExpiresAt) {
		return nil, errs.Unauthorized("refresh token superseded")
	}

	if err := s.blacklist(ctx, claims); err != nil {
		return nil, err
	}
	return s.issuePair(ctx, u)
}

// EnableTwoFactor generates and stores a new TOTP secret for the user.
// The secret is returned once for provisioning; verification flips the
// enabled flag.
func (s *Service) EnableTwoFactor(ctx context.Context, userID uuid.UUID) (string, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return "", err
	}
	secret, err := GenerateTOTPSecret()
	if err != nil {
		return "", errs.Transient("generate totp secret", err)
	}
	u.TwoFactorSecret = secret
	u.TwoFactorEnabled = false // enabled only after a successful verify
	if err := s.users.Update(ctx, u); err != nil {
		return "", err
	}
	return secret, nil
}

// VerifyTwoFactor confirms possession of the secret and enables the gate
func (s *Service) VerifyTwoFactor(ctx context.Context, userID uuid.UUID, code string) error {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.TwoFactorSecret == "" {
		return errs.InvalidState("two-factor has not been provisioned")
	}
	if !ValidateTOTP(u.TwoFactorSecret, code, s.clock.Now()) {
		return errs.Unauthorized("invalid two-factor code")
	}
	u.TwoFactorEnabled = true
	return s.users.Update(ctx, u)
}

// HashPassword produces the stored credential form
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// BearerFromHeader strips the scheme from an Authorization header value
func BearerFromHeader(h string) string {
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return h[7:]
	}
	return ""
}
