package auth

import (
	"context"
	"encoding/base32"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/queueworks/vqueue/internal/cache"
	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/store"
	"github.com/queueworks/vqueue/internal/tenant"
)

func newTestService(t *testing.T) (*Service, *store.MemStore, clockwork.FakeClock, context.Context) {
	t.Helper()
	mem := store.NewMemStore()
	clk := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	svc := NewService(mem.Users(), mem.APIKeys(), cache.NewMemory(clk), clk, Config{
		HS256Secret: "test-secret",
		Issuer:      "vqueue-test",
	})

	tid := uuid.New()
	ctx := tenant.With(context.Background(), tid)
	if err := mem.Tenants().Add(ctx, &store.Tenant{ID: tid, Name: "acme", Domain: "acme.example", Active: true}); err != nil {
		t.Fatalf("add tenant: %v", err)
	}
	return svc, mem, clk, ctx
}

func addUser(t *testing.T, mem *store.MemStore, ctx context.Context, username, password string) *store.User {
	t.Helper()
	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := &store.User{
		Username:     username,
		Email:        username + "@acme.example",
		PasswordHash: hash,
		Role:         store.RoleManager,
		Status:       store.UserActive,
	}
	if err := mem.Users().Add(ctx, u); err != nil {
		t.Fatalf("add user: %v", err)
	}
	return u
}

func TestLoginAndValidate(t *testing.T) {
	svc, mem, _, ctx := newTestService(t)
	u := addUser(t, mem, ctx, "alice", "s3cret")

	pair, err := svc.Login(ctx, "alice", "s3cret", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("login returned empty tokens")
	}

	id, err := svc.Validate(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if id.UserID != u.ID {
		t.Errorf("identity user = %s, want %s", id.UserID, u.ID)
	}
	if id.TenantID != u.TenantID {
		t.Errorf("identity tenant = %s, want %s", id.TenantID, u.TenantID)
	}
	if len(id.Roles) != 1 || id.Roles[0] != store.RoleManager {
		t.Errorf("identity roles = %v", id.Roles)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, mem, _, ctx := newTestService(t)
	addUser(t, mem, ctx, "alice", "s3cret")

	if _, err := svc.Login(ctx, "alice", "wrong", ""); !errs.Is(err, errs.KindUnauthorized) {
		t.Errorf("wrong password: got %v, want UNAUTHORIZED", err)
	}
	if _, err := svc.Login(ctx, "nobody", "s3cret", ""); !errs.Is(err, errs.KindUnauthorized) {
		t.Errorf("unknown user: got %v, want UNAUTHORIZED", err)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	svc, mem, _, ctx := newTestService(t)
	u := addUser(t, mem, ctx, "alice", "s3cret")
	u.Status = store.UserSuspended
	if err := mem.Users().Update(ctx, u); err != nil {
		t.Fatalf("suspend user: %v", err)
	}

	if _, err := svc.Login(ctx, "alice", "s3cret", ""); !errs.Is(err, errs.KindUnauthorized) {
		t.Errorf("suspended account: got %v, want UNAUTHORIZED", err)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	svc, mem, _, ctx := newTestService(t)
	addUser(t, mem, ctx, "alice", "s3cret")

	pair, err := svc.Login(ctx, "alice", "s3cret", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := svc.Validate(ctx, pair.AccessToken); err != nil {
		t.Fatalf("validate before logout: %v", err)
	}
	if err := svc.Logout(ctx, pair.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	// Same token, well before expiry, now fails on the blacklist
	if _, err := svc.Validate(ctx, pair.AccessToken); !errs.Is(err, errs.KindUnauthorized) {
		t.Errorf("validate after logout: got %v, want UNAUTHORIZED", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	svc, mem, clk, ctx := newTestService(t)
	addUser(t, mem, ctx, "alice", "s3cret")

	pair, err := svc.Login(ctx, "alice", "s3cret", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	clk.Advance(16 * time.Minute)
	if _, err := svc.Validate(ctx, pair.AccessToken); !errs.Is(err, errs.KindUnauthorized) {
		t.Errorf("expired token: got %v, want UNAUTHORIZED", err)
	}
}

func TestRefreshIsSingleUse(t *testing.T) {
	svc, mem, _, ctx := newTestService(t)
	addUser(t, mem, ctx, "alice", "s3cret")

	pair, err := svc.Login(ctx, "alice", "s3cret", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.AccessToken == pair.AccessToken {
		t.Error("refresh returned the same access token")
	}
	if _, err := svc.Validate(ctx, next.AccessToken); err != nil {
		t.Fatalf("validate refreshed token: %v", err)
	}

	// Replaying the consumed refresh token must fail
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errs.Is(err, errs.KindUnauthorized) {
		t.Errorf("refresh replay: got %v, want UNAUTHORIZED", err)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc, mem, _, ctx := newTestService(t)
	addUser(t, mem, ctx, "alice", "s3cret")

	pair, err := svc.Login(ctx, "alice", "s3cret", "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.AccessToken); !errs.Is(err, errs.KindUnauthorized) {
		t.Errorf("refresh with access token: got %v, want UNAUTHORIZED", err)
	}
	if _, err := svc.Validate(ctx, pair.RefreshToken); !errs.Is(err, errs.KindUnauthorized) {
		t.Errorf("bearer use of refresh token: got %v, want UNAUTHORIZED", err)
	}
}

func TestTwoFactorFlow(t *testing.T) {
	svc, mem, clk, ctx := newTestService(t)
	u := addUser(t, mem, ctx, "alice", "s3cret")

	secret, err := svc.EnableTwoFactor(ctx, u.ID)
	if err != nil {
		t.Fatalf("enable two-factor: %v", err)
	}
	// Provisioned but unverified: login still works without a code
	if _, err := svc.Login(ctx, "alice", "s3cret", ""); err != nil {
		t.Fatalf("login before verify: %v", err)
	}

	key := totpKey(t, secret)
	code := totpCode(key, clk.Now().Unix()/30)
	if err := svc.VerifyTwoFactor(ctx, u.ID, code); err != nil {
		t.Fatalf("verify two-factor: %v", err)
	}

	// Enabled: password alone is rejected with the two-factor hint
	_, err = svc.Login(ctx, "alice", "s3cret", "")
	if !errs.Is(err, errs.KindUnauthorized) {
		t.Fatalf("login without code: got %v, want UNAUTHORIZED", err)
	}
	var e *errs.Error
	if !errors.As(err, &e) || e.Data["reason"] != "two_factor_required" {
		t.Errorf("expected two_factor_required hint, got %v", err)
	}

	code = totpCode(key, clk.Now().Unix()/30)
	if _, err := svc.Login(ctx, "alice", "s3cret", code); err != nil {
		t.Fatalf("login with code: %v", err)
	}
	if _, err := svc.Login(ctx, "alice", "s3cret", "000000"); !errs.Is(err, errs.KindUnauthorized) {
		t.Errorf("login with bad code: got %v, want UNAUTHORIZED", err)
	}
}

func TestValidateTOTPSkew(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	at := time.Date(2025, 3, 10, 9, 0, 15, 0, time.UTC)
	key := totpKey(t, secret)
	step := at.Unix() / 30

	for _, delta := range []int64{-1, 0, 1} {
		if !ValidateTOTP(secret, totpCode(key, step+delta), at) {
			t.Errorf("code at step offset %d rejected", delta)
		}
	}
	if ValidateTOTP(secret, totpCode(key, step+2), at) {
		t.Error("code two steps ahead accepted")
	}
	if ValidateTOTP("not base32!!", "123456", at) {
		t.Error("undecodable secret accepted")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	svc, _, _, ctx := newTestService(t)

	plaintext, rec, err := svc.CreateAPIKey(ctx, "ci-bot", []string{"queue.read", "queue.join"})
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	if plaintext == "" || rec.KeyHash == HashAPIKey("") {
		t.Fatal("create returned empty key material")
	}

	id, err := svc.ResolveAPIKey(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !id.APIKey || len(id.Roles) != 1 || id.Roles[0] != store.RoleAPIUser {
		t.Errorf("api key identity: %+v", id)
	}
	if len(id.Permissions) != 2 {
		t.Errorf("permissions = %v", id.Permissions)
	}

	tid, err := ParseAPIKeyTenant(plaintext)
	if err != nil {
		t.Fatalf("parse tenant: %v", err)
	}
	if tid != id.TenantID {
		t.Errorf("embedded tenant = %s, identity tenant = %s", tid, id.TenantID)
	}

	if err := svc.RevokeAPIKey(ctx, rec.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := svc.RevokeAPIKey(ctx, rec.ID); err != nil {
		t.Fatalf("revoke is not idempotent: %v", err)
	}
	if _, err := svc.ResolveAPIKey(context.Background(), plaintext); !errs.Is(err, errs.KindUnauthorized) {
		t.Errorf("resolve revoked key: got %v, want UNAUTHORIZED", err)
	}
}

func TestResolveAPIKeyMalformed(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	for _, key := range []string{"", "vq_", "vq_xyz_abc", "notaprefix_00_00", "vq_00ff_" + HashAPIKey("x")} {
		if _, err := svc.ResolveAPIKey(context.Background(), key); !errs.Is(err, errs.KindUnauthorized) {
			t.Errorf("key %q: got %v, want UNAUTHORIZED", key, err)
		}
	}
}

func totpKey(t *testing.T, secret string) []byte {
	t.Helper()
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	return key
}
