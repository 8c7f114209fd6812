package secure

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/queueworks/vqueue/internal/store"
	"github.com/queueworks/vqueue/internal/tenant"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCodec("test-key")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	cases := []string{"", "a", "hello world", "JBSWY3DPEHPK3PXP", string([]byte{0, 1, 2, 255})}
	for _, plain := range cases {
		sealed, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plain, err)
		}
		got, err := c.Decrypt(sealed)
		if err != nil {
			t.Fatalf("decrypt %q: %v", plain, err)
		}
		if got != plain {
			t.Errorf("round trip of %q produced %q", plain, got)
		}
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a, _ := NewCodec("key-a")
	b, _ := NewCodec("key-b")

	sealed, _ := a.Encrypt("secret")
	if _, err := b.Decrypt(sealed); err == nil {
		t.Error("decrypt with wrong key should fail")
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c, _ := NewCodec("key")
	first, _ := c.Encrypt("secret")
	second, _ := c.Encrypt("secret")
	if first == second {
		t.Error("two encryptions of the same value should differ (random nonce)")
	}
}

func TestEncryptedUserRepo(t *testing.T) {
	mem := store.NewMemStore()
	codec, _ := NewCodec("key")
	repo := NewUsers(mem.Users(), codec)

	tid := uuid.New()
	ctx := tenant.With(context.Background(), tid)
	if err := mem.Tenants().Add(ctx, &store.Tenant{ID: tid, Name: "t", Domain: "t.example", Active: true}); err != nil {
		t.Fatalf("add tenant: %v", err)
	}

	u := &store.User{
		Username:        "alice",
		Email:           "alice@example.com",
		Role:            store.RoleAdmin,
		Status:          store.UserActive,
		TwoFactorSecret: "JBSWY3DPEHPK3PXP",
		RefreshToken:    "refresh-jti",
	}
	if err := repo.Add(ctx, u); err != nil {
		t.Fatalf("add user: %v", err)
	}

	// The raw store holds ciphertext
	raw, err := mem.Users().GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("raw get: %v", err)
	}
	if raw.TwoFactorSecret == "JBSWY3DPEHPK3PXP" {
		t.Error("two-factor secret stored in plaintext")
	}

	// The wrapper returns plaintext
	got, err := repo.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TwoFactorSecret != "JBSWY3DPEHPK3PXP" || got.RefreshToken != "refresh-jti" {
		t.Errorf("decrypted fields wrong: %q %q", got.TwoFactorSecret, got.RefreshToken)
	}
}
