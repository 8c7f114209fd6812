package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/store"
	"github.com/queueworks/vqueue/internal/tenant"
)

// API keys look like vq_<tenant-hex>_<64 hex chars>. The tenant segment
// lets the server establish the tenant scope before the store lookup;
// only the SHA-256 of the full key is persisted.

const apiKeyPrefix = "vq_"

// GenerateAPIKey mints a new key string for the tenant along with the
// hash to persist. The plaintext is shown to the caller exactly once.
func GenerateAPIKey(tenantID uuid.UUID) (plaintext, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext = apiKeyPrefix + hex.EncodeToString(tenantID[:]) + "_" + hex.EncodeToString(raw)
	return plaintext, HashAPIKey(plaintext), nil
}

// HashAPIKey is the storage form of a key
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ParseAPIKeyTenant extracts the tenant segment from a key string
func ParseAPIKeyTenant(key string) (uuid.UUID, error) {
	if !strings.HasPrefix(key, apiKeyPrefix) {
		return uuid.Nil, errs.Unauthorized("malformed api key")
	}
	parts := strings.SplitN(key[len(apiKeyPrefix):], "_", 2)
	if len(parts) != 2 {
		return uuid.Nil, errs.Unauthorized("malformed api key")
	}
	raw, err := hex.DecodeString(parts[0])
	if err != nil || len(raw) != 16 {
		return uuid.Nil, errs.Unauthorized("malformed api key")
	}
	var tid uuid.UUID
	copy(tid[:], raw)
	return tid, nil
}

// ResolveAPIKey validates a presented key and returns the identity it
// grants. The returned identity carries the key's permission list rather
// than a role.
func (s *Service) ResolveAPIKey(ctx context.Context, key string) (*Identity, error) {
	tid, err := ParseAPIKeyTenant(key)
	if err != nil {
		return nil, err
	}
	ctx = tenant.With(ctx, tid)

	k, err := s.keys.GetByHash(ctx, HashAPIKey(key))
	if err != nil {
		return nil, errs.Unauthorized("unknown api key")
	}
	if !k.Active {
		return nil, errs.Unauthorized("api key revoked")
	}

	now := s.clock.Now().UTC()
	k.LastUsedAt = &now
	if err := s.keys.Update(ctx, k); err != nil {
		// Usage tracking must not block the request
		log.Ctx(ctx).Warn().Err(err).Str("api_key_id", k.ID.String()).
			Msg("failed to record api key usage")
	}

	return &Identity{
		TenantID:    k.TenantID,
		UserID:      k.ID,
		Roles:       []store.Role{store.RoleAPIUser},
		Permissions: k.Permissions,
		APIKey:      true,
	}, nil
}

// CreateAPIKey provisions a named key for the tenant in ctx and returns
// the plaintext alongside the stored record.
func (s *Service) CreateAPIKey(ctx context.Context, name string, permissions []string) (string, *store.APIKey, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return "", nil, err
	}
	if name == "" {
		return "", nil, errs.Invalid("api key name is required")
	}
	plaintext, hash, err := GenerateAPIKey(tid)
	if err != nil {
		return "", nil, errs.Transient("generate api key", err)
	}
	k := &store.APIKey{
		Name:        name,
		KeyHash:     hash,
		Permissions: permissions,
		Active:      true,
	}
	if err := s.keys.Add(ctx, k); err != nil {
		return "", nil, err
	}
	return plaintext, k, nil
}

// RevokeAPIKey deactivates a key; already-revoked keys revoke cleanly
func (s *Service) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	keys, err := s.keys.ListByTenant(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == id {
			if !k.Active {
				return nil
			}
			k.Active = false
			return s.keys.Update(ctx, k)
		}
	}
	return errs.NotFound("api key not found").WithEntity(id)
}
