package secure

import (
	"context"

	"github.com/google/uuid"
	"github.com/queueworks/vqueue/internal/store"
)

// Users wraps a UserRepo and applies field encryption to the credential
// columns on the write path, decryption on the read path. The field list
// is explicit; nothing is discovered at runtime.
type Users struct {
	inner store.UserRepo
	codec *Codec
}

// NewUsers wraps a repo with the codec
func NewUsers(inner store.UserRepo, codec *Codec) *Users {
	return &Users{inner: inner, codec: codec}
}

func (r *Users) seal(u *store.User) (*store.User, error) {
	cp := *u
	var err error
	if cp.TwoFactorSecret, err = r.codec.Encrypt(u.TwoFactorSecret); err != nil {
		return nil, err
	}
	if cp.RefreshToken, err = r.codec.Encrypt(u.RefreshToken); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (r *Users) open(u *store.User) (*store.User, error) {
	var err error
	if u.TwoFactorSecret, err = r.codec.Decrypt(u.TwoFactorSecret); err != nil {
		return nil, err
	}
	if u.RefreshToken, err = r.codec.Decrypt(u.RefreshToken); err != nil {
		return nil, err
	}
	return u, nil
}

func (r *Users) GetByID(ctx context.Context, id uuid.UUID) (*store.User, error) {
	u, err := r.inner.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.open(u)
}

func (r *Users) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	u, err := r.inner.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return r.open(u)
}

func (r *Users) GetByEmail(ctx context.Context, email string) (*store.User, error) {
	u, err := r.inner.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return r.open(u)
}

func (r *Users) ListByTenant(ctx context.Context) ([]*store.User, error) {
	users, err := r.inner.ListByTenant(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if _, err := r.open(u); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (r *Users) Add(ctx context.Context, u *store.User) error {
	sealed, err := r.seal(u)
	if err != nil {
		return err
	}
	if err := r.inner.Add(ctx, sealed); err != nil {
		return err
	}
	// Propagate store-assigned fields back to the caller's copy
	u.ID = sealed.ID
	u.TenantID = sealed.TenantID
	u.Version = sealed.Version
	return nil
}

func (r *Users) Update(ctx context.Context, u *store.User) error {
	sealed, err := r.seal(u)
	if err != nil {
		return err
	}
	if err := r.inner.Update(ctx, sealed); err != nil {
		return err
	}
	u.Version = sealed.Version
	return nil
}

func (r *Users) SoftDelete(ctx context.Context, id uuid.UUID) error {
	return r.inner.SoftDelete(ctx, id)
}
