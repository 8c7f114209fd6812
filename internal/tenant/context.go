package tenant

import (
	"context"

	"github.com/google/uuid"
	"github.com/queueworks/vqueue/internal/errs"
)

// The value stored at this key is the logical tenant identifier resolved
// from the bearer credential. Every durable-store call reads it; a call
// without it fails Unauthorized rather than running unscoped.
type ctxKey string

const tenantIDKey ctxKey = "tenant_id"

// With returns a context carrying the tenant identifier
func With(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// ID extracts the tenant identifier from context.
// Returns uuid.Nil when no tenant context is established.
func ID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(tenantIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// Require extracts the tenant identifier or fails Unauthorized
func Require(ctx context.Context) (uuid.UUID, error) {
	id := ID(ctx)
	if id == uuid.Nil {
		return uuid.Nil, errs.Unauthorized("no tenant context established")
	}
	return id, nil
}
