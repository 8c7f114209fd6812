package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store bundles the per-entity repositories. Implementations enforce the
// tenant filter on every read and write: the tenant comes from the request
// context, and a missing context fails Unauthorized. Soft-deleted rows are
// invisible to every query.
//
// Update methods are optimistic-concurrent: they match on the record's
// Version and bump it on success, failing Conflict on a stale write. The
// queue engine relies on this to serialize position mutations.
type Store interface {
	Tenants() TenantRepo
	Users() UserRepo
	Queues() QueueRepo
	Sessions() SessionRepo
	Events() EventRepo
	APIKeys() APIKeyRepo
	Webhooks() WebhookRepo
	Deliveries() DeliveryRepo
	Audit() AuditRepo
	Retention() RetentionRepo
	Backups() BackupRepo
}

// TenantRepo manages tenant records. Lookup methods are system-scoped:
// they run before a tenant context exists.
type TenantRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetByDomain(ctx context.Context, domain string) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
	Add(ctx context.Context, t *Tenant) error
	Update(ctx context.Context, t *Tenant) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type UserRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	ListByTenant(ctx context.Context) ([]*User, error)
	Add(ctx context.Context, u *User) error
	Update(ctx context.Context, u *User) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type QueueRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Queue, error)
	ListByTenant(ctx context.Context) ([]*Queue, error)
	// ListActive is system-scoped: the releaser manager sweeps every
	// tenant's active queues.
	ListActive(ctx context.Context) ([]*Queue, error)
	Add(ctx context.Context, q *Queue) error
	Update(ctx context.Context, q *Queue) error
	// SoftDelete cascades to the queue's sessions
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type SessionRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// ActiveByQueueAndUser finds the non-terminal session for a visitor,
	// the idempotency anchor for enqueue
	ActiveByQueueAndUser(ctx context.Context, queueID uuid.UUID, userIdentifier string) (*Session, error)
	// WaitingByQueueOrdered returns Waiting sessions in release order:
	// priority desc, enqueued_at asc, id asc
	WaitingByQueueOrdered(ctx context.Context, queueID uuid.UUID) ([]*Session, error)
	CountActive(ctx context.Context, queueID uuid.UUID) (int, error)
	InRange(ctx context.Context, queueID uuid.UUID, from, to time.Time) ([]*Session, error)
	Add(ctx context.Context, s *Session) error
	Update(ctx context.Context, s *Session) error
}

// EventRepo is append-only
type EventRepo interface {
	Add(ctx context.Context, e *QueueEvent) error
	ListByQueue(ctx context.Context, queueID uuid.UUID, from, to time.Time, limit int) ([]*QueueEvent, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type APIKeyRepo interface {
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByTenant(ctx context.Context) ([]*APIKey, error)
	Add(ctx context.Context, k *APIKey) error
	Update(ctx context.Context, k *APIKey) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type WebhookRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Webhook, error)
	ListByTenant(ctx context.Context) ([]*Webhook, error)
	// ListByEvent returns active webhooks subscribed to the event type
	ListByEvent(ctx context.Context, eventType string) ([]*Webhook, error)
	Add(ctx context.Context, w *Webhook) error
	Update(ctx context.Context, w *Webhook) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
}

type DeliveryRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*WebhookDelivery, error)
	ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]*WebhookDelivery, error)
	Add(ctx context.Context, d *WebhookDelivery) error
}

// AuditFilter narrows audit queries
type AuditFilter struct {
	From       time.Time
	To         time.Time
	EntityType string
	EntityID   uuid.UUID
	Actor      string
	Limit      int
}

// AuditRepo is append-only
type AuditRepo interface {
	Add(ctx context.Context, e *AuditEntry) error
	List(ctx context.Context, f AuditFilter) ([]*AuditEntry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type RetentionRepo interface {
	GetPolicy(ctx context.Context, id uuid.UUID) (*RetentionPolicy, error)
	ListPolicies(ctx context.Context) ([]*RetentionPolicy, error)
	AddPolicy(ctx context.Context, p *RetentionPolicy) error
	UpdatePolicy(ctx context.Context, p *RetentionPolicy) error
	SoftDeletePolicy(ctx context.Context, id uuid.UUID) error
	AddExecution(ctx context.Context, e *RetentionExecution) error
	ListExecutions(ctx context.Context, policyID uuid.UUID) ([]*RetentionExecution, error)
}

type BackupRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Backup, error)
	List(ctx context.Context) ([]*Backup, error)
	Add(ctx context.Context, b *Backup) error
	Update(ctx context.Context, b *Backup) error
}
