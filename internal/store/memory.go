package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/tenant"
)

// MemStore is the in-process Store used by tests and single-node dev runs.
// It honors the same contracts as the Postgres implementation: tenant
// filtering from context, soft-delete invisibility, and version CAS on
// update.
type MemStore struct {
	mu         sync.RWMutex
	tenants    map[uuid.UUID]*Tenant
	users      map[uuid.UUID]*User
	queues     map[uuid.UUID]*Queue
	sessions   map[uuid.UUID]*Session
	events     []*QueueEvent
	apiKeys    map[uuid.UUID]*APIKey
	webhooks   map[uuid.UUID]*Webhook
	deliveries map[uuid.UUID]*WebhookDelivery
	audit      []*AuditEntry
	policies   map[uuid.UUID]*RetentionPolicy
	executions []*RetentionExecution
	backups    map[uuid.UUID]*Backup
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{
		tenants:    make(map[uuid.UUID]*Tenant),
		users:      make(map[uuid.UUID]*User),
		queues:     make(map[uuid.UUID]*Queue),
		sessions:   make(map[uuid.UUID]*Session),
		apiKeys:    make(map[uuid.UUID]*APIKey),
		webhooks:   make(map[uuid.UUID]*Webhook),
		deliveries: make(map[uuid.UUID]*WebhookDelivery),
		policies:   make(map[uuid.UUID]*RetentionPolicy),
		backups:    make(map[uuid.UUID]*Backup),
	}
}

func (m *MemStore) Tenants() TenantRepo       { return (*memTenants)(m) }
func (m *MemStore) Users() UserRepo           { return (*memUsers)(m) }
func (m *MemStore) Queues() QueueRepo         { return (*memQueues)(m) }
func (m *MemStore) Sessions() SessionRepo     { return (*memSessions)(m) }
func (m *MemStore) Events() EventRepo         { return (*memEvents)(m) }
func (m *MemStore) APIKeys() APIKeyRepo       { return (*memAPIKeys)(m) }
func (m *MemStore) Webhooks() WebhookRepo     { return (*memWebhooks)(m) }
func (m *MemStore) Deliveries() DeliveryRepo  { return (*memDeliveries)(m) }
func (m *MemStore) Audit() AuditRepo          { return (*memAudit)(m) }
func (m *MemStore) Retention() RetentionRepo  { return (*memRetention)(m) }
func (m *MemStore) Backups() BackupRepo       { return (*memBackups)(m) }

type memTenants MemStore
type memUsers MemStore
type memQueues MemStore
type memSessions MemStore
type memEvents MemStore
type memAPIKeys MemStore
type memWebhooks MemStore
type memDeliveries MemStore
type memAudit MemStore
type memRetention MemStore
type memBackups MemStore

// ---- tenants (system-scoped lookups) ----

func (r *memTenants) GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok || t.Deleted {
		return nil, errs.NotFound("tenant not found").WithEntity(id)
	}
	cp := *t
	return &cp, nil
}

func (r *memTenants) GetByDomain(ctx context.Context, domain string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tenants {
		if !t.Deleted && t.Domain == domain {
			cp := *t
			return &cp, nil
		}
	}
	return nil, errs.NotFound("tenant not found")
}

func (r *memTenants) List(ctx context.Context) ([]*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Tenant
	for _, t := range r.tenants {
		if !t.Deleted {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memTenants) Add(ctx context.Context, t *Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tenants {
		if !existing.Deleted && existing.Domain == t.Domain {
			return errs.Conflict("tenant domain already registered")
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Version = 1
	cp := *t
	r.tenants[t.ID] = &cp
	return nil
}

func (r *memTenants) Update(ctx context.Context, t *Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tenants[t.ID]
	if !ok || cur.Deleted {
		return errs.NotFound("tenant not found").WithEntity(t.ID)
	}
	if cur.Version != t.Version {
		return errs.Conflict("tenant version mismatch").WithEntity(t.ID)
	}
	t.Version++
	cp := *t
	r.tenants[t.ID] = &cp
	return nil
}

func (r *memTenants) SoftDelete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tenants[id]
	if !ok || t.Deleted {
		return errs.NotFound("tenant not found").WithEntity(id)
	}
	t.Deleted = true
	t.Version++
	// Child records cascade
	for _, u := range r.users {
		if u.TenantID == id {
			u.Deleted = true
		}
	}
	for _, q := range r.queues {
		if q.TenantID == id {
			q.Deleted = true
		}
	}
	return nil
}

// ---- users ----

func (r *memUsers) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok || u.Deleted || u.TenantID != tid {
		return nil, errs.NotFound("user not found").WithEntity(id)
	}
	cp := *u
	return &cp, nil
}

func (r *memUsers) GetByUsername(ctx context.Context, username string) (*User, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if !u.Deleted && u.TenantID == tid && u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, errs.NotFound("user not found")
}

func (r *memUsers) GetByEmail(ctx context.Context, email string) (*User, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if !u.Deleted && u.TenantID == tid && u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, errs.NotFound("user not found")
}

func (r *memUsers) ListByTenant(ctx context.Context) ([]*User, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*User
	for _, u := range r.users {
		if !u.Deleted && u.TenantID == tid {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memUsers) Add(ctx context.Context, u *User) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tenants[tid]; !ok || t.Deleted {
		return errs.Invalid("user references unknown tenant")
	}
	for _, existing := range r.users {
		if existing.Deleted || existing.TenantID != tid {
			continue
		}
		if existing.Username == u.Username {
			return errs.Conflict("username already taken")
		}
		if existing.Email == u.Email {
			return errs.Conflict("email already registered")
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.TenantID = tid
	u.Version = 1
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

func (r *memUsers) Update(ctx context.Context, u *User) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.users[u.ID]
	if !ok || cur.Deleted || cur.TenantID != tid {
		return errs.NotFound("user not found").WithEntity(u.ID)
	}
	if cur.Version != u.Version {
		return errs.Conflict("user version mismatch").WithEntity(u.ID)
	}
	u.TenantID = cur.TenantID // tenant never changes
	u.Version++
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

func (r *memUsers) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || u.Deleted || u.TenantID != tid {
		return errs.NotFound("user not found").WithEntity(id)
	}
	u.Deleted = true
	u.Version++
	return nil
}

// ---- queues ----

func (r *memQueues) GetByID(ctx context.Context, id uuid.UUID) (*Queue, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[id]
	if !ok || q.Deleted || q.TenantID != tid {
		return nil, errs.NotFound("queue not found").WithEntity(id)
	}
	cp := *q
	return &cp, nil
}

func (r *memQueues) ListByTenant(ctx context.Context) ([]*Queue, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Queue
	for _, q := range r.queues {
		if !q.Deleted && q.TenantID == tid {
			cp := *q
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memQueues) ListActive(ctx context.Context) ([]*Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Queue
	for _, q := range r.queues {
		if !q.Deleted && q.Active {
			cp := *q
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memQueues) Add(ctx context.Context, q *Queue) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tenants[tid]; !ok || t.Deleted {
		return errs.Invalid("queue references unknown tenant")
	}
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	q.TenantID = tid
	q.Version = 1
	cp := *q
	r.queues[q.ID] = &cp
	return nil
}

func (r *memQueues) Update(ctx context.Context, q *Queue) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.queues[q.ID]
	if !ok || cur.Deleted || cur.TenantID != tid {
		return errs.NotFound("queue not found").WithEntity(q.ID)
	}
	if cur.Version != q.Version {
		return errs.Conflict("queue version mismatch").WithEntity(q.ID)
	}
	q.TenantID = cur.TenantID
	q.Version++
	cp := *q
	r.queues[q.ID] = &cp
	return nil
}

func (r *memQueues) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[id]
	if !ok || q.Deleted || q.TenantID != tid {
		return errs.NotFound("queue not found").WithEntity(id)
	}
	q.Deleted = true
	q.Version++
	// Sessions cascade with their queue
	now := time.Now().UTC()
	for _, s := range r.sessions {
		if s.QueueID == id && !s.Status.Terminal() {
			s.Status = SessionDropped
			s.ReleasedAt = &now
			s.Position = 0
			s.Version++
		}
	}
	return nil
}

// ---- sessions ----

func (r *memSessions) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.TenantID != tid {
		return nil, errs.NotFound("session not found").WithEntity(id)
	}
	cp := *s
	return &cp, nil
}

func (r *memSessions) ActiveByQueueAndUser(ctx context.Context, queueID uuid.UUID, userIdentifier string) (*Session, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.TenantID == tid && s.QueueID == queueID && s.UserIdentifier == userIdentifier && !s.Status.Terminal() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, errs.NotFound("no active session for user")
}

func (r *memSessions) WaitingByQueueOrdered(ctx context.Context, queueID uuid.UUID) ([]*Session, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	var out []*Session
	for _, s := range r.sessions {
		if s.TenantID == tid && s.QueueID == queueID && s.Status == SessionWaiting {
			cp := *s
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out, nil
}

func (r *memSessions) CountActive(ctx context.Context, queueID uuid.UUID) (int, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.TenantID == tid && s.QueueID == queueID && (s.Status == SessionWaiting || s.Status == SessionServing) {
			n++
		}
	}
	return n, nil
}

func (r *memSessions) InRange(ctx context.Context, queueID uuid.UUID, from, to time.Time) ([]*Session, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.TenantID == tid && s.QueueID == queueID &&
			!s.EnqueuedAt.Before(from) && !s.EnqueuedAt.After(to) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (r *memSessions) Add(ctx context.Context, s *Session) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[s.QueueID]
	if !ok || q.Deleted || q.TenantID != tid {
		return errs.Invalid("session references unknown queue").WithEntity(s.QueueID)
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.TenantID = tid
	s.Version = 1
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memSessions) Update(ctx context.Context, s *Session) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[s.ID]
	if !ok || cur.TenantID != tid {
		return errs.NotFound("session not found").WithEntity(s.ID)
	}
	if cur.Version != s.Version {
		return errs.Conflict("session version mismatch").WithEntity(s.ID)
	}
	s.TenantID = cur.TenantID
	s.Version++
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

// ---- queue events ----

func (r *memEvents) Add(ctx context.Context, e *QueueEvent) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.TenantID = tid
	cp := *e
	r.events = append(r.events, &cp)
	return nil
}

func (r *memEvents) ListByQueue(ctx context.Context, queueID uuid.UUID, from, to time.Time, limit int) ([]*QueueEvent, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Zero bounds mean unbounded, matching the SQL backend
	if to.IsZero() {
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	var out []*QueueEvent
	for _, e := range r.events {
		if e.TenantID == tid && e.QueueID == queueID &&
			!e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memEvents) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.events[:0]
	removed := 0
	for _, e := range r.events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.events = kept
	return removed, nil
}

// ---- api keys ----

func (r *memAPIKeys) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.apiKeys {
		if !k.Deleted && k.Active && k.KeyHash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, errs.NotFound("api key not found")
}

func (r *memAPIKeys) ListByTenant(ctx context.Context) ([]*APIKey, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*APIKey
	for _, k := range r.apiKeys {
		if !k.Deleted && k.TenantID == tid {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memAPIKeys) Add(ctx context.Context, k *APIKey) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	k.TenantID = tid
	k.Version = 1
	cp := *k
	r.apiKeys[k.ID] = &cp
	return nil
}

func (r *memAPIKeys) Update(ctx context.Context, k *APIKey) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.apiKeys[k.ID]
	if !ok || cur.Deleted || cur.TenantID != tid {
		return errs.NotFound("api key not found").WithEntity(k.ID)
	}
	if cur.Version != k.Version {
		return errs.Conflict("api key version mismatch").WithEntity(k.ID)
	}
	k.TenantID = cur.TenantID
	k.Version++
	cp := *k
	r.apiKeys[k.ID] = &cp
	return nil
}

func (r *memAPIKeys) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.apiKeys[id]
	if !ok || k.Deleted || k.TenantID != tid {
		return errs.NotFound("api key not found").WithEntity(id)
	}
	k.Deleted = true
	k.Active = false
	k.Version++
	return nil
}

// ---- webhooks ----

func (r *memWebhooks) GetByID(ctx context.Context, id uuid.UUID) (*Webhook, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.webhooks[id]
	if !ok || w.Deleted || w.TenantID != tid {
		return nil, errs.NotFound("webhook not found").WithEntity(id)
	}
	cp := *w
	return &cp, nil
}

func (r *memWebhooks) ListByTenant(ctx context.Context) ([]*Webhook, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Webhook
	for _, w := range r.webhooks {
		if !w.Deleted && w.TenantID == tid {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memWebhooks) ListByEvent(ctx context.Context, eventType string) ([]*Webhook, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Webhook
	for _, w := range r.webhooks {
		if w.Deleted || !w.Active || w.TenantID != tid {
			continue
		}
		for _, et := range w.EventTypes {
			if et == eventType || et == "*" {
				cp := *w
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (r *memWebhooks) Add(ctx context.Context, w *Webhook) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.TenantID = tid
	w.Version = 1
	cp := *w
	r.webhooks[w.ID] = &cp
	return nil
}

func (r *memWebhooks) Update(ctx context.Context, w *Webhook) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.webhooks[w.ID]
	if !ok || cur.Deleted || cur.TenantID != tid {
		return errs.NotFound("webhook not found").WithEntity(w.ID)
	}
	if cur.Version != w.Version {
		return errs.Conflict("webhook version mismatch").WithEntity(w.ID)
	}
	w.TenantID = cur.TenantID
	w.Version++
	cp := *w
	r.webhooks[w.ID] = &cp
	return nil
}

func (r *memWebhooks) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.webhooks[id]
	if !ok || w.Deleted || w.TenantID != tid {
		return errs.NotFound("webhook not found").WithEntity(id)
	}
	w.Deleted = true
	w.Version++
	return nil
}

// ---- deliveries ----

func (r *memDeliveries) GetByID(ctx context.Context, id uuid.UUID) (*WebhookDelivery, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deliveries[id]
	if !ok || d.TenantID != tid {
		return nil, errs.NotFound("delivery not found").WithEntity(id)
	}
	cp := *d
	return &cp, nil
}

func (r *memDeliveries) ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]*WebhookDelivery, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*WebhookDelivery
	for _, d := range r.deliveries {
		if d.TenantID == tid && d.WebhookID == webhookID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptedAt.After(out[j].AttemptedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memDeliveries) Add(ctx context.Context, d *WebhookDelivery) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.TenantID = tid
	cp := *d
	r.deliveries[d.ID] = &cp
	return nil
}

// ---- audit ----

func (r *memAudit) Add(ctx context.Context, e *AuditEntry) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.TenantID = tid
	cp := *e
	r.audit = append(r.audit, &cp)
	return nil
}

func (r *memAudit) List(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Newest first, matching the SQL ordering
	var out []*AuditEntry
	for i := len(r.audit) - 1; i >= 0; i-- {
		e := r.audit[i]
		if e.TenantID != tid {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != uuid.Nil && e.EntityID != f.EntityID {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (r *memAudit) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.audit[:0]
	removed := 0
	for _, e := range r.audit {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.audit = kept
	return removed, nil
}

// ---- retention ----

func (r *memRetention) GetPolicy(ctx context.Context, id uuid.UUID) (*RetentionPolicy, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	if !ok || p.Deleted || p.TenantID != tid {
		return nil, errs.NotFound("retention policy not found").WithEntity(id)
	}
	cp := *p
	return &cp, nil
}

func (r *memRetention) ListPolicies(ctx context.Context) ([]*RetentionPolicy, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*RetentionPolicy
	for _, p := range r.policies {
		if !p.Deleted && p.TenantID == tid {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRetention) AddPolicy(ctx context.Context, p *RetentionPolicy) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.TenantID = tid
	p.Version = 1
	cp := *p
	r.policies[p.ID] = &cp
	return nil
}

func (r *memRetention) UpdatePolicy(ctx context.Context, p *RetentionPolicy) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.policies[p.ID]
	if !ok || cur.Deleted || cur.TenantID != tid {
		return errs.NotFound("retention policy not found").WithEntity(p.ID)
	}
	if cur.Version != p.Version {
		return errs.Conflict("retention policy version mismatch").WithEntity(p.ID)
	}
	p.TenantID = cur.TenantID
	p.Version++
	cp := *p
	r.policies[p.ID] = &cp
	return nil
}

func (r *memRetention) SoftDeletePolicy(ctx context.Context, id uuid.UUID) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok || p.Deleted || p.TenantID != tid {
		return errs.NotFound("retention policy not found").WithEntity(id)
	}
	p.Deleted = true
	p.Version++
	return nil
}

func (r *memRetention) AddExecution(ctx context.Context, e *RetentionExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	r.executions = append(r.executions, &cp)
	return nil
}

func (r *memRetention) ListExecutions(ctx context.Context, policyID uuid.UUID) ([]*RetentionExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*RetentionExecution
	for _, e := range r.executions {
		if e.PolicyID == policyID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- backups (system scope; TenantID optional) ----

func (r *memBackups) GetByID(ctx context.Context, id uuid.UUID) (*Backup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backups[id]
	if !ok {
		return nil, errs.NotFound("backup not found").WithEntity(id)
	}
	cp := *b
	return &cp, nil
}

func (r *memBackups) List(ctx context.Context) ([]*Backup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Backup
	for _, b := range r.backups {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memBackups) Add(ctx context.Context, b *Backup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Version = 1
	cp := *b
	r.backups[b.ID] = &cp
	return nil
}

func (r *memBackups) Update(ctx context.Context, b *Backup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.backups[b.ID]
	if !ok {
		return errs.NotFound("backup not found").WithEntity(b.ID)
	}
	if cur.Version != b.Version {
		return errs.Conflict("backup version mismatch").WithEntity(b.ID)
	}
	b.Version++
	cp := *b
	r.backups[b.ID] = &cp
	return nil
}
