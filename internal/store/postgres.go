package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/queueworks/vqueue/internal/clock"
	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/tenant"
)

// PGStore implements Store on a PostgreSQL pool
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an open pool
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Tenants() TenantRepo      { return &pgTenants{s.pool} }
func (s *PGStore) Users() UserRepo          { return &pgUsers{s.pool} }
func (s *PGStore) Queues() QueueRepo        { return &pgQueues{s.pool} }
func (s *PGStore) Sessions() SessionRepo    { return &pgSessions{s.pool} }
func (s *PGStore) Events() EventRepo        { return &pgEvents{s.pool} }
func (s *PGStore) APIKeys() APIKeyRepo      { return &pgAPIKeys{s.pool} }
func (s *PGStore) Webhooks() WebhookRepo    { return &pgWebhooks{s.pool} }
func (s *PGStore) Deliveries() DeliveryRepo { return &pgDeliveries{s.pool} }
func (s *PGStore) Audit() AuditRepo         { return &pgAudit{s.pool} }
func (s *PGStore) Retention() RetentionRepo { return &pgRetention{s.pool} }
func (s *PGStore) Backups() BackupRepo      { return &pgBackups{s.pool} }

// ---- tenants ----

type pgTenants struct{ db *pgxpool.Pool }

const tenantCols = `id, name, domain, api_key, active, created_at, deleted, version`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Domain, &t.APIKey, &t.Active, &t.CreatedAt, &t.Deleted, &t.Version)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *pgTenants) GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	t, err := scanTenant(r.db.QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenant WHERE id = $1 AND NOT deleted`, id))
	if err != nil {
		return nil, pgErr("get tenant", err)
	}
	return t, nil
}

func (r *pgTenants) GetByDomain(ctx context.Context, domain string) (*Tenant, error) {
	t, err := scanTenant(r.db.QueryRow(ctx,
		`SELECT `+tenantCols+` FROM tenant WHERE domain = $1 AND NOT deleted`, domain))
	if err != nil {
		return nil, pgErr("get tenant by domain", err)
	}
	return t, nil
}

func (r *pgTenants) List(ctx context.Context) ([]*Tenant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+tenantCols+` FROM tenant WHERE NOT deleted ORDER BY created_at`)
	if err != nil {
		return nil, pgErr("list tenants", err)
	}
	defer rows.Close()
	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, pgErr("scan tenant", err)
		}
		out = append(out, t)
	}
	return out, pgErr("list tenants", rows.Err())
}

func (r *pgTenants) Add(ctx context.Context, t *Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Version = 1
	_, err := r.db.Exec(ctx, `
		INSERT INTO tenant (id, name, domain, api_key, active, created_at, deleted, version)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, 1)
	`, t.ID, t.Name, t.Domain, t.APIKey, t.Active, t.CreatedAt)
	return pgErr("add tenant", err)
}

func (r *pgTenants) Update(ctx context.Context, t *Tenant) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE tenant SET name=$2, domain=$3, api_key=$4, active=$5, version=version+1
		WHERE id=$1 AND version=$6 AND NOT deleted
	`, t.ID, t.Name, t.Domain, t.APIKey, t.Active, t.Version)
	if err != nil {
		return pgErr("update tenant", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict("tenant version mismatch").WithEntity(t.ID)
	}
	t.Version++
	return nil
}

func (r *pgTenants) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE tenant SET deleted=TRUE, version=version+1 WHERE id=$1 AND NOT deleted`, id)
	if err != nil {
		return pgErr("delete tenant", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("tenant not found").WithEntity(id)
	}
	// Cascade to owned records
	_, err = r.db.Exec(ctx, `UPDATE app_user SET deleted=TRUE WHERE tenant_id=$1`, id)
	if err != nil {
		return pgErr("cascade tenant delete", err)
	}
	_, err = r.db.Exec(ctx, `UPDATE queue SET deleted=TRUE WHERE tenant_id=$1`, id)
	return pgErr("cascade tenant delete", err)
}

// ---- users ----

type pgUsers struct{ db *pgxpool.Pool }

const userCols = `id, tenant_id, username, email, password_hash, first_name, last_name, phone,
	role, status, last_login_at, email_verified_at, phone_verified_at,
	two_factor_enabled, two_factor_secret, refresh_token, refresh_expires_at,
	metadata, created_at, deleted, version`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var meta []byte
	err := row.Scan(&u.ID, &u.TenantID, &u.Username, &u.Email, &u.PasswordHash,
		&u.FirstName, &u.LastName, &u.Phone, &u.Role, &u.Status,
		&u.LastLoginAt, &u.EmailVerifiedAt, &u.PhoneVerifiedAt,
		&u.TwoFactorEnabled, &u.TwoFactorSecret, &u.RefreshToken, &u.RefreshExpiresAt,
		&meta, &u.CreatedAt, &u.Deleted, &u.Version)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &u.Metadata)
	}
	return &u, nil
}

func (r *pgUsers) get(ctx context.Context, op, where string, args ...any) (*User, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+userCols+` FROM app_user WHERE tenant_id=$1 AND NOT deleted AND `+where,
		append([]any{tid}, args...)...))
	if err != nil {
		return nil, pgErr(op, err)
	}
	return u, nil
}

func (r *pgUsers) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.get(ctx, "get user", "id=$2", id)
}

func (r *pgUsers) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.get(ctx, "get user by username", "username=$2", username)
}

func (r *pgUsers) GetByEmail(ctx context.Context, email string) (*User, error) {
	return r.get(ctx, "get user by email", "email=$2", email)
}

func (r *pgUsers) ListByTenant(ctx context.Context) ([]*User, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+userCols+` FROM app_user WHERE tenant_id=$1 AND NOT deleted ORDER BY created_at`, tid)
	if err != nil {
		return nil, pgErr("list users", err)
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, pgErr("scan user", err)
		}
		out = append(out, u)
	}
	return out, pgErr("list users", rows.Err())
}

func (r *pgUsers) Add(ctx context.Context, u *User) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.TenantID = tid
	u.Version = 1
	meta, _ := json.Marshal(orEmpty(u.Metadata))
	_, err = r.db.Exec(ctx, `
		INSERT INTO app_user (id, tenant_id, username, email, password_hash, first_name,
			last_name, phone, role, status, last_login_at, email_verified_at,
			phone_verified_at, two_factor_enabled, two_factor_secret, refresh_token,
			refresh_expires_at, metadata, created_at, deleted, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,FALSE,1)
	`, u.ID, tid, u.Username, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Phone,
		u.Role, u.Status, u.LastLoginAt, u.EmailVerifiedAt, u.PhoneVerifiedAt,
		u.TwoFactorEnabled, u.TwoFactorSecret, u.RefreshToken, u.RefreshExpiresAt,
		meta, u.CreatedAt)
	return pgErr("add user", err)
}

func (r *pgUsers) Update(ctx context.Context, u *User) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	meta, _ := json.Marshal(orEmpty(u.Metadata))
	tag, err := r.db.Exec(ctx, `
		UPDATE app_user SET username=$3, email=$4, password_hash=$5, first_name=$6,
			last_name=$7, phone=$8, role=$9, status=$10, last_login_at=$11,
			email_verified_at=$12, phone_verified_at=$13, two_factor_enabled=$14,
			two_factor_secret=$15, refresh_token=$16, refresh_expires_at=$17,
			metadata=$18, version=version+1
		WHERE id=$1 AND tenant_id=$2 AND version=$19 AND NOT deleted
	`, u.ID, tid, u.Username, u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Phone,
		u.Role, u.Status, u.LastLoginAt, u.EmailVerifiedAt, u.PhoneVerifiedAt,
		u.TwoFactorEnabled, u.TwoFactorSecret, u.RefreshToken, u.RefreshExpiresAt,
		meta, u.Version)
	if err != nil {
		return pgErr("update user", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict("user version mismatch").WithEntity(u.ID)
	}
	u.Version++
	return nil
}

func (r *pgUsers) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE app_user SET deleted=TRUE, version=version+1 WHERE id=$1 AND tenant_id=$2 AND NOT deleted`,
		id, tid)
	if err != nil {
		return pgErr("delete user", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("user not found").WithEntity(id)
	}
	return nil
}

// ---- queues ----

type pgQueues struct{ db *pgxpool.Pool }

const queueCols = `id, tenant_id, name, description, max_concurrent_users,
	release_rate_per_minute, active, last_release_at, schedule, created_at, deleted, version`

func scanQueue(row pgx.Row) (*Queue, error) {
	var q Queue
	var sched []byte
	err := row.Scan(&q.ID, &q.TenantID, &q.Name, &q.Description, &q.MaxConcurrentUsers,
		&q.ReleaseRatePerMinute, &q.Active, &q.LastReleaseAt, &sched, &q.CreatedAt,
		&q.Deleted, &q.Version)
	if err != nil {
		return nil, err
	}
	if len(sched) > 0 {
		var s clock.Schedule
		if json.Unmarshal(sched, &s) == nil {
			q.Schedule = s
		}
	}
	return &q, nil
}

func (r *pgQueues) GetByID(ctx context.Context, id uuid.UUID) (*Queue, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	q, err := scanQueue(r.db.QueryRow(ctx,
		`SELECT `+queueCols+` FROM queue WHERE id=$1 AND tenant_id=$2 AND NOT deleted`, id, tid))
	if err != nil {
		return nil, pgErr("get queue", err)
	}
	return q, nil
}

func (r *pgQueues) ListByTenant(ctx context.Context) ([]*Queue, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return r.list(ctx, `tenant_id=$1 AND NOT deleted`, tid)
}

func (r *pgQueues) ListActive(ctx context.Context) ([]*Queue, error) {
	return r.list(ctx, `active AND NOT deleted`)
}

func (r *pgQueues) list(ctx context.Context, where string, args ...any) ([]*Queue, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+queueCols+` FROM queue WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, pgErr("list queues", err)
	}
	defer rows.Close()
	var out []*Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, pgErr("scan queue", err)
		}
		out = append(out, q)
	}
	return out, pgErr("list queues", rows.Err())
}

func (r *pgQueues) Add(ctx context.Context, q *Queue) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	q.TenantID = tid
	q.Version = 1
	sched, _ := json.Marshal(q.Schedule)
	_, err = r.db.Exec(ctx, `
		INSERT INTO queue (id, tenant_id, name, description, max_concurrent_users,
			release_rate_per_minute, active, last_release_at, schedule, created_at, deleted, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,FALSE,1)
	`, q.ID, tid, q.Name, q.Description, q.MaxConcurrentUsers, q.ReleaseRatePerMinute,
		q.Active, q.LastReleaseAt, sched, q.CreatedAt)
	return pgErr("add queue", err)
}

func (r *pgQueues) Update(ctx context.Context, q *Queue) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	sched, _ := json.Marshal(q.Schedule)
	tag, err := r.db.Exec(ctx, `
		UPDATE queue SET name=$3, description=$4, max_concurrent_users=$5,
			release_rate_per_minute=$6, active=$7, last_release_at=$8, schedule=$9,
			version=version+1
		WHERE id=$1 AND tenant_id=$2 AND version=$10 AND NOT deleted
	`, q.ID, tid, q.Name, q.Description, q.MaxConcurrentUsers, q.ReleaseRatePerMinute,
		q.Active, q.LastReleaseAt, sched, q.Version)
	if err != nil {
		return pgErr("update queue", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict("queue version mismatch").WithEntity(q.ID)
	}
	q.Version++
	return nil
}

func (r *pgQueues) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE queue SET deleted=TRUE, version=version+1 WHERE id=$1 AND tenant_id=$2 AND NOT deleted`,
		id, tid)
	if err != nil {
		return pgErr("delete queue", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("queue not found").WithEntity(id)
	}
	_, err = r.db.Exec(ctx, `
		UPDATE user_session SET status='dropped', released_at=now(), position=0, version=version+1
		WHERE queue_id=$1 AND status IN ('waiting','serving')
	`, id)
	return pgErr("cascade queue delete", err)
}

// ---- sessions ----

type pgSessions struct{ db *pgxpool.Pool }

const sessionCols = `id, queue_id, tenant_id, user_identifier, status, priority,
	enqueued_at, released_at, served_at, position, metadata, version`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var meta []byte
	err := row.Scan(&s.ID, &s.QueueID, &s.TenantID, &s.UserIdentifier, &s.Status,
		&s.Priority, &s.EnqueuedAt, &s.ReleasedAt, &s.ServedAt, &s.Position,
		&meta, &s.Version)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &s.Metadata)
	}
	return &s, nil
}

func (r *pgSessions) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	s, err := scanSession(r.db.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM user_session WHERE id=$1 AND tenant_id=$2`, id, tid))
	if err != nil {
		return nil, pgErr("get session", err)
	}
	return s, nil
}

func (r *pgSessions) ActiveByQueueAndUser(ctx context.Context, queueID uuid.UUID, userIdentifier string) (*Session, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	s, err := scanSession(r.db.QueryRow(ctx, `
		SELECT `+sessionCols+` FROM user_session
		WHERE queue_id=$1 AND tenant_id=$2 AND user_identifier=$3
		  AND status IN ('waiting','serving')
	`, queueID, tid, userIdentifier))
	if err != nil {
		return nil, pgErr("get active session", err)
	}
	return s, nil
}

func (r *pgSessions) WaitingByQueueOrdered(ctx context.Context, queueID uuid.UUID) ([]*Session, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionCols+` FROM user_session
		WHERE queue_id=$1 AND tenant_id=$2 AND status='waiting'
		ORDER BY priority DESC, enqueued_at, id
	`, queueID, tid)
	if err != nil {
		return nil, pgErr("list waiting sessions", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, pgErr("scan session", err)
		}
		out = append(out, s)
	}
	return out, pgErr("list waiting sessions", rows.Err())
}

func (r *pgSessions) CountActive(ctx context.Context, queueID uuid.UUID) (int, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = r.db.QueryRow(ctx, `
		SELECT count(*) FROM user_session
		WHERE queue_id=$1 AND tenant_id=$2 AND status IN ('waiting','serving')
	`, queueID, tid).Scan(&n)
	return n, pgErr("count active sessions", err)
}

func (r *pgSessions) InRange(ctx context.Context, queueID uuid.UUID, from, to time.Time) ([]*Session, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionCols+` FROM user_session
		WHERE queue_id=$1 AND tenant_id=$2 AND enqueued_at BETWEEN $3 AND $4
		ORDER BY enqueued_at
	`, queueID, tid, from, to)
	if err != nil {
		return nil, pgErr("list sessions in range", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, pgErr("scan session", err)
		}
		out = append(out, s)
	}
	return out, pgErr("list sessions in range", rows.Err())
}

func (r *pgSessions) Add(ctx context.Context, s *Session) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.TenantID = tid
	s.Version = 1
	meta, _ := json.Marshal(orEmpty(s.Metadata))
	_, err = r.db.Exec(ctx, `
		INSERT INTO user_session (id, queue_id, tenant_id, user_identifier, status,
			priority, enqueued_at, released_at, served_at, position, metadata, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,1)
	`, s.ID, s.QueueID, tid, s.UserIdentifier, s.Status, s.Priority,
		s.EnqueuedAt, s.ReleasedAt, s.ServedAt, s.Position, meta)
	return pgErr("add session", err)
}

func (r *pgSessions) Update(ctx context.Context, s *Session) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	meta, _ := json.Marshal(orEmpty(s.Metadata))
	tag, err := r.db.Exec(ctx, `
		UPDATE user_session SET status=$3, priority=$4, released_at=$5, served_at=$6,
			position=$7, metadata=$8, version=version+1
		WHERE id=$1 AND tenant_id=$2 AND version=$9
	`, s.ID, tid, s.Status, s.Priority, s.ReleasedAt, s.ServedAt, s.Position, meta, s.Version)
	if err != nil {
		return pgErr("update session", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict("session version mismatch").WithEntity(s.ID)
	}
	s.Version++
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
