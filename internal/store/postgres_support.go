package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/tenant"
)

// ---- queue events ----

type pgEvents struct{ db *pgxpool.Pool }

func (r *pgEvents) Add(ctx context.Context, e *QueueEvent) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.TenantID = tid
	meta, _ := json.Marshal(orEmpty(e.Metadata))
	_, err = r.db.Exec(ctx, `
		INSERT INTO queue_event (id, tenant_id, queue_id, session_id, event_type, ts, metadata, ip, user_agent)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, tid, e.QueueID, e.SessionID, e.EventType, e.Timestamp, meta, e.IP, e.UserAgent)
	return pgErr("add queue event", err)
}

func (r *pgEvents) ListByQueue(ctx context.Context, queueID uuid.UUID, from, to time.Time, limit int) ([]*QueueEvent, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 500
	}
	// Zero bounds mean unbounded
	if to.IsZero() {
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, queue_id, session_id, event_type, ts, metadata, ip, user_agent
		FROM queue_event
		WHERE queue_id=$1 AND tenant_id=$2 AND ts BETWEEN $3 AND $4
		ORDER BY ts
		LIMIT $5
	`, queueID, tid, from, to, limit)
	if err != nil {
		return nil, pgErr("list queue events", err)
	}
	defer rows.Close()
	var out []*QueueEvent
	for rows.Next() {
		var e QueueEvent
		var meta []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.QueueID, &e.SessionID, &e.EventType,
			&e.Timestamp, &meta, &e.IP, &e.UserAgent); err != nil {
			return nil, pgErr("scan queue event", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		out = append(out, &e)
	}
	return out, pgErr("list queue events", rows.Err())
}

func (r *pgEvents) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM queue_event WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, pgErr("purge queue events", err)
	}
	return int(tag.RowsAffected()), nil
}

// ---- api keys ----

type pgAPIKeys struct{ db *pgxpool.Pool }

const apiKeyCols = `id, tenant_id, name, key_hash, permissions, active, last_used_at, created_at, deleted, version`

func scanAPIKey(row pgx.Row) (*APIKey, error) {
	var k APIKey
	var perms []byte
	err := row.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &perms, &k.Active,
		&k.LastUsedAt, &k.CreatedAt, &k.Deleted, &k.Version)
	if err != nil {
		return nil, err
	}
	if len(perms) > 0 {
		_ = json.Unmarshal(perms, &k.Permissions)
	}
	return &k, nil
}

func (r *pgAPIKeys) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	// Key resolution runs before a tenant context exists; the hash itself
	// scopes the lookup.
	k, err := scanAPIKey(r.db.QueryRow(ctx,
		`SELECT `+apiKeyCols+` FROM api_key WHERE key_hash=$1 AND active AND NOT deleted`, hash))
	if err != nil {
		return nil, pgErr("get api key", err)
	}
	return k, nil
}

func (r *pgAPIKeys) ListByTenant(ctx context.Context) ([]*APIKey, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+apiKeyCols+` FROM api_key WHERE tenant_id=$1 AND NOT deleted ORDER BY created_at`, tid)
	if err != nil {
		return nil, pgErr("list api keys", err)
	}
	defer rows.Close()
	var out []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, pgErr("scan api key", err)
		}
		out = append(out, k)
	}
	return out, pgErr("list api keys", rows.Err())
}

func (r *pgAPIKeys) Add(ctx context.Context, k *APIKey) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	k.TenantID = tid
	k.Version = 1
	perms, _ := json.Marshal(k.Permissions)
	_, err = r.db.Exec(ctx, `
		INSERT INTO api_key (id, tenant_id, name, key_hash, permissions, active, last_used_at, created_at, deleted, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,FALSE,1)
	`, k.ID, tid, k.Name, k.KeyHash, perms, k.Active, k.LastUsedAt, k.CreatedAt)
	return pgErr("add api key", err)
}

func (r *pgAPIKeys) Update(ctx context.Context, k *APIKey) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	perms, _ := json.Marshal(k.Permissions)
	tag, err := r.db.Exec(ctx, `
		UPDATE api_key SET name=$3, permissions=$4, active=$5, last_used_at=$6, version=version+1
		WHERE id=$1 AND tenant_id=$2 AND version=$7 AND NOT deleted
	`, k.ID, tid, k.Name, perms, k.Active, k.LastUsedAt, k.Version)
	if err != nil {
		return pgErr("update api key", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict("api key version mismatch").WithEntity(k.ID)
	}
	k.Version++
	return nil
}

func (r *pgAPIKeys) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE api_key SET deleted=TRUE, active=FALSE, version=version+1 WHERE id=$1 AND tenant_id=$2 AND NOT deleted`,
		id, tid)
	if err != nil {
		return pgErr("revoke api key", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("api key not found").WithEntity(id)
	}
	return nil
}

// ---- webhooks ----

type pgWebhooks struct{ db *pgxpool.Pool }

const webhookCols = `id, tenant_id, name, url, event_types, headers, active, created_at, deleted, version`

func scanWebhook(row pgx.Row) (*Webhook, error) {
	var w Webhook
	var types, headers []byte
	err := row.Scan(&w.ID, &w.TenantID, &w.Name, &w.URL, &types, &headers,
		&w.Active, &w.CreatedAt, &w.Deleted, &w.Version)
	if err != nil {
		return nil, err
	}
	if len(types) > 0 {
		_ = json.Unmarshal(types, &w.EventTypes)
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &w.Headers)
	}
	return &w, nil
}

func (r *pgWebhooks) GetByID(ctx context.Context, id uuid.UUID) (*Webhook, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	w, err := scanWebhook(r.db.QueryRow(ctx,
		`SELECT `+webhookCols+` FROM webhook WHERE id=$1 AND tenant_id=$2 AND NOT deleted`, id, tid))
	if err != nil {
		return nil, pgErr("get webhook", err)
	}
	return w, nil
}

func (r *pgWebhooks) list(ctx context.Context, where string, args ...any) ([]*Webhook, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+webhookCols+` FROM webhook WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, pgErr("list webhooks", err)
	}
	defer rows.Close()
	var out []*Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, pgErr("scan webhook", err)
		}
		out = append(out, w)
	}
	return out, pgErr("list webhooks", rows.Err())
}

func (r *pgWebhooks) ListByTenant(ctx context.Context) ([]*Webhook, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return r.list(ctx, `tenant_id=$1 AND NOT deleted`, tid)
}

func (r *pgWebhooks) ListByEvent(ctx context.Context, eventType string) ([]*Webhook, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	return r.list(ctx,
		`tenant_id=$1 AND active AND NOT deleted AND (event_types ? $2 OR event_types ? '*')`,
		tid, eventType)
}

func (r *pgWebhooks) Add(ctx context.Context, w *Webhook) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.TenantID = tid
	w.Version = 1
	types, _ := json.Marshal(w.EventTypes)
	headers, _ := json.Marshal(w.Headers)
	_, err = r.db.Exec(ctx, `
		INSERT INTO webhook (id, tenant_id, name, url, event_types, headers, active, created_at, deleted, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,FALSE,1)
	`, w.ID, tid, w.Name, w.URL, types, headers, w.Active, w.CreatedAt)
	return pgErr("add webhook", err)
}

func (r *pgWebhooks) Update(ctx context.Context, w *Webhook) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	types, _ := json.Marshal(w.EventTypes)
	headers, _ := json.Marshal(w.Headers)
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook SET name=$3, url=$4, event_types=$5, headers=$6, active=$7, version=version+1
		WHERE id=$1 AND tenant_id=$2 AND version=$8 AND NOT deleted
	`, w.ID, tid, w.Name, w.URL, types, headers, w.Active, w.Version)
	if err != nil {
		return pgErr("update webhook", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict("webhook version mismatch").WithEntity(w.ID)
	}
	w.Version++
	return nil
}

func (r *pgWebhooks) SoftDelete(ctx context.Context, id uuid.UUID) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook SET deleted=TRUE, version=version+1 WHERE id=$1 AND tenant_id=$2 AND NOT deleted`,
		id, tid)
	if err != nil {
		return pgErr("delete webhook", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("webhook not found").WithEntity(id)
	}
	return nil
}

// ---- deliveries ----

type pgDeliveries struct{ db *pgxpool.Pool }

func (r *pgDeliveries) GetByID(ctx context.Context, id uuid.UUID) (*WebhookDelivery, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var d WebhookDelivery
	err = r.db.QueryRow(ctx, `
		SELECT id, tenant_id, webhook_id, event_type, payload, status_code, error, retryable, attempted_at
		FROM webhook_delivery WHERE id=$1 AND tenant_id=$2
	`, id, tid).Scan(&d.ID, &d.TenantID, &d.WebhookID, &d.EventType, &d.Payload,
		&d.StatusCode, &d.Error, &d.Retryable, &d.AttemptedAt)
	if err != nil {
		return nil, pgErr("get delivery", err)
	}
	return &d, nil
}

func (r *pgDeliveries) ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]*WebhookDelivery, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id, webhook_id, event_type, payload, status_code, error, retryable, attempted_at
		FROM webhook_delivery WHERE webhook_id=$1 AND tenant_id=$2
		ORDER BY attempted_at DESC LIMIT $3
	`, webhookID, tid, limit)
	if err != nil {
		return nil, pgErr("list deliveries", err)
	}
	defer rows.Close()
	var out []*WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.WebhookID, &d.EventType, &d.Payload,
			&d.StatusCode, &d.Error, &d.Retryable, &d.AttemptedAt); err != nil {
			return nil, pgErr("scan delivery", err)
		}
		out = append(out, &d)
	}
	return out, pgErr("list deliveries", rows.Err())
}

func (r *pgDeliveries) Add(ctx context.Context, d *WebhookDelivery) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.TenantID = tid
	_, err = r.db.Exec(ctx, `
		INSERT INTO webhook_delivery (id, tenant_id, webhook_id, event_type, payload, status_code, error, retryable, attempted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, d.ID, tid, d.WebhookID, d.EventType, d.Payload, d.StatusCode, d.Error, d.Retryable, d.AttemptedAt)
	return pgErr("add delivery", err)
}

// ---- audit ----

type pgAudit struct{ db *pgxpool.Pool }

func (r *pgAudit) Add(ctx context.Context, e *AuditEntry) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.TenantID = tid
	before, _ := json.Marshal(e.Before)
	after, _ := json.Marshal(e.After)
	_, err = r.db.Exec(ctx, `
		INSERT INTO audit_log (id, tenant_id, actor, action, entity_type, entity_id, before, after, ip, user_agent, result, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, e.ID, tid, e.Actor, e.Action, e.EntityType, e.EntityID, before, after,
		e.IP, e.UserAgent, e.Result, e.Timestamp)
	return pgErr("add audit entry", err)
}

func (r *pgAudit) List(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	q := `SELECT id, tenant_id, actor, action, entity_type, entity_id, before, after, ip, user_agent, result, ts
		FROM audit_log WHERE tenant_id=$1`
	args := []any{tid}
	n := 1
	add := func(cond string, v any) {
		n++
		args = append(args, v)
		q += ` AND ` + cond + `$` + strconv.Itoa(n)
	}
	if !f.From.IsZero() {
		add(`ts >= `, f.From)
	}
	if !f.To.IsZero() {
		add(`ts <= `, f.To)
	}
	if f.EntityType != "" {
		add(`entity_type = `, f.EntityType)
	}
	if f.EntityID != uuid.Nil {
		add(`entity_id = `, f.EntityID)
	}
	if f.Actor != "" {
		add(`actor = `, f.Actor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	n++
	args = append(args, limit)
	q += ` ORDER BY ts DESC LIMIT $` + strconv.Itoa(n)

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, pgErr("list audit entries", err)
	}
	defer rows.Close()
	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var entityID *uuid.UUID
		var before, after []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Actor, &e.Action, &e.EntityType,
			&entityID, &before, &after, &e.IP, &e.UserAgent, &e.Result, &e.Timestamp); err != nil {
			return nil, pgErr("scan audit entry", err)
		}
		if entityID != nil {
			e.EntityID = *entityID
		}
		if len(before) > 0 {
			_ = json.Unmarshal(before, &e.Before)
		}
		if len(after) > 0 {
			_ = json.Unmarshal(after, &e.After)
		}
		out = append(out, &e)
	}
	return out, pgErr("list audit entries", rows.Err())
}

func (r *pgAudit) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM audit_log WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, pgErr("purge audit entries", err)
	}
	return int(tag.RowsAffected()), nil
}


// ---- retention ----

type pgRetention struct{ db *pgxpool.Pool }

const policyCols = `id, tenant_id, entity_type, retention_period, action, criteria, active, created_at, deleted, version`

func scanPolicy(row pgx.Row) (*RetentionPolicy, error) {
	var p RetentionPolicy
	var crit []byte
	var period int64
	err := row.Scan(&p.ID, &p.TenantID, &p.EntityType, &period, &p.Action, &crit,
		&p.Active, &p.CreatedAt, &p.Deleted, &p.Version)
	if err != nil {
		return nil, err
	}
	p.RetentionPeriod = time.Duration(period)
	if len(crit) > 0 {
		_ = json.Unmarshal(crit, &p.Criteria)
	}
	return &p, nil
}

func (r *pgRetention) GetPolicy(ctx context.Context, id uuid.UUID) (*RetentionPolicy, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	p, err := scanPolicy(r.db.QueryRow(ctx,
		`SELECT `+policyCols+` FROM retention_policy WHERE id=$1 AND tenant_id=$2 AND NOT deleted`, id, tid))
	if err != nil {
		return nil, pgErr("get retention policy", err)
	}
	return p, nil
}

func (r *pgRetention) ListPolicies(ctx context.Context) ([]*RetentionPolicy, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+policyCols+` FROM retention_policy WHERE tenant_id=$1 AND NOT deleted ORDER BY created_at`, tid)
	if err != nil {
		return nil, pgErr("list retention policies", err)
	}
	defer rows.Close()
	var out []*RetentionPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, pgErr("scan retention policy", err)
		}
		out = append(out, p)
	}
	return out, pgErr("list retention policies", rows.Err())
}

func (r *pgRetention) AddPolicy(ctx context.Context, p *RetentionPolicy) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.TenantID = tid
	p.Version = 1
	crit, _ := json.Marshal(orEmpty(p.Criteria))
	_, err = r.db.Exec(ctx, `
		INSERT INTO retention_policy (id, tenant_id, entity_type, retention_period, action, criteria, active, created_at, deleted, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,FALSE,1)
	`, p.ID, tid, p.EntityType, int64(p.RetentionPeriod), p.Action, crit, p.Active, p.CreatedAt)
	return pgErr("add retention policy", err)
}

func (r *pgRetention) UpdatePolicy(ctx context.Context, p *RetentionPolicy) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	crit, _ := json.Marshal(orEmpty(p.Criteria))
	tag, err := r.db.Exec(ctx, `
		UPDATE retention_policy SET entity_type=$3, retention_period=$4, action=$5, criteria=$6, active=$7, version=version+1
		WHERE id=$1 AND tenant_id=$2 AND version=$8 AND NOT deleted
	`, p.ID, tid, p.EntityType, int64(p.RetentionPeriod), p.Action, crit, p.Active, p.Version)
	if err != nil {
		return pgErr("update retention policy", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict("retention policy version mismatch").WithEntity(p.ID)
	}
	p.Version++
	return nil
}

func (r *pgRetention) SoftDeletePolicy(ctx context.Context, id uuid.UUID) error {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE retention_policy SET deleted=TRUE, version=version+1 WHERE id=$1 AND tenant_id=$2 AND NOT deleted`,
		id, tid)
	if err != nil {
		return pgErr("delete retention policy", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("retention policy not found").WithEntity(id)
	}
	return nil
}

func (r *pgRetention) AddExecution(ctx context.Context, e *RetentionExecution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO retention_execution (id, policy_id, tenant_id, affected, duration, ran_at, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, e.ID, e.PolicyID, e.TenantID, e.Affected, int64(e.Duration), e.RanAt, e.Error)
	return pgErr("add retention execution", err)
}

func (r *pgRetention) ListExecutions(ctx context.Context, policyID uuid.UUID) ([]*RetentionExecution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, policy_id, tenant_id, affected, duration, ran_at, error
		FROM retention_execution WHERE policy_id=$1 ORDER BY ran_at DESC
	`, policyID)
	if err != nil {
		return nil, pgErr("list retention executions", err)
	}
	defer rows.Close()
	var out []*RetentionExecution
	for rows.Next() {
		var e RetentionExecution
		var dur int64
		if err := rows.Scan(&e.ID, &e.PolicyID, &e.TenantID, &e.Affected, &dur, &e.RanAt, &e.Error); err != nil {
			return nil, pgErr("scan retention execution", err)
		}
		e.Duration = time.Duration(dur)
		out = append(out, &e)
	}
	return out, pgErr("list retention executions", rows.Err())
}

// ---- backups ----

type pgBackups struct{ db *pgxpool.Pool }

const backupCols = `id, tenant_id, status, location, size_bytes, checksum, created_at, version`

func scanBackup(row pgx.Row) (*Backup, error) {
	var b Backup
	err := row.Scan(&b.ID, &b.TenantID, &b.Status, &b.Location, &b.SizeBytes,
		&b.Checksum, &b.CreatedAt, &b.Version)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *pgBackups) GetByID(ctx context.Context, id uuid.UUID) (*Backup, error) {
	b, err := scanBackup(r.db.QueryRow(ctx,
		`SELECT `+backupCols+` FROM backup WHERE id=$1`, id))
	if err != nil {
		return nil, pgErr("get backup", err)
	}
	return b, nil
}

func (r *pgBackups) List(ctx context.Context) ([]*Backup, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+backupCols+` FROM backup ORDER BY created_at`)
	if err != nil {
		return nil, pgErr("list backups", err)
	}
	defer rows.Close()
	var out []*Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, pgErr("scan backup", err)
		}
		out = append(out, b)
	}
	return out, pgErr("list backups", rows.Err())
}

func (r *pgBackups) Add(ctx context.Context, b *Backup) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.Version = 1
	_, err := r.db.Exec(ctx, `
		INSERT INTO backup (id, tenant_id, status, location, size_bytes, checksum, created_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,1)
	`, b.ID, b.TenantID, b.Status, b.Location, b.SizeBytes, b.Checksum, b.CreatedAt)
	return pgErr("add backup", err)
}

func (r *pgBackups) Update(ctx context.Context, b *Backup) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE backup SET status=$2, location=$3, size_bytes=$4, checksum=$5, version=version+1
		WHERE id=$1 AND version=$6
	`, b.ID, b.Status, b.Location, b.SizeBytes, b.Checksum, b.Version)
	if err != nil {
		return pgErr("update backup", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict("backup version mismatch").WithEntity(b.ID)
	}
	b.Version++
	return nil
}
