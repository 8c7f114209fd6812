package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the relational namespace. One logical database; every
// per-tenant table carries tenant_id; audit and queue_event are
// append-only with time-series indexes.
const Schema = `
CREATE TABLE IF NOT EXISTS tenant (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	domain      TEXT NOT NULL,
	api_key     TEXT NOT NULL,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted     BOOLEAN NOT NULL DEFAULT FALSE,
	version     INT NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS tenant_domain_uniq ON tenant (domain) WHERE NOT deleted;
CREATE UNIQUE INDEX IF NOT EXISTS tenant_api_key_uniq ON tenant (api_key) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS app_user (
	id                 UUID PRIMARY KEY,
	tenant_id          UUID NOT NULL REFERENCES tenant(id),
	username           TEXT NOT NULL,
	email              TEXT NOT NULL,
	password_hash      TEXT NOT NULL,
	first_name         TEXT NOT NULL DEFAULT '',
	last_name          TEXT NOT NULL DEFAULT '',
	phone              TEXT NOT NULL DEFAULT '',
	role               TEXT NOT NULL,
	status             TEXT NOT NULL,
	last_login_at      TIMESTAMPTZ,
	email_verified_at  TIMESTAMPTZ,
	phone_verified_at  TIMESTAMPTZ,
	two_factor_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	two_factor_secret  TEXT NOT NULL DEFAULT '',
	refresh_token      TEXT NOT NULL DEFAULT '',
	refresh_expires_at TIMESTAMPTZ,
	metadata           JSONB NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted            BOOLEAN NOT NULL DEFAULT FALSE,
	version            INT NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS app_user_username_uniq ON app_user (tenant_id, username) WHERE NOT deleted;
CREATE UNIQUE INDEX IF NOT EXISTS app_user_email_uniq ON app_user (tenant_id, email) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS queue (
	id                       UUID PRIMARY KEY,
	tenant_id                UUID NOT NULL REFERENCES tenant(id),
	name                     TEXT NOT NULL,
	description              TEXT NOT NULL DEFAULT '',
	max_concurrent_users     INT NOT NULL,
	release_rate_per_minute  DOUBLE PRECISION NOT NULL,
	active                   BOOLEAN NOT NULL DEFAULT TRUE,
	last_release_at          TIMESTAMPTZ,
	schedule                 JSONB NOT NULL DEFAULT '{}',
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted                  BOOLEAN NOT NULL DEFAULT FALSE,
	version                  INT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS queue_tenant_idx ON queue (tenant_id) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS user_session (
	id              UUID PRIMARY KEY,
	queue_id        UUID NOT NULL REFERENCES queue(id),
	tenant_id       UUID NOT NULL REFERENCES tenant(id),
	user_identifier TEXT NOT NULL,
	status          TEXT NOT NULL,
	priority        INT NOT NULL,
	enqueued_at     TIMESTAMPTZ NOT NULL,
	released_at     TIMESTAMPTZ,
	served_at       TIMESTAMPTZ,
	position        INT NOT NULL DEFAULT 0,
	metadata        JSONB NOT NULL DEFAULT '{}',
	version         INT NOT NULL DEFAULT 1
);
-- one live session per (queue, visitor)
CREATE UNIQUE INDEX IF NOT EXISTS user_session_active_uniq
	ON user_session (queue_id, user_identifier)
	WHERE status IN ('waiting', 'serving');
CREATE INDEX IF NOT EXISTS user_session_waiting_idx
	ON user_session (queue_id, priority DESC, enqueued_at, id)
	WHERE status = 'waiting';
CREATE INDEX IF NOT EXISTS user_session_range_idx ON user_session (queue_id, enqueued_at);

CREATE TABLE IF NOT EXISTS queue_event (
	id         UUID PRIMARY KEY,
	tenant_id  UUID NOT NULL,
	queue_id   UUID NOT NULL,
	session_id UUID,
	event_type TEXT NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}',
	ip         TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS queue_event_time_idx ON queue_event (tenant_id, ts);
CREATE INDEX IF NOT EXISTS queue_event_queue_idx ON queue_event (queue_id, ts);

CREATE TABLE IF NOT EXISTS api_key (
	id           UUID PRIMARY KEY,
	tenant_id    UUID NOT NULL REFERENCES tenant(id),
	name         TEXT NOT NULL,
	key_hash     TEXT NOT NULL,
	permissions  JSONB NOT NULL DEFAULT '[]',
	active       BOOLEAN NOT NULL DEFAULT TRUE,
	last_used_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted      BOOLEAN NOT NULL DEFAULT FALSE,
	version      INT NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS api_key_hash_uniq ON api_key (key_hash) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS webhook (
	id          UUID PRIMARY KEY,
	tenant_id   UUID NOT NULL REFERENCES tenant(id),
	name        TEXT NOT NULL,
	url         TEXT NOT NULL,
	event_types JSONB NOT NULL DEFAULT '[]',
	headers     JSONB NOT NULL DEFAULT '{}',
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted     BOOLEAN NOT NULL DEFAULT FALSE,
	version     INT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS webhook_tenant_idx ON webhook (tenant_id) WHERE NOT deleted;

CREATE TABLE IF NOT EXISTS webhook_delivery (
	id           UUID PRIMARY KEY,
	tenant_id    UUID NOT NULL,
	webhook_id   UUID NOT NULL,
	event_type   TEXT NOT NULL,
	payload      BYTEA NOT NULL,
	status_code  INT NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	retryable    BOOLEAN NOT NULL DEFAULT FALSE,
	attempted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS webhook_delivery_idx ON webhook_delivery (webhook_id, attempted_at DESC);

CREATE TABLE IF NOT EXISTS audit_log (
	id          UUID PRIMARY KEY,
	tenant_id   UUID NOT NULL,
	actor       TEXT NOT NULL,
	action      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   UUID,
	before      JSONB,
	after       JSONB,
	ip          TEXT NOT NULL DEFAULT '',
	user_agent  TEXT NOT NULL DEFAULT '',
	result      TEXT NOT NULL DEFAULT '',
	ts          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_time_idx ON audit_log (tenant_id, ts);
CREATE INDEX IF NOT EXISTS audit_entity_idx ON audit_log (entity_type, entity_id);

CREATE TABLE IF NOT EXISTS retention_policy (
	id               UUID PRIMARY KEY,
	tenant_id        UUID NOT NULL REFERENCES tenant(id),
	entity_type      TEXT NOT NULL,
	retention_period BIGINT NOT NULL,
	action           TEXT NOT NULL,
	criteria         JSONB NOT NULL DEFAULT '{}',
	active           BOOLEAN NOT NULL DEFAULT TRUE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted          BOOLEAN NOT NULL DEFAULT FALSE,
	version          INT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS retention_execution (
	id        UUID PRIMARY KEY,
	policy_id UUID NOT NULL,
	tenant_id UUID NOT NULL,
	affected  INT NOT NULL,
	duration  BIGINT NOT NULL,
	ran_at    TIMESTAMPTZ NOT NULL,
	error     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS backup (
	id         UUID PRIMARY KEY,
	tenant_id  UUID,
	status     TEXT NOT NULL,
	location   TEXT NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	checksum   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	version    INT NOT NULL DEFAULT 1
);
`

// Migrate applies the schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}
