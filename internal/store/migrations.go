package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
// Timestamps are stored as UTC unix milliseconds so ordering and range
// comparisons behave identically on SQLite and Postgres.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	organizer  TEXT NOT NULL DEFAULT '',
	location   TEXT NOT NULL DEFAULT '',
	starts_at  BIGINT NOT NULL,
	ends_at    BIGINT NOT NULL,
	time_zone  TEXT NOT NULL DEFAULT 'UTC',
	version    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS preferences (
	user_id                  TEXT PRIMARY KEY,
	channel                  TEXT NOT NULL DEFAULT 'email',
	quiet_start              INTEGER NOT NULL DEFAULT 0,
	quiet_end                INTEGER NOT NULL DEFAULT 0,
	weekend_policy           TEXT NOT NULL DEFAULT 'allow',
	time_zone                TEXT NOT NULL DEFAULT 'UTC',
	escalation_threshold_sec BIGINT NOT NULL DEFAULT 3600,
	max_call_attempts        INTEGER NOT NULL DEFAULT 3
);

CREATE TABLE IF NOT EXISTS contacts (
	user_id TEXT PRIMARY KEY,
	name    TEXT NOT NULL DEFAULT '',
	email   TEXT NOT NULL DEFAULT '',
	phone   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	event_id         TEXT NOT NULL,
	event_version    BIGINT NOT NULL,
	user_id          TEXT NOT NULL,
	offset_sec       BIGINT NOT NULL,
	channel          TEXT NOT NULL,
	priority         TEXT NOT NULL DEFAULT 'normal',
	escalation       INTEGER NOT NULL DEFAULT 0,
	trigger_at       BIGINT NOT NULL,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	last_error       TEXT NOT NULL DEFAULT '',
	idempotency_key  TEXT NOT NULL,
	hints            TEXT NOT NULL DEFAULT '{}',
	responded_action TEXT NOT NULL DEFAULT '',
	created_at       BIGINT NOT NULL,
	updated_at       BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_active_key
	ON jobs(idempotency_key) WHERE status IN ('pending', 'due', 'in_flight');
CREATE INDEX IF NOT EXISTS idx_jobs_status_trigger ON jobs(status, trigger_at);
CREATE INDEX IF NOT EXISTS idx_jobs_event_id ON jobs(event_id);

CREATE TABLE IF NOT EXISTS delivery_attempts (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL REFERENCES jobs(id),
	number       INTEGER NOT NULL,
	provider_ref TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	created_at   BIGINT NOT NULL,
	updated_at   BIGINT NOT NULL,
	UNIQUE(job_id, number)
);

CREATE TABLE IF NOT EXISTS call_sessions (
	call_ref   TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	attempt_id TEXT NOT NULL,
	token      TEXT NOT NULL,
	state      TEXT NOT NULL,
	responded  INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS responses (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL,
	event_id      TEXT NOT NULL,
	event_version BIGINT NOT NULL,
	action        TEXT NOT NULL,
	channel       TEXT NOT NULL,
	cancelled     INTEGER NOT NULL DEFAULT 0,
	received_at   BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_responses_event_id ON responses(event_id);

CREATE TABLE IF NOT EXISTS action_nonces (
	nonce      TEXT PRIMARY KEY,
	expires_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_action_nonces_expires ON action_nonces(expires_at);

CREATE TABLE IF NOT EXISTS credentials (
	name       TEXT PRIMARY KEY,
	ciphertext TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);
`,
	},
}
