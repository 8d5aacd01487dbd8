package store

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS constraints (
	constraint_id TEXT PRIMARY KEY,
	origin        TEXT,
	candidate_id  TEXT NOT NULL,
	scope         TEXT NOT NULL,
	reason        TEXT NOT NULL,
	status        TEXT NOT NULL CHECK (status IN ('active', 'pending_release', 'released')),
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS constraint_history (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	constraint_id TEXT NOT NULL,
	from_status   TEXT,
	to_status     TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (constraint_id) REFERENCES constraints(constraint_id)
);

CREATE TABLE IF NOT EXISTS ledger_events (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	confession_id TEXT NOT NULL,
	kind          TEXT NOT NULL,
	actor         TEXT,
	constraint_id TEXT,
	candidate_id  TEXT,
	payload_json  TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	prev_hash     TEXT NOT NULL,
	hash          TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_ledger_events_confession ON ledger_events(confession_id);

CREATE TABLE IF NOT EXISTS learning_traces (
	trace_id      TEXT PRIMARY KEY,
	confession_id TEXT NOT NULL UNIQUE,
	lesson_json   TEXT NOT NULL,
	fingerprint   TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_learning_traces_fingerprint ON learning_traces(fingerprint);

CREATE TABLE IF NOT EXISTS audit_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id    TEXT NOT NULL,
	subject       TEXT NOT NULL,
	event         TEXT NOT NULL,
	actor         TEXT,
	detail_json   TEXT,
	created_at    TEXT NOT NULL
);
`

// #endregion schema
