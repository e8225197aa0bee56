package sqlite

// Schema defines the full Engram schema. Every statement is idempotent so the
// schema can be applied on every open.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	summary        TEXT,
	topics         TEXT,              -- JSON array
	emotional_tone TEXT,
	facts          TEXT,              -- JSON array
	insights       TEXT,              -- JSON array
	importance     REAL NOT NULL DEFAULT 0,
	repetitions    INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

CREATE TABLE IF NOT EXISTS interaction_logs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	op         TEXT NOT NULL,
	detail     TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS memory_records (
	id               TEXT PRIMARY KEY,
	content          TEXT NOT NULL,
	embedding        BLOB NOT NULL,
	dimension        INTEGER NOT NULL,
	type             TEXT NOT NULL,
	importance       REAL NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	last_accessed    TIMESTAMP NOT NULL,
	access_count     INTEGER NOT NULL DEFAULT 0,
	connection_count INTEGER NOT NULL DEFAULT 0,
	repetitions      INTEGER NOT NULL DEFAULT 0,
	topic            TEXT,
	extra            TEXT               -- JSON object, unknown keys preserved
);

CREATE INDEX IF NOT EXISTS idx_records_type ON memory_records(type);

CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	norm_name  TEXT NOT NULL UNIQUE,
	type       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS relations (
	source_id     TEXT NOT NULL,
	target_id     TEXT NOT NULL,
	weight        REAL NOT NULL,
	mention_count INTEGER NOT NULL DEFAULT 1,
	updated_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (source_id, target_id)
);

CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id);
CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id);

CREATE TABLE IF NOT EXISTS access_patterns (
	record_id         TEXT PRIMARY KEY,
	access_count      INTEGER NOT NULL DEFAULT 0,
	channel_diversity INTEGER NOT NULL DEFAULT 0,
	last_hot_at       TIMESTAMP
);
`
