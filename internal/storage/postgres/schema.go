package postgres

// Schema is the base PostgreSQL schema for the long-term record table.
// All statements are idempotent so the schema can be applied on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS memory_records (
    id               TEXT PRIMARY KEY,
    content          TEXT NOT NULL,
    embedding        BYTEA,
    dimension        INTEGER NOT NULL DEFAULT 0,
    type             TEXT NOT NULL,
    importance       DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_accessed    TIMESTAMPTZ,
    access_count     INTEGER NOT NULL DEFAULT 0,
    connection_count INTEGER NOT NULL DEFAULT 0,
    repetitions      INTEGER NOT NULL DEFAULT 1,
    topic            TEXT,
    extra            TEXT
);

CREATE INDEX IF NOT EXISTS idx_memory_records_type ON memory_records(type);
CREATE INDEX IF NOT EXISTS idx_memory_records_created_at ON memory_records(created_at DESC);
`

// migrationPgvector adds the native vector column and its cosine index.
// Applied only when the pgvector extension is present; the column dimension
// is fixed at store construction time.
const migrationPgvector = `
ALTER TABLE memory_records ADD COLUMN IF NOT EXISTS embedding_vec vector(%d);

CREATE INDEX IF NOT EXISTS idx_memory_records_vec_cosine
    ON memory_records USING ivfflat (embedding_vec vector_cosine_ops)
    WITH (lists = 100);
`
