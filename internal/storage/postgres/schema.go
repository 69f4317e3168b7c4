// Package postgres provides PostgreSQL implementations of the storage
// interfaces, with pgvector backing the vector index.
package postgres

import "fmt"

// Schema contains the table definitions shared by every postgres store.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    source_type TEXT NOT NULL DEFAULT 'text',
    status TEXT NOT NULL DEFAULT 'pending',
    status_reason TEXT NOT NULL DEFAULT '',

    -- Classification (written by the classification worker)
    category TEXT NOT NULL DEFAULT '',
    tags JSONB NOT NULL DEFAULT '[]',
    entities JSONB NOT NULL DEFAULT '[]',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    classification_model TEXT NOT NULL DEFAULT '',
    classified BOOLEAN NOT NULL DEFAULT FALSE,

    -- Embedding reference (written by the embedding indexer)
    embedding_model TEXT NOT NULL DEFAULT '',
    embedding_dimension INTEGER NOT NULL DEFAULT 0,
    embedding_indexed_at TIMESTAMPTZ,

    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner_id, created_at);

CREATE TABLE IF NOT EXISTS schedules (
    name TEXT PRIMARY KEY,
    rule TEXT NOT NULL,
    task TEXT NOT NULL,
    grace_ns BIGINT NOT NULL,
    last_fired TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS schedule_runs (
    name TEXT NOT NULL,
    occurrence TIMESTAMPTZ NOT NULL,
    job_id TEXT NOT NULL DEFAULT '',
    ran_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (name, occurrence)
);
ALTER TABLE schedule_runs ADD COLUMN IF NOT EXISTS job_id TEXT NOT NULL DEFAULT '';
`

// embeddingsSchema creates the pgvector-backed embeddings table for a fixed dimension.
func embeddingsSchema(dimension int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS embeddings (
    memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
    embedding vector(%d) NOT NULL,
    model TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);
`, dimension)
}
