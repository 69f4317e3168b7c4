package sqlite

// Schema creates every table the sqlite backends use. Timestamps are UTC
// unix nanoseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
	id                   TEXT PRIMARY KEY,
	owner_id             TEXT NOT NULL,
	title                TEXT NOT NULL DEFAULT '',
	content              TEXT NOT NULL,
	source_type          TEXT NOT NULL DEFAULT 'text',
	status               TEXT NOT NULL DEFAULT 'pending',
	status_reason        TEXT NOT NULL DEFAULT '',
	category             TEXT NOT NULL DEFAULT '',
	tags                 TEXT NOT NULL DEFAULT '[]',
	entities             TEXT NOT NULL DEFAULT '[]',
	confidence           REAL NOT NULL DEFAULT 0,
	classification_model TEXT NOT NULL DEFAULT '',
	classified           INTEGER NOT NULL DEFAULT 0,
	embedding_model      TEXT NOT NULL DEFAULT '',
	embedding_dimension  INTEGER NOT NULL DEFAULT 0,
	embedding_indexed_at INTEGER,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_memories_status ON memories(status);

CREATE TABLE IF NOT EXISTS embeddings (
	memory_id  TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
	embedding  BLOB NOT NULL,
	dimension  INTEGER NOT NULL,
	model      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);

CREATE TABLE IF NOT EXISTS schedules (
	name       TEXT PRIMARY KEY,
	rule       TEXT NOT NULL,
	task       TEXT NOT NULL,
	grace_ns   INTEGER NOT NULL,
	last_fired INTEGER,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schedule_runs (
	name       TEXT NOT NULL,
	occurrence INTEGER NOT NULL,
	job_id     TEXT NOT NULL DEFAULT '',
	ran_at     INTEGER NOT NULL,
	PRIMARY KEY (name, occurrence)
);

CREATE TABLE IF NOT EXISTS tasks (
	id                    TEXT PRIMARY KEY,
	owner_id              TEXT NOT NULL,
	kind                  TEXT NOT NULL DEFAULT 'task',
	title                 TEXT NOT NULL,
	due_at                INTEGER NOT NULL,
	reminder_hours_before INTEGER NOT NULL DEFAULT 0,
	completed             INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(completed, due_at);
`
