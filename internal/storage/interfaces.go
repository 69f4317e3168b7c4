// Package storage provides the small storage interfaces consumed by the
// enrichment pipeline, search engine and scheduler.
//
// The interfaces are kept narrow so each backend (sqlite, postgres, chromem)
// can implement only what it serves and be composed at startup.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/memoir/pkg/types"
)

// RecordStore is the key-value view of memory records used by the pipeline.
// Every method is atomic per call.
type RecordStore interface {
	// CreateRecord inserts a new record. ID, timestamps and Pending status are
	// filled in when empty.
	CreateRecord(ctx context.Context, rec *types.MemoryRecord) error

	// GetRecord retrieves a record by ID.
	// Returns ErrNotFound if the record doesn't exist.
	GetRecord(ctx context.Context, id string) (*types.MemoryRecord, error)

	// UpdateClassification writes classification metadata and sets the status
	// to Classified. Last write wins.
	UpdateClassification(ctx context.Context, id string, meta types.ClassificationMetadata) error

	// UpdateStatus sets the lifecycle status and an optional reason.
	UpdateStatus(ctx context.Context, id string, status types.MemoryStatus, reason string) error

	// SetEmbeddingRef records which embedding currently backs the record.
	// It does not bump UpdatedAt.
	SetEmbeddingRef(ctx context.Context, id string, ref types.EmbeddingRef) error

	// ListRecords pages through records.
	ListRecords(ctx context.Context, opts ListOptions) (*PaginatedResult[types.MemoryRecord], error)

	// ListForReindex returns IDs of records with no embedding or with an
	// embedding produced by a model other than currentModel.
	ListForReindex(ctx context.Context, currentModel string, limit int) ([]string, error)
}

// VectorIndex stores at most one embedding per record and answers
// nearest-neighbor queries.
type VectorIndex interface {
	// UpsertEmbedding atomically replaces the record's embedding.
	UpsertEmbedding(ctx context.Context, recordID string, vector []float32, modelVersion string) error

	// GetEmbedding returns the live embedding for a record.
	// Returns ErrNotFound if the record has no embedding.
	GetEmbedding(ctx context.Context, recordID string) (*types.EmbeddingEntry, error)

	// DeleteEmbedding removes the record's embedding, called when the owning
	// record is deleted externally. Returns ErrNotFound if none exists.
	DeleteEmbedding(ctx context.Context, recordID string) error

	// Nearest returns up to topK hits that satisfy filter, ordered by
	// similarity descending, record update time descending, record ID ascending.
	Nearest(ctx context.Context, query []float32, topK int, filter types.SearchFilter) ([]types.SemanticHit, error)
}

// ScheduleStore persists schedule definitions, their last-fired marks and
// the run log used to make scheduled task handlers idempotent.
type ScheduleStore interface {
	// EnsureDefinition registers a definition if absent and updates its rule,
	// task and grace otherwise. LastFired and CreatedAt are preserved.
	EnsureDefinition(ctx context.Context, def types.ScheduleDefinition) error

	// ListDefinitions returns all definitions ordered by name.
	ListDefinitions(ctx context.Context) ([]types.ScheduleDefinition, error)

	// CommitFire advances LastFired to occurrence if it still equals prev
	// (nil meaning never fired). Returns false when another ticker won.
	CommitFire(ctx context.Context, name string, prev *time.Time, occurrence time.Time) (bool, error)

	// MarkRun claims (name, occurrence) for jobID and returns the job that
	// holds the claim: jobID for the first caller, the earlier claimant
	// for everyone after it.
	MarkRun(ctx context.Context, name string, occurrence time.Time, jobID string) (string, error)
}

// TaskSource exposes the user tasks and pets that scheduled checks scan.
// It is a read-only view; task CRUD lives outside the pipeline.
type TaskSource interface {
	// DueForReminder returns open tasks whose reminder instant
	// (due - reminder_hours_before) falls within [from, to].
	DueForReminder(ctx context.Context, from, to time.Time) ([]TaskRecord, error)

	// Overdue returns open tasks due before now.
	Overdue(ctx context.Context, now time.Time) ([]TaskRecord, error)

	// DueBetween returns open tasks due within [from, to].
	DueBetween(ctx context.Context, from, to time.Time) ([]TaskRecord, error)

	// CreatedOnDay returns records created on the given month/day in years before now.
	CreatedOnDay(ctx context.Context, now time.Time) ([]types.MemoryRecord, error)
}
