package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// RecordStore implements storage.RecordStore and storage.TaskSource using SQLite.
type RecordStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRecordStore wraps an open database (see Open).
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db, now: time.Now}
}

// DB returns the underlying connection so other sqlite backends can share it.
func (s *RecordStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *RecordStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = `id, owner_id, title, content, source_type, status, status_reason,
	category, tags, entities, confidence, classification_model, classified,
	embedding_model, embedding_dimension, embedding_indexed_at, created_at, updated_at`

// CreateRecord inserts a new Pending record.
func (s *RecordStore) CreateRecord(ctx context.Context, rec *types.MemoryRecord) error {
	if rec == nil {
		return storage.ErrInvalidInput
	}
	if strings.TrimSpace(rec.Content) == "" {
		return fmt.Errorf("%w: content is required", storage.ErrInvalidInput)
	}
	if rec.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", storage.ErrInvalidInput)
	}
	if !types.IsValidSourceType(rec.SourceType) {
		return fmt.Errorf("%w: unknown source type %q", storage.ErrInvalidInput, rec.SourceType)
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SourceType == "" {
		rec.SourceType = types.SourceText
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.Status = types.StatusPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, owner_id, title, content, source_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.Title, rec.Content, string(rec.SourceType),
		string(rec.Status), toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	return nil
}

// GetRecord retrieves a record by ID.
func (s *RecordStore) GetRecord(ctx context.Context, id string) (*types.MemoryRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM memories WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// UpdateClassification writes classification metadata and marks the record Classified.
func (s *RecordStore) UpdateClassification(ctx context.Context, id string, meta types.ClassificationMetadata) error {
	meta.Normalize()
	tags, err := json.Marshal(nonNilStrings(meta.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	entities, err := json.Marshal(nonNilEntities(meta.Entities))
	if err != nil {
		return fmt.Errorf("failed to marshal entities: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE memories SET
			category = ?, tags = ?, entities = ?, confidence = ?, classification_model = ?,
			classified = 1, status = ?, status_reason = '', updated_at = ?
		WHERE id = ?`,
		meta.Category, string(tags), string(entities), meta.Confidence, meta.Model,
		string(types.StatusClassified), toNanos(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update classification: %w", err)
	}
	return requireOneRow(result)
}

// UpdateStatus sets the lifecycle status of a record.
func (s *RecordStore) UpdateStatus(ctx context.Context, id string, status types.MemoryStatus, reason string) error {
	if !types.IsValidMemoryStatus(status) {
		return fmt.Errorf("%w: unknown status %q", storage.ErrInvalidInput, status)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE memories SET status = ?, status_reason = ?, updated_at = ? WHERE id = ?`,
		string(status), reason, toNanos(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return requireOneRow(result)
}

// SetEmbeddingRef records the live embedding's model and dimension.
func (s *RecordStore) SetEmbeddingRef(ctx context.Context, id string, ref types.EmbeddingRef) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memories SET embedding_model = ?, embedding_dimension = ?, embedding_indexed_at = ?
		WHERE id = ?`,
		ref.ModelVersion, ref.Dimension, toNanos(ref.IndexedAt), id)
	if err != nil {
		return fmt.Errorf("failed to set embedding ref: %w", err)
	}
	return requireOneRow(result)
}

// ListRecords pages through records, newest first.
func (s *RecordStore) ListRecords(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.MemoryRecord], error) {
	opts.Normalize()

	where := []string{"1=1"}
	args := []any{}
	if opts.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, opts.OwnerID)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memories WHERE `+clause+` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	items := make([]types.MemoryRecord, 0, opts.Limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		items = append(items, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &storage.PaginatedResult[types.MemoryRecord]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

// ListForReindex returns records whose embedding is missing or stale.
func (s *RecordStore) ListForReindex(ctx context.Context, currentModel string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id FROM memories m
		LEFT JOIN embeddings e ON e.memory_id = m.id
		WHERE e.memory_id IS NULL OR e.model != ?
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT ?`, currentModel, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale embeddings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*types.MemoryRecord, error) {
	var (
		rec                      types.MemoryRecord
		sourceType, status       string
		category, tags, entities string
		confidence               float64
		classModel               string
		classified               int
		embModel                 string
		embDim                   int
		embIndexed               sql.NullInt64
		createdAt, updatedAt     int64
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.Title, &rec.Content, &sourceType, &status, &rec.StatusReason,
		&category, &tags, &entities, &confidence, &classModel, &classified,
		&embModel, &embDim, &embIndexed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.SourceType = types.SourceType(sourceType)
	rec.Status = types.MemoryStatus(status)
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)

	if classified == 1 {
		meta := &types.ClassificationMetadata{Category: category, Confidence: confidence, Model: classModel}
		if err := json.Unmarshal([]byte(tags), &meta.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
		if err := json.Unmarshal([]byte(entities), &meta.Entities); err != nil {
			return nil, fmt.Errorf("failed to decode entities: %w", err)
		}
		rec.Classification = meta
	}
	if embIndexed.Valid {
		rec.EmbeddingRef = &types.EmbeddingRef{
			ModelVersion: embModel,
			Dimension:    embDim,
			IndexedAt:    fromNanos(embIndexed.Int64),
		}
	}
	return &rec, nil
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilEntities(e []types.Entity) []types.Entity {
	if e == nil {
		return []types.Entity{}
	}
	return e
}

// Compile-time assertions.
var (
	_ storage.RecordStore = (*RecordStore)(nil)
	_ storage.TaskSource  = (*RecordStore)(nil)
)
