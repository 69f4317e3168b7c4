package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// VectorIndex implements storage.VectorIndex on the embeddings table.
// Nearest is a brute-force scan with cosine similarity computed in Go; it
// suits the single-user scale this backend targets.
type VectorIndex struct {
	db        *sql.DB
	dimension int
	now       func() time.Time
}

// NewVectorIndex creates an index over db. A dimension of 0 disables the
// length check.
func NewVectorIndex(db *sql.DB, dimension int) *VectorIndex {
	return &VectorIndex{db: db, dimension: dimension, now: time.Now}
}

// UpsertEmbedding replaces the record's embedding in a single statement.
func (p *VectorIndex) UpsertEmbedding(ctx context.Context, recordID string, vector []float32, modelVersion string) error {
	if recordID == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}
	if modelVersion == "" {
		return fmt.Errorf("%w: model version is required", storage.ErrInvalidInput)
	}
	if p.dimension > 0 && len(vector) != p.dimension {
		return fmt.Errorf("%w: got %d, index is %d", storage.ErrDimensionMismatch, len(vector), p.dimension)
	}

	// The INSERT ... SELECT only produces a row when the record exists, so a
	// deleted record never gains an orphan embedding.
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO embeddings (memory_id, embedding, dimension, model, updated_at)
		SELECT id, ?, ?, ?, ? FROM memories WHERE id = ?
		ON CONFLICT(memory_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			model = excluded.model,
			updated_at = excluded.updated_at`,
		serializeEmbedding(vector), len(vector), modelVersion, toNanos(p.now()), recordID)
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return requireOneRow(result)
}

// GetEmbedding retrieves the embedding for a record.
func (p *VectorIndex) GetEmbedding(ctx context.Context, recordID string) (*types.EmbeddingEntry, error) {
	if recordID == "" {
		return nil, fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	var (
		buf       []byte
		dimension int
		entry     = types.EmbeddingEntry{MemoryID: recordID}
		updatedAt int64
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT embedding, dimension, model, updated_at FROM embeddings WHERE memory_id = ?`, recordID).
		Scan(&buf, &dimension, &entry.ModelVersion, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}

	entry.Vector, err = deserializeEmbedding(buf, dimension)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize embedding: %w", err)
	}
	entry.UpdatedAt = fromNanos(updatedAt)
	return &entry, nil
}

// DeleteEmbedding removes a record's embedding.
func (p *VectorIndex) DeleteEmbedding(ctx context.Context, recordID string) error {
	if recordID == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}
	result, err := p.db.ExecContext(ctx, `DELETE FROM embeddings WHERE memory_id = ?`, recordID)
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	if err := requireOneRow(result); err != nil {
		return err
	}
	// Keep the record's embedding ref consistent with the index.
	if _, err := p.db.ExecContext(ctx, `
		UPDATE memories SET embedding_model = '', embedding_dimension = 0, embedding_indexed_at = NULL
		WHERE id = ?`, recordID); err != nil {
		return fmt.Errorf("failed to clear embedding ref: %w", err)
	}
	return nil
}

// serializeEmbedding encodes a vector as little-endian float32.
func serializeEmbedding(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeEmbedding decodes a little-endian float32 blob of the given dimension.
func deserializeEmbedding(buf []byte, dimension int) ([]float32, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*4 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", dimension*4, len(buf))
	}
	v := make([]float32, dimension)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}

// Compile-time assertion.
var _ storage.VectorIndex = (*VectorIndex)(nil)
