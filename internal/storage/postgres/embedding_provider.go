package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// UpsertEmbedding replaces the record's embedding in a single statement.
func (s *Store) UpsertEmbedding(ctx context.Context, recordID string, vector []float32, modelVersion string) error {
	if recordID == "" || modelVersion == "" || len(vector) == 0 {
		return fmt.Errorf("%w: record ID, model version and vector are required", storage.ErrInvalidInput)
	}
	if len(vector) != s.dimension {
		return fmt.Errorf("%w: got %d, index is %d", storage.ErrDimensionMismatch, len(vector), s.dimension)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (memory_id, embedding, model, updated_at)
		SELECT id, $1, $2, $3 FROM memories WHERE id = $4
		ON CONFLICT (memory_id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			model = EXCLUDED.model,
			updated_at = EXCLUDED.updated_at`,
		pgvector.NewVector(vector), modelVersion, s.now().UTC(), recordID)
	if err != nil {
		return fmt.Errorf("postgres: failed to store embedding: %w", err)
	}
	return requireOneRow(result)
}

// GetEmbedding retrieves the embedding for a record.
func (s *Store) GetEmbedding(ctx context.Context, recordID string) (*types.EmbeddingEntry, error) {
	var (
		vec   pgvector.Vector
		entry = types.EmbeddingEntry{MemoryID: recordID}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding, model, updated_at FROM embeddings WHERE memory_id = $1`, recordID).
		Scan(&vec, &entry.ModelVersion, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get embedding: %w", err)
	}
	entry.Vector = vec.Slice()
	entry.UpdatedAt = entry.UpdatedAt.UTC()
	return &entry, nil
}

// DeleteEmbedding removes a record's embedding and clears its reference.
func (s *Store) DeleteEmbedding(ctx context.Context, recordID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE memory_id = $1`, recordID)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete embedding: %w", err)
	}
	if err := requireOneRow(result); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE memories SET embedding_model = '', embedding_dimension = 0, embedding_indexed_at = NULL
		WHERE id = $1`, recordID); err != nil {
		return fmt.Errorf("postgres: failed to clear embedding ref: %w", err)
	}
	return tx.Commit()
}

// Nearest pushes filtering and ordering into SQL using the pgvector cosine
// distance operator. The result is re-ranked in Go so float ties resolve
// exactly like the other backends.
func (s *Store) Nearest(ctx context.Context, query []float32, topK int, filter types.SearchFilter) ([]types.SemanticHit, error) {
	if topK < 1 {
		return nil, fmt.Errorf("%w: topK must be >= 1", storage.ErrInvalidInput)
	}
	if len(query) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index is %d", storage.ErrDimensionMismatch, len(query), s.dimension)
	}

	args := []any{pgvector.NewVector(query)}
	where := []string{"TRUE"}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		where = append(where, fmt.Sprintf("m.owner_id = $%d", len(args)))
	}
	if len(filter.Categories) > 0 {
		placeholders := make([]string, 0, len(filter.Categories))
		for _, c := range filter.Categories {
			args = append(args, c)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, "m.category IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		where = append(where, fmt.Sprintf("m.created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		where = append(where, fmt.Sprintf("m.created_at <= $%d", len(args)))
	}
	args = append(args, topK)

	stmt := fmt.Sprintf(`
		SELECT e.memory_id, 1 - (e.embedding <=> $1) AS score, e.model, m.updated_at, m.category
		FROM embeddings e
		JOIN memories m ON m.id = e.memory_id
		WHERE %s
		ORDER BY e.embedding <=> $1, m.updated_at DESC, m.id ASC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]types.SemanticHit, 0, topK)
	for rows.Next() {
		var h types.SemanticHit
		if err := rows.Scan(&h.MemoryID, &h.Score, &h.ModelVersion, &h.UpdatedAt, &h.Category); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan hit: %w", err)
		}
		h.UpdatedAt = h.UpdatedAt.UTC()
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return storage.RankHits(hits, topK), nil
}
