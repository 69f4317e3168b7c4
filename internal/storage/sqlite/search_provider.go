package sqlite

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// Nearest scans the embeddings of every record that passes filter, scores
// them against query and returns the topK best under the shared total order.
func (p *VectorIndex) Nearest(ctx context.Context, query []float32, topK int, filter types.SearchFilter) ([]types.SemanticHit, error) {
	if topK < 1 {
		return nil, fmt.Errorf("%w: topK must be >= 1", storage.ErrInvalidInput)
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: query vector cannot be empty", storage.ErrInvalidInput)
	}

	where := []string{"1=1"}
	args := []any{}
	if filter.OwnerID != "" {
		where = append(where, "m.owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if len(filter.Categories) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Categories)), ",")
		where = append(where, "m.category IN ("+placeholders+")")
		for _, c := range filter.Categories {
			args = append(args, c)
		}
	}
	if !filter.From.IsZero() {
		where = append(where, "m.created_at >= ?")
		args = append(args, toNanos(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "m.created_at <= ?")
		args = append(args, toNanos(filter.To))
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT e.memory_id, e.embedding, e.dimension, e.model, m.updated_at, m.category
		FROM embeddings e
		JOIN memories m ON m.id = e.memory_id
		WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	hits := make([]types.SemanticHit, 0)
	for rows.Next() {
		var (
			hit       types.SemanticHit
			buf       []byte
			dimension int
			updatedAt int64
		)
		if err := rows.Scan(&hit.MemoryID, &buf, &dimension, &hit.ModelVersion, &updatedAt, &hit.Category); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		vec, err := deserializeEmbedding(buf, dimension)
		if err != nil {
			log.Printf("WARNING: sqlite: skipping corrupt embedding for %s: %v", hit.MemoryID, err)
			continue
		}
		hit.Score = storage.CosineSimilarity(query, vec)
		hit.UpdatedAt = fromNanos(updatedAt)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return storage.RankHits(hits, topK), nil
}
