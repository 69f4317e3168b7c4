// Package chromem provides an in-process storage.VectorIndex backed by
// chromem-go. It keeps no state on disk and is meant for single-process
// deployments and local development; category and date filters are read
// from the RecordStore at query time.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

const (
	collectionName = "memories"

	metaOwner   = "owner_id"
	metaModel   = "model"
	metaUpdated = "updated_at"
)

// Index wraps a chromem collection, which holds the only copy of each
// embedding. The owner predicate runs inside chromem as a metadata filter.
type Index struct {
	records   storage.RecordStore
	dimension int
	col       *chromem.Collection
	now       func() time.Time

	// mu keeps Count and QueryEmbedding consistent with concurrent writes.
	mu sync.RWMutex
}

// New creates an empty index. A dimension of 0 disables the length check.
func New(records storage.RecordStore, dimension int) (*Index, error) {
	db := chromem.NewDB()
	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection: %w", err)
	}
	return &Index{
		records:   records,
		dimension: dimension,
		col:       col,
		now:       time.Now,
	}, nil
}

// UpsertEmbedding replaces the record's document. chromem keys documents by
// ID, so re-adding overwrites.
func (x *Index) UpsertEmbedding(ctx context.Context, recordID string, vector []float32, modelVersion string) error {
	if recordID == "" || modelVersion == "" || len(vector) == 0 {
		return fmt.Errorf("%w: record ID, model version and vector are required", storage.ErrInvalidInput)
	}
	if x.dimension > 0 && len(vector) != x.dimension {
		return fmt.Errorf("%w: got %d, index is %d", storage.ErrDimensionMismatch, len(vector), x.dimension)
	}
	rec, err := x.records.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}

	// chromem normalizes in place.
	doc := chromem.Document{
		ID:        recordID,
		Content:   recordID,
		Embedding: append([]float32(nil), vector...),
		Metadata: map[string]string{
			metaOwner:   rec.OwnerID,
			metaModel:   modelVersion,
			metaUpdated: x.now().UTC().Format(time.RFC3339Nano),
		},
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: add document: %w", err)
	}
	return nil
}

// GetEmbedding returns the stored entry. chromem keeps unit-length vectors,
// so Vector is the normalized form of what was upserted.
func (x *Index) GetEmbedding(ctx context.Context, recordID string) (*types.EmbeddingEntry, error) {
	x.mu.RLock()
	doc, err := x.col.GetByID(ctx, recordID)
	x.mu.RUnlock()
	if err != nil {
		return nil, storage.ErrNotFound
	}
	updated, _ := time.Parse(time.RFC3339Nano, doc.Metadata[metaUpdated])
	return &types.EmbeddingEntry{
		MemoryID:     recordID,
		Vector:       append([]float32(nil), doc.Embedding...),
		ModelVersion: doc.Metadata[metaModel],
		UpdatedAt:    updated,
	}, nil
}

// DeleteEmbedding removes the record's document from the collection.
func (x *Index) DeleteEmbedding(ctx context.Context, recordID string) error {
	if recordID == "" {
		return storage.ErrNotFound
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, err := x.col.GetByID(ctx, recordID); err != nil {
		return storage.ErrNotFound
	}
	if err := x.col.Delete(ctx, nil, nil, recordID); err != nil {
		return fmt.Errorf("chromem: delete: %w", err)
	}
	return nil
}

// Nearest lets chromem score the collection, restricted to the owner when
// one is set, then drops documents whose live record fails the category or
// date predicates and ranks the rest with the shared total order.
func (x *Index) Nearest(ctx context.Context, query []float32, topK int, filter types.SearchFilter) ([]types.SemanticHit, error) {
	if topK < 1 {
		return nil, fmt.Errorf("%w: topK must be >= 1", storage.ErrInvalidInput)
	}
	var where map[string]string
	if filter.OwnerID != "" {
		where = map[string]string{metaOwner: filter.OwnerID}
	}

	x.mu.RLock()
	n := x.col.Count()
	if n == 0 {
		x.mu.RUnlock()
		return []types.SemanticHit{}, nil
	}
	// nResults may not exceed the collection size. Category and date filters
	// run below, so every candidate is requested before truncation.
	results, err := x.col.QueryEmbedding(ctx, append([]float32(nil), query...), n, where, nil)
	x.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	hits := make([]types.SemanticHit, 0, len(results))
	for _, r := range results {
		rec, err := x.records.GetRecord(ctx, r.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		category := ""
		if rec.Classification != nil {
			category = rec.Classification.Category
		}
		if !filter.Matches(rec.OwnerID, category, rec.CreatedAt) {
			continue
		}
		hits = append(hits, types.SemanticHit{
			MemoryID:     r.ID,
			Score:        float64(r.Similarity),
			UpdatedAt:    rec.UpdatedAt,
			Category:     category,
			ModelVersion: r.Metadata[metaModel],
		})
	}
	return storage.RankHits(hits, topK), nil
}

// Compile-time assertion.
var _ storage.VectorIndex = (*Index)(nil)
