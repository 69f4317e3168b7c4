package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewRecordStore(newTestDB(t))

	rec := &types.MemoryRecord{OwnerID: "u1", Title: "Inception", Content: "Watched Inception last night"}
	require.NoError(t, s.CreateRecord(ctx, rec))
	assert.NotEmpty(t, rec.ID)

	got, err := s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, types.SourceText, got.SourceType)
	assert.Equal(t, "Inception", got.Title)
	assert.Nil(t, got.Classification)
	assert.Nil(t, got.EmbeddingRef)
	assert.True(t, got.CreatedAt.Equal(rec.CreatedAt))
}

func TestRecordStore_CreateValidation(t *testing.T) {
	ctx := context.Background()
	s := NewRecordStore(newTestDB(t))

	assert.ErrorIs(t, s.CreateRecord(ctx, &types.MemoryRecord{OwnerID: "u1"}), storage.ErrInvalidInput)
	assert.ErrorIs(t, s.CreateRecord(ctx, &types.MemoryRecord{Content: "x"}), storage.ErrInvalidInput)
	assert.ErrorIs(t, s.CreateRecord(ctx, &types.MemoryRecord{OwnerID: "u1", Content: "x", SourceType: "fax"}), storage.ErrInvalidInput)
}

func TestRecordStore_GetMissing(t *testing.T) {
	s := NewRecordStore(newTestDB(t))
	_, err := s.GetRecord(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecordStore_UpdateClassificationIsLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := NewRecordStore(newTestDB(t))
	createRecord(t, s, "m1", "u1")

	require.NoError(t, s.UpdateStatus(ctx, "m1", types.StatusFailed, "timeout"))

	meta := types.ClassificationMetadata{
		Category:   "movie",
		Tags:       []string{"film", "Film", "sci-fi"},
		Entities:   []types.Entity{{Type: "title", Value: "Inception"}},
		Confidence: 0.9,
	}
	require.NoError(t, s.UpdateClassification(ctx, "m1", meta))
	first, err := s.GetRecord(ctx, "m1")
	require.NoError(t, err)

	require.NoError(t, s.UpdateClassification(ctx, "m1", meta))
	second, err := s.GetRecord(ctx, "m1")
	require.NoError(t, err)

	assert.Equal(t, types.StatusClassified, second.Status)
	assert.Empty(t, second.StatusReason)
	assert.Equal(t, []string{"film", "sci-fi"}, second.Classification.Tags)
	assert.Equal(t, first.Classification, second.Classification)
}

func TestRecordStore_UpdateMissing(t *testing.T) {
	ctx := context.Background()
	s := NewRecordStore(newTestDB(t))

	assert.ErrorIs(t, s.UpdateClassification(ctx, "nope", types.ClassificationMetadata{}), storage.ErrNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "nope", types.StatusFailed, ""), storage.ErrNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "nope", "weird", ""), storage.ErrInvalidInput)
}

func TestRecordStore_ListRecords(t *testing.T) {
	ctx := context.Background()
	s := NewRecordStore(newTestDB(t))
	clock := &fixedClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = clock.now

	for i, id := range []string{"a", "b", "c"} {
		clock.t = clock.t.Add(time.Duration(i+1) * time.Minute)
		createRecord(t, s, id, "u1")
	}
	createRecord(t, s, "z", "u2")

	page, err := s.ListRecords(ctx, storage.ListOptions{OwnerID: "u1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.True(t, page.HasMore)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "c", page.Items[0].ID)
	assert.Equal(t, "b", page.Items[1].ID)
}

func TestRecordStore_ListForReindex(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	s := NewRecordStore(db)
	idx := NewVectorIndex(db, 2)

	createRecord(t, s, "fresh", "u1")
	createRecord(t, s, "stale", "u1")
	createRecord(t, s, "missing", "u1")
	require.NoError(t, idx.UpsertEmbedding(ctx, "fresh", []float32{1, 0}, "model-v2"))
	require.NoError(t, idx.UpsertEmbedding(ctx, "stale", []float32{1, 0}, "model-v1"))

	ids, err := s.ListForReindex(ctx, "model-v2", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stale", "missing"}, ids)
}

func TestRecordStore_SetEmbeddingRefKeepsUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s := NewRecordStore(newTestDB(t))
	rec := createRecord(t, s, "m1", "u1")

	ref := types.EmbeddingRef{ModelVersion: "m", Dimension: 3, IndexedAt: time.Now().UTC()}
	require.NoError(t, s.SetEmbeddingRef(ctx, "m1", ref))

	got, err := s.GetRecord(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got.EmbeddingRef)
	assert.Equal(t, "m", got.EmbeddingRef.ModelVersion)
	assert.True(t, got.UpdatedAt.Equal(rec.UpdatedAt))
}
