package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/internal/llm"
	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// EmbedIndexer handles Embed jobs: it embeds the record text and replaces
// the record's single index entry.
type EmbedIndexer struct {
	records  storage.RecordStore
	index    storage.VectorIndex
	embedder llm.Embedder
	timeout  time.Duration
	now      func() time.Time
	onEvent  EventFunc
}

// NewEmbedIndexer creates an indexer. The configured dimension is the embedder's.
func NewEmbedIndexer(records storage.RecordStore, index storage.VectorIndex, embedder llm.Embedder, cfg Config) *EmbedIndexer {
	return &EmbedIndexer{
		records:  records,
		index:    index,
		embedder: embedder,
		timeout:  cfg.EmbedTimeout,
		now:      time.Now,
	}
}

// SetOnEvent sets the callback fired after a record is indexed.
func (x *EmbedIndexer) SetOnEvent(fn EventFunc) {
	x.onEvent = fn
}

// Handle embeds the record named by the job payload.
func (x *EmbedIndexer) Handle(ctx context.Context, job *types.Job) error {
	var p types.RecordPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	return x.Index(ctx, p.RecordID)
}

// Index embeds one record and upserts its entry. A vector whose length
// differs from the embedder's dimension is a permanent failure.
func (x *EmbedIndexer) Index(ctx context.Context, recordID string) error {
	rec, err := x.records.GetRecord(ctx, recordID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("WARNING: embed: record %s no longer exists, nothing to index", recordID)
			return nil
		}
		return apperrors.Transient(fmt.Errorf("load record %s: %w", recordID, err))
	}

	ectx, cancel := context.WithTimeout(ctx, x.timeout)
	vector, modelVersion, err := x.embedder.Embed(ectx, rec.EmbeddingText())
	cancel()
	if err != nil {
		if apperrors.IsPermanent(err) {
			return err
		}
		if apperrors.IsTimeout(err) {
			return apperrors.Transient(fmt.Errorf("embedding timed out after %s: %w", x.timeout, err))
		}
		return apperrors.Transient(err)
	}

	if want := x.embedder.Dimension(); len(vector) != want {
		return apperrors.Permanent(fmt.Errorf("%w: embedder returned %d values, configured %d",
			storage.ErrDimensionMismatch, len(vector), want))
	}

	if err := x.index.UpsertEmbedding(ctx, rec.ID, vector, modelVersion); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			log.Printf("WARNING: embed: record %s deleted before indexing", rec.ID)
			return nil
		case errors.Is(err, apperrors.ErrInvalidInput):
			return apperrors.Permanent(err)
		}
		return apperrors.Transient(fmt.Errorf("upsert embedding for %s: %w", rec.ID, err))
	}

	ref := types.EmbeddingRef{ModelVersion: modelVersion, Dimension: len(vector), IndexedAt: x.now().UTC()}
	if err := x.records.SetEmbeddingRef(ctx, rec.ID, ref); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperrors.Transient(fmt.Errorf("set embedding ref for %s: %w", rec.ID, err))
	}

	log.Printf("embed: record %s indexed (%s, dim=%d)", rec.ID, modelVersion, len(vector))
	if x.onEvent != nil {
		x.onEvent(EventMemoryIndexed, rec.ID)
	}
	return nil
}
