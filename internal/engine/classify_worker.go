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

// Event types emitted by the enrichment handlers.
const (
	EventMemoryCreated    = "memory_created"
	EventMemoryClassified = "memory_classified"
	EventMemoryFailed     = "memory_failed"
	EventMemoryIndexed    = "memory_indexed"
	EventNotification     = "notification"
)

// EventFunc receives pipeline events, e.g. to push them to UI clients.
type EventFunc func(eventType, recordID string)

// ClassifyWorker handles Classify jobs: it asks the classifier for a
// category, tags and entities and writes them to the record.
type ClassifyWorker struct {
	records    storage.RecordStore
	classifier llm.Classifier
	taxonomy   map[string]bool
	threshold  float64
	timeout    time.Duration
	onEvent    EventFunc
}

// NewClassifyWorker creates a worker using cfg's taxonomy, threshold and timeout.
func NewClassifyWorker(records storage.RecordStore, classifier llm.Classifier, cfg Config) *ClassifyWorker {
	taxonomy := make(map[string]bool, len(cfg.Taxonomy))
	for _, c := range cfg.Taxonomy {
		taxonomy[c] = true
	}
	return &ClassifyWorker{
		records:    records,
		classifier: classifier,
		taxonomy:   taxonomy,
		threshold:  cfg.ConfidenceThreshold,
		timeout:    cfg.ClassifyTimeout,
	}
}

// SetOnEvent sets the callback fired after the record is classified or failed.
func (w *ClassifyWorker) SetOnEvent(fn EventFunc) {
	w.onEvent = fn
}

// Handle classifies the record named by the job payload. Re-running it
// overwrites the previous metadata.
func (w *ClassifyWorker) Handle(ctx context.Context, job *types.Job) error {
	var p types.RecordPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}

	rec, err := w.records.GetRecord(ctx, p.RecordID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("WARNING: classify: record %s no longer exists, dropping job %s", p.RecordID, job.ID)
			return nil
		}
		return apperrors.Transient(fmt.Errorf("load record %s: %w", p.RecordID, err))
	}

	meta, err := w.classify(ctx, rec)
	if err != nil {
		if ctx.Err() == nil {
			w.markFailed(ctx, rec.ID, err)
		}
		return err
	}

	if err := w.records.UpdateClassification(ctx, rec.ID, *meta); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("WARNING: classify: record %s deleted during classification", rec.ID)
			return nil
		}
		return apperrors.Transient(fmt.Errorf("store classification for %s: %w", rec.ID, err))
	}

	log.Printf("classify: record %s -> %s (confidence %.2f, tags %v)", rec.ID, meta.Category, meta.Confidence, meta.Tags)
	w.emit(EventMemoryClassified, rec.ID)
	return nil
}

// classify calls the adapter under the configured timeout and validates the
// result. Every failure it returns is already classified.
func (w *ClassifyWorker) classify(ctx context.Context, rec *types.MemoryRecord) (*types.ClassificationMetadata, error) {
	cctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	meta, err := w.classifier.Classify(cctx, rec.EmbeddingText())
	if err != nil {
		if apperrors.IsTimeout(err) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.Transient(fmt.Errorf("classification timed out after %s: %w", w.timeout, err))
		}
		if apperrors.IsPermanent(err) {
			return nil, err
		}
		return nil, apperrors.Transient(err)
	}
	if meta == nil {
		return nil, apperrors.Transient(fmt.Errorf("%w: empty classification", llm.ErrMalformedResponse))
	}

	meta.Normalize()
	if !w.taxonomy[meta.Category] {
		return nil, apperrors.Transientf("category %q is outside the taxonomy", meta.Category)
	}
	if meta.Confidence < w.threshold {
		return nil, apperrors.Transientf("confidence %.2f below threshold %.2f for %q",
			meta.Confidence, w.threshold, meta.Category)
	}
	return meta, nil
}

func (w *ClassifyWorker) markFailed(ctx context.Context, id string, cause error) {
	reason := cause.Error()
	if len(reason) > 500 {
		reason = reason[:500]
	}
	if err := w.records.UpdateStatus(ctx, id, types.StatusFailed, reason); err != nil {
		log.Printf("ERROR: classify: failed to mark record %s failed: %v", id, err)
		return
	}
	w.emit(EventMemoryFailed, id)
}

func (w *ClassifyWorker) emit(eventType, id string) {
	if w.onEvent != nil {
		w.onEvent(eventType, id)
	}
}
