package queue

import (
	"context"
	"encoding/json"

	"github.com/scrypster/memoir/internal/metrics"
	"github.com/scrypster/memoir/pkg/types"
)

// Instrumented wraps a JobQueue and counts successful enqueues per kind.
// Queue depth is published by the worker pool sweep.
type Instrumented struct {
	JobQueue
}

// NewInstrumented returns q with enqueue metrics attached.
func NewInstrumented(q JobQueue) *Instrumented {
	return &Instrumented{JobQueue: q}
}

// Enqueue delegates to the wrapped queue and records the kind on success.
func (q *Instrumented) Enqueue(ctx context.Context, kind types.JobKind, payload json.RawMessage) (string, error) {
	id, err := q.JobQueue.Enqueue(ctx, kind, payload)
	if err == nil {
		metrics.JobsEnqueued.WithLabelValues(string(kind)).Inc()
	}
	return id, err
}
