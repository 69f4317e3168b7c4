// Package queue provides the durable, at-least-once job queue that decouples
// request handling from enrichment and scheduled work.
//
// Delivery is lease based: Lease hands a job to exactly one worker until its
// lease expires, and every later transition must present the lease token it
// was handed. Handlers must be idempotent; the queue may redeliver a job after
// a crash and ordering is only a FIFO hint.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/pkg/types"
)

// DefaultMaxAttempts is the delivery ceiling after which a job is dead-lettered.
const DefaultMaxAttempts = 5

var (
	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = fmt.Errorf("job %w", apperrors.ErrNotFound)

	// ErrLeaseLost is returned when a transition presents a stale lease token,
	// or the job is no longer in flight.
	ErrLeaseLost = fmt.Errorf("lease lost: %w", apperrors.ErrConsistencyViolation)

	// ErrInvalidJob is returned by Enqueue for unknown kinds.
	ErrInvalidJob = fmt.Errorf("invalid job: %w", apperrors.ErrInvalidInput)
)

// JobQueue is the queue contract implemented by every backend.
type JobQueue interface {
	// Enqueue adds a job and returns its ID. It never waits on processing.
	Enqueue(ctx context.Context, kind types.JobKind, payload json.RawMessage) (string, error)

	// Lease atomically claims up to maxJobs visible jobs for workerID. Claimed
	// jobs are in flight and invisible to other leasers until the lease expires.
	Lease(ctx context.Context, workerID string, maxJobs int, leaseDuration time.Duration) ([]*types.Job, error)

	// Ack marks a leased job done.
	Ack(ctx context.Context, jobID, leaseToken string) error

	// Nack returns a leased job to the queue after retryAfter, or dead-letters
	// it once its attempts reach the ceiling.
	Nack(ctx context.Context, jobID, leaseToken string, retryAfter time.Duration, reason string) error

	// Fail moves a leased job straight to Failed without retry.
	Fail(ctx context.Context, jobID, leaseToken, reason string) error

	// ReclaimExpired treats every lease that expired before now as an implicit
	// Nack with no delay. Returns the number of jobs reclaimed.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)

	// DeadLetters lists failed and dead-lettered jobs, newest first.
	DeadLetters(ctx context.Context, limit int) ([]*types.Job, error)

	// Requeue revives a failed or dead-lettered job with a fresh attempt budget.
	Requeue(ctx context.Context, jobID string) error

	// Get returns a job by ID.
	Get(ctx context.Context, jobID string) (*types.Job, error)

	// Stats returns job counts per status.
	Stats(ctx context.Context) (map[types.JobStatus]int, error)

	// Close releases backend resources.
	Close() error
}

// Options configures backend behavior shared by all implementations.
type Options struct {
	// MaxAttempts is the delivery ceiling (default: 5).
	MaxAttempts int

	// Now overrides the clock; tests use it to step through lease expiry.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// EnqueueJSON marshals payload and enqueues it.
func EnqueueJSON(ctx context.Context, q JobQueue, kind types.JobKind, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return q.Enqueue(ctx, kind, data)
}

// DecodePayload unmarshals a job payload into v. A malformed payload is a
// permanent failure; retrying cannot fix it.
func DecodePayload(job *types.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return apperrors.Permanent(fmt.Errorf("decode %s payload for job %s: %w", job.Kind, job.ID, err))
	}
	return nil
}

// IsLeaseLost reports whether err indicates the caller no longer owns the lease.
func IsLeaseLost(err error) bool {
	return errors.Is(err, ErrLeaseLost)
}

// ValidateKind rejects unknown job kinds.
func ValidateKind(kind types.JobKind) error {
	if !types.IsValidJobKind(kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, kind)
	}
	return nil
}

// ValidateLease checks Lease arguments; backends call it before claiming.
func ValidateLease(workerID string, maxJobs int, leaseDuration time.Duration) error {
	if workerID == "" {
		return fmt.Errorf("%w: worker id is required", apperrors.ErrInvalidInput)
	}
	if maxJobs < 1 {
		return fmt.Errorf("%w: maxJobs must be >= 1", apperrors.ErrInvalidInput)
	}
	if leaseDuration <= 0 {
		return fmt.Errorf("%w: lease duration must be positive", apperrors.ErrInvalidInput)
	}
	return nil
}
