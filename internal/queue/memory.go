package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scrypster/memoir/pkg/types"
)

type memoryEntry struct {
	job *types.Job
	seq uint64
}

// MemoryQueue is an in-process JobQueue guarded by a single mutex. It is not
// durable and serves tests and single-process development setups.
type MemoryQueue struct {
	mu      sync.Mutex
	opts    Options
	jobs    map[string]*memoryEntry
	counter uint64
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(opts Options) *MemoryQueue {
	opts.applyDefaults()
	return &MemoryQueue{
		opts: opts,
		jobs: make(map[string]*memoryEntry),
	}
}

// Enqueue adds a job visible immediately.
func (q *MemoryQueue) Enqueue(_ context.Context, kind types.JobKind, payload json.RawMessage) (string, error) {
	if err := ValidateKind(kind); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now().UTC()
	q.counter++
	job := &types.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     append(json.RawMessage(nil), payload...),
		Status:      types.JobQueued,
		MaxAttempts: q.opts.MaxAttempts,
		EnqueuedAt:  now,
		VisibleAt:   now,
	}
	q.jobs[job.ID] = &memoryEntry{job: job, seq: q.counter}
	return job.ID, nil
}

// Lease claims up to maxJobs visible jobs in FIFO order.
func (q *MemoryQueue) Lease(_ context.Context, workerID string, maxJobs int, leaseDuration time.Duration) ([]*types.Job, error) {
	if err := ValidateLease(workerID, maxJobs, leaseDuration); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now().UTC()
	ready := make([]*memoryEntry, 0)
	for _, e := range q.jobs {
		if e.job.Status == types.JobQueued && !e.job.VisibleAt.After(now) {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].job.VisibleAt.Equal(ready[j].job.VisibleAt) {
			return ready[i].job.VisibleAt.Before(ready[j].job.VisibleAt)
		}
		return ready[i].seq < ready[j].seq
	})
	if len(ready) > maxJobs {
		ready = ready[:maxJobs]
	}

	out := make([]*types.Job, 0, len(ready))
	expiry := now.Add(leaseDuration)
	for _, e := range ready {
		e.job.Status = types.JobInFlight
		e.job.Attempts++
		e.job.LeaseOwner = workerID
		e.job.LeaseToken = uuid.NewString()
		exp := expiry
		e.job.LeaseExpiry = &exp
		out = append(out, cloneJob(e.job))
	}
	return out, nil
}

// Ack marks a leased job done.
func (q *MemoryQueue) Ack(_ context.Context, jobID, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.leasedLocked(jobID, leaseToken)
	if err != nil {
		return err
	}
	now := q.opts.Now().UTC()
	job.Status = types.JobDone
	job.CompletedAt = &now
	clearLease(job)
	return nil
}

// Nack requeues a leased job after retryAfter or dead-letters it.
func (q *MemoryQueue) Nack(_ context.Context, jobID, leaseToken string, retryAfter time.Duration, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.leasedLocked(jobID, leaseToken)
	if err != nil {
		return err
	}
	q.nackLocked(job, retryAfter, reason)
	return nil
}

// Fail moves a leased job to Failed.
func (q *MemoryQueue) Fail(_ context.Context, jobID, leaseToken, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.leasedLocked(jobID, leaseToken)
	if err != nil {
		return err
	}
	now := q.opts.Now().UTC()
	job.Status = types.JobFailed
	job.LastError = reason
	job.CompletedAt = &now
	clearLease(job)
	return nil
}

// ReclaimExpired nacks every in-flight job whose lease expired before now.
func (q *MemoryQueue) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	reclaimed := 0
	for _, e := range q.jobs {
		job := e.job
		if job.Status != types.JobInFlight || job.LeaseExpiry == nil || job.LeaseExpiry.After(now) {
			continue
		}
		q.nackLocked(job, 0, fmt.Sprintf("lease expired (owner %s)", job.LeaseOwner))
		reclaimed++
	}
	return reclaimed, nil
}

// DeadLetters lists failed and dead-lettered jobs, most recently completed first.
func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.Job, 0)
	for _, e := range q.jobs {
		if e.job.Status == types.JobFailed || e.job.Status == types.JobDeadLettered {
			out = append(out, cloneJob(e.job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := completedAt(out[i]), completedAt(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Requeue revives a failed or dead-lettered job.
func (q *MemoryQueue) Requeue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if !types.IsValidJobTransition(e.job.Status, types.JobQueued) {
		return fmt.Errorf("job %s is %s: %w", jobID, e.job.Status, ErrInvalidJob)
	}
	now := q.opts.Now().UTC()
	e.job.Status = types.JobQueued
	e.job.Attempts = 0
	e.job.VisibleAt = now
	e.job.CompletedAt = nil
	q.counter++
	e.seq = q.counter
	return nil
}

// Get returns a copy of the job.
func (q *MemoryQueue) Get(_ context.Context, jobID string) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(e.job), nil
}

// Stats counts jobs per status.
func (q *MemoryQueue) Stats(_ context.Context) (map[types.JobStatus]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[types.JobStatus]int)
	for _, e := range q.jobs {
		out[e.job.Status]++
	}
	return out, nil
}

// Close is a no-op.
func (q *MemoryQueue) Close() error { return nil }

func (q *MemoryQueue) leasedLocked(jobID, leaseToken string) (*types.Job, error) {
	e, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if e.job.Status != types.JobInFlight || e.job.LeaseToken != leaseToken {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
	}
	return e.job, nil
}

func (q *MemoryQueue) nackLocked(job *types.Job, retryAfter time.Duration, reason string) {
	now := q.opts.Now().UTC()
	job.LastError = reason
	clearLease(job)
	if job.Attempts >= job.MaxAttempts {
		job.Status = types.JobDeadLettered
		job.CompletedAt = &now
		return
	}
	job.Status = types.JobQueued
	job.VisibleAt = now.Add(retryAfter)
}

func clearLease(job *types.Job) {
	job.LeaseOwner = ""
	job.LeaseToken = ""
	job.LeaseExpiry = nil
}

func completedAt(j *types.Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return time.Time{}
}

func cloneJob(j *types.Job) *types.Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.LeaseExpiry != nil {
		t := *j.LeaseExpiry
		c.LeaseExpiry = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Compile-time assertion.
var _ JobQueue = (*MemoryQueue)(nil)
