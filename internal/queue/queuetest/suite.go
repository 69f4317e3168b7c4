// Package queuetest holds the behavioral suite every queue.JobQueue backend
// must pass. Backends call Run from their own tests with a factory.
package queuetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Clock is a settable test clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock starts a clock at a fixed instant.
func NewClock() *Clock {
	return &Clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current test time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Factory builds a fresh, empty queue using opts.
type Factory func(t *testing.T, opts queue.Options) queue.JobQueue

func payload(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"record_id":%q}`, id))
}

// Run executes the full suite against a backend.
func Run(t *testing.T, newQueue Factory) {
	t.Run("EnqueueLeaseAck", func(t *testing.T) { testEnqueueLeaseAck(t, newQueue) })
	t.Run("RejectsUnknownKind", func(t *testing.T) { testRejectsUnknownKind(t, newQueue) })
	t.Run("FIFOHint", func(t *testing.T) { testFIFO(t, newQueue) })
	t.Run("ConcurrentLeaseIsExclusive", func(t *testing.T) { testConcurrentLease(t, newQueue) })
	t.Run("StaleTokenRejected", func(t *testing.T) { testStaleToken(t, newQueue) })
	t.Run("NackDelaysAndDeadLetters", func(t *testing.T) { testNack(t, newQueue) })
	t.Run("ReclaimExpired", func(t *testing.T) { testReclaim(t, newQueue) })
	t.Run("FailAndRequeue", func(t *testing.T) { testFailRequeue(t, newQueue) })
}

func testEnqueueLeaseAck(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := newQueue(t, queue.Options{Now: clock.Now})

	id, err := q.Enqueue(ctx, types.JobClassify, payload("m1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	jobs, err := q.Lease(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, id, job.ID)
	assert.Equal(t, types.JobInFlight, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "w1", job.LeaseOwner)
	assert.NotEmpty(t, job.LeaseToken)
	require.NotNil(t, job.LeaseExpiry)
	assert.True(t, job.LeaseExpiry.Equal(clock.Now().Add(time.Minute)))
	assert.JSONEq(t, `{"record_id":"m1"}`, string(job.Payload))

	again, err := q.Lease(ctx, "w2", 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "in-flight job must be invisible")

	require.NoError(t, q.Ack(ctx, job.ID, job.LeaseToken))
	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobDone, got.Status)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[types.JobDone])

	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func testRejectsUnknownKind(t *testing.T, newQueue Factory) {
	q := newQueue(t, queue.Options{})
	_, err := q.Enqueue(context.Background(), types.JobKind("bogus"), payload("x"))
	assert.ErrorIs(t, err, queue.ErrInvalidJob)

	_, err = q.Lease(context.Background(), "", 1, time.Minute)
	assert.Error(t, err)
}

func testFIFO(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := newQueue(t, queue.Options{Now: clock.Now})

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, types.JobEmbed, payload(fmt.Sprint(i)))
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Millisecond)
	}

	jobs, err := q.Lease(ctx, "w1", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, ids[0], jobs[0].ID)
	assert.Equal(t, ids[1], jobs[1].ID)
}

func testConcurrentLease(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	q := newQueue(t, queue.Options{})

	const n = 40
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(ctx, types.JobClassify, payload(fmt.Sprint(i)))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				jobs, err := q.Lease(ctx, fmt.Sprintf("w%d", w), 3, time.Minute)
				if !assert.NoError(t, err) || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s leased more than once", id)
	}
}

func testStaleToken(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := newQueue(t, queue.Options{Now: clock.Now})

	_, err := q.Enqueue(ctx, types.JobClassify, payload("m1"))
	require.NoError(t, err)
	first, err := q.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Lease expires and another worker takes the job.
	clock.Advance(2 * time.Minute)
	n, err := q.ReclaimExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	second, err := q.Lease(ctx, "w2", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].Attempts)
	assert.NotEqual(t, first[0].LeaseToken, second[0].LeaseToken)

	err = q.Ack(ctx, first[0].ID, first[0].LeaseToken)
	assert.ErrorIs(t, err, queue.ErrLeaseLost)
	assert.True(t, queue.IsLeaseLost(err))
	assert.ErrorIs(t, q.Nack(ctx, first[0].ID, first[0].LeaseToken, 0, "late"), queue.ErrLeaseLost)
	assert.ErrorIs(t, q.Fail(ctx, first[0].ID, first[0].LeaseToken, "late"), queue.ErrLeaseLost)
	assert.ErrorIs(t, q.Ack(ctx, "missing", "token"), queue.ErrJobNotFound)

	require.NoError(t, q.Ack(ctx, second[0].ID, second[0].LeaseToken))
}

func testNack(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := newQueue(t, queue.Options{Now: clock.Now, MaxAttempts: 2})

	id, err := q.Enqueue(ctx, types.JobEmbed, payload("m1"))
	require.NoError(t, err)

	jobs, err := q.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.Nack(ctx, id, jobs[0].LeaseToken, 30*time.Second, "provider down"))

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)
	assert.Equal(t, "provider down", got.LastError)

	jobs, err = q.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs, "nacked job must stay hidden until retryAfter")

	clock.Advance(31 * time.Second)
	jobs, err = q.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)

	require.NoError(t, q.Nack(ctx, id, jobs[0].LeaseToken, 0, "still down"))
	got, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobDeadLettered, got.Status)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
}

func testReclaim(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := newQueue(t, queue.Options{Now: clock.Now})

	_, err := q.Enqueue(ctx, types.JobClassify, payload("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, types.JobClassify, payload("b"))
	require.NoError(t, err)

	short, err := q.Lease(ctx, "w1", 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, short, 1)
	long, err := q.Lease(ctx, "w2", 1, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, long, 1)

	clock.Advance(time.Minute)
	n, err := q.ReclaimExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, short[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)
	assert.Empty(t, got.LeaseToken)

	got, err = q.Get(ctx, long[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobInFlight, got.Status)
}

func testFailRequeue(t *testing.T, newQueue Factory) {
	ctx := context.Background()
	clock := NewClock()
	q := newQueue(t, queue.Options{Now: clock.Now})

	id, err := q.Enqueue(ctx, types.JobClassify, payload("m1"))
	require.NoError(t, err)
	jobs, err := q.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, q.Fail(ctx, id, jobs[0].LeaseToken, "invalid taxonomy"))
	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, got.Status)
	assert.Equal(t, "invalid taxonomy", got.LastError)

	dead, err := q.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	require.NoError(t, q.Requeue(ctx, id))
	got, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)

	jobs, err = q.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)

	assert.Error(t, q.Requeue(ctx, id), "in-flight job cannot be requeued")
	assert.ErrorIs(t, q.Requeue(ctx, "missing"), queue.ErrJobNotFound)
}
