package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/internal/queue/queuetest"
	"github.com/scrypster/memoir/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobFromHash(t *testing.T) {
	enq := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	exp := enq.Add(time.Minute)
	job, err := jobFromHash("j1", map[string]string{
		"kind":         "classify",
		"payload":      `{"record_id":"m1"}`,
		"status":       "in_flight",
		"attempts":     "2",
		"max_attempts": "5",
		"enqueued_at":  "1772366400000000123",
		"visible_at":   "1772366400000000123",
		"lease_owner":  "w1",
		"lease_token":  "tok",
		"lease_expiry": "1772366460000000123",
		"completed_at": "",
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobClassify, job.Kind)
	assert.Equal(t, types.JobInFlight, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.True(t, job.EnqueuedAt.Equal(enq))
	require.NotNil(t, job.LeaseExpiry)
	assert.True(t, job.LeaseExpiry.Equal(exp))
	assert.Nil(t, job.CompletedAt)

	_, err = jobFromHash("j2", map[string]string{"attempts": "x"})
	assert.Error(t, err)
}

func TestParseStats(t *testing.T) {
	got := parseStats(map[string]string{"queued": "3", "in_flight": "0", "done": "7", "junk": "x"})
	assert.Equal(t, map[types.JobStatus]int{types.JobQueued: 3, types.JobDone: 7}, got)
}

// TestRedisQueue runs the shared suite, Lua scripts included, against an
// in-process miniredis server.
func TestRedisQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, opts queue.Options) queue.JobQueue {
		mr := miniredis.RunT(t)
		q := NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "memoir:test:", opts)
		t.Cleanup(func() { _ = q.Close() })
		return q
	})
}

// TestRedisQueueLive repeats the suite against a real server when
// REDIS_TEST_URL is set.
func TestRedisQueueLive(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	queuetest.Run(t, func(t *testing.T, opts queue.Options) queue.JobQueue {
		ctx := context.Background()
		prefix := "memoir:test:" + uuid.NewString() + ":"
		q, err := New(ctx, url, prefix, opts)
		require.NoError(t, err)
		t.Cleanup(func() {
			keys, _ := q.client.Keys(ctx, prefix+"*").Result()
			if len(keys) > 0 {
				_ = q.client.Del(ctx, keys...).Err()
			}
			_ = q.Close()
		})
		return q
	})
}

func TestRedisQueue_StatsSurviveLeaseAndAck(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	q := NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "memoir:stats:", queue.Options{})
	t.Cleanup(func() { _ = q.Close() })

	id, err := q.Enqueue(ctx, types.JobClassify, []byte(`{"record_id":"m1"}`))
	require.NoError(t, err)
	assert.True(t, mr.Exists("memoir:stats:job:"+id))

	jobs, err := q.Lease(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "1", mr.HGet("memoir:stats:job:"+id, "attempts"))
	require.NoError(t, q.Ack(ctx, jobs[0].ID, jobs[0].LeaseToken))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[types.JobDone])
	assert.Zero(t, stats[types.JobInFlight])
}
