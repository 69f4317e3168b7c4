// Package redis is a queue.JobQueue on Redis. Each job is a hash; sorted
// sets index ready jobs by visibility, in-flight jobs by lease expiry, and
// failed or dead-lettered jobs by completion time. Every state change runs
// as a Lua script so claims and settlements are atomic.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/pkg/types"
)

// DefaultPrefix namespaces every key this backend writes.
const DefaultPrefix = "memoir:queue:"

// Queue implements queue.JobQueue over a Redis client.
type Queue struct {
	client *redis.Client
	prefix string
	opts   queue.Options
}

// New connects to the Redis URL and verifies the connection.
func New(ctx context.Context, redisURL, prefix string, opts queue.Options) (*Queue, error) {
	ro, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(ro)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[queue.redis] connected addr=%s", ro.Addr)
	return NewWithClient(client, prefix, opts), nil
}

// NewWithClient wraps an existing client. Close closes it.
func NewWithClient(client *redis.Client, prefix string, opts queue.Options) *Queue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = queue.DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{client: client, prefix: prefix, opts: opts}
}

func (q *Queue) jobPrefix() string       { return q.prefix + "job:" }
func (q *Queue) jobKey(id string) string { return q.jobPrefix() + id }
func (q *Queue) readyKey() string        { return q.prefix + "ready" }
func (q *Queue) inflightKey() string     { return q.prefix + "inflight" }
func (q *Queue) deadKey() string         { return q.prefix + "dead" }
func (q *Queue) statsKey() string        { return q.prefix + "stats" }

// Enqueue writes the job hash and indexes it as ready.
func (q *Queue) Enqueue(ctx context.Context, kind types.JobKind, payload json.RawMessage) (string, error) {
	if err := queue.ValidateKind(kind); err != nil {
		return "", err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	id := uuid.NewString()
	now := q.opts.Now().UTC()

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), map[string]interface{}{
			"kind":         string(kind),
			"payload":      string(payload),
			"status":       string(types.JobQueued),
			"attempts":     0,
			"max_attempts": q.opts.MaxAttempts,
			"last_error":   "",
			"enqueued_at":  now.UnixNano(),
			"visible_at":   now.UnixNano(),
		})
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
		pipe.HIncrBy(ctx, q.statsKey(), string(types.JobQueued), 1)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	return id, nil
}

// Lease claims up to maxJobs ready jobs atomically.
func (q *Queue) Lease(ctx context.Context, workerID string, maxJobs int, leaseDuration time.Duration) ([]*types.Job, error) {
	if err := queue.ValidateLease(workerID, maxJobs, leaseDuration); err != nil {
		return nil, err
	}
	now := q.opts.Now().UTC()
	expiry := now.Add(leaseDuration)

	args := []interface{}{now.UnixMilli(), expiry.UnixMilli(), maxJobs, workerID, expiry.UnixNano(), q.jobPrefix()}
	for i := 0; i < maxJobs; i++ {
		args = append(args, uuid.NewString())
	}
	ids, err := leaseScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey(), q.statsKey()}, args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to lease jobs: %w", err)
	}
	return q.fetch(ctx, ids)
}

// Ack marks a leased job done.
func (q *Queue) Ack(ctx context.Context, jobID, leaseToken string) error {
	return q.transition(ctx, jobID, leaseToken, "ack", 0, "")
}

// Nack requeues after retryAfter or dead-letters at the attempt ceiling.
func (q *Queue) Nack(ctx context.Context, jobID, leaseToken string, retryAfter time.Duration, reason string) error {
	return q.transition(ctx, jobID, leaseToken, "nack", retryAfter, reason)
}

// Fail moves a leased job to Failed.
func (q *Queue) Fail(ctx context.Context, jobID, leaseToken, reason string) error {
	return q.transition(ctx, jobID, leaseToken, "fail", 0, reason)
}

func (q *Queue) transition(ctx context.Context, jobID, leaseToken, op string, retryAfter time.Duration, reason string) error {
	now := q.opts.Now().UTC()
	visible := now.Add(retryAfter)
	res, err := transitionScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.inflightKey(), q.readyKey(), q.deadKey(), q.statsKey()},
		jobID, leaseToken, op, now.UnixNano(), now.UnixMilli(), visible.UnixMilli(), visible.UnixNano(), reason,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to %s job %s: %w", op, jobID, err)
	}
	switch res {
	case -1:
		return queue.ErrJobNotFound
	case 0:
		return fmt.Errorf("job %s: %w", jobID, queue.ErrLeaseLost)
	}
	return nil
}

// ReclaimExpired nacks every in-flight job whose lease expired at or before now.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired leases: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if err != nil {
			log.Printf("WARNING: [queue.redis] reclaim: job=%s: %v", id, err)
			continue
		}
		if job.Status != types.JobInFlight || job.LeaseExpiry == nil || job.LeaseExpiry.After(now) {
			continue
		}
		reason := fmt.Sprintf("lease expired (owner %s)", job.LeaseOwner)
		// The token check inside the script makes a concurrent settle win.
		err = q.transition(ctx, id, job.LeaseToken, "nack", 0, reason)
		if queue.IsLeaseLost(err) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// DeadLetters lists failed and dead-lettered jobs, most recently completed first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*types.Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := q.client.ZRevRange(ctx, q.deadKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return q.fetch(ctx, ids)
}

// Requeue revives a failed or dead-lettered job.
func (q *Queue) Requeue(ctx context.Context, jobID string) error {
	now := q.opts.Now().UTC()
	res, err := requeueScript.Run(ctx, q.client,
		[]string{q.jobKey(jobID), q.deadKey(), q.readyKey(), q.statsKey()},
		jobID, now.UnixNano(), now.UnixMilli(),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	switch res {
	case "":
		return queue.ErrJobNotFound
	case "ok":
		return nil
	default:
		return fmt.Errorf("job %s is %s: %w", jobID, res, queue.ErrInvalidJob)
	}
}

// Get returns a job by ID.
func (q *Queue) Get(ctx context.Context, jobID string) (*types.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, queue.ErrJobNotFound
	}
	return jobFromHash(jobID, fields)
}

// Stats reads the per-status counters maintained by the scripts.
func (q *Queue) Stats(ctx context.Context) (map[types.JobStatus]int, error) {
	raw, err := q.client.HGetAll(ctx, q.statsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return parseStats(raw), nil
}

// Close closes the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) fetch(ctx context.Context, ids []string) ([]*types.Job, error) {
	if len(ids) == 0 {
		return []*types.Job{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	out := make([]*types.Job, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		job, err := jobFromHash(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// jobFromHash decodes a job hash. Timestamps are unix nanoseconds; an empty
// string means unset.
func jobFromHash(id string, f map[string]string) (*types.Job, error) {
	job := &types.Job{
		ID:         id,
		Kind:       types.JobKind(f["kind"]),
		Payload:    json.RawMessage(f["payload"]),
		Status:     types.JobStatus(f["status"]),
		LastError:  f["last_error"],
		LeaseOwner: f["lease_owner"],
		LeaseToken: f["lease_token"],
	}
	var err error
	if job.Attempts, err = atoi(f["attempts"]); err != nil {
		return nil, fmt.Errorf("job %s: attempts: %w", id, err)
	}
	if job.MaxAttempts, err = atoi(f["max_attempts"]); err != nil {
		return nil, fmt.Errorf("job %s: max_attempts: %w", id, err)
	}
	for field, dst := range map[string]*time.Time{"enqueued_at": &job.EnqueuedAt, "visible_at": &job.VisibleAt} {
		t, err := parseNanos(f[field])
		if err != nil {
			return nil, fmt.Errorf("job %s: %s: %w", id, field, err)
		}
		if t != nil {
			*dst = *t
		}
	}
	if job.LeaseExpiry, err = parseNanos(f["lease_expiry"]); err != nil {
		return nil, fmt.Errorf("job %s: lease_expiry: %w", id, err)
	}
	if job.CompletedAt, err = parseNanos(f["completed_at"]); err != nil {
		return nil, fmt.Errorf("job %s: completed_at: %w", id, err)
	}
	return job, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseNanos(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	t := time.Unix(0, n).UTC()
	return &t, nil
}

func parseStats(raw map[string]string) map[types.JobStatus]int {
	out := make(map[types.JobStatus]int, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			continue
		}
		out[types.JobStatus(k)] = n
	}
	return out
}

// Compile-time assertion.
var _ queue.JobQueue = (*Queue)(nil)
