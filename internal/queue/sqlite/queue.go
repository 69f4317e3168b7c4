// Package sqlite is a durable queue.JobQueue on the same SQLite database the
// record store uses. The database is opened with a single connection, so
// every statement here is serialised and a lease claim is one atomic
// UPDATE ... RETURNING.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	payload      TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	last_error   TEXT NOT NULL DEFAULT '',
	enqueued_at  INTEGER NOT NULL,
	visible_at   INTEGER NOT NULL,
	lease_owner  TEXT NOT NULL DEFAULT '',
	lease_token  TEXT NOT NULL DEFAULT '',
	lease_expiry INTEGER,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_ready ON jobs(status, visible_at, seq);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expiry);
`

const jobColumns = `id, kind, payload, status, attempts, max_attempts, last_error,
	enqueued_at, visible_at, lease_owner, lease_token, lease_expiry, completed_at, seq`

// Queue implements queue.JobQueue over SQLite.
type Queue struct {
	db   *sql.DB
	opts queue.Options
}

// New creates the jobs table if needed and returns a queue. The caller owns db.
func New(ctx context.Context, db *sql.DB, opts queue.Options) (*Queue, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create jobs schema: %w", err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = queue.DefaultMaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{db: db, opts: opts}, nil
}

func (q *Queue) now() int64 { return q.opts.Now().UTC().UnixNano() }

// Enqueue inserts a job visible immediately.
func (q *Queue) Enqueue(ctx context.Context, kind types.JobKind, payload json.RawMessage) (string, error) {
	if err := queue.ValidateKind(kind); err != nil {
		return "", err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	id := uuid.NewString()
	now := q.now()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, payload, status, max_attempts, enqueued_at, visible_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, string(kind), string(payload), string(types.JobQueued), q.opts.MaxAttempts, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s job: %w", kind, err)
	}
	return id, nil
}

// Lease claims up to maxJobs visible jobs in one statement.
func (q *Queue) Lease(ctx context.Context, workerID string, maxJobs int, leaseDuration time.Duration) ([]*types.Job, error) {
	if err := queue.ValidateLease(workerID, maxJobs, leaseDuration); err != nil {
		return nil, err
	}
	now := q.now()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE jobs SET
			status = ?,
			attempts = attempts + 1,
			lease_owner = ?,
			lease_token = lower(hex(randomblob(16))),
			lease_expiry = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = ? AND visible_at <= ?
			ORDER BY visible_at, seq
			LIMIT ?
		)
		RETURNING `+jobColumns,
		string(types.JobInFlight), workerID, now+leaseDuration.Nanoseconds(),
		string(types.JobQueued), now, maxJobs)
	if err != nil {
		return nil, fmt.Errorf("failed to lease jobs: %w", err)
	}
	defer rows.Close()

	type leased struct {
		job *types.Job
		seq int64
	}
	var claimed []leased
	for rows.Next() {
		job, seq, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, leased{job, seq})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read leased jobs: %w", err)
	}

	// RETURNING order is unspecified.
	sort.Slice(claimed, func(i, j int) bool {
		a, b := claimed[i].job, claimed[j].job
		if !a.VisibleAt.Equal(b.VisibleAt) {
			return a.VisibleAt.Before(b.VisibleAt)
		}
		return claimed[i].seq < claimed[j].seq
	})
	out := make([]*types.Job, 0, len(claimed))
	for _, c := range claimed {
		out = append(out, c.job)
	}
	return out, nil
}

// Ack marks a leased job done.
func (q *Queue) Ack(ctx context.Context, jobID, leaseToken string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?, lease_owner = '', lease_token = '', lease_expiry = NULL
		WHERE id = ? AND status = ? AND lease_token = ?`,
		string(types.JobDone), q.now(), jobID, string(types.JobInFlight), leaseToken)
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", jobID, err)
	}
	return q.checkTransition(ctx, res, jobID)
}

// Nack requeues after retryAfter, or dead-letters once attempts reach the ceiling.
func (q *Queue) Nack(ctx context.Context, jobID, leaseToken string, retryAfter time.Duration, reason string) error {
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
			visible_at = CASE WHEN attempts >= max_attempts THEN visible_at ELSE ? END,
			completed_at = CASE WHEN attempts >= max_attempts THEN ? ELSE NULL END,
			last_error = ?,
			lease_owner = '', lease_token = '', lease_expiry = NULL
		WHERE id = ? AND status = ? AND lease_token = ?`,
		string(types.JobDeadLettered), string(types.JobQueued), now+retryAfter.Nanoseconds(), now,
		reason, jobID, string(types.JobInFlight), leaseToken)
	if err != nil {
		return fmt.Errorf("failed to nack job %s: %w", jobID, err)
	}
	return q.checkTransition(ctx, res, jobID)
}

// Fail moves a leased job to Failed.
func (q *Queue) Fail(ctx context.Context, jobID, leaseToken, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, completed_at = ?,
			lease_owner = '', lease_token = '', lease_expiry = NULL
		WHERE id = ? AND status = ? AND lease_token = ?`,
		string(types.JobFailed), reason, q.now(), jobID, string(types.JobInFlight), leaseToken)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}
	return q.checkTransition(ctx, res, jobID)
}

// ReclaimExpired nacks every lease that expired at or before now.
func (q *Queue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	n := now.UTC().UnixNano()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
			visible_at = CASE WHEN attempts >= max_attempts THEN visible_at ELSE ? END,
			completed_at = CASE WHEN attempts >= max_attempts THEN ? ELSE NULL END,
			last_error = 'lease expired (owner ' || lease_owner || ')',
			lease_owner = '', lease_token = '', lease_expiry = NULL
		WHERE status = ? AND lease_expiry <= ?`,
		string(types.JobDeadLettered), string(types.JobQueued), n, n,
		string(types.JobInFlight), n)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// DeadLetters lists failed and dead-lettered jobs, most recently completed first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*types.Job, error) {
	stmt := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (?, ?)
		ORDER BY completed_at DESC, id ASC`
	args := []any{string(types.JobFailed), string(types.JobDeadLettered)}
	if limit > 0 {
		stmt += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	out := make([]*types.Job, 0)
	for rows.Next() {
		job, _, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Requeue revives a failed or dead-lettered job with a fresh attempt budget.
func (q *Queue) Requeue(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = 0, visible_at = ?, completed_at = NULL
		WHERE id = ? AND status IN (?, ?)`,
		string(types.JobQueued), q.now(), jobID, string(types.JobFailed), string(types.JobDeadLettered))
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", jobID, job.Status, queue.ErrInvalidJob)
}

// Get returns a job by ID.
func (q *Queue) Get(ctx context.Context, jobID string) (*types.Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, _, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queue.ErrJobNotFound
	}
	return job, err
}

// Stats counts jobs per status.
func (q *Queue) Stats(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	out := make(map[types.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[types.JobStatus(status)] = n
	}
	return out, rows.Err()
}

// Close is a no-op; the database belongs to the caller.
func (q *Queue) Close() error { return nil }

// checkTransition maps a zero-row lease update to not-found or lease-lost.
func (q *Queue) checkTransition(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = q.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.ErrJobNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s: %w", jobID, queue.ErrLeaseLost)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*types.Job, int64, error) {
	var (
		job                        types.Job
		kind, payload, status      string
		enqueuedAt, visibleAt, seq int64
		leaseExpiry, completedAt   sql.NullInt64
	)
	err := s.Scan(&job.ID, &kind, &payload, &status, &job.Attempts, &job.MaxAttempts, &job.LastError,
		&enqueuedAt, &visibleAt, &job.LeaseOwner, &job.LeaseToken, &leaseExpiry, &completedAt, &seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Kind = types.JobKind(kind)
	job.Status = types.JobStatus(status)
	job.Payload = json.RawMessage(payload)
	job.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	job.VisibleAt = time.Unix(0, visibleAt).UTC()
	if leaseExpiry.Valid {
		t := time.Unix(0, leaseExpiry.Int64).UTC()
		job.LeaseExpiry = &t
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		job.CompletedAt = &t
	}
	return &job, seq, nil
}

// Compile-time assertion.
var _ queue.JobQueue = (*Queue)(nil)
