package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// ScheduleStore implements storage.ScheduleStore on the schedules and
// schedule_runs tables.
type ScheduleStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewScheduleStore wraps an open database (see Open).
func NewScheduleStore(db *sql.DB) *ScheduleStore {
	return &ScheduleStore{db: db, now: time.Now}
}

// EnsureDefinition upserts a definition, preserving last_fired and created_at.
func (s *ScheduleStore) EnsureDefinition(ctx context.Context, def types.ScheduleDefinition) error {
	if def.Name == "" || def.Rule == "" {
		return fmt.Errorf("%w: schedule name and rule are required", storage.ErrInvalidInput)
	}
	createdAt := def.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (name, rule, task, grace_ns, last_fired, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			rule = excluded.rule,
			task = excluded.task,
			grace_ns = excluded.grace_ns`,
		def.Name, def.Rule, def.Task, int64(def.Grace), nullableNanos(def.LastFired), toNanos(createdAt))
	if err != nil {
		return fmt.Errorf("failed to ensure schedule %s: %w", def.Name, err)
	}
	return nil
}

// ListDefinitions returns all definitions ordered by name.
func (s *ScheduleStore) ListDefinitions(ctx context.Context) ([]types.ScheduleDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, rule, task, grace_ns, last_fired, created_at FROM schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var defs []types.ScheduleDefinition
	for rows.Next() {
		var (
			def       types.ScheduleDefinition
			grace     int64
			lastFired sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&def.Name, &def.Rule, &def.Task, &grace, &lastFired, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		def.Grace = time.Duration(grace)
		def.LastFired = timePtr(lastFired)
		def.CreatedAt = fromNanos(createdAt)
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// CommitFire advances last_fired with a compare-and-set on its previous value.
func (s *ScheduleStore) CommitFire(ctx context.Context, name string, prev *time.Time, occurrence time.Time) (bool, error) {
	var (
		result sql.Result
		err    error
	)
	if prev == nil {
		result, err = s.db.ExecContext(ctx,
			`UPDATE schedules SET last_fired = ? WHERE name = ? AND last_fired IS NULL`,
			toNanos(occurrence), name)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE schedules SET last_fired = ? WHERE name = ? AND last_fired = ?`,
			toNanos(occurrence), name, toNanos(*prev))
	}
	if err != nil {
		return false, fmt.Errorf("failed to commit fire for %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkRun inserts a run-log row owned by jobID. On conflict the no-op
// update lets RETURNING report the existing owner.
func (s *ScheduleStore) MarkRun(ctx context.Context, name string, occurrence time.Time, jobID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO schedule_runs (name, occurrence, job_id, ran_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (name, occurrence) DO UPDATE SET job_id = schedule_runs.job_id
		RETURNING job_id`,
		name, toNanos(occurrence), jobID, toNanos(s.now())).Scan(&owner)
	if err != nil {
		return "", fmt.Errorf("failed to mark run for %s: %w", name, err)
	}
	return owner, nil
}

// Compile-time assertion.
var _ storage.ScheduleStore = (*ScheduleStore)(nil)
