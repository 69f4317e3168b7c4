package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/memoir/pkg/types"
)

// EnsureDefinition upserts a definition, preserving last_fired and created_at.
func (s *Store) EnsureDefinition(ctx context.Context, def types.ScheduleDefinition) error {
	createdAt := def.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (name, rule, task, grace_ns, last_fired, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			rule = EXCLUDED.rule, task = EXCLUDED.task, grace_ns = EXCLUDED.grace_ns`,
		def.Name, def.Rule, def.Task, int64(def.Grace), def.LastFired, createdAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to ensure schedule %s: %w", def.Name, err)
	}
	return nil
}

// ListDefinitions returns all definitions ordered by name.
func (s *Store) ListDefinitions(ctx context.Context) ([]types.ScheduleDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, rule, task, grace_ns, last_fired, created_at FROM schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var defs []types.ScheduleDefinition
	for rows.Next() {
		var (
			def   types.ScheduleDefinition
			grace int64
			last  *time.Time
		)
		if err := rows.Scan(&def.Name, &def.Rule, &def.Task, &grace, &last, &def.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan schedule: %w", err)
		}
		def.Grace = time.Duration(grace)
		if last != nil {
			t := last.UTC()
			def.LastFired = &t
		}
		def.CreatedAt = def.CreatedAt.UTC()
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// CommitFire advances last_fired with a compare-and-set on its previous value.
func (s *Store) CommitFire(ctx context.Context, name string, prev *time.Time, occurrence time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_fired = $1 WHERE name = $2 AND last_fired IS NOT DISTINCT FROM $3`,
		occurrence.UTC(), name, prev)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to commit fire for %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkRun inserts a run-log row owned by jobID and returns the owner.
func (s *Store) MarkRun(ctx context.Context, name string, occurrence time.Time, jobID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO schedule_runs (name, occurrence, job_id, ran_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, occurrence) DO UPDATE SET job_id = schedule_runs.job_id
		RETURNING job_id`,
		name, occurrence.UTC(), jobID, s.now().UTC()).Scan(&owner)
	if err != nil {
		return "", fmt.Errorf("postgres: failed to mark run for %s: %w", name, err)
	}
	return owner, nil
}
