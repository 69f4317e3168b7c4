package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// AddTask inserts or replaces a task row. Task CRUD belongs to the request
// layer; this exists for seeding and tests.
func (s *RecordStore) AddTask(ctx context.Context, t storage.TaskRecord) error {
	if t.ID == "" || t.OwnerID == "" {
		return fmt.Errorf("%w: task id and owner are required", storage.ErrInvalidInput)
	}
	kind := t.Kind
	if kind == "" {
		kind = storage.TaskKindTask
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, owner_id, kind, title, due_at, reminder_hours_before, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id, kind = excluded.kind, title = excluded.title,
			due_at = excluded.due_at, reminder_hours_before = excluded.reminder_hours_before,
			completed = excluded.completed`,
		t.ID, t.OwnerID, string(kind), t.Title, toNanos(t.DueAt), t.ReminderHoursBefore, boolInt(t.Completed))
	if err != nil {
		return fmt.Errorf("failed to add task: %w", err)
	}
	return nil
}

// DueForReminder returns open tasks whose reminder instant falls within [from, to].
func (s *RecordStore) DueForReminder(ctx context.Context, from, to time.Time) ([]storage.TaskRecord, error) {
	// reminder instant = due_at - reminder_hours_before hours, in nanoseconds.
	return s.queryTasks(ctx, `
		WHERE completed = 0 AND reminder_hours_before > 0
		  AND due_at - reminder_hours_before * 3600000000000 BETWEEN ? AND ?
		ORDER BY due_at, id`, toNanos(from), toNanos(to))
}

// Overdue returns open tasks due before now.
func (s *RecordStore) Overdue(ctx context.Context, now time.Time) ([]storage.TaskRecord, error) {
	return s.queryTasks(ctx, `WHERE completed = 0 AND due_at < ? ORDER BY due_at, id`, toNanos(now))
}

// DueBetween returns open tasks due within [from, to].
func (s *RecordStore) DueBetween(ctx context.Context, from, to time.Time) ([]storage.TaskRecord, error) {
	return s.queryTasks(ctx, `WHERE completed = 0 AND due_at BETWEEN ? AND ? ORDER BY due_at, id`,
		toNanos(from), toNanos(to))
}

// CreatedOnDay returns records created on now's month and day in earlier years.
func (s *RecordStore) CreatedOnDay(ctx context.Context, now time.Time) ([]types.MemoryRecord, error) {
	now = now.UTC()
	startOfYear := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memories WHERE created_at < ? ORDER BY created_at, id`,
		toNanos(startOfYear))
	if err != nil {
		return nil, fmt.Errorf("failed to query throwback records: %w", err)
	}
	defer rows.Close()

	var out []types.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if rec.CreatedAt.Month() == now.Month() && rec.CreatedAt.Day() == now.Day() {
			out = append(out, *rec)
		}
	}
	return out, rows.Err()
}

func (s *RecordStore) queryTasks(ctx context.Context, clause string, args ...any) ([]storage.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, kind, title, due_at, reminder_hours_before, completed FROM tasks `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []storage.TaskRecord
	for rows.Next() {
		var (
			t         storage.TaskRecord
			kind      string
			dueAt     int64
			completed int
		)
		if err := rows.Scan(&t.ID, &t.OwnerID, &kind, &t.Title, &dueAt, &t.ReminderHoursBefore, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Kind = storage.TaskKind(kind)
		t.DueAt = fromNanos(dueAt)
		t.Completed = completed == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
