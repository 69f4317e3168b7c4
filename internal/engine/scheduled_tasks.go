package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/internal/notify"
	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/internal/scheduler"
	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// Notification kinds produced by the built-in scheduled tasks.
const (
	NotifyTaskReminder = "task_reminder"
	NotifyTaskOverdue  = "task_overdue"
	NotifyDailySummary = "daily_summary"
	NotifyPetCheckup   = "pet_checkup"
	NotifyThrowback    = "throwback"
)

// reminderWindow is the half-width of the window around an occurrence in
// which a task reminder is considered due.
const reminderWindow = 30 * time.Minute

// TaskFunc runs one scheduled task occurrence. It returns the number of
// notifications it enqueued.
type TaskFunc func(ctx context.Context, run types.ScheduledTaskPayload) (int, error)

// ScheduledTaskHandler handles ScheduledTask jobs enqueued by the scheduler.
// Each (schedule, occurrence) runs at most once; the scheduler may enqueue
// a duplicate when two tickers race.
type ScheduledTaskHandler struct {
	schedules storage.ScheduleStore
	source    storage.TaskSource
	queue     queue.JobQueue
	tasks     map[string]TaskFunc
}

// NewScheduledTaskHandler creates a handler. When source is non-nil the
// built-in tasks are registered against it.
func NewScheduledTaskHandler(schedules storage.ScheduleStore, source storage.TaskSource, q queue.JobQueue) *ScheduledTaskHandler {
	h := &ScheduledTaskHandler{
		schedules: schedules,
		source:    source,
		queue:     q,
		tasks:     make(map[string]TaskFunc),
	}
	if source != nil {
		h.Register(scheduler.TaskReminders, h.taskReminders)
		h.Register(scheduler.TaskOverdue, h.overdueTasks)
		h.Register(scheduler.TaskDailySummary, h.dailySummary)
		h.Register(scheduler.TaskPetHealth, h.petHealth)
		h.Register(scheduler.TaskThrowback, h.throwback)
	}
	return h
}

// Register binds a task name to fn, replacing any previous binding.
func (h *ScheduledTaskHandler) Register(task string, fn TaskFunc) {
	h.tasks[task] = fn
}

// Handle dedupes the occurrence and dispatches it to its task.
func (h *ScheduledTaskHandler) Handle(ctx context.Context, job *types.Job) error {
	var run types.ScheduledTaskPayload
	if err := queue.DecodePayload(job, &run); err != nil {
		return err
	}
	if run.Schedule == "" || run.Task == "" || run.Occurrence.IsZero() {
		return apperrors.Permanentf("scheduled task job %s is missing schedule, task or occurrence", job.ID)
	}

	fn, ok := h.tasks[run.Task]
	if !ok {
		return apperrors.Permanentf("no scheduled task registered as %q", run.Task)
	}

	owner, err := h.schedules.MarkRun(ctx, run.Schedule, run.Occurrence, job.ID)
	if err != nil {
		return apperrors.Transient(fmt.Errorf("mark run %s@%s: %w", run.Schedule, run.Occurrence.Format(time.RFC3339), err))
	}
	// Redeliveries of the claiming job retry the task; any other job for the
	// occurrence is a duplicate enqueue, whatever its attempt count.
	if owner != job.ID {
		log.Printf("[task.duplicate] schedule=%s occurrence=%s job=%s owner=%s",
			run.Schedule, run.Occurrence.Format(time.RFC3339), job.ID, owner)
		return nil
	}

	n, err := fn(ctx, run)
	if err != nil {
		return apperrors.Transient(fmt.Errorf("task %s: %w", run.Task, err))
	}
	log.Printf("[task.ran] schedule=%s task=%s occurrence=%s missed=%d late=%v notifications=%d",
		run.Schedule, run.Task, run.Occurrence.Format(time.RFC3339), run.Missed, run.Late, n)
	return nil
}

func (h *ScheduledTaskHandler) notify(ctx context.Context, p types.NotificationPayload) error {
	if _, err := queue.EnqueueJSON(ctx, h.queue, types.JobSendNotification, p); err != nil {
		return fmt.Errorf("enqueue %s notification for %s: %w", p.Kind, p.OwnerID, err)
	}
	return nil
}

// taskReminders notifies owners of tasks whose reminder instant is within
// reminderWindow of the occurrence.
func (h *ScheduledTaskHandler) taskReminders(ctx context.Context, run types.ScheduledTaskPayload) (int, error) {
	tasks, err := h.source.DueForReminder(ctx, run.Occurrence.Add(-reminderWindow), run.Occurrence.Add(reminderWindow))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, t := range tasks {
		if t.Kind != storage.TaskKindTask {
			continue
		}
		err := h.notify(ctx, types.NotificationPayload{
			OwnerID:  t.OwnerID,
			Kind:     NotifyTaskReminder,
			Title:    t.Title,
			Body:     fmt.Sprintf("Due in %dh", t.ReminderHoursBefore),
			RefID:    t.ID,
			Metadata: map[string]string{"due_at": t.DueAt.UTC().Format(time.RFC3339)},
		})
		if err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (h *ScheduledTaskHandler) overdueTasks(ctx context.Context, run types.ScheduledTaskPayload) (int, error) {
	tasks, err := h.source.Overdue(ctx, run.Occurrence)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, t := range tasks {
		if t.Kind != storage.TaskKindTask {
			continue
		}
		err := h.notify(ctx, types.NotificationPayload{
			OwnerID:  t.OwnerID,
			Kind:     NotifyTaskOverdue,
			Title:    t.Title,
			Body:     "Overdue since " + t.DueAt.UTC().Format("2006-01-02 15:04"),
			RefID:    t.ID,
			Metadata: map[string]string{"due_at": t.DueAt.UTC().Format(time.RFC3339)},
		})
		if err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// dailySummary sends each owner one count of the tasks due on the
// occurrence's day.
func (h *ScheduledTaskHandler) dailySummary(ctx context.Context, run types.ScheduledTaskPayload) (int, error) {
	day := startOfDay(run.Occurrence)
	tasks, err := h.source.DueBetween(ctx, day, day.Add(24*time.Hour-time.Nanosecond))
	if err != nil {
		return 0, err
	}

	counts := make(map[string]int)
	for _, t := range tasks {
		if t.Kind == storage.TaskKindTask {
			counts[t.OwnerID]++
		}
	}
	owners := make([]string, 0, len(counts))
	for owner := range counts {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	for i, owner := range owners {
		n := counts[owner]
		noun := "tasks"
		if n == 1 {
			noun = "task"
		}
		err := h.notify(ctx, types.NotificationPayload{
			OwnerID:  owner,
			Kind:     NotifyDailySummary,
			Title:    "Today",
			Body:     fmt.Sprintf("You have %d %s due today", n, noun),
			Metadata: map[string]string{"count": strconv.Itoa(n), "day": day.Format("2006-01-02")},
		})
		if err != nil {
			return i, err
		}
	}
	return len(owners), nil
}

// petHealth notifies owners of pet checkups due within a day of the occurrence.
func (h *ScheduledTaskHandler) petHealth(ctx context.Context, run types.ScheduledTaskPayload) (int, error) {
	due, err := h.source.DueBetween(ctx, run.Occurrence, run.Occurrence.Add(24*time.Hour))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, t := range due {
		if t.Kind != storage.TaskKindPetCheckup {
			continue
		}
		err := h.notify(ctx, types.NotificationPayload{
			OwnerID:  t.OwnerID,
			Kind:     NotifyPetCheckup,
			Title:    t.Title,
			Body:     "Checkup due " + t.DueAt.UTC().Format("2006-01-02 15:04"),
			RefID:    t.ID,
			Metadata: map[string]string{"due_at": t.DueAt.UTC().Format(time.RFC3339)},
		})
		if err != nil {
			return sent, err
		}
		sent++
	}
	log.Printf("[task.pet_health] occurrence=%s due=%d", run.Occurrence.Format(time.RFC3339), sent)
	return sent, nil
}

// throwback resurfaces memories created on this day in earlier years.
func (h *ScheduledTaskHandler) throwback(ctx context.Context, run types.ScheduledTaskPayload) (int, error) {
	recs, err := h.source.CreatedOnDay(ctx, run.Occurrence)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, rec := range recs {
		years := run.Occurrence.UTC().Year() - rec.CreatedAt.UTC().Year()
		if years < 1 {
			continue
		}
		noun := "years"
		if years == 1 {
			noun = "year"
		}
		err := h.notify(ctx, types.NotificationPayload{
			OwnerID:  rec.OwnerID,
			Kind:     NotifyThrowback,
			Title:    throwbackTitle(rec),
			Body:     fmt.Sprintf("%d %s ago today", years, noun),
			RefID:    rec.ID,
			Metadata: map[string]string{"years": strconv.Itoa(years)},
		})
		if err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func throwbackTitle(rec types.MemoryRecord) string {
	if t := strings.TrimSpace(rec.Title); t != "" {
		return t
	}
	content := strings.TrimSpace(rec.Content)
	if utf8.RuneCountInString(content) <= 80 {
		return content
	}
	return string([]rune(content)[:80]) + "..."
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// NotificationHandler handles SendNotification jobs by writing them to the
// notify spool, from which the web process pushes them to clients.
type NotificationHandler struct {
	writer *notify.EventWriter
}

// NewNotificationHandler creates a handler writing to w.
func NewNotificationHandler(w *notify.EventWriter) *NotificationHandler {
	return &NotificationHandler{writer: w}
}

// Handle writes the notification. A payload without owner or kind is permanent.
func (h *NotificationHandler) Handle(ctx context.Context, job *types.Job) error {
	var p types.NotificationPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	if p.OwnerID == "" || p.Kind == "" {
		return apperrors.Permanent(fmt.Errorf("%w: notification %s needs owner and kind", apperrors.ErrInvalidInput, job.ID))
	}
	if err := ctx.Err(); err != nil {
		return apperrors.Transient(err)
	}

	err := h.writer.Write(notify.Event{
		Type:     EventNotification,
		RecordID: p.RefID,
		OwnerID:  p.OwnerID,
		Kind:     p.Kind,
		Title:    p.Title,
		Body:     p.Body,
		Metadata: p.Metadata,
	})
	if err != nil {
		return apperrors.Transient(fmt.Errorf("spool notification %s: %w", job.ID, err))
	}
	log.Printf("[notify.sent] owner=%s kind=%s ref=%s", p.OwnerID, p.Kind, p.RefID)
	return nil
}
