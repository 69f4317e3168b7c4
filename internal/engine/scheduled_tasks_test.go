package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/internal/notify"
	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/internal/scheduler"
	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/internal/storage/sqlite"
	"github.com/scrypster/memoir/pkg/types"
)

var occurrence = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type taskFixture struct {
	handler *ScheduledTaskHandler
	records *sqlite.RecordStore
	queue   *queue.MemoryQueue
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	records := sqlite.NewRecordStore(db)
	q := queue.NewMemoryQueue(queue.Options{})
	f := &taskFixture{
		handler: NewScheduledTaskHandler(scheduler.NewMemoryStore(), records, q),
		records: records,
		queue:   q,
	}

	ctx := context.Background()
	for _, task := range []storage.TaskRecord{
		{ID: "t1", OwnerID: "alice", Title: "Call the dentist", DueAt: occurrence.Add(2 * time.Hour), ReminderHoursBefore: 2},
		{ID: "t2", OwnerID: "alice", Title: "Send invoice", DueAt: occurrence.Add(5 * time.Hour), ReminderHoursBefore: 1},
		{ID: "t3", OwnerID: "bob", Title: "Renew passport", DueAt: occurrence.Add(-time.Hour)},
		{ID: "t4", OwnerID: "alice", Title: "Done already", DueAt: occurrence.Add(-2 * time.Hour), Completed: true},
		{ID: "p1", OwnerID: "bob", Kind: storage.TaskKindPetCheckup, Title: "Rex vaccination", DueAt: occurrence.Add(3 * time.Hour)},
	} {
		require.NoError(t, records.AddTask(ctx, task))
	}
	return f
}

func scheduledJob(t *testing.T, id, task string, attempts int) *types.Job {
	t.Helper()
	payload, err := json.Marshal(types.ScheduledTaskPayload{
		Schedule:   "sched-" + task,
		Task:       task,
		Occurrence: occurrence,
	})
	require.NoError(t, err)
	return &types.Job{ID: id, Kind: types.JobScheduledTask, Payload: payload, Attempts: attempts}
}

// notifications leases every queued SendNotification job and decodes it.
func (f *taskFixture) notifications(t *testing.T) []types.NotificationPayload {
	t.Helper()
	jobs, err := f.queue.Lease(context.Background(), "test", 100, time.Minute)
	require.NoError(t, err)
	out := make([]types.NotificationPayload, 0, len(jobs))
	for _, job := range jobs {
		require.Equal(t, types.JobSendNotification, job.Kind)
		var p types.NotificationPayload
		require.NoError(t, json.Unmarshal(job.Payload, &p))
		out = append(out, p)
	}
	return out
}

func TestScheduledTask_Reminders(t *testing.T) {
	f := newTaskFixture(t)
	require.NoError(t, f.handler.Handle(context.Background(), scheduledJob(t, "j1", scheduler.TaskReminders, 1)))

	got := f.notifications(t)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].OwnerID)
	assert.Equal(t, NotifyTaskReminder, got[0].Kind)
	assert.Equal(t, "t1", got[0].RefID)
	assert.Equal(t, "Call the dentist", got[0].Title)
}

func TestScheduledTask_DuplicateOccurrenceRunsOnce(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	require.NoError(t, f.handler.Handle(ctx, scheduledJob(t, "j1", scheduler.TaskReminders, 1)))
	require.Len(t, f.notifications(t), 1)

	// A second job for the same occurrence, as enqueued by a racing ticker.
	require.NoError(t, f.handler.Handle(ctx, scheduledJob(t, "j2", scheduler.TaskReminders, 1)))
	assert.Empty(t, f.notifications(t))

	// A redelivered duplicate is still a duplicate.
	require.NoError(t, f.handler.Handle(ctx, scheduledJob(t, "j2", scheduler.TaskReminders, 2)))
	assert.Empty(t, f.notifications(t))

	// A redelivery of the job that claimed the occurrence still runs.
	require.NoError(t, f.handler.Handle(ctx, scheduledJob(t, "j1", scheduler.TaskReminders, 2)))
	assert.Len(t, f.notifications(t), 1)
}

func TestScheduledTask_Overdue(t *testing.T) {
	f := newTaskFixture(t)
	require.NoError(t, f.handler.Handle(context.Background(), scheduledJob(t, "j1", scheduler.TaskOverdue, 1)))

	got := f.notifications(t)
	require.Len(t, got, 1)
	assert.Equal(t, "t3", got[0].RefID)
	assert.Equal(t, "bob", got[0].OwnerID)
	assert.Equal(t, NotifyTaskOverdue, got[0].Kind)
}

func TestScheduledTask_DailySummary(t *testing.T) {
	f := newTaskFixture(t)
	require.NoError(t, f.handler.Handle(context.Background(), scheduledJob(t, "j1", scheduler.TaskDailySummary, 1)))

	got := f.notifications(t)
	require.Len(t, got, 2)
	byOwner := map[string]types.NotificationPayload{}
	for _, n := range got {
		assert.Equal(t, NotifyDailySummary, n.Kind)
		byOwner[n.OwnerID] = n
	}
	assert.Equal(t, "You have 2 tasks due today", byOwner["alice"].Body)
	assert.Equal(t, "You have 1 task due today", byOwner["bob"].Body)
	assert.Equal(t, "2026-03-10", byOwner["alice"].Metadata["day"])
}

func TestScheduledTask_PetHealth(t *testing.T) {
	f := newTaskFixture(t)
	require.NoError(t, f.handler.Handle(context.Background(), scheduledJob(t, "j1", scheduler.TaskPetHealth, 1)))

	got := f.notifications(t)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].RefID)
	assert.Equal(t, NotifyPetCheckup, got[0].Kind)
}

func TestScheduledTask_Throwback(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	for _, rec := range []*types.MemoryRecord{
		{ID: "m1", OwnerID: "alice", Title: "Paris trip", Content: "Eiffel tower at night", CreatedAt: occurrence.AddDate(-2, 0, 0).Add(time.Hour)},
		{ID: "m2", OwnerID: "alice", Content: "Same day this year", CreatedAt: occurrence.Add(-time.Hour)},
		{ID: "m3", OwnerID: "bob", Content: "Another day", CreatedAt: occurrence.AddDate(-1, 0, 1)},
	} {
		require.NoError(t, f.records.CreateRecord(ctx, rec))
	}

	require.NoError(t, f.handler.Handle(ctx, scheduledJob(t, "j1", scheduler.TaskThrowback, 1)))

	got := f.notifications(t)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].RefID)
	assert.Equal(t, "Paris trip", got[0].Title)
	assert.Equal(t, "2 years ago today", got[0].Body)
}

func TestScheduledTask_RejectsBadJobs(t *testing.T) {
	f := newTaskFixture(t)
	ctx := context.Background()

	err := f.handler.Handle(ctx, scheduledJob(t, "j1", "no_such_task", 1))
	assert.True(t, apperrors.IsPermanent(err))

	err = f.handler.Handle(ctx, &types.Job{ID: "j2", Kind: types.JobScheduledTask, Payload: json.RawMessage(`{"task":"throwback"}`)})
	assert.True(t, apperrors.IsPermanent(err))

	err = f.handler.Handle(ctx, &types.Job{ID: "j3", Kind: types.JobScheduledTask, Payload: json.RawMessage(`not json`)})
	assert.True(t, apperrors.IsPermanent(err))
}

func TestScheduledTask_CustomTask(t *testing.T) {
	f := newTaskFixture(t)
	var ran types.ScheduledTaskPayload
	f.handler.Register("cleanup", func(_ context.Context, run types.ScheduledTaskPayload) (int, error) {
		ran = run
		return 0, nil
	})

	require.NoError(t, f.handler.Handle(context.Background(), scheduledJob(t, "j1", "cleanup", 1)))
	assert.True(t, ran.Occurrence.Equal(occurrence))
	assert.Equal(t, "sched-cleanup", ran.Schedule)
}

func TestNotificationHandler_WritesSpool(t *testing.T) {
	dir := t.TempDir()
	w := notify.NewEventWriter(dir)
	h := NewNotificationHandler(w)

	payload, err := json.Marshal(types.NotificationPayload{
		OwnerID: "alice", Kind: NotifyTaskReminder, Title: "Call the dentist", RefID: "t1",
	})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), &types.Job{ID: "n1", Kind: types.JobSendNotification, Payload: payload}))

	entries, err := os.ReadDir(w.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(w.Dir(), entries[0].Name()))
	require.NoError(t, err)
	var evt notify.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, EventNotification, evt.Type)
	assert.Equal(t, "alice", evt.OwnerID)
	assert.Equal(t, "t1", evt.RecordID)

	bad, err := json.Marshal(types.NotificationPayload{Kind: NotifyTaskReminder})
	require.NoError(t, err)
	err = h.Handle(context.Background(), &types.Job{ID: "n2", Kind: types.JobSendNotification, Payload: bad})
	assert.True(t, apperrors.IsPermanent(err))
}

func TestScheduledTask_NoTaskSourceRunsOnlyCustomTasks(t *testing.T) {
	ctx := context.Background()
	h := NewScheduledTaskHandler(scheduler.NewMemoryStore(), nil, queue.NewMemoryQueue(queue.Options{}))

	for i, task := range []string{scheduler.TaskThrowback, scheduler.TaskReminders, scheduler.TaskDailySummary} {
		err := h.Handle(ctx, scheduledJob(t, "builtin-"+string(rune('a'+i)), task, 1))
		assert.True(t, apperrors.IsPermanent(err), task)
	}

	ran := false
	h.Register("cleanup", func(context.Context, types.ScheduledTaskPayload) (int, error) {
		ran = true
		return 0, nil
	})
	require.NoError(t, h.Handle(ctx, scheduledJob(t, "custom", "cleanup", 1)))
	assert.True(t, ran)
}
