package scheduler

import (
	"time"

	"github.com/scrypster/memoir/pkg/types"
)

// Built-in task names dispatched by the scheduled task handler.
const (
	TaskReminders    = "task_reminders"
	TaskOverdue      = "overdue_tasks"
	TaskDailySummary = "daily_summary"
	TaskPetHealth    = "pet_health"
	TaskThrowback    = "throwback"

	// TaskBackup is registered by the process wiring when sqlite snapshots
	// are enabled; it is not part of the default definitions.
	TaskBackup = "backup_database"
)

// DefaultDefinitions returns the built-in schedules used when config names none.
func DefaultDefinitions() []types.ScheduleDefinition {
	return []types.ScheduleDefinition{
		{Name: "task-reminders", Rule: "0 * * * *", Task: TaskReminders, Grace: 10 * time.Minute},
		{Name: "overdue-tasks", Rule: "0 */4 * * *", Task: TaskOverdue, Grace: 30 * time.Minute},
		{Name: "daily-summary", Rule: "0 8 * * *", Task: TaskDailySummary, Grace: time.Hour},
		{Name: "pet-health", Rule: "0 */12 * * *", Task: TaskPetHealth, Grace: time.Hour},
		{Name: "throwback", Rule: "0 9 * * *", Task: TaskThrowback, Grace: time.Hour},
	}
}
