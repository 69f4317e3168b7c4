package types

import "time"

// ScheduleDefinition is a recurring job definition evaluated by the scheduler.
// The next eligible fire time is always strictly after LastFired.
type ScheduleDefinition struct {
	Name      string        `json:"name" yaml:"name"`
	Rule      string        `json:"rule" yaml:"rule"` // cron expression, e.g. "0 * * * *"
	Task      string        `json:"task" yaml:"task"`
	Grace     time.Duration `json:"grace" yaml:"grace"`
	LastFired *time.Time    `json:"last_fired,omitempty" yaml:"-"`
	CreatedAt time.Time     `json:"created_at" yaml:"-"` // Anchor for definitions that never fired
}

// Anchor returns the instant from which the next occurrence is computed.
func (d *ScheduleDefinition) Anchor() time.Time {
	if d.LastFired != nil {
		return *d.LastFired
	}
	return d.CreatedAt
}
