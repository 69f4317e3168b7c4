package types

import (
	"encoding/json"
	"time"
)

// JobKind identifies the handler a job is routed to.
type JobKind string

// Job kind constants
const (
	JobClassify         JobKind = "classify"
	JobEmbed            JobKind = "embed"
	JobScheduledTask    JobKind = "scheduled_task"
	JobSendNotification JobKind = "send_notification"
)

// JobStatus is the queue-side state of a job.
type JobStatus string

// Job status constants
const (
	JobQueued       JobStatus = "queued"
	JobInFlight     JobStatus = "in_flight"
	JobDone         JobStatus = "done"
	JobFailed       JobStatus = "failed"
	JobDeadLettered JobStatus = "dead_lettered"
)

// ValidJobKinds lists every job kind the worker pool knows how to route.
var ValidJobKinds = []JobKind{
	JobClassify,
	JobEmbed,
	JobScheduledTask,
	JobSendNotification,
}

// IsValidJobKind reports whether k is a known job kind.
func IsValidJobKind(k JobKind) bool {
	for _, v := range ValidJobKinds {
		if k == v {
			return true
		}
	}
	return false
}

// Job is a unit of queued work. The payload is opaque to the queue.
//
// A job is InFlight for at most one worker at a time; LeaseToken identifies
// the current lease and must be presented on Ack, Nack and Fail.
type Job struct {
	ID          string          `json:"id"`
	Kind        JobKind         `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"` // Incremented on every delivery
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`

	EnqueuedAt  time.Time  `json:"enqueued_at"`
	VisibleAt   time.Time  `json:"visible_at"`
	LeaseOwner  string     `json:"lease_owner,omitempty"`
	LeaseToken  string     `json:"lease_token,omitempty"`
	LeaseExpiry *time.Time `json:"lease_expiry,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RecordPayload is the payload of Classify and Embed jobs.
type RecordPayload struct {
	RecordID string `json:"record_id"`
}

// ScheduledTaskPayload is the payload enqueued by the scheduler for one
// occurrence of a schedule definition.
type ScheduledTaskPayload struct {
	Schedule   string    `json:"schedule"`
	Task       string    `json:"task"`
	Occurrence time.Time `json:"occurrence"`
	Missed     int       `json:"missed"`
	Late       bool      `json:"late"`
}

// NotificationPayload is the payload of SendNotification jobs.
type NotificationPayload struct {
	OwnerID  string            `json:"owner_id"`
	Kind     string            `json:"kind"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	RefID    string            `json:"ref_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
