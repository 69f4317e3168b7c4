// Package notify is a filesystem spool for pipeline events and user
// notifications. Workers write one file per event; the web process watches
// the spool and broadcasts each event to connected clients.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Event is the payload written to an event file.
type Event struct {
	Type     string            `json:"type"`
	RecordID string            `json:"record_id,omitempty"`
	OwnerID  string            `json:"owner_id,omitempty"`
	Kind     string            `json:"kind,omitempty"` // notification kind, e.g. task_reminder
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Time     int64             `json:"time"`
}

// EventWriter writes event files to a shared spool directory.
type EventWriter struct {
	dir string
	seq atomic.Uint64
}

// NewEventWriter creates a writer that emits events to {dataPath}/events/.
func NewEventWriter(dataPath string) *EventWriter {
	return &EventWriter{dir: filepath.Join(dataPath, "events")}
}

// Dir returns the spool directory.
func (w *EventWriter) Dir() string {
	return w.dir
}

// Notify writes a bare pipeline event for recordID.
func (w *EventWriter) Notify(eventType, recordID string) error {
	return w.Write(Event{Type: eventType, RecordID: recordID})
}

// Write spools evt. The file is written under a temporary name and renamed
// so watchers never read a partial event. Safe to call concurrently.
func (w *EventWriter) Write(evt Event) error {
	if evt.Type == "" {
		return fmt.Errorf("notify: event type is required")
	}
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	if evt.Time == 0 {
		evt.Time = time.Now().UnixNano()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	ref := evt.RecordID
	if ref == "" {
		ref = evt.Type
	}
	name := fmt.Sprintf("%d-%d-%s", evt.Time, w.seq.Add(1), sanitizeID(ref))
	tmp := filepath.Join(w.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name+".event")); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: publish %s: %w", name, err)
	}
	return nil
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		switch id[i] {
		case '/', ':', '\\', '.':
			out[i] = '_'
		default:
			out[i] = id[i]
		}
	}
	return string(out)
}
