package notify

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultBacklogAge is how old a spooled pipeline event may be when it is
// found at startup and still be delivered. Notifications are always delivered.
const DefaultBacklogAge = 10 * time.Minute

// orphanAge is how long a writer's temporary file may sit before the
// watcher treats its writer as dead and removes it.
const orphanAge = time.Minute

// EventWatcher tails the spool directory and hands each event to the
// callback exactly once; the file is removed before dispatch.
type EventWatcher struct {
	dir        string
	callback   func(Event)
	backlogAge time.Duration
	now        func() time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewEventWatcher creates a watcher for {dataPath}/events/.
func NewEventWatcher(dataPath string, callback func(Event)) *EventWatcher {
	return &EventWatcher{
		dir:        filepath.Join(dataPath, "events"),
		callback:   callback,
		backlogAge: DefaultBacklogAge,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// SetBacklogAge changes the startup cutoff for pipeline events. Zero
// delivers the whole backlog. Call before Start.
func (ew *EventWatcher) SetBacklogAge(d time.Duration) {
	ew.backlogAge = d
}

// Start delivers the backlog already in the spool, then watches for new
// files until Stop.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return err
	}
	ew.watcher = w

	// Watching starts before the drain so a file published meanwhile is not
	// missed. The loop starts after it, so a file seen by both is already gone.
	delivered, dropped := ew.drainBacklog()
	go ew.loop()
	log.Printf("[notify.watch] dir=%s backlog=%d stale=%d", ew.dir, delivered, dropped)
	return nil
}

// Stop shuts down the watcher and waits for the loop to exit.
func (ew *EventWatcher) Stop() {
	if ew.watcher == nil {
		return
	}
	_ = ew.watcher.Close()
	<-ew.done
}

func (ew *EventWatcher) loop() {
	defer close(ew.done)
	for {
		select {
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			// Writers publish by rename, which surfaces as Create on the target.
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(evt.Name, ".event") {
				ew.processFile(evt.Name, false)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("WARNING: [notify.watch] error=%v", err)
		}
	}
}

// drainBacklog processes spooled files in name order, which is write order,
// and clears temp files left by crashed writers.
func (ew *EventWatcher) drainBacklog() (delivered, dropped int) {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return 0, 0
	}
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(ew.dir, name)
		switch {
		case entry.IsDir():
		case strings.HasSuffix(name, ".tmp"):
			if info, err := entry.Info(); err == nil && ew.now().Sub(info.ModTime()) > orphanAge {
				_ = os.Remove(path)
			}
		case strings.HasSuffix(name, ".event"):
			if ew.processFile(path, true) {
				delivered++
			} else {
				dropped++
			}
		}
	}
	return delivered, dropped
}

// processFile consumes one event file and reports whether it was delivered.
func (ew *EventWatcher) processFile(path string, backlog bool) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false // consumed by another reader
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("WARNING: [notify.remove] file=%s error=%v", filepath.Base(path), err)
	} else if err != nil {
		return false
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("WARNING: [notify.invalid] file=%s error=%v", filepath.Base(path), err)
		return false
	}
	if event.Type == "" || ew.callback == nil {
		return false
	}
	if backlog && ew.stale(event) {
		return false
	}
	ew.callback(event)
	return true
}

// stale reports whether a backlog event is a pipeline event past the cutoff.
func (ew *EventWatcher) stale(evt Event) bool {
	if ew.backlogAge <= 0 || evt.Kind != "" || evt.Time == 0 {
		return false
	}
	return ew.now().Sub(time.Unix(0, evt.Time)) > ew.backlogAge
}
