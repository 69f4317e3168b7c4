// Package scheduler evaluates recurring schedule definitions and enqueues
// one ScheduledTask job per due definition.
//
// A tick computes every occurrence between a definition's last fire and now.
// Only the latest one is enqueued; the earlier ones are counted as missed and
// logged. LastFired advances with a compare-and-set after the enqueue
// succeeds, so a crash between the two re-fires the occurrence (handlers
// dedupe by occurrence) and never loses it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/internal/metrics"
	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// MaxOccurrencesPerTick bounds how many occurrences one catch-up walk
// visits before Due switches to searching back from now.
const MaxOccurrencesPerTick = 10000

// maxLookback bounds the backward search; anchors older than this are
// walked from directly.
const maxLookback = 200 * 365 * 24 * time.Hour

// DefaultTickInterval is the Run loop period.
const DefaultTickInterval = time.Minute

// Fire describes one enqueued occurrence.
type Fire struct {
	Name       string    `json:"name"`
	Task       string    `json:"task"`
	Occurrence time.Time `json:"occurrence"`
	Missed     int       `json:"missed"`
	Late       bool      `json:"late"`
	JobID      string    `json:"job_id"`
	Committed  bool      `json:"committed"` // false when another ticker advanced LastFired first
}

// DefinitionError records a definition that could not be evaluated or fired.
type DefinitionError struct {
	Name string `json:"name"`
	Err  string `json:"error"`
}

// TickReport summarizes one Tick.
type TickReport struct {
	Now     time.Time         `json:"now"`
	Checked int               `json:"checked"`
	Fired   []Fire            `json:"fired"`
	Errors  []DefinitionError `json:"errors,omitempty"`
}

// Scheduler turns due schedule definitions into queue jobs.
type Scheduler struct {
	store storage.ScheduleStore
	queue queue.JobQueue
	now   func() time.Time

	mu sync.Mutex // serializes Tick
}

// New creates a scheduler over store that enqueues into q.
func New(store storage.ScheduleStore, q queue.JobQueue) *Scheduler {
	return &Scheduler{
		store: store,
		queue: q,
		now:   time.Now,
	}
}

// ParseRule parses a standard 5-field cron expression. Descriptors such as
// "@daily" and a leading "CRON_TZ=Area/City" are accepted.
func ParseRule(rule string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(rule)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %q: %v", apperrors.ErrInvalidInput, rule, err)
	}
	return sched, nil
}

// Register validates each definition's rule and stores it. Existing
// definitions keep their LastFired.
func (s *Scheduler) Register(ctx context.Context, defs []types.ScheduleDefinition) error {
	for _, def := range defs {
		if _, err := ParseRule(def.Rule); err != nil {
			return fmt.Errorf("schedule %s: %w", def.Name, err)
		}
		if err := s.store.EnsureDefinition(ctx, def); err != nil {
			return err
		}
		log.Printf("[scheduler.registered] name=%s rule=%q task=%s grace=%s", def.Name, def.Rule, def.Task, def.Grace)
	}
	return nil
}

// Tick fires every definition with at least one occurrence in (anchor, now].
// Definitions are processed in name order. A failure on one definition does
// not stop the others; all failures are joined into the returned error.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := TickReport{Now: now}

	defs, err := s.store.ListDefinitions(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list schedules: %w", err)
	}

	var errs []error
	for _, def := range defs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report.Checked++

		fire, err := s.evaluate(ctx, def, now)
		if err != nil {
			log.Printf("ERROR: [scheduler.failed] name=%s error=%v", def.Name, err)
			report.Errors = append(report.Errors, DefinitionError{Name: def.Name, Err: err.Error()})
			errs = append(errs, fmt.Errorf("schedule %s: %w", def.Name, err))
			continue
		}
		if fire != nil {
			report.Fired = append(report.Fired, *fire)
		}
	}

	return report, errors.Join(errs...)
}

// Due returns the latest occurrence of def in (anchor, now] and the number of
// occurrences in that interval. A zero count means nothing is due. When the
// interval holds more than MaxOccurrencesPerTick occurrences the count is a
// lower bound; the occurrence is still the latest.
func Due(def types.ScheduleDefinition, now time.Time) (time.Time, int, error) {
	sched, err := ParseRule(def.Rule)
	if err != nil {
		return time.Time{}, 0, err
	}

	var (
		latest time.Time
		count  int
	)
	for t := sched.Next(def.Anchor()); !t.IsZero() && !t.After(now); t = sched.Next(t) {
		latest = t
		count++
		if count >= MaxOccurrencesPerTick {
			var seen int
			latest, seen = skipAhead(sched, latest, now)
			log.Printf("WARNING: [scheduler.catchup.skipped] name=%s counted=%d latest=%s",
				def.Name, count+seen, latest.Format(time.RFC3339))
			return latest, count + seen, nil
		}
	}
	return latest, count, nil
}

// skipAhead returns the last occurrence in (from, now] without visiting
// every occurrence in between, plus how many occurrences it did visit. It
// searches back from now with a doubling window and walks forward only
// inside the first window that holds an occurrence.
func skipAhead(sched cron.Schedule, from, now time.Time) (time.Time, int) {
	latest, seen := from, 0
	for lookback := time.Minute; ; lookback *= 2 {
		start := now.Add(-lookback)
		whole := lookback >= maxLookback || !start.After(latest)
		if whole {
			start = latest
		}

		n := 0
		for t := sched.Next(start); !t.IsZero() && !t.After(now) && n < MaxOccurrencesPerTick; t = sched.Next(t) {
			latest = t
			n++
		}
		seen += n

		switch {
		case n == MaxOccurrencesPerTick:
			// Still behind; search again from the new latest.
			lookback = time.Minute / 2
		case n > 0 || whole:
			return latest, seen
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, def types.ScheduleDefinition, now time.Time) (*Fire, error) {
	latest, count, err := Due(def, now)
	if err != nil {
		return nil, apperrors.Permanent(err)
	}
	if count == 0 {
		return nil, nil
	}

	missed := count - 1
	late := now.Sub(latest) > def.Grace
	if missed > 0 {
		log.Printf("WARNING: [scheduler.missed] name=%s missed=%d latest=%s",
			def.Name, missed, latest.Format(time.RFC3339))
	}
	if late {
		log.Printf("WARNING: [scheduler.late] name=%s occurrence=%s lateness=%s grace=%s",
			def.Name, latest.Format(time.RFC3339), now.Sub(latest).Round(time.Second), def.Grace)
	}

	payload := types.ScheduledTaskPayload{
		Schedule:   def.Name,
		Task:       def.Task,
		Occurrence: latest,
		Missed:     missed,
		Late:       late,
	}
	jobID, err := queue.EnqueueJSON(ctx, s.queue, types.JobScheduledTask, payload)
	if err != nil {
		// LastFired is untouched; the next tick retries this occurrence.
		return nil, fmt.Errorf("enqueue occurrence %s: %w", latest.Format(time.RFC3339), err)
	}
	metrics.RecordFire(def.Name, missed)

	committed, err := s.store.CommitFire(ctx, def.Name, def.LastFired, latest)
	if err != nil {
		return nil, fmt.Errorf("commit fire (job %s already enqueued): %w", jobID, err)
	}
	if !committed {
		log.Printf("WARNING: [scheduler.cas_lost] name=%s occurrence=%s job_id=%s",
			def.Name, latest.Format(time.RFC3339), jobID)
	} else {
		log.Printf("[scheduler.fired] name=%s task=%s occurrence=%s missed=%d late=%v job_id=%s",
			def.Name, def.Task, latest.Format(time.RFC3339), missed, late, jobID)
	}

	return &Fire{
		Name:       def.Name,
		Task:       def.Task,
		Occurrence: latest,
		Missed:     missed,
		Late:       late,
		JobID:      jobID,
		Committed:  committed,
	}, nil
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	log.Printf("[scheduler.start] interval=%s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			log.Printf("ERROR: [scheduler.tick.failed] error=%v", err)
		}
		select {
		case <-ctx.Done():
			log.Printf("[scheduler.stopped] reason=context_cancelled")
			return
		case <-ticker.C:
		}
	}
}
