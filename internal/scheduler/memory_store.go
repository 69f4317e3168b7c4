package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// MemoryStore is an in-process storage.ScheduleStore for dev and tests.
type MemoryStore struct {
	mu   sync.Mutex
	defs map[string]types.ScheduleDefinition
	runs map[string]string // occurrence key -> owning job
	now  func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs: make(map[string]types.ScheduleDefinition),
		runs: make(map[string]string),
		now:  time.Now,
	}
}

// EnsureDefinition inserts def or updates its rule, task and grace.
func (m *MemoryStore) EnsureDefinition(_ context.Context, def types.ScheduleDefinition) error {
	if def.Name == "" || def.Rule == "" {
		return fmt.Errorf("%w: schedule name and rule are required", storage.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.defs[def.Name]
	if !ok {
		if def.CreatedAt.IsZero() {
			def.CreatedAt = m.now()
		}
		def.LastFired = copyTime(def.LastFired)
		m.defs[def.Name] = def
		return nil
	}
	existing.Rule = def.Rule
	existing.Task = def.Task
	existing.Grace = def.Grace
	m.defs[def.Name] = existing
	return nil
}

// ListDefinitions returns copies of all definitions ordered by name.
func (m *MemoryStore) ListDefinitions(_ context.Context) ([]types.ScheduleDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.ScheduleDefinition, 0, len(m.defs))
	for _, d := range m.defs {
		d.LastFired = copyTime(d.LastFired)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CommitFire advances LastFired when it still equals prev.
func (m *MemoryStore) CommitFire(_ context.Context, name string, prev *time.Time, occurrence time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, ok := m.defs[name]
	if !ok {
		return false, fmt.Errorf("schedule %s: %w", name, storage.ErrNotFound)
	}
	switch {
	case prev == nil && def.LastFired != nil:
		return false, nil
	case prev != nil && (def.LastFired == nil || !def.LastFired.Equal(*prev)):
		return false, nil
	}
	def.LastFired = &occurrence
	m.defs[name] = def
	return true, nil
}

// MarkRun claims (name, occurrence) for jobID and returns the owner.
func (m *MemoryStore) MarkRun(_ context.Context, name string, occurrence time.Time, jobID string) (string, error) {
	key := name + "@" + occurrence.UTC().Format(time.RFC3339Nano)

	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.runs[key]; ok {
		return owner, nil
	}
	m.runs[key] = jobID
	return jobID, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

var _ storage.ScheduleStore = (*MemoryStore)(nil)
