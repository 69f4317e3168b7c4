package engine

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scrypster/memoir/internal/llm"
	"github.com/scrypster/memoir/internal/notify"
	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/internal/storage/sqlite"
	"github.com/scrypster/memoir/pkg/types"
)

// testEnv is an engine over sqlite stores in a temp dir, the memory queue,
// the rule classifier and the hash embedder.
type testEnv struct {
	eng     *Engine
	db      *sql.DB
	records *sqlite.RecordStore
	index   *sqlite.VectorIndex
	queue   *queue.MemoryQueue
	spool   *notify.EventWriter

	mu     sync.Mutex
	events []string
}

func newTestEnv(t *testing.T, mutate func(*Deps, *Config)) *testEnv {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "memoir.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	embedder := llm.NewHashEmbedder(64)
	env := &testEnv{
		db:      db,
		records: sqlite.NewRecordStore(db),
		index:   sqlite.NewVectorIndex(db, embedder.Dimension()),
		queue:   queue.NewMemoryQueue(queue.Options{}),
		spool:   notify.NewEventWriter(t.TempDir()),
	}

	deps := Deps{
		Records:    env.records,
		Index:      env.index,
		Queue:      env.queue,
		Schedules:  sqlite.NewScheduleStore(db),
		Classifier: llm.NewRuleClassifier(nil),
		Embedder:   embedder,
		Tasks:      env.records,
		Spool:      env.spool,
	}
	cfg := DefaultConfig()
	cfg.NumWorkers = 1
	cfg.PollInterval = 10 * time.Millisecond
	cfg.SchedulerInterval = 0
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	env.eng, err = New(deps, cfg)
	require.NoError(t, err)
	env.eng.SetOnEvent(func(eventType, recordID string) {
		env.mu.Lock()
		env.events = append(env.events, eventType+":"+recordID)
		env.mu.Unlock()
	})
	return env
}

// drain runs queued jobs synchronously until none is visible.
func (env *testEnv) drain(t *testing.T) int {
	t.Helper()
	n, err := env.eng.Pool().Drain(context.Background())
	require.NoError(t, err)
	return n
}

func (env *testEnv) create(t *testing.T, owner, content string) *types.MemoryRecord {
	t.Helper()
	rec, err := env.eng.CreateMemory(context.Background(), &types.MemoryRecord{OwnerID: owner, Content: content})
	require.NoError(t, err)
	return rec
}

func (env *testEnv) seenEvents() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]string(nil), env.events...)
}

// testClock is a settable clock shared by the queue and the pool.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeProvider is a scripted content provider.
type fakeProvider struct {
	name  string
	hits  []types.ExternalHit
	err   error
	block chan struct{} // when set, Search waits on it and ignores ctx

	mu      sync.Mutex
	queries []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Search(_ context.Context, query string, _ int) ([]types.ExternalHit, error) {
	p.mu.Lock()
	p.queries = append(p.queries, query)
	p.mu.Unlock()
	if p.block != nil {
		<-p.block
	}
	if p.err != nil {
		return nil, p.err
	}
	return append([]types.ExternalHit(nil), p.hits...), nil
}

func (p *fakeProvider) seenQueries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queries...)
}

// failingQueryEmbedder embeds normally except for texts in fail.
type failingQueryEmbedder struct {
	llm.Embedder
	fail map[string]bool
}

func (e failingQueryEmbedder) Embed(ctx context.Context, text string) ([]float32, string, error) {
	if e.fail[text] {
		return nil, "", errors.New("embedding backend unavailable")
	}
	return e.Embedder.Embed(ctx, text)
}
