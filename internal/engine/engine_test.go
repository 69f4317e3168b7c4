package engine

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/internal/llm"
	"github.com/scrypster/memoir/internal/scheduler"
	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

func TestEngine_DoubleStart(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.eng.Start(ctx))
	err := env.eng.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, "engine already started", err.Error())

	require.NoError(t, env.eng.Shutdown(ctx))
}

func TestEngine_ShutdownBeforeStart(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.eng.Shutdown(context.Background())
	require.Error(t, err)
	assert.Equal(t, "engine not started", err.Error())
}

func TestEngine_NewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	assert.Error(t, err)

	env := newTestEnv(t, nil)
	cfg := DefaultConfig()
	cfg.LeaseDuration = cfg.ClassifyTimeout
	_, err = New(Deps{
		Records:    env.records,
		Index:      env.index,
		Queue:      env.queue,
		Schedules:  scheduler.NewMemoryStore(),
		Classifier: llm.NewRuleClassifier(nil),
		Embedder:   llm.NewHashEmbedder(64),
	}, cfg)
	assert.ErrorContains(t, err, "LeaseDuration")
}

func TestCreateMemory_EnrichmentCompletes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec := env.create(t, "owner-1", "Watched Inception last night, great movie")
	assert.Equal(t, types.StatusPending, rec.Status)
	assert.NotEmpty(t, rec.ID)

	// The call returns before any job has run.
	stats, err := env.eng.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[types.JobQueued])

	assert.Equal(t, 2, env.drain(t))

	got, err := env.eng.GetMemory(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClassified, got.Status)
	require.NotNil(t, got.Classification)
	assert.Equal(t, "movie", got.Classification.Category)
	assert.Equal(t, []string{"film", "movie"}, got.Classification.Tags)
	assert.Contains(t, got.Classification.Entities, types.Entity{Type: "title", Value: "Inception"})
	assert.GreaterOrEqual(t, got.Classification.Confidence, 0.5)

	require.NotNil(t, got.EmbeddingRef)
	assert.Equal(t, "hash-v1@64", got.EmbeddingRef.ModelVersion)
	assert.Equal(t, 64, got.EmbeddingRef.Dimension)

	entry, err := env.index.GetEmbedding(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, entry.Vector, 64)

	events := env.seenEvents()
	assert.Contains(t, events, EventMemoryCreated+":"+rec.ID)
	assert.Contains(t, events, EventMemoryClassified+":"+rec.ID)
	assert.Contains(t, events, EventMemoryIndexed+":"+rec.ID)

	spooled, err := os.ReadDir(env.spool.Dir())
	require.NoError(t, err)
	assert.Len(t, spooled, 3)
}

func TestCreateMemory_InceptionExampleClassifiesAsMovie(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec := env.create(t, "owner-1", "Watched Inception last night, mind-blowing")
	assert.Equal(t, 2, env.drain(t))

	got, err := env.eng.GetMemory(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Classification)
	assert.Equal(t, "movie", got.Classification.Category)
	assert.Greater(t, got.Classification.Confidence, 0.7)
	assert.Contains(t, got.Classification.Tags, "film")
	assert.Contains(t, got.Classification.Entities, types.Entity{Type: "title", Value: "Inception"})
}

func TestCreateMemory_Validation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.eng.CreateMemory(ctx, &types.MemoryRecord{OwnerID: "o", Content: "   "})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = env.eng.CreateMemory(ctx, &types.MemoryRecord{Content: "hello"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = env.eng.CreateMemory(ctx, &types.MemoryRecord{OwnerID: "o", Content: "hello", SourceType: "fax"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	stats, err := env.eng.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats[types.JobQueued])
}

func TestSubmitForEnrichment_UnknownRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.eng.SubmitForEnrichment(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestClassify_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec := env.create(t, "owner-1", "Read the book Dune by Frank Herbert")
	env.drain(t)
	first, err := env.eng.GetMemory(ctx, rec.ID)
	require.NoError(t, err)

	require.NoError(t, env.eng.SubmitForEnrichment(ctx, rec.ID))
	env.drain(t)
	second, err := env.eng.GetMemory(ctx, rec.ID)
	require.NoError(t, err)

	require.NotNil(t, first.Classification)
	assert.Equal(t, first.Classification, second.Classification)
	assert.Equal(t, types.StatusClassified, second.Status)
}

func TestEmbed_ConcurrentReembedKeepsSingleEntry(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	rec := env.create(t, "owner-1", "Cafe Pushkin on Tverskoy boulevard")
	env.drain(t)

	indexer := NewEmbedIndexer(env.records, env.index, llm.NewHashEmbedder(64), DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, indexer.Index(ctx, rec.ID))
		}()
	}
	wg.Wait()

	var n int
	require.NoError(t, env.db.QueryRow(`SELECT COUNT(*) FROM embeddings WHERE memory_id = ?`, rec.ID).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestEmbed_DimensionMismatchIsPermanent(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, err := env.eng.CreateMemory(context.Background(), &types.MemoryRecord{OwnerID: "o", Content: "anything"})
	require.NoError(t, err)

	indexer := NewEmbedIndexer(env.records, env.index, wrongDimEmbedder{llm.NewHashEmbedder(32)}, DefaultConfig())
	err = indexer.Index(context.Background(), rec.ID)
	assert.True(t, apperrors.IsPermanent(err))
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

// wrongDimEmbedder reports a dimension its vectors do not have.
type wrongDimEmbedder struct{ llm.Embedder }

func (wrongDimEmbedder) Dimension() int { return 64 }

func TestSemanticQuery_DeterministicTies(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a := env.create(t, "owner-1", "Dinner at Cafe Pushkin")
	b := env.create(t, "owner-1", "Dinner at Cafe Pushkin")
	env.create(t, "owner-2", "Dinner at Cafe Pushkin")
	env.create(t, "owner-1", "Buy new running shoes")
	env.drain(t)

	filter := types.SearchFilter{OwnerID: "owner-1"}
	first, err := env.eng.SemanticQuery(ctx, "Cafe Pushkin dinner", 10, filter)
	require.NoError(t, err)
	require.Len(t, first, 3)

	tied := []string{first[0].MemoryID, first[1].MemoryID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, tied)
	assert.Equal(t, first[0].Score, first[1].Score)
	assert.True(t, storage.HitLess(first[0], first[1]))

	for i := 0; i < 5; i++ {
		again, err := env.eng.SemanticQuery(ctx, "Cafe Pushkin dinner", 10, filter)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSemanticQuery_EmptyAndInvalid(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	hits, err := env.eng.SemanticQuery(ctx, "nothing indexed yet", 5, types.SearchFilter{})
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)

	_, err = env.eng.SemanticQuery(ctx, " ", 5, types.SearchFilter{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = env.eng.SemanticQuery(ctx, "x", 0, types.SearchFilter{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestReindexStale(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.create(t, "owner-1", "first")
	env.create(t, "owner-1", "second")

	// Nothing has been embedded yet.
	n, err := env.eng.ReindexStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	env.drain(t)
	n, err = env.eng.ReindexStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReindexAll_IgnoresExistingRefs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.create(t, "owner-1", "first")
	env.create(t, "owner-2", "second")
	env.drain(t)

	n, err := env.eng.ReindexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, env.drain(t))
}

func TestRecoverPending(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Stored directly, as if the queue was lost in a restart.
	rec := &types.MemoryRecord{OwnerID: "owner-1", Content: "Recipe for borscht with beets"}
	require.NoError(t, env.records.CreateRecord(ctx, rec))

	n, err := env.eng.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	env.drain(t)
	got, err := env.eng.GetMemory(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusClassified, got.Status)
	assert.Equal(t, "recipe", got.Classification.Category)
}

func TestSchedulerTick_RunsTasksThroughQueue(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.eng.RegisterSchedules(ctx))
	now := time.Now().UTC()
	require.NoError(t, env.records.AddTask(ctx, storage.TaskRecord{
		ID: "task-1", OwnerID: "owner-1", Title: "Pay rent",
		DueAt: now.Add(-time.Hour),
	}))

	report, err := env.eng.SchedulerTick(ctx, now.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, len(scheduler.DefaultDefinitions()), report.Checked)

	var fired []string
	for _, f := range report.Fired {
		fired = append(fired, f.Name)
	}
	assert.Contains(t, fired, "task-reminders")
	assert.Contains(t, fired, "overdue-tasks")

	env.drain(t)
	stats, err := env.eng.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats[types.JobFailed])
	assert.Zero(t, stats[types.JobDeadLettered])
	assert.Zero(t, stats[types.JobQueued])

	// The overdue task produced a notification in the spool.
	spooled, err := os.ReadDir(env.spool.Dir())
	require.NoError(t, err)
	assert.NotEmpty(t, spooled)
}

func TestDeadLettersAndRequeue(t *testing.T) {
	env := newTestEnv(t, func(d *Deps, _ *Config) {
		d.Classifier = failingClassifier{}
	})
	ctx := context.Background()

	rec := env.create(t, "owner-1", "anything at all")
	env.drain(t)

	dead, err := env.eng.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, types.JobClassify, dead[0].Kind)
	assert.Equal(t, types.JobFailed, dead[0].Status)

	got, err := env.eng.GetMemory(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.StatusReason, "unsupported")
	assert.Contains(t, env.seenEvents(), EventJobDeadLettered+":"+rec.ID)

	require.NoError(t, env.eng.RequeueJob(ctx, dead[0].ID))
	job, err := env.queue.Get(ctx, dead[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, job.Status)
	assert.Zero(t, job.Attempts)
}

// failingClassifier rejects every input permanently.
type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, string) (*types.ClassificationMetadata, error) {
	return nil, apperrors.Permanentf("unsupported content")
}

func TestEngine_StartProcessesInBackground(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.eng.Start(ctx))
	defer func() { _ = env.eng.Shutdown(ctx) }()

	rec := env.create(t, "owner-1", "Visited the Hermitage museum")
	require.Eventually(t, func() bool {
		got, err := env.eng.GetMemory(ctx, rec.ID)
		return err == nil && got.Status == types.StatusClassified && got.EmbeddingRef != nil
	}, 5*time.Second, 20*time.Millisecond)
}
