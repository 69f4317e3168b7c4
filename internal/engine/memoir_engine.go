package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/internal/llm"
	"github.com/scrypster/memoir/internal/notify"
	"github.com/scrypster/memoir/internal/providers"
	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/internal/scheduler"
	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// EventJobDeadLettered is emitted when a record job fails for good.
const EventJobDeadLettered = "job_dead_lettered"

// Deps are the backends and adapters the engine composes.
type Deps struct {
	Records    storage.RecordStore
	Index      storage.VectorIndex
	Queue      queue.JobQueue
	Schedules  storage.ScheduleStore
	Classifier llm.Classifier
	Embedder   llm.Embedder

	// Tasks backs the built-in scheduled tasks. Optional.
	Tasks storage.TaskSource

	// Providers are the external catalogs used by SmartQuery. Optional.
	Providers *providers.Registry

	// Spool receives pipeline events and notifications. Optional; without
	// it notifications are only logged.
	Spool *notify.EventWriter
}

// Engine is the entry point of the enrichment and retrieval core. Record
// creation returns once the record is stored and its jobs are queued;
// classification and indexing happen on the worker pool.
type Engine struct {
	config Config

	records   storage.RecordStore
	queue     queue.JobQueue
	embedder  llm.Embedder
	spool     *notify.EventWriter
	scheduler *scheduler.Scheduler
	pool      *WorkerPool
	tasks     *ScheduledTaskHandler
	search    *SemanticSearch
	router    *SmartRouter

	onEvent EventFunc

	mu         sync.Mutex
	started    bool
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New wires an engine from deps. Call Start to begin processing jobs.
func New(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Records == nil:
		return nil, fmt.Errorf("record store is required")
	case deps.Index == nil:
		return nil, fmt.Errorf("vector index is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("job queue is required")
	case deps.Schedules == nil:
		return nil, fmt.Errorf("schedule store is required")
	case deps.Classifier == nil:
		return nil, fmt.Errorf("classifier is required")
	case deps.Embedder == nil:
		return nil, fmt.Errorf("embedder is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	registry := deps.Providers
	if registry == nil {
		registry = providers.NewRegistry()
	}

	q := queue.NewInstrumented(deps.Queue)
	search, err := NewSemanticSearch(deps.Index, deps.Embedder, cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		config:    cfg,
		records:   deps.Records,
		queue:     q,
		embedder:  deps.Embedder,
		spool:     deps.Spool,
		scheduler: scheduler.New(deps.Schedules, q),
		pool:      NewWorkerPool(q, cfg),
		tasks:     NewScheduledTaskHandler(deps.Schedules, deps.Tasks, q),
		search:    search,
		router:    NewSmartRouter(search, NewIntentDetector(deps.Classifier, cfg), registry, cfg),
	}

	classify := NewClassifyWorker(deps.Records, deps.Classifier, cfg)
	classify.SetOnEvent(e.emit)
	embed := NewEmbedIndexer(deps.Records, deps.Index, deps.Embedder, cfg)
	embed.SetOnEvent(e.emit)

	e.pool.Register(types.JobClassify, classify)
	e.pool.Register(types.JobEmbed, embed)
	e.pool.Register(types.JobScheduledTask, e.tasks)
	if deps.Spool != nil {
		e.pool.Register(types.JobSendNotification, NewNotificationHandler(deps.Spool))
	} else {
		e.pool.Register(types.JobSendNotification, JobHandlerFunc(logNotification))
	}
	e.pool.SetOnDeadLetter(e.deadLettered)

	return e, nil
}

// SetOnEvent sets a callback for pipeline events in addition to the spool.
// It must be called before Start.
func (e *Engine) SetOnEvent(fn EventFunc) {
	e.onEvent = fn
}

// RegisterTask binds a scheduled task name to fn, alongside the built-in
// tasks. It must be called before Start.
func (e *Engine) RegisterTask(name string, fn TaskFunc) {
	e.tasks.Register(name, fn)
}

// Pool exposes the worker pool, e.g. to drain jobs synchronously.
func (e *Engine) Pool() *WorkerPool {
	return e.pool
}

// Start registers the configured schedules, launches the worker pool and,
// when SchedulerInterval is set, the scheduler loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}
	log.Println("Starting memoir engine...")

	if err := e.RegisterSchedules(ctx); err != nil {
		return err
	}
	if err := e.pool.Start(ctx); err != nil {
		return err
	}

	if e.config.SchedulerInterval > 0 {
		loopCtx, cancel := context.WithCancel(ctx)
		e.loopCancel = cancel
		e.loopDone = make(chan struct{})
		go func() {
			defer close(e.loopDone)
			e.scheduler.Run(loopCtx, e.config.SchedulerInterval)
		}()
	}

	if e.config.RecoverPendingOnStart {
		go func() {
			if _, err := e.RecoverPending(ctx); err != nil {
				log.Printf("ERROR: Enrichment recovery failed: %v", err)
			}
		}()
	}

	e.started = true
	log.Println("Memoir engine started successfully")
	return nil
}

// Shutdown stops the scheduler loop and the worker pool. In-flight handlers
// get up to ShutdownTimeout to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return fmt.Errorf("engine not started")
	}
	log.Println("Shutting down memoir engine...")

	if e.loopCancel != nil {
		e.loopCancel()
		<-e.loopDone
		e.loopCancel = nil
	}
	if err := e.pool.Stop(ctx); err != nil {
		log.Printf("WARNING: Worker pool shutdown had errors: %v", err)
	}

	e.started = false
	log.Println("Memoir engine shut down successfully")
	return nil
}

// RegisterSchedules stores the configured schedule definitions.
func (e *Engine) RegisterSchedules(ctx context.Context) error {
	if err := e.scheduler.Register(ctx, e.config.Schedules); err != nil {
		return fmt.Errorf("failed to register schedules: %w", err)
	}
	return nil
}

// CreateMemory stores rec as Pending and submits it for enrichment. If the
// submit fails the record is still returned with the error; it stays
// Pending and can be resubmitted.
func (e *Engine) CreateMemory(ctx context.Context, rec *types.MemoryRecord) (*types.MemoryRecord, error) {
	if rec == nil || strings.TrimSpace(rec.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", apperrors.ErrInvalidInput)
	}
	if strings.TrimSpace(rec.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner_id is required", apperrors.ErrInvalidInput)
	}
	if !types.IsValidSourceType(rec.SourceType) {
		return nil, fmt.Errorf("%w: unknown source type %q", apperrors.ErrInvalidInput, rec.SourceType)
	}

	rec.Status = types.StatusPending
	rec.StatusReason = ""
	rec.Classification = nil
	rec.EmbeddingRef = nil
	if err := e.records.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store memory: %w", err)
	}
	e.emit(EventMemoryCreated, rec.ID)

	if err := e.submit(ctx, rec.ID); err != nil {
		return rec, fmt.Errorf("memory stored but not queued: %w", err)
	}
	return rec, nil
}

// SubmitForEnrichment enqueues Classify and Embed jobs for an existing
// record and returns without waiting for them.
func (e *Engine) SubmitForEnrichment(ctx context.Context, recordID string) error {
	if _, err := e.records.GetRecord(ctx, recordID); err != nil {
		return err
	}
	return e.submit(ctx, recordID)
}

func (e *Engine) submit(ctx context.Context, recordID string) error {
	payload := types.RecordPayload{RecordID: recordID}
	if _, err := queue.EnqueueJSON(ctx, e.queue, types.JobClassify, payload); err != nil {
		return fmt.Errorf("enqueue classify for %s: %w", recordID, err)
	}
	if _, err := queue.EnqueueJSON(ctx, e.queue, types.JobEmbed, payload); err != nil {
		return fmt.Errorf("enqueue embed for %s: %w", recordID, err)
	}
	return nil
}

// GetMemory returns a record by ID.
func (e *Engine) GetMemory(ctx context.Context, id string) (*types.MemoryRecord, error) {
	return e.records.GetRecord(ctx, id)
}

// ListMemories pages through records.
func (e *Engine) ListMemories(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.MemoryRecord], error) {
	return e.records.ListRecords(ctx, opts)
}

// SemanticQuery returns up to topK indexed records nearest to text.
func (e *Engine) SemanticQuery(ctx context.Context, text string, topK int, filter types.SearchFilter) ([]types.SemanticHit, error) {
	return e.search.Search(ctx, text, topK, filter)
}

// SmartQuery blends semantic hits with external catalog results for the
// detected intent.
func (e *Engine) SmartQuery(ctx context.Context, text string, opts SmartOptions) (*types.SmartResult, error) {
	return e.router.Route(ctx, text, opts)
}

// SchedulerTick evaluates every schedule definition once at now.
func (e *Engine) SchedulerTick(ctx context.Context, now time.Time) (scheduler.TickReport, error) {
	return e.scheduler.Tick(ctx, now)
}

// ReindexStale enqueues Embed jobs for records with no embedding or one
// produced by another model version. It returns the number enqueued.
func (e *Engine) ReindexStale(ctx context.Context) (int, error) {
	model := e.embedder.ModelVersion()
	ids, err := e.records.ListForReindex(ctx, model, e.config.ReindexBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale records: %w", err)
	}
	for i, id := range ids {
		if _, err := queue.EnqueueJSON(ctx, e.queue, types.JobEmbed, types.RecordPayload{RecordID: id}); err != nil {
			return i, fmt.Errorf("enqueue embed for %s: %w", id, err)
		}
	}
	log.Printf("[reindex] model=%s enqueued=%d", model, len(ids))
	return len(ids), nil
}

// ReindexAll enqueues an Embed job for every record, for vector indexes
// that start empty on each run.
func (e *Engine) ReindexAll(ctx context.Context) (int, error) {
	n := 0
	for page := 1; ; page++ {
		res, err := e.records.ListRecords(ctx, storage.ListOptions{Page: page, Limit: 100})
		if err != nil {
			return n, fmt.Errorf("failed to list records: %w", err)
		}
		for _, rec := range res.Items {
			if _, err := queue.EnqueueJSON(ctx, e.queue, types.JobEmbed, types.RecordPayload{RecordID: rec.ID}); err != nil {
				return n, fmt.Errorf("enqueue embed for %s: %w", rec.ID, err)
			}
			n++
		}
		if !res.HasMore {
			break
		}
	}
	log.Printf("[reindex.all] enqueued=%d", n)
	return n, nil
}

// RecoverPending re-submits every Pending record. It is needed after a
// restart when the queue did not survive it.
func (e *Engine) RecoverPending(ctx context.Context) (int, error) {
	log.Println("Starting enrichment recovery for pending memories...")

	total := 0
	for page := 1; ; page++ {
		result, err := e.records.ListRecords(ctx, storage.ListOptions{
			Page:   page,
			Limit:  100,
			Status: types.StatusPending,
		})
		if err != nil {
			return total, fmt.Errorf("failed to list pending memories: %w", err)
		}
		for _, rec := range result.Items {
			if err := e.submit(ctx, rec.ID); err != nil {
				return total, err
			}
			total++
		}
		if !result.HasMore {
			break
		}
	}

	log.Printf("Recovery complete: queued %d pending enrichments", total)
	return total, nil
}

// DeadLetters lists jobs that exhausted their attempts or failed permanently.
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]*types.Job, error) {
	return e.queue.DeadLetters(ctx, limit)
}

// RequeueJob moves a dead-lettered job back to the queue with fresh attempts.
func (e *Engine) RequeueJob(ctx context.Context, jobID string) error {
	return e.queue.Requeue(ctx, jobID)
}

// QueueStats returns the number of jobs per status.
func (e *Engine) QueueStats(ctx context.Context) (map[types.JobStatus]int, error) {
	return e.queue.Stats(ctx)
}

func (e *Engine) emit(eventType, recordID string) {
	if e.spool != nil {
		if err := e.spool.Notify(eventType, recordID); err != nil {
			log.Printf("WARNING: failed to spool %s event for %s: %v", eventType, recordID, err)
		}
	}
	if e.onEvent != nil {
		e.onEvent(eventType, recordID)
	}
}

func (e *Engine) deadLettered(job *types.Job, cause error) {
	if job.Kind != types.JobClassify && job.Kind != types.JobEmbed {
		return
	}
	var p types.RecordPayload
	if err := queue.DecodePayload(job, &p); err != nil || p.RecordID == "" {
		return
	}
	log.Printf("[queue.dead_letter] job=%s kind=%s record=%s cause=%v", job.ID, job.Kind, p.RecordID, cause)
	e.emit(EventJobDeadLettered, p.RecordID)
}

func logNotification(_ context.Context, job *types.Job) error {
	var p types.NotificationPayload
	if err := queue.DecodePayload(job, &p); err != nil {
		return err
	}
	log.Printf("[notify.unsent] owner=%s kind=%s title=%q", p.OwnerID, p.Kind, p.Title)
	return nil
}

// IsNotFound reports whether err means the requested record or job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}
