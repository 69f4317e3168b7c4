package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/internal/metrics"
	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/pkg/types"
)

// DeadLetterFunc is called when a job reaches a terminal failure state.
type DeadLetterFunc func(job *types.Job, cause error)

// WorkerPool leases jobs from the queue and routes them to handlers by kind.
// Each executor leases one job at a time; a sweeper reclaims expired leases.
type WorkerPool struct {
	queue    queue.JobQueue
	handlers map[types.JobKind]JobHandler
	config   Config
	backoff  queue.Backoff
	now      func() time.Time

	onDeadLetter DeadLetterFunc

	mu            sync.Mutex
	running       bool
	pollCancel    context.CancelFunc
	handlerCtx    context.Context
	handlerCancel context.CancelFunc
	wg            sync.WaitGroup
}

// NewWorkerPool creates a pool over q. Handlers are added with Register.
func NewWorkerPool(q queue.JobQueue, cfg Config) *WorkerPool {
	return &WorkerPool{
		queue:    q,
		handlers: make(map[types.JobKind]JobHandler),
		config:   cfg,
		backoff:  queue.DefaultBackoff,
		now:      time.Now,
	}
}

// Register routes jobs of kind to h.
func (p *WorkerPool) Register(kind types.JobKind, h JobHandler) {
	p.handlers[kind] = h
}

// SetOnDeadLetter sets the callback fired when a job fails permanently or
// exhausts its attempts.
func (p *WorkerPool) SetOnDeadLetter(fn DeadLetterFunc) {
	p.onDeadLetter = fn
}

// Start launches the executors and the sweeper. Handlers run under a context
// detached from ctx so that shutdown lets them finish.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already started")
	}

	pollCtx, pollCancel := context.WithCancel(ctx)
	p.pollCancel = pollCancel
	p.handlerCtx, p.handlerCancel = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(pollCtx, i)
	}
	p.wg.Add(1)
	go p.sweeper(pollCtx)

	p.running = true
	log.Printf("Started %d queue workers (lease=%s, poll=%s, sweep=%s)",
		p.config.NumWorkers, p.config.LeaseDuration, p.config.PollInterval, p.config.SweepInterval)
	return nil
}

// Stop cancels polling and waits up to ShutdownTimeout for in-flight
// handlers. Jobs still running after that are abandoned to the sweep.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	p.pollCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.handlerCancel()
		log.Println("All queue workers finished gracefully")
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.handlerCancel()
		log.Printf("WARNING: Shutdown timeout reached, in-flight jobs will be reclaimed after lease expiry")
		return nil
	case <-ctx.Done():
		p.handlerCancel()
		log.Printf("WARNING: Context cancelled, in-flight jobs will be reclaimed after lease expiry")
		return ctx.Err()
	}
}

func (p *WorkerPool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	log.Printf("Queue worker %d started", workerID)

	for {
		if ctx.Err() != nil {
			log.Printf("Queue worker %d stopped", workerID)
			return
		}
		job, err := p.leaseOne(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			log.Printf("ERROR: Worker %d: lease failed: %v", workerID, err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
			case <-time.After(p.config.PollInterval):
			}
			continue
		}
		p.execute(p.handlerCtx, workerID, job)
	}
}

// ProcessNext leases and runs a single job under ctx. It reports whether a
// job was available.
func (p *WorkerPool) ProcessNext(ctx context.Context, workerID int) (bool, error) {
	job, err := p.leaseOne(ctx, workerID)
	if err != nil || job == nil {
		return false, err
	}
	p.execute(ctx, workerID, job)
	return true, nil
}

// Drain runs jobs until none is visible and returns how many ran.
func (p *WorkerPool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		ok, err := p.ProcessNext(ctx, 0)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

func (p *WorkerPool) leaseOne(ctx context.Context, workerID int) (*types.Job, error) {
	jobs, err := p.queue.Lease(ctx, fmt.Sprintf("worker-%d", workerID), 1, p.config.LeaseDuration)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// execute runs the job's handler and translates the result into a queue
// transition: nil acks, permanent fails, lease loss is left to the sweep,
// anything else is nacked with backoff.
func (p *WorkerPool) execute(ctx context.Context, workerID int, job *types.Job) {
	start := p.now()
	log.Printf("Worker %d processing job %s (%s, attempt %d/%d)", workerID, job.ID, job.Kind, job.Attempts, job.MaxAttempts)

	err := p.runHandler(ctx, job)
	outcome := p.finish(ctx, workerID, job, err)
	metrics.RecordJob(job.Kind, outcome, p.now().Sub(start))
}

func (p *WorkerPool) runHandler(ctx context.Context, job *types.Job) (err error) {
	h, ok := p.handlers[job.Kind]
	if !ok {
		return apperrors.Permanentf("no handler registered for job kind %q", job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Transientf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

func (p *WorkerPool) finish(ctx context.Context, workerID int, job *types.Job, handlerErr error) string {
	var (
		outcome string
		err     error
	)
	switch {
	case handlerErr == nil:
		outcome = metrics.OutcomeAck
		err = p.queue.Ack(ctx, job.ID, job.LeaseToken)

	case apperrors.IsConsistencyViolation(handlerErr):
		log.Printf("WARNING: Worker %d: job %s lost its lease: %v", workerID, job.ID, handlerErr)
		return metrics.OutcomeLost

	case !apperrors.IsTransient(handlerErr):
		outcome = metrics.OutcomeFail
		log.Printf("ERROR: Worker %d: job %s (%s) failed permanently: %v", workerID, job.ID, job.Kind, handlerErr)
		err = p.queue.Fail(ctx, job.ID, job.LeaseToken, handlerErr.Error())
		if err == nil {
			p.deadLetter(job, handlerErr)
		}

	default:
		delay := p.backoff.Delay(job.Attempts)
		err = p.queue.Nack(ctx, job.ID, job.LeaseToken, delay, handlerErr.Error())
		if job.Attempts >= job.MaxAttempts {
			outcome = metrics.OutcomeDead
			log.Printf("ERROR: Worker %d: job %s (%s) dead-lettered after %d attempts: %v",
				workerID, job.ID, job.Kind, job.Attempts, handlerErr)
			if err == nil {
				p.deadLetter(job, handlerErr)
			}
		} else {
			outcome = metrics.OutcomeNack
			log.Printf("Worker %d: job %s (%s) will retry in %s: %v", workerID, job.ID, job.Kind, delay, handlerErr)
		}
	}

	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Printf("WARNING: Worker %d: lease on job %s expired before %s", workerID, job.ID, outcome)
			return metrics.OutcomeLost
		}
		log.Printf("ERROR: Worker %d: failed to record %s for job %s: %v", workerID, outcome, job.ID, err)
	}
	return outcome
}

func (p *WorkerPool) deadLetter(job *types.Job, cause error) {
	if p.onDeadLetter != nil {
		p.onDeadLetter(job, cause)
	}
}

// sweeper reclaims expired leases and publishes queue depth.
func (p *WorkerPool) sweeper(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one reclaim pass and refreshes the queue depth gauge.
func (p *WorkerPool) Sweep(ctx context.Context) int {
	n, err := p.queue.ReclaimExpired(ctx, p.now())
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("ERROR: [queue.sweep] error=%v", err)
		}
		return 0
	}
	if n > 0 {
		log.Printf("[queue.sweep] reclaimed=%d", n)
	}
	if stats, err := p.queue.Stats(ctx); err == nil {
		metrics.SetQueueDepth(stats)
	}
	return n
}
