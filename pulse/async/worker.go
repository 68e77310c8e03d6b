package async

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpipe/db"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
	"github.com/teranos/docpipe/pulse/budget"
)

// BudgetTracker interface defines budget tracking operations
type BudgetTracker interface {
	CheckBudget(ctx context.Context, estimatedCost float64) error
	GetStatus(ctx context.Context) (*budget.Status, error)
}

// RateLimiter interface defines rate limiting operations
type RateLimiter interface {
	Allow() error
	Release()
	Stats() (callsInWindow int, callsRemaining int)
}

// JobExecutor runs one claimed job to a final state. Execute records the
// outcome on the job itself; a returned error means the outcome could not
// be recorded, or ctx ended before it was.
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // How often idle workers look for ready jobs
	StopTimeout  time.Duration `json:"stop_timeout"`  // How long Stop waits for running jobs
	OrphanGrace  time.Duration `json:"orphan_grace"`  // 0 re-queues every PROCESSING job at start (single node)
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      4,
		PollInterval: time.Second,
		StopTimeout:  30 * time.Second,
	}
}

// WorkerPool runs a bounded number of workers that claim ready jobs and hand
// them to the executor. One job runs on one worker at a time.
type WorkerPool struct {
	queue         *Queue
	executor      JobExecutor
	budgetTracker BudgetTracker // optional
	rateLimiter   RateLimiter   // optional
	config        WorkerPoolConfig
	parentCtx     context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	logger        pulseLogger

	mu            sync.Mutex
	activeWorkers int
	jobsProcessed int
	budgetPaused  bool
	startTime     time.Time
}

// NewWorkerPool creates a worker pool. budgetTracker and rateLimiter may be
// nil; without them the pool never holds jobs back.
func NewWorkerPool(ctx context.Context, queue *Queue, executor JobExecutor, cfg WorkerPoolConfig, log *zap.SugaredLogger, budgetTracker BudgetTracker, rateLimiter RateLimiter) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:         queue,
		executor:      executor,
		budgetTracker: budgetTracker,
		rateLimiter:   rateLimiter,
		config:        cfg,
		parentCtx:     ctx,
		ctx:           workerCtx,
		cancel:        cancel,
		logger:        pulseLogger{log.Named("pulse")},
	}
}

// Start recovers jobs orphaned by a previous process and spawns the workers.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		// Restarting after Stop
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	ids, err := wp.queue.RecoverOrphans(ctx, wp.config.OrphanGrace)
	if err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if len(ids) > 0 {
		wp.logger.Starting("Opening - re-queued orphaned jobs from previous run", logger.FieldCount, len(ids), "job_ids", ids)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.config.Workers)
	}

	wp.logger.Starting("Worker pool starting", "workers", wp.config.Workers, "poll_interval", wp.config.PollInterval)
	for i := 0; i < wp.config.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// Stop cancels the workers and waits up to StopTimeout for them to exit.
// Jobs interrupted by the shutdown are returned to the queue.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse("❀ WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(wp.config.StopTimeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be running", "timeout", wp.config.StopTimeout)
	}
}

// worker processes jobs from the queue until ctx ends
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wp.queue.Ready():
		}

		// Drain ready jobs before waiting again
		for {
			processed, err := wp.processNextJob(ctx)
			if err != nil {
				if ctx.Err() != nil || db.IsDatabaseClosed(err) {
					return
				}
				if db.IsBusy(err) {
					wp.logger.Debugw("Database busy, retrying on next poll", "worker_id", id)
					break
				}
				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"worker_id", id,
					logger.FieldError, err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						"worker_id", id,
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoffDuration):
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors", "worker_id", id, "previous_error_count", errorCount)
				errorCount = 0
				backoffDuration = time.Second
			}
			if !processed {
				break
			}
		}
	}
}

// processNextJob claims and executes one job. It reports whether a job was
// claimed; the rate limit and budget gates hold every job back while closed.
func (wp *WorkerPool) processNextJob(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	reserved, err := wp.reserveCall()
	if err != nil || !reserved {
		return false, err
	}
	open, err := wp.budgetOpen(ctx)
	if err != nil || !open {
		wp.releaseCall()
		return false, err
	}

	job, err := wp.queue.Dequeue(ctx)
	if err != nil {
		wp.releaseCall()
		return false, errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		wp.releaseCall()
		return false, nil
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log := logger.ChildLogger(wp.logger.SugaredLogger, logger.FieldJobID, job.ID)
	log.Debugw("Job claimed", logger.FieldPriority, job.Priority, logger.FieldAttempt, job.Attempt())

	if err := wp.executor.Execute(ctx, job); err != nil {
		if ctx.Err() != nil {
			wp.release(job)
			return true, nil
		}
		return true, errors.Wrapf(err, "job %s", job.ID)
	}
	return true, nil
}

// release puts a job interrupted by shutdown back in the queue.
func (wp *WorkerPool) release(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := wp.queue.now()
	if _, err := wp.queue.store.MarkQueued(ctx, job.ID, now, now, JobStatusProcessing); err != nil {
		wp.logger.Errorw("Failed to re-queue interrupted job", logger.FieldJobID, job.ID, logger.FieldError, err)
		return
	}
	wp.logger.Closing("Job interrupted by shutdown, re-queued", logger.FieldJobID, job.ID)
}

// reserveCall takes a provider call slot before a job is claimed, so two
// workers can never share the last one. It reports false while the window
// is full.
func (wp *WorkerPool) reserveCall() (bool, error) {
	if wp.rateLimiter == nil {
		return true, nil
	}
	err := wp.rateLimiter.Allow()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, budget.ErrRateLimited) {
		return false, errors.Wrap(err, "rate limit check failed")
	}
	calls, _ := wp.rateLimiter.Stats()
	wp.logger.Debugw("Rate limit reached - holding queued jobs", "calls_in_window", calls)
	return false, nil
}

// releaseCall hands back a reserved slot when no job was claimed.
func (wp *WorkerPool) releaseCall() {
	if wp.rateLimiter != nil {
		wp.rateLimiter.Release()
	}
}

func (wp *WorkerPool) budgetOpen(ctx context.Context) (bool, error) {
	if wp.budgetTracker == nil {
		return true, nil
	}
	err := wp.budgetTracker.CheckBudget(ctx, 0)
	exceeded := errors.Is(err, budget.ErrBudgetExceeded)
	if err != nil && !exceeded {
		return false, errors.Wrap(err, "budget check failed")
	}

	wp.mu.Lock()
	changed := wp.budgetPaused != exceeded
	wp.budgetPaused = exceeded
	wp.mu.Unlock()

	if changed && exceeded {
		wp.logger.Pulse("Budget exhausted - queued jobs held until spend leaves the window", logger.FieldError, err)
	} else if changed {
		wp.logger.Pulse("Budget available again - resuming")
	}
	return !exceeded, nil
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.config.Workers
}
