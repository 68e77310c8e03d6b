package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
)

const (
	// MaxJobsLimit is the largest page List will return
	MaxJobsLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue is the durable, priority and delay aware job queue. Writes to one
// job are serialized by a per-job lock; different jobs never contend.
type Queue struct {
	store  *Store
	locks  *keyedMutex
	now    func() time.Time
	logger *zap.SugaredLogger
	wake   chan struct{}

	mu          sync.RWMutex
	subscribers []chan *Job // Channels to notify of job updates
}

// NewQueue creates a new job queue
func NewQueue(db *sql.DB, log *zap.SugaredLogger) *Queue {
	return NewQueueWithClock(db, log, time.Now)
}

// NewQueueWithClock creates a queue that reads time from now.
func NewQueueWithClock(db *sql.DB, log *zap.SugaredLogger, now func() time.Time) *Queue {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{
		store:  NewStore(db),
		locks:  newKeyedMutex(),
		now:    now,
		logger: log.Named("queue"),
		wake:   make(chan struct{}, 1),
	}
}

// Store returns the underlying job store.
func (q *Queue) Store() *Store {
	return q.store
}

// Ready is signalled when a job may have become claimable.
func (q *Queue) Ready() <-chan struct{} {
	return q.wake
}

// Enqueue persists job as PENDING and queues it. The job becomes claimable
// at ScheduledAt, or immediately when that is in the past.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	now := q.now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Priority == 0 {
		job.Priority = DefaultPriority
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = DefaultMaxRetries
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	job.Status = JobStatusPending
	job.CreatedAt, job.UpdatedAt = now, now
	if err := job.Validate(); err != nil {
		return err
	}

	unlock := q.locks.Lock(job.ID)
	defer unlock()

	if err := q.store.Create(ctx, job); err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Processing type: %s", job.ProcessingType))
		return err
	}
	q.notifySubscribers(job)

	runAt := job.ScheduledAt
	if runAt.Before(now) {
		runAt = now
	}
	ok, err := q.store.MarkQueued(ctx, job.ID, runAt, now, JobStatusPending)
	if err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	if ok {
		job.Status, job.RunAt = JobStatusQueued, runAt
		q.notifySubscribers(job)
		q.signal()
	}

	q.logger.Infow("Job enqueued",
		logger.FieldJobID, job.ID,
		logger.FieldPriority, job.Priority,
		"processing_type", job.ProcessingType,
		"delay", runAt.Sub(now))
	return nil
}

// Dequeue claims the next ready job and returns it in PROCESSING, or nil
// when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	job, err := q.store.Claim(ctx, q.now())
	if err != nil || job == nil {
		return nil, err
	}
	q.notifySubscribers(job)
	return job, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// ListJobs returns jobs matching f, newest first
func (q *Queue) ListJobs(ctx context.Context, f Filter) ([]*Job, error) {
	return q.store.List(ctx, f)
}

// UpdateProgress persists the progress, step log and accounting of a
// PROCESSING job. It reports false when the job has left PROCESSING.
func (q *Queue) UpdateProgress(ctx context.Context, job *Job) (bool, error) {
	unlock := q.locks.Lock(job.ID)
	defer unlock()

	now := q.now().UTC()
	ok, err := q.store.SaveProgress(ctx, job, now)
	if err != nil || !ok {
		return ok, err
	}
	job.ProgressUpdatedAt = &now
	q.notifySubscribers(job)
	return true, nil
}

// Complete persists the job's result through persist and marks it
// COMPLETED in one transaction. It reports false, persisting nothing, when
// the job is no longer PROCESSING.
func (q *Queue) Complete(ctx context.Context, job *Job, persist func(*sql.Tx) (string, error)) (bool, error) {
	unlock := q.locks.Lock(job.ID)
	defer unlock()

	now := q.now().UTC()
	job.ProcessingTimeMs = elapsedMs(job.StartedAt, now)
	ok, err := q.store.Complete(ctx, job, now, persist)
	if err != nil {
		err = errors.Wrap(err, "failed to complete job")
		return false, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	if !ok {
		return false, nil
	}
	job.Status, job.CompletedAt, job.Progress = JobStatusCompleted, &now, 100
	job.ErrorMessage, job.ErrorDetails = "", nil
	q.notifySubscribers(job)
	return true, nil
}

// Retry records the failed attempt held in job and re-queues it after
// delay, at its original priority.
func (q *Queue) Retry(ctx context.Context, job *Job, delay time.Duration) (bool, error) {
	unlock := q.locks.Lock(job.ID)
	defer unlock()

	now := q.now().UTC()
	runAt := now.Add(delay)
	ok, err := q.store.Retry(ctx, job, runAt, now)
	if err != nil {
		err = errors.Wrap(err, "failed to schedule retry")
		return false, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	if !ok {
		return false, nil
	}
	job.Status = JobStatusRetrying
	q.notifySubscribers(job)
	job.Status, job.RunAt = JobStatusQueued, runAt
	q.notifySubscribers(job)
	return true, nil
}

// Fail records the final failed attempt held in job and marks it FAILED.
func (q *Queue) Fail(ctx context.Context, job *Job) (bool, error) {
	unlock := q.locks.Lock(job.ID)
	defer unlock()

	now := q.now().UTC()
	job.ProcessingTimeMs = elapsedMs(job.StartedAt, now)
	ok, err := q.store.Fail(ctx, job, now)
	if err != nil {
		err = errors.Wrap(err, "failed to mark job as failed")
		return false, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	}
	if !ok {
		return false, nil
	}
	job.Status, job.CompletedAt = JobStatusFailed, &now
	q.notifySubscribers(job)
	return true, nil
}

// Cancel moves a PENDING, QUEUED or RETRYING job to CANCELLED. Cancelling
// an already cancelled job succeeds; cancelling a job that is running or
// finished is a conflict.
func (q *Queue) Cancel(ctx context.Context, id, reason string) (*Job, error) {
	unlock := q.locks.Lock(id)
	defer unlock()

	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == JobStatusCancelled {
		return job, nil
	}
	if !job.Status.Cancellable() {
		return nil, errors.WithHint(
			errors.NewConflictError("job %s is %s and can no longer be cancelled", id, job.Status),
			"only pending, queued and retrying jobs can be cancelled")
	}

	now := q.now().UTC()
	ok, err := q.store.Cancel(ctx, id, reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		current, err := q.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, errors.NewConflictError("job %s moved to %s before it could be cancelled", id, current.Status)
	}
	job.Status, job.ErrorMessage, job.UpdatedAt = JobStatusCancelled, reason, now
	q.notifySubscribers(job)
	q.logger.Infow("Job cancelled", logger.FieldJobID, id, "reason", reason)
	return job, nil
}

// RecoverOrphans re-queues jobs left PROCESSING by a previous process.
// With grace > 0 a job is only taken once it has gone that long without
// progress, so a peer node sharing the database keeps its running jobs.
func (q *Queue) RecoverOrphans(ctx context.Context, grace time.Duration) ([]string, error) {
	now := q.now()
	var cutoff time.Time
	if grace > 0 {
		cutoff = now.Add(-grace)
	}
	ids, err := q.store.RecoverOrphans(ctx, now, cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if job, err := q.store.Get(ctx, id); err == nil {
			q.notifySubscribers(job)
		}
	}
	if len(ids) > 0 {
		q.signal()
	}
	return ids, nil
}

// StuckJobs returns PROCESSING jobs without a progress update for threshold.
func (q *Queue) StuckJobs(ctx context.Context, threshold time.Duration) ([]*Job, error) {
	return q.store.Stuck(ctx, q.now().Add(-threshold))
}

// DeleteJob removes a finished job and its results.
func (q *Queue) DeleteJob(ctx context.Context, id string) error {
	unlock := q.locks.Lock(id)
	defer unlock()
	return q.store.Delete(ctx, id)
}

// Cleanup removes finished jobs older than olderThan
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.store.CleanupOldJobs(ctx, q.now().Add(-olderThan))
}

// Subscribe returns a channel that receives job snapshots after every
// state change. The caller is responsible for calling Unsubscribe.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize) // Buffered to avoid blocking
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers should close it themselves
// after unsubscribing if needed. This prevents double-close panics.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends a copy of job to every subscriber. Slow
// subscribers miss updates rather than stall the writer.
func (q *Queue) notifySubscribers(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		snapshot := *job
		snapshot.Steps = append([]Step(nil), job.Steps...)
		select {
		case ch <- &snapshot:
		default:
			// Channel full, skip (non-blocking)
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Pending    int `json:"pending"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Retrying   int `json:"retrying"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{
		Pending:    counts[JobStatusPending],
		Queued:     counts[JobStatusQueued],
		Processing: counts[JobStatusProcessing],
		Retrying:   counts[JobStatusRetrying],
		Completed:  counts[JobStatusCompleted],
		Failed:     counts[JobStatusFailed],
		Cancelled:  counts[JobStatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// GetJobCounts returns the number of queued and processing jobs.
func (q *Queue) GetJobCounts(ctx context.Context) (queued, processing int, err error) {
	counts, err := q.store.Counts(ctx)
	if err != nil {
		return 0, 0, err
	}
	return counts[JobStatusQueued], counts[JobStatusProcessing], nil
}

// ParseStatuses parses a comma separated status list such as "queued,retrying".
func ParseStatuses(s string) ([]JobStatus, error) {
	var out []JobStatus
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !IsValidStatus(part) {
			return nil, errors.NewValidationError("unknown job status %q", part)
		}
		out = append(out, JobStatus(part))
	}
	return out, nil
}

func elapsedMs(start *time.Time, end time.Time) int64 {
	if start == nil {
		return 0
	}
	return max(end.Sub(*start).Milliseconds(), 0)
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock locks key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
