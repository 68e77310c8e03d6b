package async

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/docpipe/ai/provider"
	"github.com/teranos/docpipe/db"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/template"
)

const jobColumns = `id, processing_type, status,
	document_id, document_url, document_type, document_size,
	template_id, custom_instructions, knowledge_entry_ids, knowledge_types, output_format,
	requested_provider, requested_model, model_config,
	priority, retry_count, max_retries, scheduled_at, run_at, enqueue_seq,
	started_at, completed_at, processing_time_ms,
	provider, model, prompt_tokens, completion_tokens, total_tokens, estimated_cost, actual_cost,
	error_message, error_details, progress, current_step, steps, progress_updated_at,
	user_id, organization_id, related_entity_type, related_entity_id, webhook_url, metadata, tags, result_id,
	created_at, updated_at`

const jobColumnCount = 47

// nextSeq hands out enqueue order inside the statement that queues the job.
const nextSeq = `(SELECT COALESCE(MAX(enqueue_seq), 0) + 1 FROM jobs)`

// Store persists jobs in SQLite. Every status change is a conditional
// UPDATE on the expected current status, so concurrent writers cannot
// move a job along an edge the state machine does not have.
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Filter narrows List.
type Filter struct {
	Statuses       []JobStatus
	OrganizationID string
	UserID         string
	ProcessingType template.ProcessingType
	TemplateID     string
	Limit          int
	Offset         int
}

// Create inserts a new job.
func (s *Store) Create(ctx context.Context, j *Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", jobColumnCount), ", ")
	if _, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (`+ph+`)`, args...); err != nil {
		return errors.Wrapf(err, "failed to insert job %s", j.ID)
	}
	return nil
}

// Get returns a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s not found", id)
	}
	return j, err
}

// List returns jobs matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Job, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	for _, c := range []struct{ col, val string }{
		{"organization_id", f.OrganizationID},
		{"user_id", f.UserID},
		{"processing_type", string(f.ProcessingType)},
		{"template_id", f.TemplateID},
	} {
		if c.val != "" {
			where = append(where, c.col+" = ?")
			args = append(args, c.val)
		}
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > MaxJobsLimit {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	return s.query(ctx, query, args...)
}

// Stuck returns PROCESSING jobs whose progress has not moved since cutoff.
func (s *Store) Stuck(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE status = 'processing' AND COALESCE(progress_updated_at, started_at, updated_at) < ?
		ORDER BY progress_updated_at ASC`, cutoff.UTC())
}

// Counts returns the number of jobs per status.
func (s *Store) Counts(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// MarkQueued moves a job from one of the from statuses to QUEUED, eligible
// at runAt and behind every job queued before it.
func (s *Store) MarkQueued(ctx context.Context, id string, runAt, now time.Time, from ...JobStatus) (bool, error) {
	return s.transition(ctx, s.db, id, from,
		`status = 'queued', run_at = ?, enqueue_seq = `+nextSeq+`, updated_at = ?`,
		runAt.UnixMilli(), now.UTC())
}

// Claim atomically moves the next ready job to PROCESSING and returns it.
// Ready means QUEUED with run_at <= now; the highest priority wins, then the
// earliest run_at, then enqueue order. It returns nil when nothing is ready.
func (s *Store) Claim(ctx context.Context, now time.Time) (*Job, error) {
	ts := now.UTC()
	var id string
	err := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'processing', started_at = ?, progress = 0, current_step = NULL,
			progress_updated_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'queued' AND run_at <= ?
			ORDER BY priority DESC, run_at ASC, enqueue_seq ASC
			LIMIT 1
		) AND status = 'queued'
		RETURNING id`, ts, ts, ts, now.UnixMilli()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}
	return s.Get(ctx, id)
}

// SaveProgress writes the progress, step log and accounting of a PROCESSING
// job. It reports false when the job is no longer PROCESSING.
func (s *Store) SaveProgress(ctx context.Context, j *Job, now time.Time) (bool, error) {
	steps, err := db.JSON(j.Steps)
	if err != nil {
		return false, err
	}
	return s.transition(ctx, s.db, j.ID, []JobStatus{JobStatusProcessing},
		`progress = MAX(progress, ?), current_step = ?, steps = ?, progress_updated_at = ?,
		provider = ?, model = ?, prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
		estimated_cost = ?, actual_cost = ?, updated_at = ?`,
		j.Progress, db.NullString(j.CurrentStep), steps, now.UTC(),
		db.NullString(j.Provider), db.NullString(j.Model),
		j.Usage.PromptTokens, j.Usage.CompletionTokens, j.Usage.TotalTokens,
		j.EstimatedCost, j.ActualCost, now.UTC())
}

// Complete runs persist inside a transaction and marks the job COMPLETED
// with the result ID it returns. If the job is no longer PROCESSING the
// transaction is rolled back, persist's writes included, and Complete
// reports false.
func (s *Store) Complete(ctx context.Context, j *Job, now time.Time, persist func(*sql.Tx) (string, error)) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	resultID, err := persist(tx)
	if err != nil {
		return false, err
	}
	steps, err := db.JSON(j.Steps)
	if err != nil {
		return false, err
	}
	ts := now.UTC()
	ok, err := s.transition(ctx, tx, j.ID, []JobStatus{JobStatusProcessing},
		`status = 'completed', completed_at = ?, processing_time_ms = ?, progress = 100,
		current_step = ?, steps = ?, progress_updated_at = ?, result_id = ?,
		provider = ?, model = ?, prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
		estimated_cost = ?, actual_cost = ?, error_message = NULL, error_details = NULL, updated_at = ?`,
		ts, j.ProcessingTimeMs, db.NullString(j.CurrentStep), steps, ts, db.NullString(resultID),
		db.NullString(j.Provider), db.NullString(j.Model),
		j.Usage.PromptTokens, j.Usage.CompletionTokens, j.Usage.TotalTokens,
		j.EstimatedCost, j.ActualCost, ts)
	if err != nil || !ok {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "failed to commit completion of job %s", j.ID)
	}
	j.ResultID = resultID
	return true, nil
}

// Retry records a failed attempt and re-queues the job at runAt. The job
// passes through RETRYING inside the same transaction.
func (s *Store) Retry(ctx context.Context, j *Job, runAt, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	set, args, err := failureSet(j, now)
	if err != nil {
		return false, err
	}
	ok, err := s.transition(ctx, tx, j.ID, []JobStatus{JobStatusProcessing}, `status = 'retrying', `+set, args...)
	if err != nil || !ok {
		return false, err
	}
	ok, err = s.transition(ctx, tx, j.ID, []JobStatus{JobStatusRetrying},
		`status = 'queued', run_at = ?, enqueue_seq = `+nextSeq+`, updated_at = ?`, runAt.UnixMilli(), now.UTC())
	if err != nil || !ok {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "failed to commit retry of job %s", j.ID)
	}
	return true, nil
}

// Fail records the final failed attempt and moves the job to FAILED.
func (s *Store) Fail(ctx context.Context, j *Job, now time.Time) (bool, error) {
	set, args, err := failureSet(j, now)
	if err != nil {
		return false, err
	}
	args = append([]any{now.UTC(), j.ProcessingTimeMs}, args...)
	return s.transition(ctx, s.db, j.ID, []JobStatus{JobStatusProcessing},
		`status = 'failed', completed_at = ?, processing_time_ms = ?, `+set, args...)
}

// Cancel moves a PENDING, QUEUED or RETRYING job to CANCELLED.
func (s *Store) Cancel(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	return s.transition(ctx, s.db, id,
		[]JobStatus{JobStatusPending, JobStatusQueued, JobStatusRetrying},
		`status = 'cancelled', error_message = ?, updated_at = ?`, db.NullString(reason), now.UTC())
}

// RecoverOrphans re-queues PROCESSING jobs left behind by a process that
// died mid-attempt. A zero cutoff takes every PROCESSING row; otherwise only
// rows whose last progress predates cutoff are taken. Retry counters are left
// untouched.
func (s *Store) RecoverOrphans(ctx context.Context, now, cutoff time.Time) ([]string, error) {
	query := `
		UPDATE jobs SET status = 'queued', run_at = ?, updated_at = ?
		WHERE status = 'processing'`
	args := []any{now.UnixMilli(), now.UTC()}
	if !cutoff.IsZero() {
		query += ` AND COALESCE(progress_updated_at, started_at, updated_at) < ?`
		args = append(args, cutoff.UTC())
	}
	rows, err := s.db.QueryContext(ctx, query+` RETURNING id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to recover orphaned jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan recovered job")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a terminal job and its results.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job %s not found", id)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to load job %s", id)
	}
	if !JobStatus(status).Terminal() {
		return errors.NewConflictError("job %s is %s; only finished jobs can be deleted", id, status)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE job_id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete results of job %s", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}
	return tx.Commit()
}

// CleanupOldJobs removes completed, failed and cancelled jobs last updated
// before cutoff.
func (s *Store) CleanupOldJobs(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	const old = `SELECT id FROM jobs WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE job_id IN (`+old+`)`, cutoff.UTC()); err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old results")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+old+`)`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) transition(ctx context.Context, x execer, id string, from []JobStatus, set string, args ...any) (bool, error) {
	ph := make([]string, len(from))
	for i, st := range from {
		ph[i] = "?"
		args = append(args, string(st))
	}
	query := `UPDATE jobs SET ` + set + ` WHERE status IN (` + strings.Join(ph, ", ") + `) AND id = ?`
	res, err := x.ExecContext(ctx, query, append(args, id)...)
	if err != nil {
		return false, errors.Wrapf(err, "failed to update job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

func failureSet(j *Job, now time.Time) (string, []any, error) {
	details, err := db.JSON(j.ErrorDetails)
	if err != nil {
		return "", nil, err
	}
	steps, err := db.JSON(j.Steps)
	if err != nil {
		return "", nil, err
	}
	set := `retry_count = ?, error_message = ?, error_details = ?, current_step = ?, steps = ?,
		provider = ?, model = ?, prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
		estimated_cost = ?, actual_cost = ?, updated_at = ?`
	return set, []any{
		j.RetryCount, db.NullString(j.ErrorMessage), details, db.NullString(j.CurrentStep), steps,
		db.NullString(j.Provider), db.NullString(j.Model),
		j.Usage.PromptTokens, j.Usage.CompletionTokens, j.Usage.TotalTokens,
		j.EstimatedCost, j.ActualCost, now.UTC(),
	}, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

func jobArgs(j *Job) ([]any, error) {
	var cols [7]sql.NullString
	for i, v := range []any{j.KnowledgeEntryIDs, j.KnowledgeTypes, j.ModelConfig, j.ErrorDetails, j.Steps, j.Metadata, j.Tags} {
		c, err := db.JSON(v)
		if err != nil {
			return nil, errors.Wrapf(err, "job %s", j.ID)
		}
		cols[i] = c
	}
	var entityType, entityID string
	if j.RelatedEntity != nil {
		entityType, entityID = j.RelatedEntity.Type, j.RelatedEntity.ID
	}
	var runAt int64
	if !j.RunAt.IsZero() {
		runAt = j.RunAt.UnixMilli()
	}
	var docSize sql.NullInt64
	if j.Document.Size > 0 {
		docSize = sql.NullInt64{Int64: j.Document.Size, Valid: true}
	}
	var processingMs sql.NullInt64
	if j.ProcessingTimeMs > 0 {
		processingMs = sql.NullInt64{Int64: j.ProcessingTimeMs, Valid: true}
	}

	return []any{
		j.ID, string(j.ProcessingType), string(j.Status),
		db.NullString(j.Document.ID), j.Document.URL, db.NullString(j.Document.Type), docSize,
		db.NullString(j.TemplateID), db.NullString(j.CustomInstructions), cols[0], cols[1], db.NullString(j.OutputFormat),
		db.NullString(j.RequestedProvider), db.NullString(j.RequestedModel), cols[2],
		j.Priority, j.RetryCount, j.MaxRetries, j.ScheduledAt.UTC(), runAt, j.EnqueueSeq,
		db.NullTime(j.StartedAt), db.NullTime(j.CompletedAt), processingMs,
		db.NullString(j.Provider), db.NullString(j.Model),
		j.Usage.PromptTokens, j.Usage.CompletionTokens, j.Usage.TotalTokens, j.EstimatedCost, j.ActualCost,
		db.NullString(j.ErrorMessage), cols[3], j.Progress, db.NullString(j.CurrentStep), cols[4], db.NullTime(j.ProgressUpdatedAt),
		j.UserID, db.NullString(j.OrganizationID), db.NullString(entityType), db.NullString(entityID),
		db.NullString(j.WebhookURL), cols[5], cols[6], db.NullString(j.ResultID),
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(),
	}, nil
}

func scanJob(row db.Scanner) (*Job, error) {
	var (
		j                                         Job
		processingType, status                    string
		runAt                                     int64
		docSize, processingMs                     sql.NullInt64
		docID, docType                            sql.NullString
		templateID, instructions, outputFormat    sql.NullString
		requestedProvider, requestedModel         sql.NullString
		providerName, model, errorMsg, step       sql.NullString
		orgID, entityType, entityID, webhook      sql.NullString
		resultID                                  sql.NullString
		entryIDs, types, modelConfig, errDetails  sql.NullString
		steps, metadata, tags                     sql.NullString
		startedAt, completedAt, progressUpdatedAt sql.NullTime
	)
	err := row.Scan(
		&j.ID, &processingType, &status,
		&docID, &j.Document.URL, &docType, &docSize,
		&templateID, &instructions, &entryIDs, &types, &outputFormat,
		&requestedProvider, &requestedModel, &modelConfig,
		&j.Priority, &j.RetryCount, &j.MaxRetries, &j.ScheduledAt, &runAt, &j.EnqueueSeq,
		&startedAt, &completedAt, &processingMs,
		&providerName, &model, &j.Usage.PromptTokens, &j.Usage.CompletionTokens, &j.Usage.TotalTokens,
		&j.EstimatedCost, &j.ActualCost,
		&errorMsg, &errDetails, &j.Progress, &step, &steps, &progressUpdatedAt,
		&j.UserID, &orgID, &entityType, &entityID, &webhook, &metadata, &tags, &resultID,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan job")
	}

	j.ProcessingType = template.ProcessingType(processingType)
	j.Status = JobStatus(status)
	j.Document.ID, j.Document.Type, j.Document.Size = docID.String, docType.String, docSize.Int64
	j.TemplateID, j.CustomInstructions, j.OutputFormat = templateID.String, instructions.String, outputFormat.String
	j.RequestedProvider, j.RequestedModel = requestedProvider.String, requestedModel.String
	if runAt > 0 {
		j.RunAt = time.UnixMilli(runAt).UTC()
	}
	j.StartedAt, j.CompletedAt = db.TimePtr(startedAt), db.TimePtr(completedAt)
	j.ProgressUpdatedAt = db.TimePtr(progressUpdatedAt)
	j.ProcessingTimeMs = processingMs.Int64
	j.Provider, j.Model = providerName.String, model.String
	j.ErrorMessage, j.CurrentStep = errorMsg.String, step.String
	j.OrganizationID, j.WebhookURL, j.ResultID = orgID.String, webhook.String, resultID.String
	if entityType.Valid || entityID.Valid {
		j.RelatedEntity = &EntityRef{Type: entityType.String, ID: entityID.String}
	}
	j.ScheduledAt, j.CreatedAt, j.UpdatedAt = j.ScheduledAt.UTC(), j.CreatedAt.UTC(), j.UpdatedAt.UTC()

	var cfg provider.ModelConfig
	for _, d := range []struct {
		src sql.NullString
		dst any
	}{
		{entryIDs, &j.KnowledgeEntryIDs}, {types, &j.KnowledgeTypes}, {errDetails, &j.ErrorDetails},
		{steps, &j.Steps}, {metadata, &j.Metadata}, {tags, &j.Tags}, {modelConfig, &cfg},
	} {
		if err := db.ScanJSON(d.src, d.dst); err != nil {
			return nil, errors.Wrapf(err, "job %s", j.ID)
		}
	}
	if modelConfig.Valid {
		j.ModelConfig = &cfg
	}
	return &j, nil
}
