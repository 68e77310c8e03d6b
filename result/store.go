package result

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/docpipe/db"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
)

const resultColumns = `id, job_id, raw_content, extracted_data, summary, confidence,
	validation_status, validation_errors, entities, relationships,
	requires_human_review, reviewed_by, reviewed_at, review_notes, feedback,
	exported_at, exported_by, export_format, integrated_with, integration_status,
	superseded, created_at, updated_at`

const resultColumnCount = 23

// Store persists results in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewStore creates a result store
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{db: db, logger: log.Named("results"), now: time.Now}
}

// Filter narrows List.
type Filter struct {
	RequiresReview bool
	Status         ValidationStatus
	Limit          int
}

// Save stores r as the current result of its job.
func (s *Store) Save(ctx context.Context, r *Result) (*Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	saved, err := s.SaveTx(ctx, tx, r)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit result")
	}
	return saved, nil
}

// SaveTx stores r inside tx. An earlier current result of the job is marked
// superseded first, so a job never has more than one.
func (s *Store) SaveTx(ctx context.Context, tx *sql.Tx, r *Result) (*Result, error) {
	if r.JobID == "" {
		return nil, errors.NewValidationError("result has no job")
	}
	res := *r
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.ValidationStatus == "" {
		res.ValidationStatus = StatusPending
	}
	res.Confidence = Clamp(res.Confidence)
	res.Superseded = false
	now := s.now().UTC()
	res.CreatedAt, res.UpdatedAt = now, now

	if _, err := tx.ExecContext(ctx,
		`UPDATE results SET superseded = 1, updated_at = ? WHERE job_id = ? AND superseded = 0`, now, res.JobID); err != nil {
		return nil, errors.Wrapf(err, "failed to supersede results of job %s", res.JobID)
	}

	var cols [5]sql.NullString
	for i, v := range []any{res.ExtractedData, res.ValidationErrors, res.Entities, res.Relationships, res.Feedback} {
		c, err := db.JSON(v)
		if err != nil {
			return nil, errors.Wrapf(err, "result of job %s", res.JobID)
		}
		cols[i] = c
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", resultColumnCount), ", ")
	_, err := tx.ExecContext(ctx, `INSERT INTO results (`+resultColumns+`) VALUES (`+placeholders+`)`,
		res.ID, res.JobID, res.RawContent, cols[0], db.NullString(res.Summary), res.Confidence,
		string(res.ValidationStatus), cols[1], cols[2], cols[3],
		res.RequiresHumanReview, db.NullString(res.ReviewedBy), db.NullTime(res.ReviewedAt), db.NullString(res.ReviewNotes), cols[4],
		db.NullTime(res.ExportedAt), db.NullString(res.ExportedBy), db.NullString(res.ExportFormat),
		db.NullString(res.IntegratedWith), db.NullString(res.IntegrationStatus),
		res.Superseded, now, now,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to insert result for job %s", res.JobID)
	}

	s.logger.Infow("Result saved",
		logger.FieldResultID, res.ID,
		logger.FieldJobID, res.JobID,
		"confidence", res.Confidence,
		"requires_review", res.RequiresHumanReview)
	return &res, nil
}

// Get returns a result by ID.
func (s *Store) Get(ctx context.Context, id string) (*Result, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("result %s not found", id)
	}
	return r, err
}

// GetByJob returns the current result of a job.
func (s *Store) GetByJob(ctx context.Context, jobID string) (*Result, error) {
	r, err := scanResult(s.db.QueryRowContext(ctx,
		`SELECT `+resultColumns+` FROM results WHERE job_id = ? AND superseded = 0`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s has no result", jobID)
	}
	return r, err
}

// List returns current results, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Result, error) {
	where := []string{"superseded = 0"}
	var args []any
	if f.RequiresReview {
		where = append(where, "requires_human_review = 1", "reviewed_at IS NULL")
	}
	if f.Status != "" {
		where = append(where, "validation_status = ?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+resultColumns+` FROM results WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at DESC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list results")
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Review records a human review. It never touches the job.
func (s *Store) Review(ctx context.Context, id, reviewer string, status ValidationStatus, notes string) (*Result, error) {
	if _, ok := ParseValidationStatus(string(status)); !ok {
		return nil, errors.NewValidationError("unknown validation status %q", status)
	}
	if strings.TrimSpace(reviewer) == "" {
		return nil, errors.NewValidationError("reviewer is required")
	}
	now := s.now().UTC()
	if err := s.update(ctx, id,
		`validation_status = ?, reviewed_by = ?, reviewed_at = ?, review_notes = ?, requires_human_review = 0`,
		string(status), reviewer, now, db.NullString(notes)); err != nil {
		return nil, err
	}
	s.logger.Infow("Result reviewed", logger.FieldResultID, id, "reviewer", reviewer, logger.FieldStatus, status)
	return s.Get(ctx, id)
}

// AddFeedback appends reviewer feedback.
func (s *Store) AddFeedback(ctx context.Context, id string, fb Feedback) (*Result, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fb.At = s.now().UTC()
	col, err := db.JSON(append(r.Feedback, fb))
	if err != nil {
		return nil, err
	}
	if err := s.update(ctx, id, `feedback = ?`, col); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// MarkExported records that a result left the system in the given format.
func (s *Store) MarkExported(ctx context.Context, id, by, format string) (*Result, error) {
	if strings.TrimSpace(format) == "" {
		return nil, errors.NewValidationError("export format is required")
	}
	if err := s.update(ctx, id, `exported_at = ?, exported_by = ?, export_format = ?`,
		s.now().UTC(), db.NullString(by), format); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// MarkIntegrated records the state of a hand-off to an external system.
func (s *Store) MarkIntegrated(ctx context.Context, id, system, status string) (*Result, error) {
	if err := s.update(ctx, id, `integrated_with = ?, integration_status = ?`,
		db.NullString(system), db.NullString(status)); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Store) update(ctx context.Context, id, set string, args ...any) error {
	args = append(args, s.now().UTC(), id)
	res, err := s.db.ExecContext(ctx, `UPDATE results SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update result %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError("result %s not found", id)
	}
	return nil
}

func scanResult(row db.Scanner) (*Result, error) {
	var (
		r      Result
		status string

		extracted, validationErrs, ents, rels, feedback sql.NullString
		summary, reviewedBy, reviewNotes                sql.NullString
		exportedBy, exportFormat                        sql.NullString
		integratedWith, integrationStatus               sql.NullString
		reviewedAt, exportedAt                          sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.JobID, &r.RawContent, &extracted, &summary, &r.Confidence,
		&status, &validationErrs, &ents, &rels,
		&r.RequiresHumanReview, &reviewedBy, &reviewedAt, &reviewNotes, &feedback,
		&exportedAt, &exportedBy, &exportFormat, &integratedWith, &integrationStatus,
		&r.Superseded, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan result")
	}

	r.ValidationStatus = ValidationStatus(status)
	r.Summary, r.ReviewedBy, r.ReviewNotes = summary.String, reviewedBy.String, reviewNotes.String
	r.ExportedBy, r.ExportFormat = exportedBy.String, exportFormat.String
	r.IntegratedWith, r.IntegrationStatus = integratedWith.String, integrationStatus.String
	r.ReviewedAt, r.ExportedAt = db.TimePtr(reviewedAt), db.TimePtr(exportedAt)

	for _, d := range []struct {
		src sql.NullString
		dst any
	}{
		{extracted, &r.ExtractedData}, {validationErrs, &r.ValidationErrors}, {ents, &r.Entities},
		{rels, &r.Relationships}, {feedback, &r.Feedback},
	} {
		if err := db.ScanJSON(d.src, d.dst); err != nil {
			return nil, errors.Wrapf(err, "result %s", r.ID)
		}
	}
	return &r, nil
}
