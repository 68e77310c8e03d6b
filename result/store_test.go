package result

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/docpipe/errors"
	testdb "github.com/teranos/docpipe/internal/testing"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	conn := testdb.CreateTestDB(t)
	return NewStore(conn, zaptest.NewLogger(t).Sugar()), conn
}

func insertJob(t *testing.T, conn *sql.DB, id string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := conn.Exec(`INSERT INTO jobs (id, processing_type, status, document_url, scheduled_at, user_id, created_at, updated_at)
		VALUES (?, 'tender_extraction', 'processing', 'https://example.com/doc.pdf', ?, 'user-1', ?, ?)`, id, now, now, now)
	require.NoError(t, err)
}

func TestSaveAndGet(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	insertJob(t, conn, "job-1")

	saved, err := s.Save(ctx, &Result{
		JobID:               "job-1",
		RawContent:          `{"budget": 500}`,
		ExtractedData:       map[string]any{"budget": float64(500)},
		Confidence:          1.4,
		RequiresHumanReview: false,
		Entities:            []Entity{{Type: "amount", Value: "500"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, StatusPending, saved.ValidationStatus)
	assert.Equal(t, 1.0, saved.Confidence, "confidence is clamped")

	got, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, map[string]any{"budget": float64(500)}, got.ExtractedData)
	assert.Equal(t, []Entity{{Type: "amount", Value: "500"}}, got.Entities)
	assert.Nil(t, got.ValidationErrors)
	assert.False(t, got.Superseded)

	byJob, err := s.GetByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, byJob.ID)

	_, err = s.Get(ctx, "nope")
	assert.True(t, errors.IsNotFoundError(err))
	_, err = s.GetByJob(ctx, "job-2")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSaveSupersedesPreviousResult(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	insertJob(t, conn, "job-1")

	first, err := s.Save(ctx, &Result{JobID: "job-1", RawContent: "first", Confidence: 0.5})
	require.NoError(t, err)
	second, err := s.Save(ctx, &Result{JobID: "job-1", RawContent: "second", Confidence: 0.5})
	require.NoError(t, err)

	current, err := s.GetByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)

	old, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, old.Superseded)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM results WHERE job_id = 'job-1' AND superseded = 0`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSaveRequiresJob(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Save(context.Background(), &Result{RawContent: "x"})
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = s.Save(context.Background(), &Result{JobID: "missing", RawContent: "x"})
	assert.Error(t, err, "the job must exist")
}

func TestReviewFeedbackExport(t *testing.T) {
	s, conn := newTestStore(t)
	ctx := context.Background()
	insertJob(t, conn, "job-1")

	saved, err := s.Save(ctx, &Result{JobID: "job-1", RawContent: "x", Confidence: 0.2, RequiresHumanReview: true})
	require.NoError(t, err)

	queue, err := s.List(ctx, Filter{RequiresReview: true})
	require.NoError(t, err)
	require.Len(t, queue, 1)

	reviewed, err := s.Review(ctx, saved.ID, "analyst", StatusValid, "looks right")
	require.NoError(t, err)
	assert.Equal(t, StatusValid, reviewed.ValidationStatus)
	assert.Equal(t, "analyst", reviewed.ReviewedBy)
	assert.NotNil(t, reviewed.ReviewedAt)
	assert.False(t, reviewed.RequiresHumanReview)

	queue, err = s.List(ctx, Filter{RequiresReview: true})
	require.NoError(t, err)
	assert.Empty(t, queue)

	_, err = s.Review(ctx, saved.ID, "analyst", "great", "")
	assert.True(t, errors.Is(err, errors.ErrValidation))
	_, err = s.Review(ctx, "nope", "analyst", StatusValid, "")
	assert.True(t, errors.IsNotFoundError(err))

	withFeedback, err := s.AddFeedback(ctx, saved.ID, Feedback{By: "analyst", Rating: 4, Comment: "missed lot 2"})
	require.NoError(t, err)
	require.Len(t, withFeedback.Feedback, 1)
	assert.Equal(t, "missed lot 2", withFeedback.Feedback[0].Comment)

	exported, err := s.MarkExported(ctx, saved.ID, "analyst", "csv")
	require.NoError(t, err)
	assert.Equal(t, "csv", exported.ExportFormat)
	assert.NotNil(t, exported.ExportedAt)

	integrated, err := s.MarkIntegrated(ctx, saved.ID, "erp", "sent")
	require.NoError(t, err)
	assert.Equal(t, "erp", integrated.IntegratedWith)

	var status string
	require.NoError(t, conn.QueryRow(`SELECT status FROM jobs WHERE id = 'job-1'`).Scan(&status))
	assert.Equal(t, "processing", status, "review actions never touch the job")
}

func TestSave_DatabaseError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE results SET superseded = 1").WithArgs(sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO results").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err = NewStore(conn, nil).Save(context.Background(), &Result{JobID: "job-1", RawContent: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert result for job job-1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate_NotFound(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("UPDATE results SET exported_at").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = NewStore(conn, nil).MarkExported(context.Background(), "r-1", "me", "json")
	assert.True(t, errors.IsNotFoundError(err))
	require.NoError(t, mock.ExpectationsWereMet())
}
