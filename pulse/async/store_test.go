package async

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/docpipe/errors"
	testdb "github.com/teranos/docpipe/internal/testing"
	"github.com/teranos/docpipe/template"
)

// ============================================================================
// Kirby Queue Test Universe
// ============================================================================
//
// Characters:
//   - Kirby: Inhales jobs from the queue, strictly in priority order
//   - Meta Knight: Shows up later with urgent work and still goes first
//
// Theme: the queue is Dream Land. Nobody skips ahead unless their priority
// says so, and nobody is swallowed twice.
// ============================================================================

// testClock is a settable clock shared by the queue under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T) (*Queue, *testClock, *sql.DB) {
	t.Helper()
	conn := testdb.CreateTestDB(t)
	clock := newTestClock()
	return NewQueueWithClock(conn, zaptest.NewLogger(t).Sugar(), clock.Now), clock, conn
}

func enqueue(t *testing.T, q *Queue, priority int) *Job {
	t.Helper()
	j := newJob(priority)
	require.NoError(t, q.Enqueue(context.Background(), j))
	return j
}

func TestEnqueueDefaults(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	j := &Job{
		ProcessingType: "extraction",
		Document:       Document{URL: "file:///tenders/a.pdf", Type: "pdf", Size: 2048},
		UserID:         "kirby",
		Metadata:       map[string]any{"tender_id": "T-1"},
		Tags:           []string{"urgent"},
	}
	require.NoError(t, q.Enqueue(ctx, j))
	require.NotEmpty(t, j.ID)

	got, err := q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, template.TypeTenderExtraction, got.ProcessingType)
	assert.Equal(t, DefaultPriority, got.Priority)
	assert.Equal(t, DefaultMaxRetries, got.MaxRetries)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, clock.Now().UnixMilli(), got.RunAt.UnixMilli())
	assert.Equal(t, int64(2048), got.Document.Size)
	assert.Equal(t, []string{"urgent"}, got.Tags)
	assert.Equal(t, "T-1", got.Metadata["tender_id"])
}

func TestEnqueueRejectsInvalidJob(t *testing.T) {
	q, _, _ := newTestQueue(t)
	j := newJob(9)
	err := q.Enqueue(context.Background(), j)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	stats, err := q.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total, "nothing is persisted for an invalid job")
}

func TestClaimOrdersByPriorityThenFIFO(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	low := enqueue(t, q, 1)
	clock.Advance(time.Millisecond)
	normalA := enqueue(t, q, 3)
	clock.Advance(time.Millisecond)
	normalB := enqueue(t, q, 3)
	clock.Advance(time.Millisecond)
	urgent := enqueue(t, q, 5) // Meta Knight arrives last

	var order []string
	for {
		j, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if j == nil {
			break
		}
		assert.Equal(t, JobStatusProcessing, j.Status)
		order = append(order, j.ID)
	}
	assert.Equal(t, []string{urgent.ID, normalA.ID, normalB.ID, low.ID}, order)
}

func TestFIFOWithinBandSameInstant(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, enqueue(t, q, 3).ID)
	}
	for _, id := range want {
		j, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, id, j.ID)
	}
}

func TestDelayedJobNotClaimedEarly(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	j := newJob(5)
	j.ScheduledAt = clock.Now().Add(60 * time.Second)
	require.NoError(t, q.Enqueue(ctx, j))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	clock.Advance(59 * time.Second)
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	clock.Advance(time.Second)
	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
}

func TestClaimIsExclusive(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		enqueue(t, q, 3)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.Dequeue(ctx)
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestCancel(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	j := enqueue(t, q, 3)
	cancelled, err := q.Cancel(ctx, j.ID, "tender withdrawn")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCancelled, cancelled.Status)

	again, err := q.Cancel(ctx, j.ID, "twice")
	require.NoError(t, err, "cancelling twice is harmless")
	assert.Equal(t, "tender withdrawn", again.ErrorMessage)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got, "a cancelled job is never claimed")

	running := enqueue(t, q, 3)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = q.Cancel(ctx, running.ID, "too late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	_, err = q.Cancel(ctx, "missing", "")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestCompleteWritesResultAtomically(t *testing.T) {
	q, clock, conn := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, 3)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	clock.Advance(1500 * time.Millisecond)

	persist := func(tx *sql.Tx) (string, error) {
		now := clock.Now()
		_, err := tx.Exec(`INSERT INTO results (id, job_id, raw_content, confidence, created_at, updated_at)
			VALUES ('res-1', ?, '{}', 0.9, ?, ?)`, j.ID, now, now)
		return "res-1", err
	}
	ok, err := q.Complete(ctx, j, persist)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, got.Status)
	assert.Equal(t, "res-1", got.ResultID)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, int64(1500), got.ProcessingTimeMs)
	require.NotNil(t, got.CompletedAt)

	// a second completion finds the job no longer processing and rolls back
	persist2 := func(tx *sql.Tx) (string, error) {
		now := clock.Now()
		_, err := tx.Exec(`INSERT INTO results (id, job_id, raw_content, confidence, superseded, created_at, updated_at)
			VALUES ('res-2', ?, '{}', 0.5, 1, ?, ?)`, j.ID, now, now)
		return "res-2", err
	}
	ok, err = q.Complete(ctx, j, persist2)
	require.NoError(t, err)
	assert.False(t, ok)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM results WHERE job_id = ?`, j.ID).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestRetryRequeuesWithDelay(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, 4)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)

	failure := errors.MarkTransient(errors.New("provider timeout"))
	decision := RetryPolicy{BaseDelay: time.Second}.Decide(j.RetryCount, j.MaxRetries, failure)
	require.True(t, decision.Retry)

	j.RetryCount = decision.RetryCount
	j.ErrorMessage = failure.Error()
	j.ErrorDetails = ClassifyError(StepInvokeProvider, j.Attempt(), failure, clock.Now())
	ok, err := q.Retry(ctx, j, decision.Delay)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 4, got.Priority, "retries keep their priority")
	assert.Equal(t, clock.Now().Add(2*time.Second).UnixMilli(), got.RunAt.UnixMilli())
	require.NotNil(t, got.ErrorDetails)
	assert.Equal(t, errors.KindTransientProvider, got.ErrorDetails.Kind)

	none, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	clock.Advance(2 * time.Second)
	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempt())
}

func TestFailIsTerminal(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, 3)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	j.RetryCount = j.MaxRetries
	j.ErrorMessage = "document unavailable"

	ok, err := q.Fail(ctx, j)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Equal(t, got.MaxRetries, got.RetryCount)
	assert.NotNil(t, got.CompletedAt)

	ok, err = q.Retry(ctx, j, time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "a failed job cannot be retried")
}

func TestUpdateProgressOnlyWhileProcessing(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, 3)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)

	j.StartStep(StepFetchDocument, clock.Now())
	j.FinishStep(StepFetchDocument, "", nil, clock.Now())
	ok, err := q.UpdateProgress(ctx, j)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Progress)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, StepFetchDocument, got.Steps[0].Name)

	// stored progress never goes backwards
	j.Progress = 5
	_, err = q.UpdateProgress(ctx, j)
	require.NoError(t, err)
	got, err = q.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Progress)

	_, err = q.Fail(ctx, j)
	require.NoError(t, err)
	ok, err = q.UpdateProgress(ctx, j)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverOrphansAndStuck(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, 3)
	enqueue(t, q, 3)
	a, err := q.Dequeue(ctx)
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	b, err := q.Dequeue(ctx)
	require.NoError(t, err)

	stuck, err := q.StuckJobs(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, a.ID, stuck[0].ID)

	ids, err := q.RecoverOrphans(ctx, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	queued, processing, err := q.GetJobCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	assert.Equal(t, 0, processing)
}

func TestRecoverOrphansHonoursGrace(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, 3)
	enqueue(t, q, 3)
	stale, err := q.Dequeue(ctx)
	require.NoError(t, err)
	clock.Advance(20 * time.Minute)
	fresh, err := q.Dequeue(ctx)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	ids, err := q.RecoverOrphans(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, ids)

	got, err := q.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusProcessing, got.Status)

	got, err = q.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestListDeleteAndCleanup(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	a := newJob(3)
	a.OrganizationID = "dreamland"
	require.NoError(t, q.Enqueue(ctx, a))
	clock.Advance(time.Second)
	b := enqueue(t, q, 3)

	all, err := q.ListJobs(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	org, err := q.ListJobs(ctx, Filter{OrganizationID: "dreamland"})
	require.NoError(t, err)
	require.Len(t, org, 1)
	assert.Equal(t, a.ID, org[0].ID)

	err = q.DeleteJob(ctx, a.ID)
	assert.True(t, errors.Is(err, errors.ErrConflict), "queued jobs cannot be deleted")

	_, err = q.Cancel(ctx, a.ID, "")
	require.NoError(t, err)
	require.NoError(t, q.DeleteJob(ctx, a.ID))
	_, err = q.GetJob(ctx, a.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = q.Cancel(ctx, b.ID, "")
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	n, err := q.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestParseStatuses(t *testing.T) {
	got, err := ParseStatuses("queued, processing")
	require.NoError(t, err)
	assert.Equal(t, []JobStatus{JobStatusQueued, JobStatusProcessing}, got)

	_, err = ParseStatuses("queued,sleeping")
	assert.Error(t, err)

	got, err = ParseStatuses("")
	require.NoError(t, err)
	assert.Empty(t, got)
}
