package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch chan *Job) []*Job {
	var out []*Job
	for {
		select {
		case j := <-ch:
			out = append(out, j)
		default:
			return out
		}
	}
}

func TestSubscribersSeeEveryTransition(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	enqueue(t, q, 3)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	j.RetryCount = 1
	_, err = q.Retry(ctx, j, 0)
	require.NoError(t, err)

	var statuses []JobStatus
	for _, snap := range drain(ch) {
		statuses = append(statuses, snap.Status)
	}
	assert.Equal(t, []JobStatus{
		JobStatusPending, JobStatusQueued, JobStatusProcessing, JobStatusRetrying, JobStatusQueued,
	}, statuses)
}

func TestSubscriberSnapshotsAreCopies(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, 3)
	j, err := q.Dequeue(ctx)
	require.NoError(t, err)

	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	j.StartStep(StepFetchDocument, clock.Now())
	_, err = q.UpdateProgress(ctx, j)
	require.NoError(t, err)
	j.Steps[0].Status = StepFailed

	snaps := drain(ch)
	require.Len(t, snaps, 1)
	assert.Equal(t, StepRunning, snaps[0].Steps[0].Status)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ch := q.Subscribe()
	q.Unsubscribe(ch)
	enqueue(t, q, 3)
	assert.Empty(t, drain(ch))
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	// each enqueue publishes two snapshots; the overflow is dropped
	for i := 0; i < SubscriberChannelBufferSize; i++ {
		enqueue(t, q, 3)
	}
	assert.Len(t, drain(ch), SubscriberChannelBufferSize)
}

func TestReadySignalledOnEnqueue(t *testing.T) {
	q, _, _ := newTestQueue(t)
	enqueue(t, q, 3)
	select {
	case <-q.Ready():
	default:
		t.Fatal("expected a ready signal")
	}
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("job-1")
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)

	// different keys do not contend
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	unlockB()
	unlockA()

	k.mu.Lock()
	assert.Empty(t, k.locks, "unused keys are forgotten")
	k.mu.Unlock()
}
