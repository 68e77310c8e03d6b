package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/internal/httpclient"
	"github.com/teranos/docpipe/pulse/async"
	"github.com/teranos/docpipe/result"
)

type webhookSink struct {
	mu       sync.Mutex
	payloads []map[string]any
	status   int
}

func newSink(t *testing.T, status int) (*webhookSink, *httptest.Server) {
	t.Helper()
	sink := &webhookSink{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			sink.mu.Lock()
			sink.payloads = append(sink.payloads, body)
			sink.mu.Unlock()
		}
		w.WriteHeader(sink.status)
	}))
	t.Cleanup(srv.Close)
	return sink, srv
}

func (s *webhookSink) received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.payloads...)
}

func newTestWebhook(t *testing.T) *Webhook {
	return NewWebhook(httpclient.WrapClient(&http.Client{}), time.Second, zaptest.NewLogger(t).Sugar())
}

func terminalJob(status async.JobStatus, url string) *async.Job {
	done := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return &async.Job{
		ID:             "job-1",
		ProcessingType: "tender_extraction",
		Status:         status,
		RetryCount:     1,
		WebhookURL:     url,
		ErrorMessage:   "503 service unavailable",
		CompletedAt:    &done,
	}
}

func TestWebhookDeliversCompletedResult(t *testing.T) {
	sink, srv := newSink(t, http.StatusOK)
	res := &result.Result{ID: "res-1", JobID: "job-1", ExtractedData: map[string]any{"budget": 500.0}, Confidence: 0.9}

	newTestWebhook(t).Notify(context.Background(), terminalJob(async.JobStatusCompleted, srv.URL), res)

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, "job-1", got[0]["job_id"])
	assert.Equal(t, "completed", got[0]["status"])
	assert.NotContains(t, got[0], "error")
	embedded, ok := got[0]["result"].(map[string]any)
	require.True(t, ok, "result is embedded")
	assert.Equal(t, "res-1", embedded["id"])
}

func TestWebhookDeliversFailureWithoutResult(t *testing.T) {
	sink, srv := newSink(t, http.StatusOK)

	newTestWebhook(t).Notify(context.Background(), terminalJob(async.JobStatusFailed, srv.URL), nil)

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, "failed", got[0]["status"])
	assert.Equal(t, "503 service unavailable", got[0]["error"])
	assert.NotContains(t, got[0], "result")
}

func TestWebhookSkipsNonTerminalAndCancelled(t *testing.T) {
	sink, srv := newSink(t, http.StatusOK)
	w := newTestWebhook(t)

	for _, status := range []async.JobStatus{async.JobStatusCancelled, async.JobStatusQueued, async.JobStatusProcessing} {
		w.Notify(context.Background(), terminalJob(status, srv.URL), nil)
	}
	w.Notify(context.Background(), terminalJob(async.JobStatusCompleted, ""), nil)

	assert.Empty(t, sink.received())
}

func TestWebhookFailureIsSingleAttempt(t *testing.T) {
	sink, srv := newSink(t, http.StatusBadGateway)
	w := newTestWebhook(t)

	err := w.Deliver(context.Background(), srv.URL, NewPayload(terminalJob(async.JobStatusFailed, srv.URL), nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	w.Notify(context.Background(), terminalJob(async.JobStatusFailed, srv.URL), nil)
	assert.Len(t, sink.received(), 2, "one delivery per call, no retries")
}

func TestWebhookBlocksPrivateTargetsByDefault(t *testing.T) {
	sink, srv := newSink(t, http.StatusOK)
	w := NewWebhook(nil, time.Second, zaptest.NewLogger(t).Sugar())

	err := w.Deliver(context.Background(), srv.URL, WebhookPayload{JobID: "job-1"})
	require.Error(t, err)
	assert.Empty(t, sink.received())
}

func TestWebhookValidateURL(t *testing.T) {
	w := NewWebhook(nil, time.Second, zaptest.NewLogger(t).Sugar())

	assert.NoError(t, w.ValidateURL("https://hooks.example.com/tenders"))
	for _, bad := range []string{"ftp://hooks.example.com", "http://localhost/hook", "http://192.168.1.4/hook", "https://user:pw@hooks.example.com"} {
		err := w.ValidateURL(bad)
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, errors.ErrValidation), "got %v", err)
	}
}
