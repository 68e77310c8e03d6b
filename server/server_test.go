package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/docpipe/ai/provider"
	"github.com/teranos/docpipe/ai/tracker"
	"github.com/teranos/docpipe/errors"
	testdb "github.com/teranos/docpipe/internal/testing"
	"github.com/teranos/docpipe/knowledge"
	"github.com/teranos/docpipe/pipeline"
	"github.com/teranos/docpipe/pulse/async"
	"github.com/teranos/docpipe/pulse/budget"
	"github.com/teranos/docpipe/result"
	"github.com/teranos/docpipe/template"
)

const docURL = "https://tenders.example.com/t-9.pdf"

// echoAdapter answers every prompt with the same JSON document.
type echoAdapter struct{}

func (echoAdapter) Type() provider.Type { return provider.TypeOpenAI }
func (echoAdapter) Name() string { return "echo" }
func (echoAdapter) Description() string { return "answers with a fixed document" }
func (echoAdapter) Available() bool { return true }
func (echoAdapter) Models() []provider.ModelInfo {
	return []provider.ModelInfo{{ID: "echo-1", ContextWindow: 32000}}
}
func (echoAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{JSONMode: true}
}
func (echoAdapter) EstimateTokens(text string) int { return provider.EstimateTokens(text) }
func (echoAdapter) DefaultConfig() provider.ModelConfig {
	return provider.ModelConfig{Model: "echo-1"}
}
func (echoAdapter) ValidateConfig(provider.ModelConfig) []string { return nil }
func (echoAdapter) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.NewCapabilityError("echo", "embeddings")
}
func (echoAdapter) Invoke(_ context.Context, _, model string, _ provider.ModelConfig) (*provider.Response, error) {
	return &provider.Response{
		Content:  `{"title": "Tender T-9", "confidence": 0.5}`,
		Model:    model,
		Provider: provider.TypeOpenAI,
		Usage:    provider.NewUsage(40, 10),
		Cost:     0.002,
	}, nil
}

type docs map[string]string

func (d docs) Fetch(_ context.Context, doc async.Document) (string, error) {
	if content, ok := d[doc.URL]; ok {
		return content, nil
	}
	return "", errors.NewDocumentUnavailableError(errors.New("404 not found"), doc.URL)
}

type fixture struct {
	srv   *Server
	http  *httptest.Server
	queue *async.Queue
	orch  *pipeline.Orchestrator
}

func newFixture(t *testing.T, limiter *pipeline.SubmitLimiter) *fixture {
	t.Helper()
	conn := testdb.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	registry := provider.NewRegistry(provider.TypeOpenAI, "echo-1", log)
	require.NoError(t, registry.Register(echoAdapter{}))
	usage := tracker.NewUsageTracker(conn, log)
	registry.SetObserver(usage.Observe)

	queue := async.NewQueue(conn, log)
	deps := Deps{
		Queue:       queue,
		Templates:   template.NewStore(conn, log),
		Knowledge:   knowledge.NewStore(conn, log),
		Results:     result.NewStore(conn, log),
		Registry:    registry,
		Budget:      budget.NewTracker(conn, budget.BudgetConfig{DailyBudgetUSD: 5}, log),
		RateLimiter: budget.NewLimiter(60),
		Usage:       usage,
	}
	deps.Orchestrator = pipeline.New(pipeline.Deps{
		Queue:     queue,
		Templates: deps.Templates,
		Knowledge: deps.Knowledge,
		Results:   deps.Results,
		Registry:  registry,
		Fetcher:   docs{docURL: "Tender T-9\nDeadline: 2026-11-30"},
		Limiter:   limiter,
	}, pipeline.Config{}, log)

	srv := New(deps, Config{AllowedOrigins: []string{"https://app.example.com"}}, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, http: ts, queue: queue, orch: deps.Orchestrator}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderUserID, "reviewer-1")
	req.Header.Set(HeaderOrganizationID, "org-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) submit(t *testing.T) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"processing_type": "tender_extraction",
		"document":        map[string]any{"url": docURL},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := decode[submitResponse](t, resp)
	assert.Equal(t, async.JobStatusQueued, out.Status)
	return out.JobID
}

// runNext dequeues the next job and drives it to completion.
func (f *fixture) runNext(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	job, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, f.orch.Execute(ctx, job))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID), "a request ID is assigned")
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, nil)
	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderRequestID, "req-from-proxy")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-from-proxy", resp.Header.Get(HeaderRequestID))
}

func TestSubmitAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	id := f.submit(t)

	resp := f.do(t, http.MethodGet, "/api/jobs/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[pipeline.Status](t, resp)
	assert.Equal(t, id, status.JobID)
	assert.Equal(t, async.JobStatusQueued, status.Status)
	assert.Equal(t, 0, status.Progress)

	job, err := f.queue.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "reviewer-1", job.UserID, "identity headers set the submitter")
	assert.Equal(t, "org-1", job.OrganizationID)

	resp = f.do(t, http.MethodGet, "/api/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, list["count"])
}

func TestSubmitValidationIsBadRequest(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"processing_type": "poetry",
		"document":        map[string]any{"url": docURL},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Equal(t, string(errors.KindValidation), body.Kind)

	resp = f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"processing_type": "summary",
		"document":        map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/api/jobs", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	stats, err := f.queue.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(t, pipeline.NewSubmitLimiter(1, 1))
	f.submit(t)

	resp := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"processing_type": "tender_extraction",
		"document":        map[string]any{"url": docURL},
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	id := f.submit(t)

	resp := f.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", map[string]string{"reason": "duplicate"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[pipeline.Status](t, resp)
	assert.Equal(t, async.JobStatusCancelled, status.Status)

	// Cancelling twice is a no-op
	resp = f.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	running := f.submit(t)
	job, err := f.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, running, job.ID)

	resp = f.do(t, http.MethodPost, "/api/jobs/"+running+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/api/jobs/nope", "/api/jobs/nope/status", "/api/jobs/nope/result"} {
		resp := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp := f.do(t, http.MethodPost, "/api/jobs/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobResultAndReview(t *testing.T) {
	f := newFixture(t, nil)
	id := f.submit(t)

	resp := f.do(t, http.MethodGet, "/api/jobs/"+id+"/result", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no result before completion")

	f.runNext(t)

	resp = f.do(t, http.MethodGet, "/api/jobs/"+id+"/result", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[result.Result](t, resp)
	assert.Equal(t, id, res.JobID)
	assert.Equal(t, "Tender T-9", res.ExtractedData["title"])

	resp = f.do(t, http.MethodPost, "/api/results/"+res.ID+"/review", reviewRequest{Status: result.StatusValid, Notes: "checked"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reviewed := decode[result.Result](t, resp)
	assert.Equal(t, result.StatusValid, reviewed.ValidationStatus)
	assert.Equal(t, "reviewer-1", reviewed.ReviewedBy)
	assert.False(t, reviewed.RequiresHumanReview)

	resp = f.do(t, http.MethodPost, "/api/results/"+res.ID+"/review", reviewRequest{Status: "great"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/results/"+res.ID+"/export", exportRequest{Format: "csv"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exported := decode[result.Result](t, resp)
	assert.Equal(t, "csv", exported.ExportFormat)

	// Terminal jobs can be removed
	resp = f.do(t, http.MethodDelete, "/api/jobs/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestResultFeedbackAndIntegration(t *testing.T) {
	f := newFixture(t, nil)
	id := f.submit(t)
	f.runNext(t)

	resp := f.do(t, http.MethodGet, "/api/jobs/"+id+"/result", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[result.Result](t, resp)

	resp = f.do(t, http.MethodPost, "/api/results/"+res.ID+"/feedback", feedbackRequest{Rating: 4, Comment: "deadline was right"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rated := decode[result.Result](t, resp)
	require.Len(t, rated.Feedback, 1)
	assert.Equal(t, "reviewer-1", rated.Feedback[0].By)
	assert.Equal(t, 4, rated.Feedback[0].Rating)

	resp = f.do(t, http.MethodPost, "/api/results/"+res.ID+"/feedback", feedbackRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "empty feedback")
	resp = f.do(t, http.MethodPost, "/api/results/"+res.ID+"/feedback", feedbackRequest{Rating: 9})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "rating out of range")

	resp = f.do(t, http.MethodPost, "/api/results/"+res.ID+"/integration", integrationRequest{System: "erp", Status: "sent"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	integrated := decode[result.Result](t, resp)
	assert.Equal(t, "erp", integrated.IntegratedWith)
	assert.Equal(t, "sent", integrated.IntegrationStatus)

	resp = f.do(t, http.MethodPost, "/api/results/"+res.ID+"/integration", integrationRequest{Status: "sent"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/results/nope/integration", integrationRequest{System: "erp"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUsage(t *testing.T) {
	f := newFixture(t, nil)
	id := f.submit(t)
	f.runNext(t)

	resp := f.do(t, http.MethodGet, "/api/jobs/"+id+"/usage", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job struct {
		Attempts    []tracker.ModelUsage `json:"attempts"`
		TotalCost   float64              `json:"total_cost"`
		TotalTokens int                  `json:"total_tokens"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	require.Len(t, job.Attempts, 1)
	assert.Equal(t, "echo-1", job.Attempts[0].ModelName)
	assert.InDelta(t, 0.002, job.TotalCost, 1e-9)
	assert.Equal(t, 50, job.TotalTokens)

	resp = f.do(t, http.MethodGet, "/api/usage", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report struct {
		Stats  tracker.UsageStats       `json:"stats"`
		Models []tracker.ModelBreakdown `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, 1, report.Stats.TotalRequests)
	require.Len(t, report.Models, 1)
	assert.Equal(t, "echo-1", report.Models[0].ModelName)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp = f.do(t, http.MethodGet, "/api/usage?since="+future, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Zero(t, report.Stats.TotalRequests)

	resp = f.do(t, http.MethodGet, "/api/usage?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/jobs/nope/usage", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateBudget(t *testing.T) {
	f := newFixture(t, nil)

	weekly := 20.0
	resp := f.do(t, http.MethodPut, "/api/pulse/budget", map[string]any{"weekly_usd": weekly})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	limits := decode[budget.BudgetConfig](t, resp)
	assert.Equal(t, 5.0, limits.DailyBudgetUSD, "omitted caps keep their value")
	assert.Equal(t, 20.0, limits.WeeklyBudgetUSD)

	resp = f.do(t, http.MethodPut, "/api/pulse/budget", map[string]any{"daily_usd": -1, "monthly_usd": 100})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, f.srv.Budget.GetBudgetLimits().MonthlyBudgetUSD, "a rejected update changes nothing")
}

func TestTemplateLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/templates", template.Template{
		Name:           "Tender fields",
		ProcessingType: template.TypeTenderExtraction,
		UserPrompt:     "Extract the fields.",
		OutputFormat:   template.FormatJSON,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[template.Template](t, resp)
	assert.Equal(t, "reviewer-1", created.CreatedBy)
	assert.Equal(t, "org-1", created.OrganizationID)
	assert.Equal(t, template.InitialVersion, created.Version)

	update := created
	update.UserPrompt = "Extract every field."
	resp = f.do(t, http.MethodPut, "/api/templates/"+created.ID, updateTemplateRequest{Template: update, Bump: "minor", Note: "wording"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[template.Template](t, resp)
	assert.Equal(t, "1.1.0", updated.Version)
	assert.Equal(t, "Extract every field.", updated.UserPrompt)

	resp = f.do(t, http.MethodGet, "/api/templates?processing_type=extraction", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, list["count"])

	resp = f.do(t, http.MethodDelete, "/api/templates/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/templates/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKnowledgeCreateAndSearch(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/knowledge", knowledge.Entry{
		Title:    "Submission rules",
		Type:     knowledge.TypeRules,
		Content:  "Bids must be sealed and submitted before the deadline.",
		Keywords: []string{"deadline"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[knowledge.Entry](t, resp)
	assert.Equal(t, "org-1", created.OrganizationID)

	resp = f.do(t, http.MethodGet, "/api/knowledge?q=deadline&type=rules,compliance", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	found := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, found["count"])

	resp = f.do(t, http.MethodGet, "/api/knowledge?type=gossip", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/knowledge/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Submission rules", decode[knowledge.Entry](t, resp).Title)
}

func TestKnowledgeVersionsAndReview(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/knowledge", knowledge.Entry{
		Title:   "Bid bond",
		Type:    knowledge.TypeRules,
		Content: "A bid bond of 2% is required.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	v1 := decode[knowledge.Entry](t, resp)
	assert.Equal(t, "reviewer-1", v1.CreatedBy)

	resp = f.do(t, http.MethodPut, "/api/knowledge/"+v1.ID, knowledge.Entry{
		Title:   "Bid bond",
		Type:    knowledge.TypeRules,
		Content: "A bid bond of 5% is required.",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v2 := decode[knowledge.Entry](t, resp)
	assert.Equal(t, v1.ChainID, v2.ChainID)
	assert.Equal(t, v1.Version+1, v2.Version)

	resp = f.do(t, http.MethodPut, "/api/knowledge/"+v1.ID, knowledge.Entry{
		Title: "Bid bond", Type: knowledge.TypeRules, Content: "stale",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "only the latest version can be updated")

	resp = f.do(t, http.MethodGet, "/api/knowledge/"+v2.ID+"/versions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, decode[map[string]any](t, resp)["count"])
	resp = f.do(t, http.MethodGet, "/api/knowledge/nope/versions", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/knowledge/"+v2.ID+"/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verified := decode[knowledge.Entry](t, resp)
	assert.True(t, verified.IsVerified)
	assert.Equal(t, "reviewer-1", verified.VerifiedBy)

	resp = f.do(t, http.MethodDelete, "/api/knowledge/"+v2.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/knowledge?q=bond", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, decode[map[string]any](t, resp)["count"], "deactivated entries leave search")
	resp = f.do(t, http.MethodGet, "/api/knowledge/"+v2.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "deactivated entries stay readable")
}

func TestProvidersAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t)

	resp := f.do(t, http.MethodGet, "/api/providers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var providers struct {
		Providers []providerInfo `json:"providers"`
		Default   provider.Type  `json:"default"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&providers))
	require.Len(t, providers.Providers, 1)
	assert.True(t, providers.Providers[0].Default)
	assert.Equal(t, provider.TypeOpenAI, providers.Default)

	resp = f.do(t, http.MethodGet, "/api/providers/recommend?task=extraction&context_length=1000", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := decode[map[string]any](t, resp)
	assert.Equal(t, string(provider.TypeOpenAI), rec["provider"])

	resp = f.do(t, http.MethodGet, "/api/pulse/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m pulseMetrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	require.NotNil(t, m.Queue)
	assert.Equal(t, 1, m.Queue.Total)
	require.NotNil(t, m.Limits)
	assert.Equal(t, 5.0, m.Limits.DailyBudgetUSD)
	require.NotNil(t, m.Rate)
	assert.Equal(t, 60, m.Rate.CallsRemaining)
	assert.Zero(t, m.Rate.NextSlotMS)
	assert.Nil(t, m.Workers)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, nil)

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/api/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestWatchStreamsUntilTerminal(t *testing.T) {
	f := newFixture(t, nil)
	id := f.submit(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/jobs/" + id + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var first pipeline.Status
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, async.JobStatusQueued, first.Status)

	go func() {
		ctx := context.Background()
		if job, err := f.queue.Dequeue(ctx); err == nil && job != nil {
			_ = f.orch.Execute(ctx, job)
		}
	}()

	var last pipeline.Status
	for {
		var s pipeline.Status
		if err := conn.ReadJSON(&s); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		assert.Equal(t, id, s.JobID)
		last = s
	}
	assert.Equal(t, async.JobStatusCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
	assert.NotEmpty(t, last.ResultID)
}

func TestWatchTerminalJobClosesAfterSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	id := f.submit(t)
	resp := f.do(t, http.MethodPost, "/api/jobs/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/jobs/" + id + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var s pipeline.Status
	require.NoError(t, conn.ReadJSON(&s))
	assert.Equal(t, async.JobStatusCancelled, s.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	_, resp, err = websocket.DefaultDialer.Dial(strings.Replace(url, id, "missing", 1), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
