// Package notify delivers job outcomes outside the process: a single
// best-effort webhook call per terminal job, and a Redis Pub/Sub stream of
// every status transition.
package notify

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/internal/httpclient"
	"github.com/teranos/docpipe/logger"
	"github.com/teranos/docpipe/pulse/async"
	"github.com/teranos/docpipe/result"
)

// DefaultWebhookTimeout bounds one webhook delivery.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookPayload is the body POSTed to a job's webhook URL.
type WebhookPayload struct {
	JobID          string          `json:"job_id"`
	Status         async.JobStatus `json:"status"`
	ProcessingType string          `json:"processing_type"`
	RetryCount     int             `json:"retry_count"`
	Error          string          `json:"error,omitempty"`
	Result         *result.Result  `json:"result,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// Webhook posts terminal outcomes to the job's webhook URL. Each outcome is
// attempted once; failures are logged and never reach the job.
type Webhook struct {
	client  *httpclient.SaferClient
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewWebhook creates a webhook notifier. A nil client gets a SaferClient.
func NewWebhook(client *httpclient.SaferClient, timeout time.Duration, log *zap.SugaredLogger) *Webhook {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	if client == nil {
		client = httpclient.NewSaferClient(timeout)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Webhook{client: client, timeout: timeout, logger: log.Named("webhook")}
}

// Notify delivers the outcome of job. Only COMPLETED and FAILED jobs with a
// webhook URL are delivered.
func (w *Webhook) Notify(ctx context.Context, job *async.Job, res *result.Result) {
	if job.WebhookURL == "" {
		return
	}
	if job.Status != async.JobStatusCompleted && job.Status != async.JobStatusFailed {
		return
	}
	log := logger.ChildLogger(w.logger, logger.FieldJobID, job.ID, logger.FieldStatus, job.Status)

	if err := w.Deliver(ctx, job.WebhookURL, NewPayload(job, res)); err != nil {
		log.Warnw("Webhook delivery failed", "url", job.WebhookURL, logger.FieldError, err)
		return
	}
	log.Debugw("Webhook delivered", "url", job.WebhookURL)
}

// ValidateURL rejects webhook targets the client would refuse to call, so a
// bad URL fails the submission instead of the delivery.
func (w *Webhook) ValidateURL(raw string) error {
	if _, err := w.client.ValidateURL(raw); err != nil {
		return errors.NewValidationError("webhook url %q rejected: %v", raw, err)
	}
	return nil
}

// Deliver sends payload to url once.
func (w *Webhook) Deliver(ctx context.Context, url string, payload WebhookPayload) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	resp, err := w.client.PostJSON(ctx, url, payload)
	if err != nil {
		return errors.Wrap(err, "webhook request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// NewPayload builds the webhook body for job.
func NewPayload(job *async.Job, res *result.Result) WebhookPayload {
	p := WebhookPayload{
		JobID:          job.ID,
		Status:         job.Status,
		ProcessingType: string(job.ProcessingType),
		RetryCount:     job.RetryCount,
		Result:         res,
		CompletedAt:    job.CompletedAt,
	}
	if job.Status == async.JobStatusFailed {
		p.Error = job.ErrorMessage
	}
	return p
}
