// Package pipeline drives a document through the processing steps: fetch,
// knowledge resolution, prompt assembly, provider call and result
// persistence. The Orchestrator is the single writer of a job's final state;
// the worker pool only claims jobs and hands them over.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpipe/ai/provider"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/knowledge"
	"github.com/teranos/docpipe/logger"
	"github.com/teranos/docpipe/prompt"
	"github.com/teranos/docpipe/pulse/async"
	"github.com/teranos/docpipe/result"
	"github.com/teranos/docpipe/template"
)

// DefaultConfidenceThreshold flags results for review when a template sets none.
const DefaultConfidenceThreshold = 0.7

// defaultExpectedOutput is the completion size assumed by the cost estimate
// when the call sets no max tokens.
const defaultExpectedOutput = 1000

// errJobLeft reports that the job stopped being PROCESSING under the worker.
var errJobLeft = errors.New("job is no longer processing")

// Notifier delivers terminal job outcomes. res is nil for failed jobs.
// Implementations are best-effort and never fail the job.
type Notifier interface {
	Notify(ctx context.Context, job *async.Job, res *result.Result)
}

// urlValidator is implemented by notifiers that can vet a webhook URL up front.
type urlValidator interface {
	ValidateURL(raw string) error
}

// Config holds the orchestrator's policy knobs.
type Config struct {
	RetryPolicy         async.RetryPolicy
	DefaultMaxRetries   int
	ConfidenceThreshold float64 // used when the template has none
	DefaultConfidence   float64
}

// Deps are the stores and services the orchestrator composes. Notifier and
// Limiter may be nil.
type Deps struct {
	Queue     *async.Queue
	Templates *template.Store
	Knowledge *knowledge.Store
	Results   *result.Store
	Registry  *provider.Registry
	Assembler *prompt.Assembler
	Fetcher   DocumentFetcher
	Notifier  Notifier
	Limiter   *SubmitLimiter
}

// Orchestrator owns the job lifecycle from submission to a terminal state.
type Orchestrator struct {
	Deps
	cfg    Config
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, log *zap.SugaredLogger) *Orchestrator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = async.DefaultMaxRetries
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if deps.Assembler == nil {
		deps.Assembler = prompt.NewAssembler(0, log)
	}
	return &Orchestrator{
		Deps:   deps,
		cfg:    cfg,
		logger: log.Named("pipeline"),
		now:    time.Now,
	}
}

// SubmitRequest is a job submission. UserID and UserRoles describe the
// already authenticated caller.
type SubmitRequest struct {
	ProcessingType     string                `json:"processing_type"`
	Document           async.Document        `json:"document"`
	TemplateID         string                `json:"template_id,omitempty"`
	CustomInstructions string                `json:"custom_instructions,omitempty"`
	KnowledgeEntryIDs  []string              `json:"knowledge_entry_ids,omitempty"`
	KnowledgeTypes     []string              `json:"knowledge_types,omitempty"`
	OutputFormat       string                `json:"output_format,omitempty"`
	Provider           string                `json:"provider,omitempty"`
	Model              string                `json:"model,omitempty"`
	ModelConfig        *provider.ModelConfig `json:"model_config,omitempty"`
	Priority           int                   `json:"priority,omitempty"`
	ScheduledAt        *time.Time            `json:"scheduled_at,omitempty"`
	MaxRetries         int                   `json:"max_retries,omitempty"`
	WebhookURL         string                `json:"webhook_url,omitempty"`
	UserID             string                `json:"user_id"`
	UserRoles          []string              `json:"-"`
	OrganizationID     string                `json:"organization_id,omitempty"`
	RelatedEntity      *async.EntityRef      `json:"related_entity,omitempty"`
	Metadata           map[string]any        `json:"metadata,omitempty"`
	Tags               []string              `json:"tags,omitempty"`
}

// Submit validates req, persists the job and queues it. It returns the job
// without waiting for any processing.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*async.Job, error) {
	if err := o.Limiter.Allow(req.OrganizationID); err != nil {
		return nil, err
	}

	pt, err := template.ParseProcessingType(req.ProcessingType)
	if err != nil {
		return nil, err
	}
	var tmpl *template.Template
	if req.TemplateID != "" {
		if tmpl, err = o.checkTemplate(ctx, req, pt); err != nil {
			return nil, err
		}
	}
	if err := o.checkProvider(req, tmpl); err != nil {
		return nil, err
	}
	switch req.OutputFormat {
	case "", template.FormatText, template.FormatJSON:
	default:
		return nil, errors.NewValidationError("unknown output format %q (valid: text, json)", req.OutputFormat)
	}
	if req.Priority != 0 && (req.Priority < async.MinPriority || req.Priority > async.MaxPriority) {
		return nil, errors.NewValidationError("priority must be between %d and %d, got %d",
			async.MinPriority, async.MaxPriority, req.Priority)
	}
	if req.WebhookURL != "" && !strings.HasPrefix(req.WebhookURL, "http://") && !strings.HasPrefix(req.WebhookURL, "https://") {
		return nil, errors.NewValidationError("webhook url must be http or https: %q", req.WebhookURL)
	}
	if v, ok := o.Notifier.(urlValidator); ok && req.WebhookURL != "" {
		if err := v.ValidateURL(req.WebhookURL); err != nil {
			return nil, err
		}
	}

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = o.cfg.DefaultMaxRetries
	}
	job := &async.Job{
		ProcessingType:     pt,
		Document:           req.Document,
		TemplateID:         req.TemplateID,
		CustomInstructions: req.CustomInstructions,
		KnowledgeEntryIDs:  req.KnowledgeEntryIDs,
		KnowledgeTypes:     req.KnowledgeTypes,
		OutputFormat:       req.OutputFormat,
		RequestedProvider:  req.Provider,
		RequestedModel:     req.Model,
		ModelConfig:        req.ModelConfig,
		Priority:           req.Priority,
		MaxRetries:         maxRetries,
		WebhookURL:         req.WebhookURL,
		UserID:             req.UserID,
		OrganizationID:     req.OrganizationID,
		RelatedEntity:      req.RelatedEntity,
		Metadata:           req.Metadata,
		Tags:               req.Tags,
	}
	if req.ScheduledAt != nil {
		job.ScheduledAt = *req.ScheduledAt
	}
	if err := o.Queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (o *Orchestrator) checkTemplate(ctx context.Context, req SubmitRequest, pt template.ProcessingType) (*template.Template, error) {
	tmpl, err := o.Templates.Get(ctx, req.TemplateID)
	if errors.IsNotFoundError(err) {
		return nil, errors.MarkValidation(err)
	}
	if err != nil {
		return nil, err
	}
	if tmpl.ProcessingType != pt {
		return nil, errors.NewValidationError("template %s is for %s, not %s", tmpl.ID, tmpl.ProcessingType, pt)
	}
	if tmpl.OrganizationID != "" && tmpl.OrganizationID != req.OrganizationID {
		return nil, errors.NewValidationError("template %s belongs to another organization", tmpl.ID)
	}
	if !tmpl.CanUse(req.UserID, req.UserRoles) {
		return nil, errors.NewValidationError("user %s may not use template %s", req.UserID, tmpl.ID)
	}
	if !tmpl.Accepts(req.Document.Type, req.Document.Size) {
		return nil, errors.NewValidationError("template %s does not accept a %q document of %d bytes",
			tmpl.ID, req.Document.Type, req.Document.Size)
	}
	return tmpl, nil
}

// checkProvider resolves the adapter and model the job would run on and
// validates the merged call settings against it. With no adapter available
// at all the job is accepted; the worker resolves again when it runs.
func (o *Orchestrator) checkProvider(req SubmitRequest, tmpl *template.Template) error {
	if req.Provider != "" {
		if _, err := provider.ParseType(req.Provider); err != nil {
			return errors.MarkValidation(err)
		}
	}

	var (
		defaults provider.Defaults
		cfg      provider.ModelConfig
	)
	if tmpl != nil {
		defaults = provider.Defaults{Provider: tmpl.DefaultProvider, Model: tmpl.DefaultModel}
		cfg = tmpl.ModelConfig
	}
	if req.ModelConfig != nil {
		cfg = req.ModelConfig.Merge(cfg)
	}
	resolution, err := o.Registry.Resolve(req.Provider, req.Model, defaults)
	if errors.Is(err, errors.ErrServiceUnavailable) {
		return nil
	}
	if err != nil {
		return err
	}
	cfg.Model = resolution.Model
	cfg = cfg.Merge(resolution.Adapter.DefaultConfig())
	if problems := resolution.Adapter.ValidateConfig(cfg); len(problems) > 0 {
		return errors.NewValidationError("unsupported model settings for %s: %s",
			resolution.Adapter.Type(), strings.Join(problems, "; "))
	}
	return nil
}

// Status is a job's externally visible progress.
type Status struct {
	JobID        string          `json:"job_id"`
	Status       async.JobStatus `json:"status"`
	Progress     int             `json:"progress"`
	CurrentStep  string          `json:"current_step,omitempty"`
	Steps        []async.Step    `json:"steps"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ResultID     string          `json:"result_id,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StatusOf projects a job onto its Status.
func StatusOf(j *async.Job) *Status {
	steps := j.Steps
	if steps == nil {
		steps = []async.Step{}
	}
	return &Status{
		JobID:        j.ID,
		Status:       j.Status,
		Progress:     j.Progress,
		CurrentStep:  j.CurrentStep,
		Steps:        steps,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		ErrorMessage: j.ErrorMessage,
		ResultID:     j.ResultID,
		UpdatedAt:    j.UpdatedAt,
	}
}

// GetStatus returns the persisted progress of a job.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*Status, error) {
	job, err := o.Queue.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return StatusOf(job), nil
}

// Cancel cancels a job that has not started running.
func (o *Orchestrator) Cancel(ctx context.Context, jobID, reason string) (*async.Job, error) {
	if reason == "" {
		reason = "cancelled by request"
	}
	return o.Queue.Cancel(ctx, jobID, reason)
}

// Execute runs one attempt of a claimed job and records its outcome:
// COMPLETED, a scheduled retry, or FAILED. It returns an error only when
// the outcome itself could not be recorded, or when ctx ended, in which
// case nothing is recorded and the caller re-queues the job.
func (o *Orchestrator) Execute(ctx context.Context, job *async.Job) error {
	log := logger.ChildLogger(o.logger,
		logger.FieldJobID, job.ID,
		logger.FieldAttempt, job.Attempt())
	if job.Status != async.JobStatusProcessing {
		log.Debugw("Skipping job that is not processing", logger.FieldStatus, job.Status)
		return nil
	}
	started := o.now()

	err := o.run(ctx, job, log)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errJobLeft):
		log.Warnw("Job left processing during the attempt, outcome discarded")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}

	log.Debugw("Attempt failed", logger.FieldDurationMS, o.now().Sub(started).Milliseconds(), logger.FieldError, err)
	return o.recordFailure(ctx, job, err, log)
}

func (o *Orchestrator) run(ctx context.Context, job *async.Job, log *zap.SugaredLogger) error {
	var tmpl *template.Template
	if job.TemplateID != "" {
		t, err := o.Templates.Get(ctx, job.TemplateID)
		if err != nil {
			return errors.Wrap(err, "template unavailable")
		}
		tmpl = t
	}

	job.StartStep(async.StepFetchDocument, o.now())
	document, err := o.Fetcher.Fetch(ctx, job.Document)
	if err != nil {
		return err
	}
	if err := o.advance(ctx, job, async.StepFetchDocument, fmt.Sprintf("%d bytes", len(document))); err != nil {
		return err
	}

	job.StartStep(async.StepResolveKnowledge, o.now())
	entries, err := o.Knowledge.ResolveForJob(ctx, knowledge.Request{
		EntryIDs:       job.KnowledgeEntryIDs,
		Types:          knowledgeTypes(job, tmpl),
		OrganizationID: job.OrganizationID,
	})
	if err != nil {
		return err
	}
	if err := o.advance(ctx, job, async.StepResolveKnowledge, fmt.Sprintf("%d entries", len(entries))); err != nil {
		return err
	}

	job.StartStep(async.StepAssemblePrompt, o.now())
	p, err := o.Assembler.Assemble(prompt.Input{
		JobID:              job.ID,
		ProcessingType:     job.ProcessingType,
		Template:           tmpl,
		CustomInstructions: job.CustomInstructions,
		Document:           document,
		Knowledge:          entries,
		Variables:          variables(job.Metadata),
		OutputFormat:       job.OutputFormat,
	})
	if err != nil {
		return err
	}
	var defaults provider.Defaults
	if tmpl != nil {
		defaults = provider.Defaults{Provider: tmpl.DefaultProvider, Model: tmpl.DefaultModel}
	}
	resolution, err := o.Registry.Resolve(job.RequestedProvider, job.RequestedModel, defaults)
	if err != nil {
		return errors.MarkTransient(err)
	}
	cfg := callConfig(job, p, resolution)
	if problems := resolution.Adapter.ValidateConfig(cfg); len(problems) > 0 {
		return errors.MarkPermanent(errors.Newf("invalid model config for %s: %s",
			resolution.Adapter.Type(), strings.Join(problems, "; ")))
	}
	job.EstimatedCost = provider.EstimateCost(resolution.Adapter, resolution.Model, p.Text, expectedOutput(cfg))
	summary := fmt.Sprintf("%s prompt for %s/%s", p.Source, resolution.Adapter.Type(), resolution.Model)
	if err := o.advance(ctx, job, async.StepAssemblePrompt, summary); err != nil {
		return err
	}

	job.StartStep(async.StepInvokeProvider, o.now())
	resp, err := o.Registry.InvokeWithFallback(ctx, provider.Invocation{
		JobID:      job.ID,
		Prompt:     p.Text,
		Resolution: resolution,
		Config:     cfg,
	})
	if err != nil {
		return err
	}
	job.SetUsage(resp)
	usage := fmt.Sprintf("%s/%s, %d tokens, $%.4f", job.Provider, job.Model, job.Usage.TotalTokens, job.ActualCost)
	if err := o.advance(ctx, job, async.StepInvokeProvider, usage); err != nil {
		return err
	}

	job.StartStep(async.StepPersistResult, o.now())
	out, err := result.Process(resp.Content, processOptions(tmpl, p, resp, o.cfg.DefaultConfidence))
	if err != nil {
		return err
	}
	res := &result.Result{
		JobID:               job.ID,
		RawContent:          resp.Content,
		ExtractedData:       out.ExtractedData,
		Summary:             out.Summary,
		Confidence:          out.Confidence,
		ValidationStatus:    result.StatusPending,
		ValidationErrors:    out.ValidationErrors,
		Entities:            out.Entities,
		Relationships:       out.Relationships,
		RequiresHumanReview: result.RequiresReview(out.Confidence, o.threshold(tmpl)),
	}
	job.FinishStep(async.StepPersistResult, fmt.Sprintf("confidence %.2f", out.Confidence), nil, o.now())

	var saved *result.Result
	ok, err := o.Queue.Complete(ctx, job, func(tx *sql.Tx) (string, error) {
		s, err := o.Results.SaveTx(ctx, tx, res)
		if err != nil {
			return "", err
		}
		saved = s
		return s.ID, nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return errJobLeft
	}

	log.Infow("Job completed",
		logger.FieldResultID, saved.ID,
		logger.FieldProvider, job.Provider,
		logger.FieldModel, job.Model,
		logger.FieldTokens, job.Usage.TotalTokens,
		logger.FieldCost, job.ActualCost,
		logger.FieldDurationMS, job.ProcessingTimeMs,
		"requires_review", saved.RequiresHumanReview)
	o.recordTemplate(ctx, job, true)
	o.notify(ctx, job, saved)
	return nil
}

// advance closes step and persists the job's progress.
func (o *Orchestrator) advance(ctx context.Context, job *async.Job, step, output string) error {
	job.FinishStep(step, output, nil, o.now())
	ok, err := o.Queue.UpdateProgress(ctx, job)
	if err != nil {
		return err
	}
	if !ok {
		return errJobLeft
	}
	return nil
}

// recordFailure closes the failed step and either schedules the next
// attempt or fails the job for good.
func (o *Orchestrator) recordFailure(ctx context.Context, job *async.Job, cause error, log *zap.SugaredLogger) error {
	now := o.now()
	stage := job.CurrentStep
	if stage != "" {
		job.FinishStep(stage, "", cause, now)
	}
	attempt := job.Attempt()
	decision := o.cfg.RetryPolicy.Decide(job.RetryCount, job.MaxRetries, cause)
	job.RetryCount = decision.RetryCount
	job.ErrorMessage = cause.Error()
	job.ErrorDetails = async.ClassifyError(stage, attempt, cause, now)

	if decision.Retry {
		ok, err := o.Queue.Retry(ctx, job, decision.Delay)
		if err != nil {
			return err
		}
		if ok {
			log.Warnw("Attempt failed, retry scheduled",
				"stage", stage,
				"kind", job.ErrorDetails.Kind,
				"retry_count", job.RetryCount,
				"max_retries", job.MaxRetries,
				"delay", decision.Delay,
				logger.FieldError, cause)
		}
		return nil
	}

	ok, err := o.Queue.Fail(ctx, job)
	if err != nil || !ok {
		return err
	}
	log.Errorw("Job failed",
		"stage", stage,
		"kind", job.ErrorDetails.Kind,
		"retry_count", job.RetryCount,
		"max_retries", job.MaxRetries,
		logger.FieldError, cause)
	o.recordTemplate(ctx, job, false)
	o.notify(ctx, job, nil)
	return nil
}

func (o *Orchestrator) recordTemplate(ctx context.Context, job *async.Job, success bool) {
	if job.TemplateID == "" {
		return
	}
	err := o.Templates.RecordCompletion(context.WithoutCancel(ctx), job.TemplateID, template.Outcome{
		Success:      success,
		Cost:         job.ActualCost,
		ProcessingMs: job.ProcessingTimeMs,
	})
	if err != nil {
		o.logger.Warnw("Failed to record template usage",
			logger.FieldJobID, job.ID,
			logger.FieldTemplateID, job.TemplateID,
			logger.FieldError, err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, job *async.Job, res *result.Result) {
	if o.Notifier == nil {
		return
	}
	o.Notifier.Notify(context.WithoutCancel(ctx), job, res)
}

func (o *Orchestrator) threshold(tmpl *template.Template) float64 {
	if tmpl != nil && tmpl.ConfidenceThreshold != nil {
		return *tmpl.ConfidenceThreshold
	}
	return o.cfg.ConfidenceThreshold
}

func knowledgeTypes(job *async.Job, tmpl *template.Template) []string {
	if len(job.KnowledgeTypes) > 0 {
		return job.KnowledgeTypes
	}
	if tmpl != nil {
		return tmpl.RequiredKnowledgeTypes
	}
	return nil
}

// variables exposes the string-valued metadata to template placeholders.
func variables(metadata map[string]any) map[string]string {
	vars := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if s, ok := v.(string); ok {
			vars[k] = s
		}
	}
	return vars
}

// callConfig layers the job's settings over the prompt's template settings
// and pins the resolved model.
func callConfig(job *async.Job, p *prompt.Prompt, res provider.Resolution) provider.ModelConfig {
	cfg := p.Config
	if job.ModelConfig != nil {
		cfg = job.ModelConfig.Merge(cfg)
	}
	cfg.Model = res.Model
	cfg.JSONOutput = p.JSONOutput && res.Adapter.Capabilities().JSONMode
	return cfg.Merge(res.Adapter.DefaultConfig())
}

func expectedOutput(cfg provider.ModelConfig) int {
	if cfg.MaxTokens != nil && *cfg.MaxTokens > 0 {
		return *cfg.MaxTokens
	}
	return defaultExpectedOutput
}

func processOptions(tmpl *template.Template, p *prompt.Prompt, resp *provider.Response, defaultConfidence float64) result.Options {
	opts := result.Options{
		JSON:              p.JSONOutput,
		FinishReason:      resp.FinishReason,
		DefaultConfidence: defaultConfidence,
	}
	if tmpl != nil {
		opts.Rules = tmpl.PostProcessingRules
		opts.Schema = tmpl.ExtractionSchema
	}
	return opts
}
