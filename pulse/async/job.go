// Package async provides durable, priority-ordered document processing jobs
// and the pulse worker pool that executes them.
package async

import (
	"strings"
	"time"

	"github.com/teranos/docpipe/ai/provider"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/template"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusQueued, JobStatusProcessing, JobStatusRetrying,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Cancellable reports whether a job in s may still be cancelled.
func (s JobStatus) Cancellable() bool {
	return s == JobStatusPending || s == JobStatusQueued || s == JobStatusRetrying
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusRetrying, JobStatusFailed, JobStatusQueued},
	JobStatusRetrying:   {JobStatusQueued, JobStatusCancelled},
}

// CanTransition reports whether the state machine allows from → to.
// PROCESSING → QUEUED is only taken by orphan recovery.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority bounds
const (
	MinPriority     = 1
	MaxPriority     = 5
	DefaultPriority = 3
)

// DefaultMaxRetries is the attempt budget of a job that does not set one.
const DefaultMaxRetries = 3

// Step names and the progress each one reaches when it completes
const (
	StepFetchDocument    = "fetch_document"
	StepResolveKnowledge = "resolve_knowledge"
	StepAssemblePrompt   = "assemble_prompt"
	StepInvokeProvider   = "invoke_provider"
	StepPersistResult    = "persist_result"
)

var stepProgress = map[string]int{
	StepFetchDocument:    10,
	StepResolveKnowledge: 20,
	StepAssemblePrompt:   30,
	StepInvokeProvider:   80,
	StepPersistResult:    100,
}

// StepProgress returns the progress percentage a completed step reaches.
func StepProgress(step string) int {
	return stepProgress[step]
}

// Step statuses
const (
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Step is one entry of a job's ordered step log.
type Step struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Document references the source document. Its content is fetched at
// execution time.
type Document struct {
	ID   string `json:"id,omitempty"`
	URL  string `json:"url"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// EntityRef links a job to a business entity such as a tender.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Job is one request to process a document through the pipeline.
type Job struct {
	ID             string                  `json:"id"`
	ProcessingType template.ProcessingType `json:"processing_type"`
	Status         JobStatus               `json:"status"`
	Document       Document                `json:"document"`

	TemplateID         string                `json:"template_id,omitempty"`
	CustomInstructions string                `json:"custom_instructions,omitempty"`
	KnowledgeEntryIDs  []string              `json:"knowledge_entry_ids,omitempty"`
	KnowledgeTypes     []string              `json:"knowledge_types,omitempty"`
	OutputFormat       string                `json:"output_format,omitempty"`
	RequestedProvider  string                `json:"requested_provider,omitempty"`
	RequestedModel     string                `json:"requested_model,omitempty"`
	ModelConfig        *provider.ModelConfig `json:"model_config,omitempty"`

	Priority    int       `json:"priority"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	ScheduledAt time.Time `json:"scheduled_at"`
	RunAt       time.Time `json:"run_at"`
	EnqueueSeq  int64     `json:"-"`

	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ProcessingTimeMs int64      `json:"processing_time_ms,omitempty"`

	Provider      string         `json:"provider,omitempty"`
	Model         string         `json:"model,omitempty"`
	Usage         provider.Usage `json:"usage"`
	EstimatedCost float64        `json:"estimated_cost"`
	ActualCost    float64        `json:"actual_cost"`

	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorDetails *ErrorDetails `json:"error_details,omitempty"`

	Progress          int        `json:"progress"`
	CurrentStep       string     `json:"current_step,omitempty"`
	Steps             []Step     `json:"steps,omitempty"`
	ProgressUpdatedAt *time.Time `json:"progress_updated_at,omitempty"`

	UserID         string         `json:"user_id"`
	OrganizationID string         `json:"organization_id,omitempty"`
	RelatedEntity  *EntityRef     `json:"related_entity,omitempty"`
	WebhookURL     string         `json:"webhook_url,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	ResultID       string         `json:"result_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields a job must carry before it is persisted and
// normalizes the processing type.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Document.URL) == "" {
		return errors.NewValidationError("document url is required")
	}
	if strings.TrimSpace(j.UserID) == "" {
		return errors.NewValidationError("user id is required")
	}
	pt, err := template.ParseProcessingType(string(j.ProcessingType))
	if err != nil {
		return err
	}
	j.ProcessingType = pt
	if j.Priority < MinPriority || j.Priority > MaxPriority {
		return errors.NewValidationError("priority must be between %d and %d, got %d", MinPriority, MaxPriority, j.Priority)
	}
	if j.MaxRetries < 1 {
		return errors.NewValidationError("max retries must be at least 1, got %d", j.MaxRetries)
	}
	if j.RetryCount < 0 || j.RetryCount > j.MaxRetries {
		return errors.NewValidationError("retry count %d outside [0, %d]", j.RetryCount, j.MaxRetries)
	}
	if j.RelatedEntity != nil && (j.RelatedEntity.Type == "" || j.RelatedEntity.ID == "") {
		return errors.NewValidationError("related entity needs both type and id")
	}
	return nil
}

// Attempt is the 1-based number of the attempt currently running.
func (j *Job) Attempt() int {
	return j.RetryCount + 1
}

// StartStep appends a running step to the log.
func (j *Job) StartStep(name string, now time.Time) {
	j.CurrentStep = name
	j.Steps = append(j.Steps, Step{Name: name, Status: StepRunning, Attempt: j.Attempt(), StartedAt: now})
}

// FinishStep closes the most recent entry called name. A nil err completes
// the step and raises progress to the step's mark; progress never decreases.
func (j *Job) FinishStep(name, output string, err error, now time.Time) {
	for i := len(j.Steps) - 1; i >= 0; i-- {
		s := &j.Steps[i]
		if s.Name != name || s.Status != StepRunning {
			continue
		}
		s.CompletedAt = &now
		s.Output = output
		if err != nil {
			s.Status = StepFailed
			s.Error = err.Error()
			return
		}
		s.Status = StepCompleted
		break
	}
	if err != nil {
		return
	}
	if p := StepProgress(name); p > j.Progress {
		j.Progress = p
	}
}

// SetUsage copies provider accounting onto the job verbatim.
func (j *Job) SetUsage(resp *provider.Response) {
	if resp == nil {
		return
	}
	j.Provider = string(resp.Provider)
	j.Model = resp.Model
	j.Usage = provider.NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	j.ActualCost = max(resp.Cost, 0)
}
