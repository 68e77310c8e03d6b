// Package tracker records every model invocation in ai_model_usage. The
// budget tracker reads the same table to enforce spend caps.
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpipe/ai/provider"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
)

// Usage tracking context for pipeline invocations.
const (
	OperationDocumentProcessing = "document_processing"
	EntityJob                   = "job"
)

// ModelUsage represents a record of AI model usage
type ModelUsage struct {
	ID                int        `json:"id" db:"id"`
	OperationType     string     `json:"operation_type" db:"operation_type"`
	EntityType        string     `json:"entity_type" db:"entity_type"`
	EntityID          string     `json:"entity_id" db:"entity_id"`
	ModelName         string     `json:"model_name" db:"model_name"`
	ModelProvider     string     `json:"model_provider" db:"model_provider"`
	ModelConfig       *string    `json:"model_config,omitempty" db:"model_config"`
	RequestTimestamp  time.Time  `json:"request_timestamp" db:"request_timestamp"`
	ResponseTimestamp *time.Time `json:"response_timestamp,omitempty" db:"response_timestamp"`
	TokensUsed        *int       `json:"tokens_used,omitempty" db:"tokens_used"`
	Cost              *float64   `json:"cost,omitempty" db:"cost"`
	Success           bool       `json:"success" db:"success"`
	ErrorMessage      *string    `json:"error_message,omitempty" db:"error_message"`
	Metadata          *string    `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// UsageMetadata represents additional context for AI model usage
type UsageMetadata struct {
	Fallback         bool   `json:"fallback,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	FinishReason     string `json:"finish_reason,omitempty"`
	ErrorKind        string `json:"error_kind,omitempty"`
}

// UsageTracker provides functionality to track AI model usage
type UsageTracker struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewUsageTracker creates a new AI usage tracker
func NewUsageTracker(db *sql.DB, log *zap.SugaredLogger) *UsageTracker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &UsageTracker{db: db, logger: log.Named("usage")}
}

// TrackUsage records AI model usage in the database
func (t *UsageTracker) TrackUsage(ctx context.Context, usage *ModelUsage) error {
	query := `
		INSERT INTO ai_model_usage (
			operation_type, entity_type, entity_id, model_name, model_provider,
			model_config, request_timestamp, response_timestamp, tokens_used,
			cost, success, error_message, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := t.db.ExecContext(ctx, query,
		usage.OperationType, usage.EntityType, usage.EntityID,
		usage.ModelName, usage.ModelProvider, usage.ModelConfig,
		usage.RequestTimestamp.UTC(), utcPtr(usage.ResponseTimestamp), usage.TokensUsed,
		usage.Cost, usage.Success, usage.ErrorMessage, usage.Metadata,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record model usage")
	}
	return nil
}

// Observe records one registry attempt against the job. It matches
// provider.Observer and never fails the caller: tracking errors are logged.
func (t *UsageTracker) Observe(ctx context.Context, jobID string, attempt provider.Attempt) {
	usage := FromAttempt(jobID, attempt)
	// a cancelled job context must not lose the record
	if err := t.TrackUsage(context.WithoutCancel(ctx), usage); err != nil {
		t.logger.Warnw("Failed to track usage",
			logger.FieldJobID, jobID,
			logger.FieldProvider, attempt.Provider,
			logger.FieldModel, attempt.Model,
			logger.FieldError, err)
	}
}

// FromAttempt converts a registry attempt into a usage row.
func FromAttempt(jobID string, attempt provider.Attempt) *ModelUsage {
	responseTime := attempt.Started.Add(attempt.Duration)
	meta := UsageMetadata{Fallback: attempt.Fallback}

	usage := &ModelUsage{
		OperationType:     OperationDocumentProcessing,
		EntityType:        EntityJob,
		EntityID:          jobID,
		ModelName:         attempt.Model,
		ModelProvider:     string(attempt.Provider),
		ModelConfig:       NewModelConfig(attempt.Config),
		RequestTimestamp:  attempt.Started,
		ResponseTimestamp: &responseTime,
		Success:           attempt.Err == nil,
	}

	if attempt.Err != nil {
		msg := attempt.Err.Error()
		usage.ErrorMessage = &msg
		meta.ErrorKind = string(errors.KindOf(attempt.Err))
	} else if resp := attempt.Response; resp != nil {
		tokens := resp.Usage.TotalTokens
		cost := resp.Cost
		usage.TokensUsed = &tokens
		usage.Cost = &cost
		meta.PromptTokens = resp.Usage.PromptTokens
		meta.CompletionTokens = resp.Usage.CompletionTokens
		meta.FinishReason = resp.FinishReason
	}

	usage.Metadata = NewUsageMetadata(meta)
	return usage
}

// GetUsageStats returns usage statistics for a given time period
func (t *UsageTracker) GetUsageStats(ctx context.Context, since time.Time) (*UsageStats, error) {
	query := `
		SELECT
			COUNT(*) as total_requests,
			COUNT(CASE WHEN success = 1 THEN 1 END) as successful_requests,
			COALESCE(SUM(COALESCE(tokens_used, 0)), 0) as total_tokens,
			COALESCE(SUM(COALESCE(cost, 0)), 0) as total_cost,
			COUNT(DISTINCT model_name) as unique_models
		FROM ai_model_usage
		WHERE request_timestamp >= ?`

	var stats UsageStats
	err := t.db.QueryRowContext(ctx, query, since.UTC()).Scan(
		&stats.TotalRequests, &stats.SuccessfulRequests,
		&stats.TotalTokens, &stats.TotalCost, &stats.UniqueModels,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query usage stats")
	}

	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRequests) / float64(stats.TotalRequests)
	}

	return &stats, nil
}

// GetModelBreakdown returns usage breakdown by model
func (t *UsageTracker) GetModelBreakdown(ctx context.Context, since time.Time) ([]ModelBreakdown, error) {
	query := `
		SELECT
			model_name,
			model_provider,
			COUNT(*) as request_count,
			SUM(COALESCE(tokens_used, 0)) as total_tokens,
			SUM(COALESCE(cost, 0)) as total_cost,
			AVG(CASE WHEN response_timestamp IS NOT NULL THEN
				(julianday(response_timestamp) - julianday(request_timestamp)) * 86400000
				ELSE NULL END) as avg_response_time_ms
		FROM ai_model_usage
		WHERE request_timestamp >= ? AND success = 1
		GROUP BY model_name, model_provider
		ORDER BY total_cost DESC`

	rows, err := t.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query model breakdown")
	}
	defer rows.Close()

	var breakdown []ModelBreakdown
	for rows.Next() {
		var mb ModelBreakdown
		if err := rows.Scan(&mb.ModelName, &mb.ModelProvider, &mb.RequestCount,
			&mb.TotalTokens, &mb.TotalCost, &mb.AvgResponseTimeMs); err != nil {
			return nil, errors.Wrap(err, "failed to scan model breakdown")
		}
		breakdown = append(breakdown, mb)
	}

	return breakdown, rows.Err()
}

// GetEntityUsage returns every recorded attempt for one entity, oldest first.
func (t *UsageTracker) GetEntityUsage(ctx context.Context, entityType, entityID string) ([]ModelUsage, error) {
	query := `
		SELECT id, operation_type, entity_type, entity_id, model_name, model_provider,
			model_config, request_timestamp, response_timestamp, tokens_used, cost,
			success, error_message, metadata, created_at
		FROM ai_model_usage
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY request_timestamp ASC, id ASC`

	rows, err := t.db.QueryContext(ctx, query, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query entity usage")
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(&u.ID, &u.OperationType, &u.EntityType, &u.EntityID, &u.ModelName,
			&u.ModelProvider, &u.ModelConfig, &u.RequestTimestamp, &u.ResponseTimestamp,
			&u.TokensUsed, &u.Cost, &u.Success, &u.ErrorMessage, &u.Metadata, &u.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan usage row")
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UsageStats represents aggregated usage statistics
type UsageStats struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	TotalTokens        int     `json:"total_tokens"`
	TotalCost          float64 `json:"total_cost"`
	UniqueModels       int     `json:"unique_models"`
}

// ModelBreakdown represents usage statistics for a specific model
type ModelBreakdown struct {
	ModelName         string   `json:"model_name"`
	ModelProvider     string   `json:"model_provider"`
	RequestCount      int      `json:"request_count"`
	TotalTokens       int      `json:"total_tokens"`
	TotalCost         float64  `json:"total_cost"`
	AvgResponseTimeMs *float64 `json:"avg_response_time_ms,omitempty"`
}

// NewModelConfig serializes the call settings to JSON, nil when nothing was set
func NewModelConfig(cfg provider.ModelConfig) *string {
	cfg.Model = ""
	data, err := json.Marshal(cfg)
	if err != nil || string(data) == "{}" {
		return nil
	}
	jsonStr := string(data)
	return &jsonStr
}

// NewUsageMetadata creates UsageMetadata and serializes it to JSON
func NewUsageMetadata(metadata UsageMetadata) *string {
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil
	}
	jsonStr := string(data)
	return &jsonStr
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
