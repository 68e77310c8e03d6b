package logger

import (
	"context"

	"go.uber.org/zap"
)

// Field names shared by every docpipe component, so logs from the API,
// the workers and the CLI can be joined on the same keys.
const (
	FieldJobID     = "job_id"
	FieldRequestID = "request_id"
	FieldUserID    = "user_id"
	FieldOrgID     = "organization_id"
	FieldComponent = "component"

	FieldMethod     = "method"
	FieldPath       = "path"
	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
	FieldStatus     = "status"

	// Pipeline
	FieldTemplateID  = "template_id"
	FieldKnowledgeID = "knowledge_id"
	FieldResultID    = "result_id"
	FieldProvider    = "provider"
	FieldModel       = "model"
	FieldPriority    = "priority"
	FieldAttempt     = "attempt"
	FieldCost        = "cost_usd"
	FieldTokens      = "tokens"
)

type contextKey string

const (
	requestIDKey contextKey = "logger_request_id"
	userIDKey    contextKey = "logger_user_id"
	orgIDKey     contextKey = "logger_organization_id"
)

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithCaller adds the authenticated user and organization to the context
func WithCaller(ctx context.Context, userID, organizationID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, orgIDKey, organizationID)
}

// FieldsFromContext extracts logging fields from context as key-value pairs.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	for _, kv := range []struct {
		key   contextKey
		field string
	}{
		{requestIDKey, FieldRequestID},
		{userIDKey, FieldUserID},
		{orgIDKey, FieldOrgID},
	} {
		if v, ok := ctx.Value(kv.key).(string); ok && v != "" {
			fields = append(fields, kv.field, v)
		}
	}
	return fields
}

// FromContext returns base with the request fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ChildLogger creates a child logger with additional context.
//
//	jobLogger := logger.ChildLogger(baseLogger, logger.FieldJobID, job.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
