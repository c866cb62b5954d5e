package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Operation identity
	FieldOperationID   = "operation_id"
	FieldOperationType = "operation_type"
	FieldRequestID     = "request_id"
	FieldLeaseID       = "lease_id"
	FieldWorkerID      = "worker_id"

	// Lifecycle
	FieldStatus     = "status"
	FieldFromStatus = "from_status"
	FieldToStatus   = "to_status"
	FieldAttempt    = "attempt"
	FieldRetryCount = "retry_count"
	FieldMaxRetries = "max_retries"
	FieldPriority   = "priority"
	FieldDelay      = "delay"

	// Components
	FieldComponent = "component"
	FieldHandler   = "handler"

	// HTTP
	FieldMethod = "method"
	FieldPath   = "path"
	FieldPort   = "port"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts
	FieldCount = "count"

	FieldSymbol = "symbol" // subsystem glyph (꩜, ✿, ❀, ⊔)
)

type contextKey string

const (
	operationIDKey contextKey = "logger_operation_id"
	workerIDKey    contextKey = "logger_worker_id"
)

// WithOperationID adds an operation ID to the context for logging
func WithOperationID(ctx context.Context, operationID string) context.Context {
	return context.WithValue(ctx, operationIDKey, operationID)
}

// WithWorkerID adds a worker ID to the context for logging
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(operationIDKey).(string); ok && id != "" {
		fields = append(fields, FieldOperationID, id)
	}
	if id, ok := ctx.Value(workerIDKey).(string); ok && id != "" {
		fields = append(fields, FieldWorkerID, id)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
