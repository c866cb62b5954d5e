package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/optrack/errors"
)

var (
	// ErrDuplicateRequest reports that a live operation already holds the dedup key.
	// Submit resolves it to the existing operation; it never reaches callers of Submit.
	ErrDuplicateRequest = errors.New("duplicate request")

	// ErrInvalidStateTransition reports a transition the state machine forbids.
	// The record is left unchanged.
	ErrInvalidStateTransition = errors.Mark(errors.New("invalid state transition"), errors.ErrConflict)

	// ErrLeaseExpired reports that the caller no longer holds the operation's lease.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrRetryExhausted is recorded when an operation goes dead after its last allowed attempt.
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrStoreUnavailable reports a transient storage failure that outlived local retries.
	ErrStoreUnavailable = errors.Mark(errors.New("store unavailable"), errors.ErrServiceUnavailable)

	// ErrPermanent marks a handler error that must not be retried.
	ErrPermanent = errors.New("permanent failure")

	// ErrNoHandler is the failure recorded when no handler serves an operation type.
	ErrNoHandler = errors.New("no handler registered")

	// ErrCancelled is the failure recorded when a queued operation is cancelled.
	ErrCancelled = errors.New("operation cancelled")

	errReportedWithoutCause = errors.New("handler reported failure without an error")
)

// Permanent marks err as non-retryable. The operation goes dead on this attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanent)
}

// ErrorCode represents the classification of a handler failure
type ErrorCode string

const (
	ErrorCodeNetwork    ErrorCode = "network_error"
	ErrorCodeTimeout    ErrorCode = "timeout"
	ErrorCodeValidation ErrorCode = "validation_error"
	ErrorCodeNoHandler  ErrorCode = "no_handler"
	ErrorCodeCancelled  ErrorCode = "cancelled"
	ErrorCodePanic      ErrorCode = "panic"
	ErrorCodeUnknown    ErrorCode = "unknown"
)

// ClassifyError derives a diagnostic code from a handler error.
// The code is informational; retryability comes from Permanent alone.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}
	switch {
	case errors.Is(err, ErrNoHandler):
		return ErrorCodeNoHandler
	case errors.Is(err, ErrCancelled):
		return ErrorCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "panic"):
		return ErrorCodePanic
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ErrorCodeTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "dial"):
		return ErrorCodeNetwork
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation"):
		return ErrorCodeValidation
	default:
		return ErrorCodeUnknown
	}
}

// HandlerError is a business failure reported by an execution handler.
type HandlerError struct {
	OperationType string
	Attempt       int
	Code          ErrorCode
	Retryable     bool
	Err           error
}

// NewHandlerError wraps a handler failure with its classification.
func NewHandlerError(operationType string, attempt int, err error) *HandlerError {
	return &HandlerError{
		OperationType: operationType,
		Attempt:       attempt,
		Code:          ClassifyError(err),
		Retryable:     !IsPermanent(err),
		Err:           err,
	}
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler failed on attempt %d: %v", e.OperationType, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Details renders the error as the error_details document stored on the record.
func (e *HandlerError) Details(at time.Time) Document {
	cause := e.Err
	if cause == nil {
		cause = errReportedWithoutCause
	}
	d := Document{
		"message":   cause.Error(),
		"code":      string(e.Code),
		"retryable": e.Retryable,
		"attempt":   e.Attempt,
		"handler":   e.OperationType,
		"failed_at": at.Format(time.RFC3339Nano),
	}
	if hints := errors.GetAllHints(cause); len(hints) > 0 {
		d["hint"] = strings.Join(hints, "; ")
	}
	return d
}

// retryableFromDetails reads the failure class recorded in error_details.
// Details without a class are treated as retryable.
func retryableFromDetails(d Document) bool {
	if r, ok := d.Bool("retryable"); ok {
		return r
	}
	return true
}
