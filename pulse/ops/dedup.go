package ops

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/logger"
)

// submitAttempts bounds the insert/lookup loop when the live record keeps
// finishing between our insert and our read.
const submitAttempts = 5

// MaxSubmitDelay caps how far a submission may defer its first attempt.
// Timestamps are stored as Unix nanoseconds, which end in 2262.
const MaxSubmitDelay = 10 * 365 * 24 * time.Hour

// SubmitRequest is a request to track a new operation.
type SubmitRequest struct {
	// RequestID is the caller's identity for the work. Empty means derive it
	// from OperationType and Parameters.
	RequestID     string
	OperationType string
	Parameters    Document
	Priority      *int
	MaxRetries    *int
	// Delay defers first eligibility.
	Delay time.Duration
}

// SubmitResult reports which operation now tracks the request.
type SubmitResult struct {
	OperationID string `json:"operation_id"`
	RequestID   string `json:"request_id"`
	Created     bool   `json:"created"`
	Status      Status `json:"status"`
}

// Submit enqueues a request unless an operation for the same
// (request_id, operation_type) is still live, in which case the live operation's
// id comes back with Created false and the new parameters are discarded.
// Concurrent duplicates race on the store's uniqueness constraint; exactly one insert wins.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.OperationType == "" {
		return SubmitResult{}, errors.NewInvalidRequestError("operation_type is required")
	}
	if req.Delay < 0 {
		return SubmitResult{}, errors.NewInvalidRequestError("delay must not be negative")
	}
	if req.Delay > MaxSubmitDelay {
		return SubmitResult{}, errors.NewInvalidRequestError("delay must not exceed %s, got %s", MaxSubmitDelay, req.Delay)
	}

	cfg := m.Config()
	priority := cfg.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	maxRetries := cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return SubmitResult{}, errors.NewInvalidRequestError("max_retries must not be negative, got %d", *req.MaxRetries)
		}
		maxRetries = *req.MaxRetries
	}

	// callers decoding with UseNumber and callers holding float64 must derive the same id
	params, err := req.Parameters.Normalize()
	if err != nil {
		return SubmitResult{}, errors.NewInvalidRequestError("parameters are not a JSON object: %v", err)
	}
	if params == nil {
		params = Document{}
	}

	requestID := req.RequestID
	if requestID == "" {
		derived, err := DeriveRequestID(req.OperationType, params)
		if err != nil {
			return SubmitResult{}, err
		}
		requestID = derived
	}

	for attempt := 0; attempt < submitAttempts; attempt++ {
		now := m.clock.Now()
		queuedAt := now.Add(req.Delay)
		op := &Operation{
			ID:         uuid.New().String(),
			Type:       req.OperationType,
			RequestID:  requestID,
			Parameters: params,
			Status:     StatusQueued,
			Priority:   priority,
			MaxRetries: maxRetries,
			CreatedAt:  now,
			QueuedAt:   &queuedAt,
			UpdatedAt:  now,
			Logs: []LogEntry{{
				Timestamp: now,
				Level:     LogLevelInfo,
				Message:   "operation queued",
				Fields:    Document{"priority": priority, "eligible_at": queuedAt.Format(time.RFC3339Nano)},
			}},
		}

		err := m.store.Insert(ctx, op)
		if err == nil {
			m.logger.Infow("Operation queued",
				logger.FieldOperationID, op.ID,
				logger.FieldOperationType, op.Type,
				logger.FieldRequestID, requestID,
				logger.FieldPriority, priority)
			m.notifySubscribers(op)
			return SubmitResult{OperationID: op.ID, RequestID: requestID, Created: true, Status: op.Status}, nil
		}
		if !errors.Is(err, ErrDuplicateRequest) {
			return SubmitResult{}, err
		}

		live, err := m.store.FindLive(ctx, requestID, req.OperationType)
		if err != nil {
			return SubmitResult{}, err
		}
		if live != nil {
			m.logger.Debugw("Duplicate request resolved to live operation",
				logger.FieldOperationID, live.ID,
				logger.FieldRequestID, requestID,
				logger.FieldOperationType, req.OperationType)
			return SubmitResult{OperationID: live.ID, RequestID: requestID, Created: false, Status: live.Status}, nil
		}
		// the live record reached a terminal state in between; insert again
	}

	return SubmitResult{}, errors.Wrapf(ErrStoreUnavailable,
		"request %s/%s kept conflicting after %d attempts", requestID, req.OperationType, submitAttempts)
}
