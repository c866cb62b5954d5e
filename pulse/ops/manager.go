package ops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/logger"
)

// DefaultListLimit caps list queries that do not specify a limit.
const DefaultListLimit = 100

// ManagerConfig holds the tunables that may change while the manager runs.
type ManagerConfig struct {
	LeaseTimeout      time.Duration
	DefaultPriority   int
	DefaultMaxRetries int
	Retry             RetryPolicy
}

// DefaultManagerConfig returns sensible defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		LeaseTimeout:      5 * time.Minute,
		DefaultPriority:   DefaultPriority,
		DefaultMaxRetries: DefaultMaxRetries,
		Retry:             DefaultRetryPolicy(),
	}
}

// Manager is the only writer of operation status. It grants leases, records
// outcomes, consults the retry policy, and fans every change out to subscribers.
type Manager struct {
	store  Store
	clock  Clock
	logger *zap.SugaredLogger

	cfgMu sync.RWMutex
	cfg   ManagerConfig

	mu          sync.Mutex
	subscribers []chan *Operation
}

// NewManager creates a manager over store. A nil clock means SystemClock.
func NewManager(store Store, cfg ManagerConfig, clock Clock, log *zap.SugaredLogger) *Manager {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Manager{
		store:  store,
		clock:  clock,
		logger: logger.AddPulseSymbol(log.Named("ops")),
	}
	m.UpdateConfig(cfg)
	return m
}

// UpdateConfig swaps the tunables. Operations already leased keep their expiry.
func (m *Manager) UpdateConfig(cfg ManagerConfig) {
	defaults := DefaultManagerConfig()
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = defaults.LeaseTimeout
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = defaults.DefaultMaxRetries
	}
	if cfg.Retry == nil {
		cfg.Retry = defaults.Retry
	}
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
}

// Config returns the tunables currently in effect.
func (m *Manager) Config() ManagerConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Lease is a worker's time-bounded claim on one operation.
type Lease struct {
	ID        string
	WorkerID  string
	ExpiresAt time.Time
	Operation *Operation
}

// Lease claims the highest-priority eligible operation for workerID.
// Returns nil when nothing is eligible.
func (m *Manager) Lease(ctx context.Context, workerID string) (*Lease, error) {
	return m.claim(ctx, workerID, "")
}

// LeaseOperation claims one specific operation. It fails with
// ErrInvalidStateTransition when the operation is not queued, and returns nil
// when it is queued but deferred past now.
func (m *Manager) LeaseOperation(ctx context.Context, operationID, workerID string) (*Lease, error) {
	lease, err := m.claim(ctx, workerID, operationID)
	if err != nil || lease != nil {
		return lease, err
	}
	cur, err := m.store.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusQueued {
		return nil, m.rejectTransition(cur, StatusProcessing, "lease")
	}
	return nil, nil
}

func (m *Manager) claim(ctx context.Context, workerID, operationID string) (*Lease, error) {
	if workerID == "" {
		return nil, errors.NewInvalidRequestError("worker id is required to lease")
	}
	now := m.clock.Now()
	c := Claim{
		LeaseID:     uuid.New().String(),
		WorkerID:    workerID,
		Now:         now,
		ExpiresAt:   now.Add(m.Config().LeaseTimeout),
		OperationID: operationID,
	}
	op, err := m.store.Claim(ctx, c)
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Worker: %s", workerID))
	}
	if op == nil {
		return nil, nil
	}

	m.logger.Infow("Operation leased",
		logger.FieldOperationID, op.ID,
		logger.FieldOperationType, op.Type,
		logger.FieldWorkerID, workerID,
		logger.FieldLeaseID, c.LeaseID,
		logger.FieldAttempt, op.Attempt())
	m.notifySubscribers(op)

	return &Lease{ID: c.LeaseID, WorkerID: workerID, ExpiresAt: c.ExpiresAt, Operation: op}, nil
}

// Renew extends a held lease by the lease timeout and returns the new expiry.
func (m *Manager) Renew(ctx context.Context, operationID, leaseID string) (time.Time, error) {
	now := m.clock.Now()
	expires := now.Add(m.Config().LeaseTimeout)
	ok, err := m.store.RenewLease(ctx, operationID, leaseID, now, expires)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, errors.WithDetail(
			errors.Wrapf(ErrLeaseExpired, "renew operation %s", operationID),
			fmt.Sprintf("Lease ID: %s", leaseID))
	}
	return expires, nil
}

// Result is what a successful handler hands back.
type Result struct {
	Output             Document
	PublishedResources Document
}

// CompleteSuccess records a successful attempt. Completing an operation that has
// already succeeded is a no-op that returns the stored record.
func (m *Manager) CompleteSuccess(ctx context.Context, operationID, leaseID string, res Result) (*Operation, error) {
	now := m.clock.Now()
	op, err := m.store.Transition(ctx, Transition{
		OperationID:        operationID,
		From:               StatusProcessing,
		To:                 StatusSucceeded,
		LeaseID:            leaseID,
		At:                 now,
		Result:             res.Output,
		PublishedResources: res.PublishedResources,
		Log: &LogEntry{
			Timestamp: now,
			Level:     LogLevelInfo,
			Message:   "operation succeeded",
			Fields:    Document{"lease_id": leaseID},
		},
	})
	if err != nil {
		return nil, err
	}
	if op == nil {
		cur, getErr := m.store.Get(ctx, operationID)
		if getErr != nil {
			return nil, getErr
		}
		if cur.Status == StatusSucceeded {
			return cur, nil
		}
		return nil, m.resolveConflict(cur, leaseID, StatusSucceeded, "complete")
	}

	m.logger.Infow("Operation succeeded",
		logger.FieldOperationID, op.ID,
		logger.FieldOperationType, op.Type,
		logger.FieldRetryCount, op.RetryCount)
	m.notifySubscribers(op)
	return op, nil
}

// CompleteFailure records a failed attempt, increments retry_count and lets the
// retry policy choose between requeue and dead.
func (m *Manager) CompleteFailure(ctx context.Context, operationID, leaseID string, handlerErr error) (*Operation, error) {
	cur, err := m.store.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if cur.Status != StatusProcessing || cur.LeaseID != leaseID {
		return nil, m.resolveConflict(cur, leaseID, StatusQueued, "fail")
	}

	if handlerErr == nil {
		handlerErr = errReportedWithoutCause
	}
	now := m.clock.Now()
	var herr *HandlerError
	if !errors.As(handlerErr, &herr) {
		herr = NewHandlerError(cur.Type, cur.Attempt(), handlerErr)
	} else if herr.Err == nil {
		filled := *herr
		filled.Err = errReportedWithoutCause
		herr = &filled
	}
	details := herr.Details(now)

	// the policy sees the record as it will be after this failure
	candidate := *cur
	candidate.RetryCount = cur.RetryCount + 1
	candidate.ErrorDetails = details
	decision := m.Config().Retry.Next(&candidate)

	t := Transition{
		OperationID:    operationID,
		From:           StatusProcessing,
		LeaseID:        leaseID,
		At:             now,
		IncrementRetry: true,
		ErrorDetails:   details,
	}
	switch decision.Action {
	case Requeue:
		t.To = StatusQueued
		t.QueuedAt = now.Add(decision.Delay)
		t.Log = &LogEntry{
			Timestamp: now,
			Level:     LogLevelWarn,
			Message:   "attempt failed, retry scheduled",
			Attempt:   cur.Attempt(),
			Fields:    Document{"error": herr.Err.Error(), "delay": decision.Delay.String()},
		}
	case Terminate:
		t.To = StatusDead
		details["terminal_reason"] = decision.Reason
		if decision.Reason == ReasonExhausted {
			details["terminal_error"] = ErrRetryExhausted.Error()
		}
		t.Log = &LogEntry{
			Timestamp: now,
			Level:     LogLevelError,
			Message:   "attempt failed, operation dead",
			Attempt:   cur.Attempt(),
			Fields:    Document{"error": herr.Err.Error(), "reason": decision.Reason},
		}
	}

	op, err := m.store.Transition(ctx, t)
	if err != nil {
		return nil, err
	}
	if op == nil {
		latest, getErr := m.store.Get(ctx, operationID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, m.resolveConflict(latest, leaseID, t.To, "fail")
	}

	if op.Status == StatusDead {
		m.logger.Warnw("Operation dead",
			logger.FieldOperationID, op.ID,
			logger.FieldOperationType, op.Type,
			logger.FieldRetryCount, op.RetryCount,
			logger.FieldMaxRetries, op.MaxRetries,
			"reason", decision.Reason,
			logger.FieldError, herr.Err)
	} else {
		m.logger.Infow("Retry scheduled",
			logger.FieldOperationID, op.ID,
			logger.FieldOperationType, op.Type,
			logger.FieldRetryCount, op.RetryCount,
			logger.FieldMaxRetries, op.MaxRetries,
			logger.FieldDelay, decision.Delay,
			logger.FieldError, herr.Err)
	}
	m.notifySubscribers(op)
	return op, nil
}

// Release hands a leased operation back to the queue without counting an attempt.
// Workers use it when shutdown interrupts a handler.
func (m *Manager) Release(ctx context.Context, operationID, leaseID, reason string) (*Operation, error) {
	now := m.clock.Now()
	op, err := m.store.Transition(ctx, Transition{
		OperationID: operationID,
		From:        StatusProcessing,
		To:          StatusQueued,
		LeaseID:     leaseID,
		At:          now,
		QueuedAt:    now,
		Log: &LogEntry{
			Timestamp: now,
			Level:     LogLevelWarn,
			Message:   "lease released",
			Fields:    Document{"lease_id": leaseID, "reason": reason},
		},
	})
	if err != nil {
		return nil, err
	}
	if op == nil {
		cur, getErr := m.store.Get(ctx, operationID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, m.resolveConflict(cur, leaseID, StatusQueued, "release")
	}
	m.logger.Infow("Operation released",
		logger.FieldOperationID, op.ID,
		"reason", reason)
	m.notifySubscribers(op)
	return op, nil
}

// Cancel moves a queued operation to dead. Processing operations cannot be
// cancelled; their lease has to run out.
func (m *Manager) Cancel(ctx context.Context, operationID, reason string) (*Operation, error) {
	if reason == "" {
		reason = "cancelled by request"
	}
	now := m.clock.Now()
	op, err := m.store.Transition(ctx, Transition{
		OperationID: operationID,
		From:        StatusQueued,
		To:          StatusDead,
		At:          now,
		ErrorDetails: Document{
			"message":         reason,
			"code":            string(ErrorCodeCancelled),
			"retryable":       false,
			"terminal_reason": "cancelled",
			"failed_at":       now.Format(time.RFC3339Nano),
		},
		Log: &LogEntry{
			Timestamp: now,
			Level:     LogLevelWarn,
			Message:   "operation cancelled",
			Fields:    Document{"reason": reason},
		},
	})
	if err != nil {
		return nil, err
	}
	if op == nil {
		cur, getErr := m.store.Get(ctx, operationID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, m.rejectTransition(cur, StatusDead, "cancel")
	}
	m.logger.Infow("Operation cancelled",
		logger.FieldOperationID, op.ID,
		logger.FieldOperationType, op.Type,
		"reason", reason)
	m.notifySubscribers(op)
	return op, nil
}

// ReclaimExpired returns abandoned leases to the queue. retry_count is unchanged
// because an abandoned lease is not a failed attempt.
func (m *Manager) ReclaimExpired(ctx context.Context) (int, error) {
	ops, err := m.store.ReclaimExpired(ctx, m.clock.Now())
	if err != nil {
		return 0, err
	}
	for _, op := range ops {
		m.logger.Warnw("Lease expired, operation requeued",
			logger.FieldOperationID, op.ID,
			logger.FieldOperationType, op.Type,
			logger.FieldRetryCount, op.RetryCount)
		m.notifySubscribers(op)
	}
	return len(ops), nil
}

// AppendLog adds an entry to the log of an operation leased under leaseID.
func (m *Manager) AppendLog(ctx context.Context, operationID, leaseID string, entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.clock.Now()
	}
	if entry.Level == "" {
		entry.Level = LogLevelInfo
	}
	ok, err := m.store.AppendLog(ctx, operationID, leaseID, entry)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrLeaseExpired, "append log to operation %s", operationID)
	}
	return nil
}

// resolveConflict explains why a guarded write missed. A caller whose lease was
// superseded gets ErrLeaseExpired; anything else is an illegal transition.
func (m *Manager) resolveConflict(cur *Operation, leaseID string, to Status, action string) error {
	if leaseID != "" {
		if cur.Status == StatusProcessing && cur.LeaseID != leaseID {
			return m.leaseLost(cur, leaseID, action)
		}
		if cur.Status != StatusProcessing && cur.HadLease(leaseID) {
			return m.leaseLost(cur, leaseID, action)
		}
	}
	return m.rejectTransition(cur, to, action)
}

func (m *Manager) leaseLost(cur *Operation, leaseID, action string) error {
	m.logger.Warnw("Stale lease rejected",
		logger.FieldOperationID, cur.ID,
		logger.FieldLeaseID, leaseID,
		logger.FieldStatus, cur.Status,
		"action", action)
	return errors.WithDetail(
		errors.Wrapf(ErrLeaseExpired, "%s operation %s", action, cur.ID),
		fmt.Sprintf("Lease ID: %s", leaseID))
}

func (m *Manager) rejectTransition(cur *Operation, to Status, action string) error {
	m.logger.Errorw("Invalid state transition rejected",
		logger.FieldOperationID, cur.ID,
		logger.FieldFromStatus, cur.Status,
		logger.FieldToStatus, to,
		"action", action)
	return errors.WithDetail(
		errors.Wrapf(ErrInvalidStateTransition, "%s operation %s: %s -> %s", action, cur.ID, cur.Status, to),
		fmt.Sprintf("Operation ID: %s", cur.ID))
}

// Subscribe returns a channel that receives every operation change.
// Slow subscribers miss updates rather than block the manager.
func (m *Manager) Subscribe() chan *Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan *Operation, 64)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (m *Manager) Unsubscribe(ch chan *Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manager) notifySubscribers(op *Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- op:
		default:
		}
	}
}
