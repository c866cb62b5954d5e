package ops

import (
	"context"
	"time"
)

// Store is the durable record store beneath the manager. Every mutating method is a
// single conditional write so concurrent callers cannot interleave partial updates.
type Store interface {
	// Insert adds a new operation. Returns ErrDuplicateRequest when a live
	// operation already holds (request_id, operation_type).
	Insert(ctx context.Context, op *Operation) error

	Get(ctx context.Context, operationID string) (*Operation, error)

	// FindLive returns the queued or processing operation for the dedup key, or nil.
	FindLive(ctx context.Context, requestID, operationType string) (*Operation, error)

	// FindByRequest returns every operation submitted under requestID, newest first.
	FindByRequest(ctx context.Context, requestID string, limit int) ([]*Operation, error)

	ListByStatus(ctx context.Context, status Status, limit int) ([]*Operation, error)

	// Claim atomically moves the best eligible queued operation to processing.
	// Returns nil when nothing is eligible.
	Claim(ctx context.Context, c Claim) (*Operation, error)

	// RenewLease pushes lease_expires_at forward. Returns false when leaseID
	// no longer owns the operation.
	RenewLease(ctx context.Context, operationID, leaseID string, now, expiresAt time.Time) (bool, error)

	// Transition applies t only if the record is still in t.From (and, leaving
	// processing, still owned by t.LeaseID). Returns nil when the guard fails.
	Transition(ctx context.Context, t Transition) (*Operation, error)

	// AppendLog appends to the log of a processing operation owned by leaseID.
	AppendLog(ctx context.Context, operationID, leaseID string, entry LogEntry) (bool, error)

	// ReclaimExpired returns every processing operation whose lease expired at or
	// before now to queued, keeping retry_count.
	ReclaimExpired(ctx context.Context, now time.Time) ([]*Operation, error)

	CountByTypeAndStatus(ctx context.Context) ([]StatusCount, error)
}

// Claim describes a lease grant.
type Claim struct {
	LeaseID   string
	WorkerID  string
	Now       time.Time
	ExpiresAt time.Time
	// OperationID restricts the claim to one operation when set.
	OperationID string
}

// Transition is a guarded status change plus the column writes that go with it.
type Transition struct {
	OperationID string
	From        Status
	To          Status
	LeaseID     string
	At          time.Time

	// QueuedAt is the new eligibility time when To is queued.
	QueuedAt time.Time

	Result             Document
	ErrorDetails       Document
	PublishedResources Document // merged into the stored document
	IncrementRetry     bool
	Log                *LogEntry
}

// StatusCount is one row of the (operation_type, status) breakdown.
type StatusCount struct {
	OperationType string `json:"operation_type"`
	Status        Status `json:"status"`
	Count         int    `json:"count"`
}
