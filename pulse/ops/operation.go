package ops

import (
	"time"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	// StatusFailed is accepted by the storage layout but never written by the
	// manager: a failed attempt either requeues or goes dead.
	StatusFailed Status = "failed"
	StatusDead   Status = "dead"
)

const (
	// DefaultPriority is the mid-range priority used when a submission omits one.
	// Higher values dequeue first.
	DefaultPriority = 5

	// DefaultMaxRetries bounds retry_count when a submission omits a ceiling.
	DefaultMaxRetries = 3
)

// IsValidStatus checks if a status string is one of the defined statuses
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusProcessing, StatusSucceeded, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// IsLive reports whether the status participates in request deduplication.
func (s Status) IsLive() bool {
	return s == StatusQueued || s == StatusProcessing
}

// IsTerminal reports whether no further automatic transition can occur.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusDead || s == StatusFailed
}

// transitions lists every legal status change. processing -> queued covers
// both a retry and a reclaimed or released lease.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusDead},
	StatusProcessing: {StatusSucceeded, StatusQueued, StatusDead},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Operation is one tracked unit of asynchronous work.
type Operation struct {
	ID            string   `json:"operation_id"`
	Type          string   `json:"operation_type"`
	RequestID     string   `json:"request_id"`
	Parameters    Document `json:"parameters"`
	Status        Status   `json:"status"`
	Priority      int      `json:"priority"`
	RetryCount    int      `json:"retry_count"`
	MaxRetries    int      `json:"max_retries"`

	CreatedAt           time.Time  `json:"created_at"`
	QueuedAt            *time.Time `json:"queued_at,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`

	Result             Document   `json:"result,omitempty"`
	ErrorDetails       Document   `json:"error_details,omitempty"`
	Logs               []LogEntry `json:"logs"`
	PublishedResources Document   `json:"published_resources,omitempty"`

	// Lease ownership while processing.
	LeaseID        string     `json:"lease_id,omitempty"`
	LeasedBy       string     `json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// Attempt returns the 1-based number of the attempt currently running or next to run.
func (o *Operation) Attempt() int {
	return o.RetryCount + 1
}

// HadLease reports whether leaseID was ever granted for this operation.
// Claims are recorded in the log, so a lease cleared by reclaim is still known.
func (o *Operation) HadLease(leaseID string) bool {
	if leaseID == "" {
		return false
	}
	if o.LeaseID == leaseID {
		return true
	}
	for _, entry := range o.Logs {
		if id, ok := entry.Fields["lease_id"].(string); ok && id == leaseID {
			return true
		}
	}
	return false
}

// LogEntry is one structured execution event in an operation's log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Attempt   int       `json:"attempt,omitempty"`
	Fields    Document  `json:"fields,omitempty"`
}

// Log levels used in operation logs.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)
