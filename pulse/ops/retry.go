package ops

import (
	"time"
)

// Action is the outcome of a retry decision.
type Action int

const (
	// Requeue puts the operation back in the queue after Delay.
	Requeue Action = iota
	// Terminate moves the operation to dead.
	Terminate
)

func (a Action) String() string {
	if a == Terminate {
		return "terminate"
	}
	return "requeue"
}

// Decision is what a RetryPolicy wants done with a failed operation.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

// Termination reasons recorded in error_details.
const (
	ReasonPermanent = "permanent"
	ReasonExhausted = "retries_exhausted"
)

// RetryPolicy decides the next state of a failed operation. Implementations must be
// pure: the operation passed in already carries the incremented retry_count and the
// new error_details, and nothing may be written back.
type RetryPolicy interface {
	Next(op *Operation) Decision
}

// ExponentialBackoff requeues while retry_count <= max_retries, waiting
// Base * 2^(retry_count-1) capped at Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryPolicy returns the backoff used when no configuration overrides it.
func DefaultRetryPolicy() ExponentialBackoff {
	return ExponentialBackoff{Base: 5 * time.Second, Max: 10 * time.Minute}
}

func (p ExponentialBackoff) Next(op *Operation) Decision {
	if !retryableFromDetails(op.ErrorDetails) {
		return Decision{Action: Terminate, Reason: ReasonPermanent}
	}
	if op.RetryCount > op.MaxRetries {
		return Decision{Action: Terminate, Reason: ReasonExhausted}
	}
	return Decision{Action: Requeue, Delay: p.Delay(op.RetryCount)}
}

// Delay returns the wait before the attempt that follows retryCount failures.
func (p ExponentialBackoff) Delay(retryCount int) time.Duration {
	if retryCount < 1 || p.Base <= 0 {
		return 0
	}
	delay := p.Base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
		// overflow guard for absurd retry counts without a cap
		if delay <= 0 {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}
