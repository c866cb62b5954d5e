package ops

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one operation type.
//
// Handlers run with at-least-once semantics: an attempt may be repeated with the
// same parameters after a crash or a lost lease. A handler must either be safe to
// re-run or check Execution.PriorResources before repeating a side effect.
//
// Return Permanent(err) for failures no retry can fix.
type Handler interface {
	// Name is the operation type this handler serves.
	Name() string
	Execute(ctx context.Context, exec *Execution) (Result, error)
}

// Execution is the handler's view of one attempt.
type Execution struct {
	OperationID   string
	OperationType string
	RequestID     string
	Parameters    Document
	Attempt       int
	// PriorResources holds published_resources recorded by earlier attempts.
	PriorResources Document

	logFn func(ctx context.Context, entry LogEntry) error
}

// Log appends an entry to the operation log under the current lease.
// Failing to log never fails the attempt, so the error is only returned for callers that care.
func (e *Execution) Log(ctx context.Context, level, message string, fields Document) error {
	if e.logFn == nil {
		return nil
	}
	return e.logFn(ctx, LogEntry{Level: level, Message: message, Attempt: e.Attempt, Fields: fields})
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, exec *Execution) (Result, error)
}

// NewHandlerFunc creates a handler named name that runs fn.
func NewHandlerFunc(name string, fn func(ctx context.Context, exec *Execution) (Result, error)) *HandlerFunc {
	return &HandlerFunc{name: name, fn: fn}
}

func (h *HandlerFunc) Name() string { return h.name }

func (h *HandlerFunc) Execute(ctx context.Context, exec *Execution) (Result, error) {
	return h.fn(ctx, exec)
}

// HandlerRegistry maps operation types to handlers.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for operation type: %s", name))
	}
	r.handlers[name] = handler
}

// Get returns the handler for an operation type, or nil.
func (r *HandlerRegistry) Get(operationType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[operationType]
}

// Has checks if a handler is registered for an operation type.
func (r *HandlerRegistry) Has(operationType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[operationType]
	return ok
}

// Names returns the registered operation types, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
