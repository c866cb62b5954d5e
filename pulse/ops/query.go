package ops

import (
	"context"

	"github.com/teranos/optrack/errors"
)

// Get returns the operation with operationID. Missing operations yield an
// error that satisfies errors.IsNotFoundError.
func (m *Manager) Get(ctx context.Context, operationID string) (*Operation, error) {
	return m.store.Get(ctx, operationID)
}

// ListByStatus returns up to limit operations in status. An empty status lists all.
func (m *Manager) ListByStatus(ctx context.Context, status Status, limit int) ([]*Operation, error) {
	if status != "" && !IsValidStatus(string(status)) {
		return nil, errors.NewInvalidRequestError("unknown status %q", status)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return m.store.ListByStatus(ctx, status, limit)
}

// FindByRequest returns the history of operations submitted under requestID, newest first.
func (m *Manager) FindByRequest(ctx context.Context, requestID string, limit int) ([]*Operation, error) {
	if requestID == "" {
		return nil, errors.NewInvalidRequestError("request_id is required")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return m.store.FindByRequest(ctx, requestID, limit)
}

// PublishedResources returns the side-effect artifacts recorded for an operation.
func (m *Manager) PublishedResources(ctx context.Context, operationID string) (Document, error) {
	op, err := m.store.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.PublishedResources == nil {
		return Document{}, nil
	}
	return op.PublishedResources, nil
}

// Stats summarises the queue by operation type and status.
type Stats struct {
	ByType map[string]map[Status]int `json:"by_type"`
	Totals map[Status]int            `json:"totals"`
	Total  int                       `json:"total"`
}

// Live returns the number of queued and processing operations.
func (s *Stats) Live() int {
	return s.Totals[StatusQueued] + s.Totals[StatusProcessing]
}

func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	counts, err := m.store.CountByTypeAndStatus(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		ByType: make(map[string]map[Status]int),
		Totals: make(map[Status]int),
	}
	for _, c := range counts {
		if stats.ByType[c.OperationType] == nil {
			stats.ByType[c.OperationType] = make(map[Status]int)
		}
		stats.ByType[c.OperationType][c.Status] += c.Count
		stats.Totals[c.Status] += c.Count
		stats.Total += c.Count
	}
	return stats, nil
}
