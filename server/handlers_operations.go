package server

import (
	"net/http"
	"time"

	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/logger"
	"github.com/teranos/optrack/pulse/ops"
	"github.com/teranos/optrack/version"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// submitRequest is the body of POST /api/operations.
type submitRequest struct {
	RequestID     string       `json:"request_id"`
	OperationType string       `json:"operation_type"`
	Parameters    ops.Document `json:"parameters"`
	Priority      *int         `json:"priority"`
	MaxRetries    *int         `json:"max_retries"`
	DelaySeconds  float64      `json:"delay_seconds"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type statsResponse struct {
	*ops.Stats
	Workers *ops.PoolMetrics `json:"workers,omitempty"`
}

// HandleSubmit enqueues an operation, or returns the live one for a duplicate request.
// Both answer 202: the work is accepted either way.
func (s *Server) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !readJSON(w, r, &req) {
		return
	}
	// bound the float before converting; a huge value overflows time.Duration
	if req.DelaySeconds < 0 || req.DelaySeconds > ops.MaxSubmitDelay.Seconds() {
		s.writeErrorFromErr(w, errors.NewInvalidRequestError(
			"delay_seconds must be between 0 and %.0f, got %g", ops.MaxSubmitDelay.Seconds(), req.DelaySeconds))
		return
	}

	res, err := s.manager.Submit(r.Context(), ops.SubmitRequest{
		RequestID:     req.RequestID,
		OperationType: req.OperationType,
		Parameters:    req.Parameters,
		Priority:      req.Priority,
		MaxRetries:    req.MaxRetries,
		Delay:         time.Duration(req.DelaySeconds * float64(time.Second)),
	})
	if err != nil {
		s.writeErrorFromErr(w, err)
		return
	}

	logger.AddPulseSymbol(s.logger).Infow("Operation submitted via API",
		logger.FieldOperationID, res.OperationID,
		logger.FieldOperationType, req.OperationType,
		"created", res.Created)
	writeJSON(w, http.StatusAccepted, res)
}

// HandleGetOperation returns the full record.
func (s *Server) HandleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// HandlePublishedResources returns only the side-effect artifacts of an operation.
func (s *Server) HandlePublishedResources(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resources, err := s.manager.PublishedResources(r.Context(), id)
	if err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operation_id":        id,
		"published_resources": resources,
	})
}

// HandleCancel dead-letters a queued operation.
func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 && !readJSON(w, r, &req) {
		return
	}
	op, err := s.manager.Cancel(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// HandleListOperations lists by status, or the history of one request when
// request_id is given.
func (s *Server) HandleListOperations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQueryParam(r, "limit", defaultListLimit, 1, maxListLimit)
	q := r.URL.Query()

	var (
		list []*ops.Operation
		err  error
	)
	if requestID := q.Get("request_id"); requestID != "" {
		list, err = s.manager.FindByRequest(r.Context(), requestID, limit)
	} else {
		list, err = s.manager.ListByStatus(r.Context(), ops.Status(q.Get("status")), limit)
	}
	if err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	if list == nil {
		list = []*ops.Operation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations": list,
		"count":      len(list),
	})
}

// HandleStats reports counts by type and status, plus worker metrics when
// this process runs the pool.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		s.writeErrorFromErr(w, err)
		return
	}
	resp := statsResponse{Stats: stats}
	if s.pool != nil {
		m := s.pool.Metrics()
		resp.Workers = &m
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth reports liveness and build information.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"version":    info.Version,
		"commit":     info.Short(),
		"build_time": info.BuildTime,
		"clients":    s.clientCount(),
	})
}
