// Package publish implements the service_publishing operation: it hands a
// dataset layer to a hosting endpoint and records the published service.
//
// Parameters:
//
//	layer_name   (required) identifies the layer and keys published_resources
//	...          any other fields are forwarded to the endpoint unchanged
//
// The endpoint answers with {"service_id": "...", "url": "..."}. The handler
// stores it under published_resources.services.<layer_name>, so a retry after
// a crash finds the service and does not publish it twice.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/optrack/am"
	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/internal/httpclient"
	"github.com/teranos/optrack/logger"
	"github.com/teranos/optrack/pulse/ops"
)

// OperationType is the operation type this handler serves.
const OperationType = "service_publishing"

// maxResponseBytes bounds how much of an endpoint reply is read.
const maxResponseBytes = 1 << 20

// Config configures the hosting endpoint.
type Config struct {
	Endpoint          string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	AllowPrivateHosts bool
}

// ConfigFromAM builds a handler Config from the loaded application config.
func ConfigFromAM(cfg *am.Config) Config {
	return Config{
		Endpoint:          cfg.Publish.Endpoint,
		RequestsPerSecond: cfg.Publish.RequestsPerSecond,
		Burst:             cfg.Publish.Burst,
		Timeout:           cfg.PublishTimeout(),
		AllowPrivateHosts: cfg.Publish.AllowPrivateHosts,
	}
}

// Handler publishes layers to the hosting endpoint.
type Handler struct {
	endpoint string
	client   *httpclient.SaferClient
	limiter  *rate.Limiter
	logger   *zap.SugaredLogger
}

// NewHandler validates the endpoint and builds a rate-limited handler.
func NewHandler(cfg Config, log *zap.SugaredLogger) (*Handler, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	client := httpclient.NewSaferClient(cfg.Timeout, httpclient.Options{AllowPrivate: cfg.AllowPrivateHosts})
	if _, err := client.ValidateURL(cfg.Endpoint); err != nil {
		return nil, errors.Wrapf(err, "invalid publish endpoint %q", cfg.Endpoint)
	}

	return &Handler{
		endpoint: cfg.Endpoint,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:   log.Named("publish"),
	}, nil
}

func (h *Handler) Name() string { return OperationType }

// Service is the endpoint's description of a published layer.
type Service struct {
	ServiceID string `json:"service_id"`
	URL       string `json:"url"`
}

// Execute publishes one layer.
func (h *Handler) Execute(ctx context.Context, exec *ops.Execution) (ops.Result, error) {
	layer, ok := exec.Parameters.String("layer_name")
	if !ok || layer == "" {
		return ops.Result{}, ops.Permanent(errors.New("invalid parameters: layer_name is required"))
	}
	log := h.logger.With(logger.FieldOperationID, exec.OperationID, "layer", layer)

	if svc, ok := priorService(exec.PriorResources, layer); ok {
		log.Infow("Layer already published by an earlier attempt", "service_id", svc.ServiceID)
		exec.Log(ctx, ops.LogLevelInfo, "layer already published", ops.Document{"service_id": svc.ServiceID})
		return h.result(layer, svc), nil
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return ops.Result{}, errors.Wrap(err, "rate limiter")
	}

	exec.Log(ctx, ops.LogLevelInfo, "publishing layer", ops.Document{"endpoint": h.endpoint})
	start := time.Now()
	svc, err := h.publish(ctx, exec)
	if err != nil {
		log.Warnw("Publish failed", logger.FieldError, err, logger.FieldAttempt, exec.Attempt)
		return ops.Result{}, err
	}

	log.Infow("Layer published",
		"service_id", svc.ServiceID,
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	exec.Log(ctx, ops.LogLevelInfo, "layer published", ops.Document{"service_id": svc.ServiceID, "url": svc.URL})
	return h.result(layer, svc), nil
}

func (h *Handler) publish(ctx context.Context, exec *ops.Execution) (Service, error) {
	body, err := json.Marshal(exec.Parameters)
	if err != nil {
		return Service{}, ops.Permanent(errors.Wrap(err, "invalid parameters"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Service{}, ops.Permanent(errors.Wrap(err, "invalid publish request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", exec.RequestID)

	resp, err := h.client.Do(req)
	if err != nil {
		return Service{}, errors.Wrap(err, "publish request failed: connection error")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Service{}, errors.Wrap(err, "failed to read publish response: network error")
	}

	switch {
	case resp.StatusCode >= 500:
		return Service{}, errors.Newf("hosting endpoint unavailable: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return Service{}, errors.Newf("hosting endpoint throttled the request: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Service{}, ops.Permanent(errors.WithDetail(
			errors.Newf("hosting endpoint rejected layer: status %d", resp.StatusCode),
			string(data)))
	}

	var svc Service
	if err := json.Unmarshal(data, &svc); err != nil {
		return Service{}, errors.Wrap(err, "invalid publish response")
	}
	if svc.ServiceID == "" {
		return Service{}, errors.New("invalid publish response: missing service_id")
	}
	return svc, nil
}

func (h *Handler) result(layer string, svc Service) ops.Result {
	entry := ops.Document{"service_id": svc.ServiceID, "url": svc.URL}
	return ops.Result{
		Output: ops.Document{"layer_name": layer, "service_id": svc.ServiceID, "url": svc.URL},
		PublishedResources: ops.Document{
			"services": ops.Document{layer: entry},
		},
	}
}

// priorService looks up a service recorded for layer by an earlier attempt.
func priorService(prior ops.Document, layer string) (Service, bool) {
	services, ok := asDocument(prior["services"])
	if !ok {
		return Service{}, false
	}
	entry, ok := asDocument(services[layer])
	if !ok {
		return Service{}, false
	}
	id, _ := entry.String("service_id")
	if id == "" {
		return Service{}, false
	}
	url, _ := entry.String("url")
	return Service{ServiceID: id, URL: url}, true
}

func asDocument(v any) (ops.Document, bool) {
	switch m := v.(type) {
	case ops.Document:
		return m, true
	case map[string]any:
		return ops.Document(m), true
	default:
		return nil, false
	}
}

