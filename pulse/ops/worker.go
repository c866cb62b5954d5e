package ops

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/optrack/db"
	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/logger"
	"github.com/teranos/optrack/sym"
)

// pulseLogger wraps zap.SugaredLogger with lifecycle helpers:
// Starting (✿) for startup, Closing (❀) for shutdown, Pulse for regular work.
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, append([]interface{}{logger.FieldSymbol, sym.PulseOpen}, keysAndValues...)...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, append([]interface{}{logger.FieldSymbol, sym.PulseClose}, keysAndValues...)...)
}

func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, append([]interface{}{logger.FieldSymbol, sym.Pulse}, keysAndValues...)...)
}

// Worker error backoff
const (
	maxConsecutiveErrors = 5
	initialErrorBackoff  = time.Second
	maxErrorBackoff      = 30 * time.Second
)

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers         int           `json:"workers"`          // Number of concurrent workers
	PollInterval    time.Duration `json:"poll_interval"`    // How often an idle worker looks for work
	ReclaimInterval time.Duration `json:"reclaim_interval"` // How often expired leases are swept
	// HeartbeatInterval is how often a running attempt renews its lease.
	// Zero means a third of the lease timeout.
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`
	// WorkerIDPrefix identifies this process in leased_by. Defaults to hostname:pid.
	WorkerIDPrefix string `json:"worker_id_prefix"`
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:         2,
		PollInterval:    time.Second,
		ReclaimInterval: 30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// PoolMetrics is a snapshot of worker activity.
type PoolMetrics struct {
	WorkersTotal  int           `json:"workers_total"`
	WorkersActive int           `json:"workers_active"`
	Succeeded     int64         `json:"succeeded"`
	Failed        int64         `json:"failed"`
	LeasesLost    int64         `json:"leases_lost"`
	Reclaimed     int64         `json:"reclaimed"`
	Uptime        time.Duration `json:"uptime"`
	System        SystemMetrics `json:"system"`
}

// WorkerPool runs a fixed set of workers that each poll the manager for leases.
// There is no dispatcher: the atomic claim is the only coordination between workers.
type WorkerPool struct {
	manager  *Manager
	registry *HandlerRegistry
	cfg      WorkerPoolConfig
	logger   pulseLogger

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	wake      chan struct{}

	mu        sync.Mutex
	active    int
	startTime time.Time

	succeeded  atomic.Int64
	failed     atomic.Int64
	leasesLost atomic.Int64
	reclaimed  atomic.Int64
}

// NewWorkerPool creates a pool. Handlers must be registered before Start.
// Cancelling ctx stops the pool as Stop does.
func NewWorkerPool(ctx context.Context, manager *Manager, registry *HandlerRegistry, cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = defaults.ReclaimInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.WorkerIDPrefix == "" {
		host, _ := os.Hostname()
		cfg.WorkerIDPrefix = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if registry == nil {
		registry = NewHandlerRegistry()
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		manager:   manager,
		registry:  registry,
		cfg:       cfg,
		logger:    pulseLogger{log.Named("pulse")},
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
	}
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int { return wp.cfg.Workers }

// Start sweeps leases abandoned by a previous run, then launches the workers,
// the reaper, and the wake-up listener.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		// restarted after Stop
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	ctx := wp.ctx
	wp.mu.Unlock()

	if n, err := wp.manager.ReclaimExpired(ctx); err != nil {
		wp.logger.Warnw("Failed to reclaim abandoned leases at startup", logger.FieldError, err)
	} else if n > 0 {
		wp.reclaimed.Add(int64(n))
		wp.logger.Starting("Recovered operations abandoned by a previous run", logger.FieldCount, n)
	}

	if warning := memoryPressureWarning(wp.cfg.Workers); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.cfg.Workers)
	}

	wp.logger.Starting("Worker pool starting",
		"workers", wp.cfg.Workers,
		"handlers", wp.registry.Names(),
		"poll_interval", wp.cfg.PollInterval)

	updates := wp.manager.Subscribe()
	wp.wg.Add(2 + wp.cfg.Workers)
	go wp.listen(ctx, updates)
	go wp.reaper(ctx)
	for i := 0; i < wp.cfg.Workers; i++ {
		go wp.worker(ctx, i)
	}
}

// Stop cancels the workers and waits up to the shutdown timeout for them to exit.
// Attempts interrupted by shutdown are released back to the queue.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Closing("Worker pool stopped, all workers exited cleanly")
	case <-time.After(wp.cfg.ShutdownTimeout):
		wp.logger.Closing("Worker pool stop timed out, workers may still be finishing",
			"timeout", wp.cfg.ShutdownTimeout)
	}
}

// Metrics returns a snapshot of pool activity.
func (wp *WorkerPool) Metrics() PoolMetrics {
	wp.mu.Lock()
	active := wp.active
	var uptime time.Duration
	if !wp.startTime.IsZero() {
		uptime = time.Since(wp.startTime)
	}
	wp.mu.Unlock()

	return PoolMetrics{
		WorkersTotal:  wp.cfg.Workers,
		WorkersActive: active,
		Succeeded:     wp.succeeded.Load(),
		Failed:        wp.failed.Load(),
		LeasesLost:    wp.leasesLost.Load(),
		Reclaimed:     wp.reclaimed.Load(),
		Uptime:        uptime,
		System:        readSystemMetrics(),
	}
}

// listen turns newly queued operations into a wake-up so idle workers do not
// wait a full poll interval.
func (wp *WorkerPool) listen(ctx context.Context, updates chan *Operation) {
	defer wp.wg.Done()
	defer wp.manager.Unsubscribe(updates)

	for {
		select {
		case <-ctx.Done():
			return
		case op, ok := <-updates:
			if !ok {
				return
			}
			if op.Status == StatusQueued {
				select {
				case wp.wake <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (wp *WorkerPool) reaper(ctx context.Context) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := wp.manager.ReclaimExpired(ctx)
			if err != nil {
				if ctx.Err() != nil || db.IsDatabaseClosed(err) {
					return
				}
				wp.logger.Errorw("Failed to reclaim expired leases", logger.FieldError, err)
				continue
			}
			if n > 0 {
				wp.reclaimed.Add(int64(n))
				wp.logger.Pulse("Reclaimed expired leases", logger.FieldCount, n)
			}
		}
	}
}

// worker drains eligible operations, then sleeps until the next tick or wake-up.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	workerID := fmt.Sprintf("%s/%d", wp.cfg.WorkerIDPrefix, id)
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	backoff := initialErrorBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wp.wake:
		}

		for {
			processed, err := wp.processNext(ctx, workerID)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || db.IsDatabaseClosed(err) {
					return
				}
				errorCount++
				wp.logger.Errorw("Worker error processing operation",
					logger.FieldWorkerID, workerID,
					logger.FieldError, err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						logger.FieldWorkerID, workerID,
						"backoff", backoff,
						"consecutive_errors", errorCount)
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoff):
					}
					backoff = min(backoff*2, maxErrorBackoff)
				}
				break
			}

			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					logger.FieldWorkerID, workerID,
					"previous_error_count", errorCount)
				errorCount = 0
				backoff = initialErrorBackoff
			}
			if !processed || ctx.Err() != nil {
				break
			}
		}
	}
}

// processNext leases and runs one operation. It reports whether anything was leased.
func (wp *WorkerPool) processNext(ctx context.Context, workerID string) (bool, error) {
	lease, err := wp.manager.Lease(ctx, workerID)
	if err != nil {
		return false, errors.Wrap(err, "failed to lease operation")
	}
	if lease == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.active++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.active--
		wp.mu.Unlock()
	}()

	return true, wp.execute(ctx, lease)
}

// RunOperation leases one specific queued operation and runs it on the calling
// goroutine. It reports false when the operation is queued but not yet eligible.
func (wp *WorkerPool) RunOperation(ctx context.Context, operationID string) (bool, error) {
	workerID := wp.cfg.WorkerIDPrefix + "/direct"
	lease, err := wp.manager.LeaseOperation(ctx, operationID, workerID)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	return true, wp.execute(ctx, lease)
}

func (wp *WorkerPool) execute(ctx context.Context, lease *Lease) error {
	op := lease.Operation
	log := wp.logger.With(
		logger.FieldOperationID, op.ID,
		logger.FieldOperationType, op.Type,
		logger.FieldWorkerID, lease.WorkerID,
		logger.FieldAttempt, op.Attempt())

	// Outcomes are written even when shutdown cancels ctx mid-attempt.
	writeCtx := context.WithoutCancel(ctx)

	handler := wp.registry.Get(op.Type)
	if handler == nil {
		herr := errors.WithHint(Permanent(errors.Wrapf(ErrNoHandler, "operation type %q", op.Type)),
			"register a handler for this operation type")
		wp.failed.Add(1)
		_, err := wp.manager.CompleteFailure(writeCtx, op.ID, lease.ID, herr)
		return wp.ignoreLostLease(err, log)
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		wp.heartbeat(execCtx, lease, func() {
			lost.Store(true)
			cancelExec()
		})
	}()

	exec := &Execution{
		OperationID:    op.ID,
		OperationType:  op.Type,
		RequestID:      op.RequestID,
		Parameters:     op.Parameters.Clone(),
		Attempt:        op.Attempt(),
		PriorResources: op.PublishedResources.Clone(),
		logFn: func(c context.Context, entry LogEntry) error {
			return wp.manager.AppendLog(c, op.ID, lease.ID, entry)
		},
	}

	start := time.Now()
	result, herr := runHandler(execCtx, handler, exec)
	cancelExec()
	<-hbDone

	if lost.Load() {
		wp.leasesLost.Add(1)
		log.Warnw("Lease lost during execution, discarding outcome", "duration", time.Since(start))
		return nil
	}

	if herr != nil && ctx.Err() != nil {
		// shutdown interrupted the handler; this is not a failed attempt
		_, err := wp.manager.Release(writeCtx, op.ID, lease.ID, "worker shutdown")
		wp.logger.Closing("Operation released during shutdown", logger.FieldOperationID, op.ID)
		return wp.ignoreLostLease(err, log)
	}

	if herr != nil {
		wp.failed.Add(1)
		log.Warnw("Operation attempt failed",
			logger.FieldError, herr,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
		_, err := wp.manager.CompleteFailure(writeCtx, op.ID, lease.ID, herr)
		return wp.ignoreLostLease(err, log)
	}

	wp.succeeded.Add(1)
	log.Debugw("Operation attempt succeeded", logger.FieldDurationMS, time.Since(start).Milliseconds())
	_, err := wp.manager.CompleteSuccess(writeCtx, op.ID, lease.ID, result)
	return wp.ignoreLostLease(err, log)
}

// ignoreLostLease treats a lease superseded by the reaper as a normal outcome.
func (wp *WorkerPool) ignoreLostLease(err error, log *zap.SugaredLogger) error {
	if err != nil && errors.Is(err, ErrLeaseExpired) {
		wp.leasesLost.Add(1)
		log.Warnw("Lease expired before outcome was recorded", logger.FieldError, err)
		return nil
	}
	return err
}

// heartbeat renews the lease until ctx ends. onLost runs once if renewal is refused.
func (wp *WorkerPool) heartbeat(ctx context.Context, lease *Lease, onLost func()) {
	interval := wp.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = wp.manager.Config().LeaseTimeout / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := wp.manager.Renew(ctx, lease.Operation.ID, lease.ID); err != nil {
				if errors.Is(err, ErrLeaseExpired) {
					onLost()
					return
				}
				if ctx.Err() != nil {
					return
				}
				wp.logger.Warnw("Lease renewal failed, will retry",
					logger.FieldOperationID, lease.Operation.ID,
					logger.FieldError, err)
			}
		}
	}
}

// runHandler executes the handler and converts a panic into a retryable error.
func runHandler(ctx context.Context, h Handler, exec *Execution) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Execute(ctx, exec)
}
