package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/optrack/db"
	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/logger"
)

// Lock contention is retried here and never reaches the state machine.
const (
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLStore implements Store on SQLite.
//
// Dedup relies on the partial unique index idx_operations_live_request, which
// covers only queued and processing rows. Every state change is one UPDATE
// whose WHERE clause carries the expected status (and lease id), so a
// concurrent writer that got there first simply makes the guard miss.
type SQLStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	busyAttempts   int
	busyBackoff    time.Duration
	busyMaxBackoff time.Duration
}

// NewSQLStore creates a store over an already migrated database.
func NewSQLStore(conn *sql.DB, log *zap.SugaredLogger) *SQLStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SQLStore{
		db:             conn,
		logger:         logger.AddDBSymbol(log.Named("store")),
		busyAttempts:   busyRetryAttempts,
		busyBackoff:    busyRetryInitialBackoff,
		busyMaxBackoff: busyRetryMaxBackoff,
	}
}

// retryOnBusy runs fn until it succeeds, fails with a non-transient error, or the
// attempts run out. Exhaustion is reported as ErrStoreUnavailable.
func (s *SQLStore) retryOnBusy(ctx context.Context, fn func() error) error {
	delay := s.busyBackoff
	var lastErr error
	for attempt := 0; attempt < s.busyAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !db.IsBusy(lastErr) {
			return lastErr
		}
		if attempt == s.busyAttempts-1 {
			break
		}
		s.logger.Debugw("Store busy, retrying", "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, s.busyMaxBackoff)
	}
	return errors.Mark(errors.Wrapf(lastErr, "store busy after %d attempts", s.busyAttempts), ErrStoreUnavailable)
}

func (s *SQLStore) queryOne(ctx context.Context, query string, args ...any) (*Operation, error) {
	var op *Operation
	err := s.retryOnBusy(ctx, func() error {
		var scanErr error
		op, scanErr = scanOperation(s.db.QueryRowContext(ctx, query, args...))
		if errors.Is(scanErr, sql.ErrNoRows) {
			op = nil
			return nil
		}
		return scanErr
	})
	return op, err
}

func (s *SQLStore) queryMany(ctx context.Context, query string, args ...any) ([]*Operation, error) {
	var ops []*Operation
	err := s.retryOnBusy(ctx, func() error {
		ops = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			op, err := scanOperation(rows)
			if err != nil {
				return err
			}
			ops = append(ops, op)
		}
		return rows.Err()
	})
	return ops, err
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := s.retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

func (s *SQLStore) Insert(ctx context.Context, op *Operation) error {
	params, err := encodeDocument(op.Parameters)
	if err != nil {
		return err
	}
	if params == nil {
		params = "{}"
	}
	resources, err := encodeDocument(op.PublishedResources)
	if err != nil {
		return err
	}
	logs := op.Logs
	if logs == nil {
		logs = []LogEntry{}
	}
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return errors.Wrap(err, "failed to encode logs")
	}

	var queuedAt any
	if op.QueuedAt != nil {
		queuedAt = toNanos(*op.QueuedAt)
	}

	_, err = s.exec(ctx, `
		INSERT INTO operations (
			operation_id, operation_type, request_id, parameters, status, priority,
			created_at, queued_at, updated_at, retry_count, max_retries, logs, published_resources
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Type, op.RequestID, params, op.Status, op.Priority,
		toNanos(op.CreatedAt), queuedAt, toNanos(op.UpdatedAt), op.RetryCount, op.MaxRetries,
		string(logsJSON), resources,
	)
	if db.IsUniqueViolation(err) {
		return errors.Mark(errors.Wrapf(err, "request %s/%s already live", op.RequestID, op.Type), ErrDuplicateRequest)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to insert operation %s", op.ID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, operationID string) (*Operation, error) {
	op, err := s.queryOne(ctx, `SELECT `+operationColumns+` FROM operations WHERE operation_id = ?`, operationID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get operation %s", operationID)
	}
	if op == nil {
		return nil, errors.NewNotFoundError("operation not found: %s", operationID)
	}
	return op, nil
}

func (s *SQLStore) FindLive(ctx context.Context, requestID, operationType string) (*Operation, error) {
	op, err := s.queryOne(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE request_id = ? AND operation_type = ? AND status IN ('queued', 'processing')`,
		requestID, operationType)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find live operation for request %s", requestID)
	}
	return op, nil
}

func (s *SQLStore) FindByRequest(ctx context.Context, requestID string, limit int) ([]*Operation, error) {
	ops, err := s.queryMany(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE request_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, requestID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find operations for request %s", requestID)
	}
	return ops, nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	// dequeue order for queued rows, most recent activity otherwise
	if status == StatusQueued {
		query += ` ORDER BY priority DESC, queued_at ASC, created_at ASC`
	} else {
		query += ` ORDER BY updated_at DESC`
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	ops, err := s.queryMany(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list operations with status %q", status)
	}
	return ops, nil
}

func (s *SQLStore) Claim(ctx context.Context, c Claim) (*Operation, error) {
	target := `(
			SELECT operation_id FROM operations
			WHERE status = 'queued' AND queued_at <= ?
			ORDER BY priority DESC, queued_at ASC, created_at ASC
			LIMIT 1
		)`
	targetArgs := []any{toNanos(c.Now)}
	if c.OperationID != "" {
		target = `(
			SELECT operation_id FROM operations
			WHERE operation_id = ? AND status = 'queued' AND queued_at <= ?
		)`
		targetArgs = []any{c.OperationID, toNanos(c.Now)}
	}

	query := `
		UPDATE operations SET
			status = 'processing',
			lease_id = ?,
			leased_by = ?,
			lease_expires_at = ?,
			processing_started_at = MAX(?, COALESCE(queued_at, created_at)),
			updated_at = ?,
			logs = json_insert(logs, '$[#]', json_object(
				'timestamp', ?,
				'level', 'info',
				'message', 'lease granted',
				'attempt', retry_count + 1,
				'fields', json_object('lease_id', ?, 'worker_id', ?)
			))
		WHERE operation_id = ` + target + ` AND status = 'queued'
		RETURNING ` + operationColumns

	now := toNanos(c.Now)
	args := []any{
		c.LeaseID, c.WorkerID, toNanos(c.ExpiresAt), now, now,
		c.Now.Format(time.RFC3339Nano), c.LeaseID, c.WorkerID,
	}
	args = append(args, targetArgs...)

	op, err := s.queryOne(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim operation")
	}
	return op, nil
}

func (s *SQLStore) RenewLease(ctx context.Context, operationID, leaseID string, now, expiresAt time.Time) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE operations SET lease_expires_at = ?, updated_at = ?
		WHERE operation_id = ? AND status = 'processing' AND lease_id = ?`,
		toNanos(expiresAt), toNanos(now), operationID, leaseID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to renew lease on operation %s", operationID)
	}
	return n == 1, nil
}

func (s *SQLStore) Transition(ctx context.Context, t Transition) (*Operation, error) {
	at := toNanos(t.At)
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{t.To, at}

	switch t.To {
	case StatusQueued:
		sets = append(sets, "queued_at = MAX(?, created_at)", "processing_started_at = NULL")
		args = append(args, toNanos(t.QueuedAt))
	case StatusSucceeded, StatusDead:
		if t.From == StatusQueued {
			// a deferred record cancelled early stops waiting now
			sets = append(sets,
				"queued_at = MAX(MIN(COALESCE(queued_at, ?), ?), created_at)",
				"completed_at = MAX(?, created_at)")
			args = append(args, at, at, at)
		} else {
			sets = append(sets, "completed_at = MAX(?, COALESCE(processing_started_at, queued_at, created_at))")
			args = append(args, at)
		}
	}

	if t.From == StatusProcessing {
		sets = append(sets, "lease_id = NULL", "leased_by = NULL", "lease_expires_at = NULL")
	}

	switch t.To {
	case StatusSucceeded:
		result := t.Result
		if result == nil {
			result = Document{}
		}
		encoded, err := encodeDocument(result)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "result = ?", "error_details = NULL")
		args = append(args, encoded)
	case StatusDead:
		sets = append(sets, "result = NULL")
	}

	if t.ErrorDetails != nil && t.To != StatusSucceeded {
		encoded, err := encodeDocument(t.ErrorDetails)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "error_details = ?")
		args = append(args, encoded)
	}

	if len(t.PublishedResources) > 0 {
		encoded, err := encodeDocument(t.PublishedResources)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "published_resources = json_patch(COALESCE(published_resources, '{}'), ?)")
		args = append(args, encoded)
	}

	if t.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}

	if t.Log != nil {
		entry, err := encodeLogEntry(*t.Log)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "logs = json_insert(logs, '$[#]', json(?))")
		args = append(args, entry)
	}

	where := "operation_id = ? AND status = ?"
	args = append(args, t.OperationID, t.From)
	if t.From == StatusProcessing {
		where += " AND lease_id = ?"
		args = append(args, t.LeaseID)
	}

	query := "UPDATE operations SET " + strings.Join(sets, ", ") +
		" WHERE " + where + " RETURNING " + operationColumns

	op, err := s.queryOne(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to move operation %s from %s to %s", t.OperationID, t.From, t.To)
	}
	return op, nil
}

func (s *SQLStore) AppendLog(ctx context.Context, operationID, leaseID string, entry LogEntry) (bool, error) {
	encoded, err := encodeLogEntry(entry)
	if err != nil {
		return false, err
	}
	n, err := s.exec(ctx, `
		UPDATE operations SET logs = json_insert(logs, '$[#]', json(?)), updated_at = ?
		WHERE operation_id = ? AND status = 'processing' AND lease_id = ?`,
		encoded, toNanos(entry.Timestamp), operationID, leaseID)
	if err != nil {
		return false, errors.Wrapf(err, "failed to append log to operation %s", operationID)
	}
	return n == 1, nil
}

func (s *SQLStore) ReclaimExpired(ctx context.Context, now time.Time) ([]*Operation, error) {
	n := toNanos(now)
	ops, err := s.queryMany(ctx, `
		UPDATE operations SET
			status = 'queued',
			queued_at = MAX(?, created_at),
			processing_started_at = NULL,
			updated_at = ?,
			logs = json_insert(logs, '$[#]', json_object(
				'timestamp', ?,
				'level', 'warn',
				'message', 'lease expired',
				'attempt', retry_count + 1,
				'fields', json_object('lease_id', lease_id, 'worker_id', leased_by)
			)),
			lease_id = NULL,
			leased_by = NULL,
			lease_expires_at = NULL
		WHERE status = 'processing' AND lease_expires_at <= ?
		RETURNING `+operationColumns,
		n, n, now.Format(time.RFC3339Nano), n)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reclaim expired leases")
	}
	return ops, nil
}

func (s *SQLStore) CountByTypeAndStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	err := s.retryOnBusy(ctx, func() error {
		counts = nil
		rows, err := s.db.QueryContext(ctx, `
			SELECT operation_type, status, COUNT(*) FROM operations
			GROUP BY operation_type, status
			ORDER BY operation_type, status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var c StatusCount
			if err := rows.Scan(&c.OperationType, &c.Status, &c.Count); err != nil {
				return err
			}
			counts = append(counts, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to count operations")
	}
	return counts, nil
}
