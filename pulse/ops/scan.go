package ops

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/optrack/errors"
)

// operationColumns is the column list every SELECT and RETURNING clause uses,
// in the order scanTargets expects.
const operationColumns = `operation_id, operation_type, request_id, parameters, status, priority,
	created_at, queued_at, processing_started_at, completed_at, updated_at,
	result, error_details, retry_count, max_retries, logs, published_resources,
	lease_id, leased_by, lease_expires_at`

// scanArgs holds the nullable and encoded columns while a row is scanned.
type scanArgs struct {
	Parameters          sql.NullString
	CreatedAt           int64
	QueuedAt            sql.NullInt64
	ProcessingStartedAt sql.NullInt64
	CompletedAt         sql.NullInt64
	UpdatedAt           int64
	Result              sql.NullString
	ErrorDetails        sql.NullString
	Logs                sql.NullString
	PublishedResources  sql.NullString
	LeaseID             sql.NullString
	LeasedBy            sql.NullString
	LeaseExpiresAt      sql.NullInt64
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTargets(op *Operation, args *scanArgs) []any {
	return []any{
		&op.ID,
		&op.Type,
		&op.RequestID,
		&args.Parameters,
		&op.Status,
		&op.Priority,
		&args.CreatedAt,
		&args.QueuedAt,
		&args.ProcessingStartedAt,
		&args.CompletedAt,
		&args.UpdatedAt,
		&args.Result,
		&args.ErrorDetails,
		&op.RetryCount,
		&op.MaxRetries,
		&args.Logs,
		&args.PublishedResources,
		&args.LeaseID,
		&args.LeasedBy,
		&args.LeaseExpiresAt,
	}
}

// scanOperation reads one row produced with operationColumns.
func scanOperation(row rowScanner) (*Operation, error) {
	op := &Operation{}
	args := &scanArgs{}
	if err := row.Scan(scanTargets(op, args)...); err != nil {
		return nil, err
	}
	if err := processScanArgs(op, args); err != nil {
		return nil, err
	}
	return op, nil
}

func processScanArgs(op *Operation, args *scanArgs) error {
	var err error
	if op.Parameters, err = decodeDocument(args.Parameters); err != nil {
		return errors.Wrapf(err, "parameters of operation %s", op.ID)
	}
	if op.Result, err = decodeDocument(args.Result); err != nil {
		return errors.Wrapf(err, "result of operation %s", op.ID)
	}
	if op.ErrorDetails, err = decodeDocument(args.ErrorDetails); err != nil {
		return errors.Wrapf(err, "error_details of operation %s", op.ID)
	}
	if op.PublishedResources, err = decodeDocument(args.PublishedResources); err != nil {
		return errors.Wrapf(err, "published_resources of operation %s", op.ID)
	}

	op.Logs = []LogEntry{}
	if args.Logs.Valid && args.Logs.String != "" {
		if err := json.Unmarshal([]byte(args.Logs.String), &op.Logs); err != nil {
			return errors.Wrapf(err, "logs of operation %s", op.ID)
		}
	}

	op.CreatedAt = fromNanos(args.CreatedAt)
	op.UpdatedAt = fromNanos(args.UpdatedAt)
	op.QueuedAt = nullableTime(args.QueuedAt)
	op.ProcessingStartedAt = nullableTime(args.ProcessingStartedAt)
	op.CompletedAt = nullableTime(args.CompletedAt)
	op.LeaseExpiresAt = nullableTime(args.LeaseExpiresAt)

	if args.LeaseID.Valid {
		op.LeaseID = args.LeaseID.String
	}
	if args.LeasedBy.Valid {
		op.LeasedBy = args.LeasedBy.String
	}
	return nil
}

func decodeDocument(s sql.NullString) (Document, error) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil, nil
	}
	return ParseDocument([]byte(s.String))
}

// encodeDocument returns the JSON text for a document column, or nil for SQL NULL.
func encodeDocument(d Document) (any, error) {
	if d == nil {
		return nil, nil
	}
	data, err := d.Canonical()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func encodeLogEntry(entry LogEntry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode log entry")
	}
	return string(data), nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
