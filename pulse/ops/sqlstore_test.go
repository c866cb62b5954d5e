package ops

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/optrack/errors"
	optest "github.com/teranos/optrack/internal/testing"
)

var columnNames = []string{
	"operation_id", "operation_type", "request_id", "parameters", "status", "priority",
	"created_at", "queued_at", "processing_started_at", "completed_at", "updated_at",
	"result", "error_details", "retry_count", "max_retries", "logs", "published_resources",
	"lease_id", "leased_by", "lease_expires_at",
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store := NewSQLStore(conn, zaptest.NewLogger(t).Sugar())
	store.busyBackoff = time.Millisecond
	store.busyMaxBackoff = 2 * time.Millisecond
	return store, mock
}

func queuedRow(id string) *sqlmock.Rows {
	n := testEpoch.UnixNano()
	return sqlmock.NewRows(columnNames).AddRow(
		id, "publish", "r1", `{"layer":"x"}`, "queued", 5,
		n, n, nil, nil, n,
		nil, nil, 0, 3, `[]`, nil,
		nil, nil, nil,
	)
}

func TestStoreRetriesBusyDatabase(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM operations WHERE operation_id").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectQuery("SELECT .+ FROM operations WHERE operation_id").
		WillReturnError(errors.New("database is locked"))
	mock.ExpectQuery("SELECT .+ FROM operations WHERE operation_id").
		WillReturnRows(queuedRow("op-1"))

	op, err := store.Get(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", op.ID)
	assert.Equal(t, StatusQueued, op.Status)
	assert.Equal(t, Document{"layer": "x"}, op.Parameters)
	assert.True(t, testEpoch.Equal(op.CreatedAt))
	assert.Nil(t, op.ProcessingStartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreBusyExhaustionIsUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	for i := 0; i < busyRetryAttempts; i++ {
		mock.ExpectExec("UPDATE operations SET lease_expires_at").
			WillReturnError(errors.New("database is locked"))
	}

	_, err := store.RenewLease(context.Background(), "op-1", "lease-1", testEpoch, testEpoch.Add(time.Minute))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDoesNotRetryOtherErrors(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM operations WHERE operation_id").
		WillReturnError(errors.New("disk I/O error"))

	_, err := store.Get(context.Background(), "op-1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStoreUnavailable))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetMissingIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .+ FROM operations WHERE operation_id").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "ghost")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreInsertUniqueViolationIsDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO operations").
		WillReturnError(errors.New("UNIQUE constraint failed: operations.request_id, operations.operation_type"))

	now := testEpoch
	err := store.Insert(context.Background(), &Operation{
		ID: "op-2", Type: "publish", RequestID: "r1", Status: StatusQueued,
		CreatedAt: now, QueuedAt: &now, UpdatedAt: now,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateRequest))
}

func TestStoreClaimEmptyQueue(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE operations SET\\s+status = 'processing'").
		WillReturnRows(sqlmock.NewRows(columnNames))

	op, err := store.Claim(context.Background(), Claim{
		LeaseID: "lease-1", WorkerID: "w", Now: testEpoch, ExpiresAt: testEpoch.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Nil(t, op)
}

// Against a real database: the live-request index rejects a second live row
// and lets it through once the first is terminal.
func TestStoreLiveRequestIndex(t *testing.T) {
	conn := optest.CreateTestDB(t)
	store := NewSQLStore(conn, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	newOp := func(id string) *Operation {
		now := testEpoch
		return &Operation{
			ID: id, Type: "publish", RequestID: "r1", Status: StatusQueued,
			Parameters: Document{}, MaxRetries: 3,
			CreatedAt: now, QueuedAt: &now, UpdatedAt: now,
		}
	}

	require.NoError(t, store.Insert(ctx, newOp("op-1")))
	err := store.Insert(ctx, newOp("op-2"))
	assert.True(t, errors.Is(err, ErrDuplicateRequest))

	done, err := store.Transition(ctx, Transition{
		OperationID: "op-1", From: StatusQueued, To: StatusDead, At: testEpoch,
	})
	require.NoError(t, err)
	require.NotNil(t, done)

	require.NoError(t, store.Insert(ctx, newOp("op-2")))

	live, err := store.FindLive(ctx, "r1", "publish")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "op-2", live.ID)
}

func TestStoreTransitionGuardMiss(t *testing.T) {
	conn := optest.CreateTestDB(t)
	store := NewSQLStore(conn, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	now := testEpoch
	require.NoError(t, store.Insert(ctx, &Operation{
		ID: "op-1", Type: "publish", RequestID: "r1", Status: StatusQueued,
		CreatedAt: now, QueuedAt: &now, UpdatedAt: now,
	}))

	op, err := store.Transition(ctx, Transition{
		OperationID: "op-1", From: StatusProcessing, To: StatusSucceeded, LeaseID: "nope", At: now,
	})
	require.NoError(t, err)
	assert.Nil(t, op, "guard miss returns no row")

	cur, err := store.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, cur.Status)
}

func TestStoreCountByTypeAndStatus(t *testing.T) {
	conn := optest.CreateTestDB(t)
	store := NewSQLStore(conn, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	now := testEpoch
	for i, typ := range []string{"publish", "publish", "archive"} {
		require.NoError(t, store.Insert(ctx, &Operation{
			ID: string(rune('a' + i)), Type: typ, RequestID: string(rune('a' + i)), Status: StatusQueued,
			CreatedAt: now, QueuedAt: &now, UpdatedAt: now,
		}))
	}

	counts, err := store.CountByTypeAndStatus(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []StatusCount{
		{OperationType: "archive", Status: StatusQueued, Count: 1},
		{OperationType: "publish", Status: StatusQueued, Count: 2},
	}, counts)
}
