package ops

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	optest "github.com/teranos/optrack/internal/testing"
	"github.com/teranos/optrack/internal/util"
)

var testEpoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		LeaseTimeout:      time.Minute,
		DefaultPriority:   DefaultPriority,
		DefaultMaxRetries: DefaultMaxRetries,
		Retry:             ExponentialBackoff{Base: 5 * time.Second, Max: time.Minute},
	}
}

// newTestManager returns a manager over a fresh migrated database and a frozen clock.
func newTestManager(t *testing.T) (*Manager, *ManualClock) {
	t.Helper()
	conn := optest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	clock := NewManualClock(testEpoch)
	return NewManager(NewSQLStore(conn, log), testManagerConfig(), clock, log), clock
}

func mustSubmit(t *testing.T, mgr *Manager, requestID, opType string, priority int) string {
	t.Helper()
	res, err := mgr.Submit(context.Background(), SubmitRequest{
		RequestID:     requestID,
		OperationType: opType,
		Parameters:    Document{"layer": requestID},
		Priority:      util.Ptr(priority),
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.OperationID
}

func mustLease(t *testing.T, mgr *Manager, workerID string) *Lease {
	t.Helper()
	lease, err := mgr.Lease(context.Background(), workerID)
	require.NoError(t, err)
	require.NotNil(t, lease, "expected an eligible operation for %s", workerID)
	return lease
}
