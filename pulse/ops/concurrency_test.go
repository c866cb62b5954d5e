package ops

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Concurrent duplicates of one request resolve to a single live operation.
func TestConcurrentSubmitCreatesOneOperation(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	const submitters = 10
	results := make([]SubmitResult, submitters)
	errs := make([]error, submitters)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = mgr.Submit(ctx, SubmitRequest{
				RequestID:     "r2",
				OperationType: "publish",
				Parameters:    Document{"submitter": i},
			})
		}(i)
	}
	close(start)
	wg.Wait()

	created := 0
	for i := 0; i < submitters; i++ {
		require.NoError(t, errs[i], "submitter %d", i)
		if results[i].Created {
			created++
		}
		assert.Equal(t, results[0].OperationID, results[i].OperationID, "submitter %d", i)
	}
	assert.Equal(t, 1, created)

	history, err := mgr.FindByRequest(ctx, "r2", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// Every queued operation is leased by exactly one of many competing workers.
func TestConcurrentLeaseGrantsEachOperationOnce(t *testing.T) {
	t.Log("⭐ A crowd of Kirbys inhale from the same queue...")
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	const (
		operations = 40
		workers    = 8
	)
	for i := 0; i < operations; i++ {
		mustSubmit(t, mgr, fmt.Sprintf("stress-%02d", i), "publish", i%3)
	}

	var (
		mu     sync.Mutex
		leased = make(map[string]string)
		dupes  []string
		wg     sync.WaitGroup
	)
	errCh := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				lease, err := mgr.Lease(ctx, workerID)
				if err != nil {
					errCh <- err
					return
				}
				if lease == nil {
					return
				}
				mu.Lock()
				if prev, ok := leased[lease.Operation.ID]; ok {
					dupes = append(dupes, fmt.Sprintf("%s leased by %s and %s", lease.Operation.ID, prev, workerID))
				}
				leased[lease.Operation.ID] = workerID
				mu.Unlock()

				if _, err := mgr.CompleteSuccess(ctx, lease.Operation.ID, lease.ID, Result{}); err != nil {
					errCh <- err
					return
				}
			}
		}(fmt.Sprintf("kirby-%d", w))
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		require.NoError(t, err)
	}
	assert.Empty(t, dupes)
	assert.Len(t, leased, operations)

	stats, err := mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, operations, stats.Totals[StatusSucceeded])
	assert.Zero(t, stats.Live())
	t.Logf("✓ %d operations, %d workers, no double leases", operations, workers)
}

// Two holders racing to finish the same operation: one wins, the loser is told
// the lease is gone rather than overwriting the outcome.
func TestCompletionRaceAfterReclaim(t *testing.T) {
	mgr, clock := newTestManager(t)
	ctx := context.Background()

	id := mustSubmit(t, mgr, "race", "publish", 5)
	stale := mustLease(t, mgr, "worker-slow")
	clock.Advance(2 * testManagerConfig().LeaseTimeout)
	n, err := mgr.ReclaimExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	fresh := mustLease(t, mgr, "worker-fast")

	var wg sync.WaitGroup
	var staleErr, freshErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, staleErr = mgr.CompleteFailure(ctx, id, stale.ID, fmt.Errorf("slow worker gave up"))
	}()
	go func() {
		defer wg.Done()
		_, freshErr = mgr.CompleteSuccess(ctx, id, fresh.ID, Result{Output: Document{"by": "fast"}})
	}()
	wg.Wait()

	require.NoError(t, freshErr)
	assert.ErrorIs(t, staleErr, ErrLeaseExpired)

	op, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, op.Status)
	assert.Equal(t, 0, op.RetryCount)
}
