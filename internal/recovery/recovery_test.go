package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/twinsync/internal/audit"
	"github.com/MarcoPoloResearchLab/twinsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(ledger *audit.Logger) *Manager {
	return NewManager(Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		CallTimeout: 50 * time.Millisecond,
		Audit:       ledger,
	})
}

func failingTimes(count int, err error) (func(context.Context) error, *int) {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= count {
			return err
		}
		return nil
	}, &calls
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	ledger := audit.NewLogger(audit.Config{})
	manager := newTestManager(ledger)
	run, calls := failingTimes(2, store.ErrUnavailable)

	attempts, err := manager.WithRetry(context.Background(), Operation{
		Name: "apply", Collection: "accounts", RecordID: "A1",
		Source: store.SideRemote, Target: store.SideLocal, Run: run,
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, *calls)
	assert.Empty(t, manager.Failed())
	events := ledger.Recent(0, audit.KindOperation)
	require.Len(t, events, 1)
	assert.Equal(t, audit.StatusSuccess, events[0].Status)
	assert.Equal(t, 3, events[0].Details["attempts"])
}

func TestWithRetryQueuesExhaustedOperations(t *testing.T) {
	ledger := audit.NewLogger(audit.Config{})
	manager := newTestManager(ledger)
	run, calls := failingTimes(10, fmt.Errorf("%w: connection refused", store.ErrUnavailable))

	attempts, err := manager.WithRetry(context.Background(), Operation{
		Name: "apply", Collection: "accounts", RecordID: "A1",
		Source: store.SideLocal, Target: store.SideRemote, Run: run,
	})

	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, *calls)

	failed := manager.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "A1", failed[0].RecordID)
	assert.Equal(t, store.SideRemote, failed[0].Target)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, 1, ledger.ErrorCount(0))
}

func TestWithRetryStopsOnPermanentErrors(t *testing.T) {
	manager := newTestManager(audit.NewLogger(audit.Config{}))
	run, calls := failingTimes(10, store.ErrNotFound)

	attempts, err := manager.WithRetry(context.Background(), Operation{Name: "apply", Run: run})

	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NotErrorIs(t, err, ErrRetryExhausted)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, *calls)
	assert.Empty(t, manager.Failed())
}

func TestWithRetryCountsTimeoutsAsFailures(t *testing.T) {
	manager := NewManager(Config{MaxAttempts: 2, BaseBackoff: time.Millisecond, CallTimeout: 5 * time.Millisecond})
	attempts, err := manager.WithRetry(context.Background(), Operation{
		Name: "slow",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, attempts)
}

func TestWithRetryHonoursCancellation(t *testing.T) {
	manager := NewManager(Config{MaxAttempts: 5, BaseBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := manager.WithRetry(ctx, Operation{
		Name: "apply",
		Run: func(context.Context) error {
			cancel()
			return store.ErrUnavailable
		},
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, manager.Failed())
}

func TestRetryFailedReplaysAndRequeues(t *testing.T) {
	ledger := audit.NewLogger(audit.Config{})
	manager := newTestManager(ledger)
	for _, recordID := range []string{"A1", "A2", "A3"} {
		run, _ := failingTimes(10, store.ErrUnavailable)
		_, err := manager.WithRetry(context.Background(), Operation{Name: "apply", Collection: "accounts", RecordID: recordID, Run: run})
		require.ErrorIs(t, err, ErrRetryExhausted)
	}

	report := manager.RetryFailed(context.Background(), func(_ context.Context, operation FailedOperation) error {
		switch operation.RecordID {
		case "A2":
			return errors.New("still down")
		case "A3":
			return store.ErrNotFound
		default:
			return nil
		}
	})

	assert.Equal(t, Report{Retried: 3, Succeeded: 2, Failed: 1}, report)
	remaining := manager.Failed()
	require.Len(t, remaining, 1)
	assert.Equal(t, "A2", remaining[0].RecordID)
	assert.Equal(t, 1, remaining[0].Replays)
	assert.Equal(t, "still down", remaining[0].Error)
	assert.Len(t, ledger.Recent(0, audit.KindRetryFailed), 3)
	assert.Equal(t, 1, ledger.Summary(0).RetryQueued)
}

func TestFailedListIsBounded(t *testing.T) {
	manager := NewManager(Config{MaxAttempts: 1, BaseBackoff: time.Millisecond, MaxFailed: 2})
	for _, recordID := range []string{"A1", "A2", "A3"} {
		_, _ = manager.WithRetry(context.Background(), Operation{
			Name: "apply", RecordID: recordID,
			Run: func(context.Context) error { return store.ErrUnavailable },
		})
	}
	failed := manager.Failed()
	require.Len(t, failed, 2)
	assert.Equal(t, "A2", failed[0].RecordID)
	assert.Equal(t, "A3", failed[1].RecordID)
}
