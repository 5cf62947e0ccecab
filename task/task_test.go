package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRunCompletesOnSuccess(t *testing.T) {
	assert := require.New(t)

	tk := New("refresh", 3, WithSleep(noSleep))
	assert.Equal(StatusPending, tk.Snapshot().Status)

	calls := 0
	err := tk.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.NoError(err)
	assert.Equal(1, calls)

	snap := tk.Snapshot()
	assert.Equal(StatusCompleted, snap.Status)
	assert.Zero(snap.RetryCount)
	assert.Empty(snap.LastError)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	assert := require.New(t)

	tk := New("refresh", 3, WithSleep(noSleep))

	calls := 0
	err := tk.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(err)
	assert.Equal(3, calls)

	snap := tk.Snapshot()
	assert.Equal(StatusCompleted, snap.Status)
	assert.Equal(2, snap.RetryCount)
}

func TestRunFailsAfterBudget(t *testing.T) {
	assert := require.New(t)

	tk := New("refresh", 3, WithSleep(noSleep))

	calls := 0
	err := tk.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("still broken")
	})
	assert.Error(err)
	assert.Equal(3, calls)

	snap := tk.Snapshot()
	assert.Equal(StatusFailed, snap.Status)
	// failed implies the retry count reached the maximum
	assert.GreaterOrEqual(snap.RetryCount, snap.MaxRetries)
	assert.Equal("still broken", snap.LastError)
}

func TestTerminalTasksAreImmutable(t *testing.T) {
	assert := require.New(t)

	completed := New("refresh", 1, WithSleep(noSleep))
	assert.NoError(completed.Run(context.Background(), func(ctx context.Context) error { return nil }))
	err := completed.Run(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(err, ErrTerminal)
	assert.Equal(StatusCompleted, completed.Snapshot().Status)

	failed := New("refresh", 1, WithSleep(noSleep))
	assert.Error(failed.Run(context.Background(), func(ctx context.Context) error { return errors.New("boom") }))
	err = failed.Run(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(err, ErrTerminal)
	assert.Equal(StatusFailed, failed.Snapshot().Status)
}

func TestRunCancelledDuringDelay(t *testing.T) {
	assert := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	tk := New("refresh", 5, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	err := tk.Run(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("transient")
	})
	assert.ErrorIs(err, context.Canceled)
	assert.Equal(1, calls)

	snap := tk.Snapshot()
	assert.Equal(StatusFailed, snap.Status)
	assert.GreaterOrEqual(snap.RetryCount, snap.MaxRetries)
}

func TestSnapshotIdentity(t *testing.T) {
	assert := require.New(t)

	tk := New("refresh", 2)
	snap := tk.Snapshot()
	assert.Equal(tk.ID(), snap.ID)
	assert.NotEmpty(snap.ID)
	assert.Equal("refresh", snap.Name)
	assert.Equal(2, snap.MaxRetries)
}
