package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, now *time.Time) *Registry {
	t.Helper()

	return NewRegistry(Config{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}, WithNow(func() time.Time { return *now }))
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	assert := require.New(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, &now)
	b := reg.Get("https://rpc.example.org")

	assert.Equal(StateClosed, b.State())
	assert.True(b.CanExecute())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(StateClosed, b.State())
	assert.True(b.CanExecute())

	b.RecordFailure()
	assert.Equal(StateOpen, b.State())
	assert.False(b.CanExecute())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	assert := require.New(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, &now)
	b := reg.Get("https://rpc.example.org")

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// two more failures must not reach the threshold of three
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(StateClosed, b.State())
	assert.True(b.CanExecute())
}

func TestBreakerRecoveryProbe(t *testing.T) {
	assert := require.New(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, &now)
	b := reg.Get("https://rpc.example.org")

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.Equal(StateOpen, b.State())

	// within the recovery window: still rejected
	now = now.Add(29 * time.Second)
	assert.False(b.CanExecute())
	assert.Equal(StateOpen, b.State())

	// past the window: admitted as a probe, state moves to half-open
	now = now.Add(2 * time.Second)
	assert.True(b.CanExecute())
	assert.Equal(StateHalfOpen, b.State())
}

func TestBreakerHalfOpenOutcomes(t *testing.T) {
	assert := require.New(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, &now)

	t.Run("probe success closes", func(t *testing.T) {
		b := reg.Get("https://probe-success.example.org")
		for i := 0; i < 3; i++ {
			b.RecordFailure()
		}
		now = now.Add(31 * time.Second)
		assert.True(b.CanExecute())

		b.RecordSuccess()
		assert.Equal(StateClosed, b.State())
		assert.Equal(0, b.Status().FailureCount)
	})

	t.Run("probe failure reopens", func(t *testing.T) {
		b := reg.Get("https://probe-failure.example.org")
		for i := 0; i < 3; i++ {
			b.RecordFailure()
		}
		now = now.Add(31 * time.Second)
		assert.True(b.CanExecute())

		b.RecordFailure()
		assert.Equal(StateOpen, b.State())
		assert.False(b.CanExecute())
	})
}

func TestBreakerReset(t *testing.T) {
	assert := require.New(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, &now)
	b := reg.Get("https://rpc.example.org")

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.Equal(StateOpen, b.State())

	b.Reset()
	assert.Equal(StateClosed, b.State())
	assert.True(b.CanExecute())

	status := b.Status()
	assert.Equal(0, status.FailureCount)
	assert.Nil(status.LastFailure)
}

func TestRegistryLazyCreation(t *testing.T) {
	assert := require.New(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, &now)

	a := reg.Get("https://a.example.org")
	b := reg.Get("https://b.example.org")
	assert.NotSame(a, b)
	assert.Same(a, reg.Get("https://a.example.org"))

	// failures on one endpoint don't leak to another
	for i := 0; i < 3; i++ {
		a.RecordFailure()
	}
	assert.False(a.CanExecute())
	assert.True(b.CanExecute())
}

func TestRegistryResetUnknownEndpoint(t *testing.T) {
	assert := require.New(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, &now)

	assert.False(reg.Reset("https://never-seen.example.org"))

	reg.Get("https://seen.example.org").RecordFailure()
	assert.True(reg.Reset("https://seen.example.org"))
}

func TestRegistryStatuses(t *testing.T) {
	assert := require.New(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, &now)

	reg.Get("https://a.example.org")
	b := reg.Get("https://b.example.org")
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	status, ok := reg.Status("https://b.example.org")
	assert.True(ok)
	assert.Equal("open", status.State)
	assert.Equal(3, status.FailureCount)
	assert.NotNil(status.LastFailure)

	_, ok = reg.Status("https://missing.example.org")
	assert.False(ok)

	all := reg.AllStatuses()
	assert.Len(all, 2)
}

func TestDefaultConfig(t *testing.T) {
	assert := require.New(t)

	cfg := DefaultConfig()
	assert.Equal(5, cfg.FailureThreshold)
	assert.Equal(30*time.Second, cfg.RecoveryTimeout)

	// zero-value config falls back to defaults
	reg := NewRegistry(Config{})
	b := reg.Get("https://rpc.example.org")
	assert.Equal(5, b.threshold)
	assert.Equal(30*time.Second, b.recovery)
}
