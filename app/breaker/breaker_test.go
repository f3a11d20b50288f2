package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercatorhq/herald/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(threshold int, timeout time.Duration, clock *fakeClock) *Breaker {
	b := New(config.CircuitBreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  timeout,
	}, zerolog.Nop())
	b.now = clock.Now
	return b
}

var errGatewayDown = errors.New("gateway: connection refused")

func failingCall(ctx context.Context) error { return errGatewayDown }

func succeedingCall(ctx context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(3, 30*time.Second, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Call(ctx, failingCall)
		require.ErrorIs(t, err, errGatewayDown)
	}
	assert.Equal(t, StateOpen, b.State())

	invoked := false
	err := b.Call(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, invoked, "open circuit must not invoke the gateway")
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(3, 30*time.Second, clock)
	ctx := context.Background()

	require.Error(t, b.Call(ctx, failingCall))
	require.Error(t, b.Call(ctx, failingCall))
	require.NoError(t, b.Call(ctx, succeedingCall))
	require.Error(t, b.Call(ctx, failingCall))
	require.Error(t, b.Call(ctx, failingCall))

	// Two failures after a success are not three consecutive ones.
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Call(ctx, succeedingCall))
}

func TestBreakerFailsFastUntilRecoveryTimeout(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(3, 30*time.Second, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Call(ctx, failingCall))
	}

	clock.Advance(29 * time.Second)
	err := b.Call(ctx, succeedingCall)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 3, snap.ConsecutiveFailures)
	require.NotNil(t, snap.RetryAt)
	assert.Equal(t, clock.Now().Add(1*time.Second), *snap.RetryAt)
}

func TestBreakerHalfOpenTrialSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(3, 30*time.Second, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Call(ctx, failingCall))
	}
	clock.Advance(30 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Call(ctx, succeedingCall))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(3, 30*time.Second, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Call(ctx, failingCall))
	}
	clock.Advance(30 * time.Second)

	require.ErrorIs(t, b.Call(ctx, failingCall), errGatewayDown)
	assert.Equal(t, StateOpen, b.State())

	// A fresh recovery timeout applies before the next trial.
	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Call(ctx, succeedingCall), ErrCircuitOpen)
	clock.Advance(1 * time.Second)
	require.NoError(t, b.Call(ctx, succeedingCall))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerAdmitsExactlyOneTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(3, 30*time.Second, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Call(ctx, failingCall))
	}
	clock.Advance(30 * time.Second)

	trialStarted := make(chan struct{})
	release := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Call(ctx, func(ctx context.Context) error {
			close(trialStarted)
			<-release
			return nil
		})
	}()

	<-trialStarted
	invoked := false
	err := b.Call(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen, "second caller must not ride along with the trial")
	assert.False(t, invoked)

	close(release)
	require.NoError(t, <-trialDone)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Call(ctx, succeedingCall))
}

func TestBreakerResetClosesCircuit(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(3, 30*time.Second, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Call(ctx, failingCall))
	}
	require.ErrorIs(t, b.Call(ctx, succeedingCall), ErrCircuitOpen)

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Call(ctx, succeedingCall))

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Nil(t, snap.RetryAt)
}
