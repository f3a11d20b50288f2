package ratelimit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercatorhq/herald/config"
)

func newTestLimiter(cfg config.SendRateConfig, clock *fakeClock) *Limiter {
	l := NewLimiter(cfg, zerolog.Nop())
	l.now = clock.Now
	l.global.now = clock.Now
	l.global.lastRefill = clock.Now()
	return l
}

func TestLimiterGlobalExhaustion(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(config.SendRateConfig{
		GlobalPerMinute:    5,
		GlobalBurst:        5,
		RecipientPerMinute: 60,
		RecipientBurst:     10,
		RecipientIdleTTL:   10 * time.Minute,
	}, clock)

	// Six distinct recipients in a burst: the global bucket grants five.
	granted := 0
	for id := uint(1); id <= 6; id++ {
		if l.Allow(id) {
			granted++
		}
	}
	assert.Equal(t, 5, granted)

	// Refill at 5/min means the next token is ~12s away.
	assert.InDelta(t, 12.0, l.WaitTime(7).Seconds(), 0.01)

	clock.Advance(12*time.Second + 100*time.Millisecond)
	assert.True(t, l.Allow(7))
}

func TestLimiterCompensatingRefund(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(config.SendRateConfig{
		GlobalPerMinute:    60,
		GlobalBurst:        10,
		RecipientPerMinute: 1,
		RecipientBurst:     1,
		RecipientIdleTTL:   10 * time.Minute,
	}, clock)

	require.True(t, l.Allow(1))
	snap := l.Snapshot()
	assert.InDelta(t, 9.0, snap.GlobalTokens, 1e-9)

	// Recipient bucket is empty now; the denial must hand the global token back.
	assert.False(t, l.Allow(1))
	snap = l.Snapshot()
	assert.InDelta(t, 9.0, snap.GlobalTokens, 1e-9, "global token must be refunded on recipient denial")

	// Other recipients are unaffected by the hot contact.
	assert.True(t, l.Allow(2))
}

func TestLimiterWaitTimeTakesSlowerBucket(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(config.SendRateConfig{
		GlobalPerMinute:    60, // 1/s
		GlobalBurst:        1,
		RecipientPerMinute: 6, // 0.1/s
		RecipientBurst:     1,
		RecipientIdleTTL:   10 * time.Minute,
	}, clock)

	require.True(t, l.Allow(1))

	// Global would recover in 1s, the recipient needs 10s.
	assert.InDelta(t, 10.0, l.WaitTime(1).Seconds(), 0.01)

	// A fresh recipient only waits on the global bucket.
	assert.InDelta(t, 1.0, l.WaitTime(2).Seconds(), 0.01)
}

func TestLimiterResetRecipient(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(config.SendRateConfig{
		GlobalPerMinute:    600,
		GlobalBurst:        100,
		RecipientPerMinute: 1,
		RecipientBurst:     2,
		RecipientIdleTTL:   10 * time.Minute,
	}, clock)

	require.True(t, l.Allow(9))
	require.True(t, l.Allow(9))
	require.False(t, l.Allow(9))

	l.ResetRecipient(9)
	assert.True(t, l.Allow(9), "reset must refill the recipient bucket")

	// Resetting an unseen recipient is a no-op.
	l.ResetRecipient(12345)
}

func TestLimiterSweepEvictsIdleRecipients(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(config.SendRateConfig{
		GlobalPerMinute:    600,
		GlobalBurst:        100,
		RecipientPerMinute: 60,
		RecipientBurst:     5,
		RecipientIdleTTL:   time.Minute,
	}, clock)

	l.Allow(1)
	l.Allow(2)
	assert.Equal(t, 2, l.Snapshot().ActiveRecipients)

	clock.Advance(30 * time.Second)
	l.Allow(1) // keeps recipient 1 fresh

	clock.Advance(45 * time.Second)
	evicted := l.Sweep()
	assert.Equal(t, 1, evicted)

	snap := l.Snapshot()
	assert.Equal(t, 1, snap.ActiveRecipients)
}

func TestLimiterSnapshotShape(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(config.SendRateConfig{
		GlobalPerMinute:    30,
		GlobalBurst:        10,
		RecipientPerMinute: 3,
		RecipientBurst:     2,
		RecipientIdleTTL:   10 * time.Minute,
	}, clock)

	snap := l.Snapshot()
	assert.Equal(t, 10.0, snap.GlobalCapacity)
	assert.Equal(t, 10.0, snap.GlobalTokens)
	assert.Equal(t, 30, snap.GlobalPerMinute)
	assert.Equal(t, 3, snap.RecipientPerMinute)
	assert.Equal(t, 0, snap.ActiveRecipients)
}
