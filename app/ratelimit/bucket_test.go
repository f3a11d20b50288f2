package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock provides a manually advanced clock for deterministic bucket tests
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

func newTestBucket(capacity, refillPerSec float64, clock *fakeClock) *TokenBucket {
	b := NewTokenBucket(capacity, refillPerSec)
	b.now = clock.Now
	b.lastRefill = clock.Now()
	return b
}

func TestTokenBucketConsumeAndRefill(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(5, 1, clock)

	// A full bucket grants exactly its capacity.
	for i := 0; i < 5; i++ {
		assert.True(t, b.TryConsume(1), "consume %d should succeed", i+1)
	}
	assert.False(t, b.TryConsume(1), "empty bucket must deny")

	// Refill is proportional to elapsed time.
	clock.Advance(2 * time.Second)
	tokens, capacity := b.Level()
	assert.InDelta(t, 2.0, tokens, 1e-9)
	assert.Equal(t, 5.0, capacity)

	assert.True(t, b.TryConsume(2))
	assert.False(t, b.TryConsume(1))
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(3, 10, clock)

	clock.Advance(time.Hour)
	tokens, _ := b.Level()
	assert.Equal(t, 3.0, tokens, "refill must cap at capacity")

	b.Refund(100)
	tokens, _ = b.Level()
	assert.Equal(t, 3.0, tokens, "refund must cap at capacity")
}

func TestTokenBucketLevelStaysNonNegative(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(2, 1, clock)

	require.True(t, b.TryConsume(2))
	assert.False(t, b.TryConsume(0.5))

	tokens, _ := b.Level()
	assert.GreaterOrEqual(t, tokens, 0.0)
}

func TestTokenBucketWaitTime(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(5, 1, clock)

	assert.Equal(t, time.Duration(0), b.WaitTime(1), "full bucket needs no wait")

	require.True(t, b.TryConsume(5))
	assert.InDelta(t, 1.0, b.WaitTime(1).Seconds(), 1e-9)
	assert.InDelta(t, 3.0, b.WaitTime(3).Seconds(), 1e-9)

	// WaitTime must not consume or reserve anything.
	first := b.WaitTime(1)
	second := b.WaitTime(1)
	assert.Equal(t, first, second)

	// After waiting the reported time the consume succeeds.
	clock.Advance(first)
	assert.True(t, b.TryConsume(1))
}

func TestTokenBucketWaitTimeSlowRefill(t *testing.T) {
	clock := newFakeClock()
	// 5 tokens per minute, the dispatch-facing configuration shape.
	b := newTestBucket(5, 5.0/60.0, clock)

	require.True(t, b.TryConsume(5))
	assert.InDelta(t, 12.0, b.WaitTime(1).Seconds(), 0.01)
}

func TestTokenBucketReset(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(4, 1, clock)

	require.True(t, b.TryConsume(4))
	b.Reset()

	tokens, capacity := b.Level()
	assert.Equal(t, capacity, tokens)
	assert.True(t, b.TryConsume(4))
}

func TestTokenBucketClockRewind(t *testing.T) {
	clock := newFakeClock()
	b := newTestBucket(5, 1, clock)

	require.True(t, b.TryConsume(3))
	clock.Advance(-10 * time.Second)

	// A rewound clock must never mint or destroy tokens.
	tokens, _ := b.Level()
	assert.InDelta(t, 2.0, tokens, 1e-9)

	clock.Advance(11 * time.Second)
	tokens, _ = b.Level()
	assert.InDelta(t, 3.0, tokens, 1e-9)
}
