// Package ratelimit implements the token buckets that throttle outbound
// message dispatch. A single global bucket paces all traffic; per-recipient
// buckets additionally protect individual contacts from floods.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TokenBucket is a refill-on-touch token bucket. Tokens are fractional and
// every operation refills from the elapsed wall clock before acting, so no
// background ticker is needed. The token count always stays within
// [0, capacity].
type TokenBucket struct {
	mu           sync.Mutex
	capacity     float64
	tokens       float64
	refillPerSec float64
	lastRefill   time.Time

	now func() time.Time // overridable in tests
}

// NewTokenBucket creates a full bucket holding capacity tokens that refills
// at refillPerSec tokens per second.
func NewTokenBucket(capacity, refillPerSec float64) *TokenBucket {
	b := &TokenBucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPerSec: refillPerSec,
		now:          time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// refillLocked advances the bucket to the current instant. Callers hold mu.
func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		// Clock went backwards or no time passed; keep the anchor so a
		// recovered clock cannot mint tokens for time that never elapsed.
		return
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.refillPerSec)
	b.lastRefill = now
}

// TryConsume takes n tokens if available and reports whether it did.
// A denied call consumes nothing.
func (b *TokenBucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// WaitTime returns how long until n tokens will be available, zero when they
// already are. It never consumes or reserves tokens.
func (b *TokenBucket) WaitTime(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= n {
		return 0
	}
	if b.refillPerSec <= 0 {
		return time.Duration(math.MaxInt64)
	}
	missing := n - b.tokens
	return time.Duration(missing / b.refillPerSec * float64(time.Second))
}

// Refund returns n tokens to the bucket, capped at capacity. Used when a
// token taken from one bucket could not be matched by its sibling.
func (b *TokenBucket) Refund(n float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	b.tokens = min(b.capacity, b.tokens+n)
}

// Reset refills the bucket to capacity immediately.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = b.capacity
	b.lastRefill = b.now()
}

// Level returns the current token count and the capacity.
func (b *TokenBucket) Level() (tokens, capacity float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens, b.capacity
}
