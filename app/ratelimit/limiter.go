package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mercatorhq/herald/config"
)

// Limiter coordinates the global send bucket with lazily created
// per-recipient buckets. The global bucket is consulted first; when it
// grants a token but the recipient bucket denies, the global token is
// refunded so unrelated recipients are not starved by one hot contact.
type Limiter struct {
	mu         sync.Mutex
	cfg        config.SendRateConfig
	global     *TokenBucket
	recipients map[uint]*recipientEntry
	log        zerolog.Logger

	now func() time.Time // overridable in tests
}

type recipientEntry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// NewLimiter creates a limiter from the send rate configuration.
func NewLimiter(cfg config.SendRateConfig, log zerolog.Logger) *Limiter {
	l := &Limiter{
		cfg:        cfg,
		global:     NewTokenBucket(float64(cfg.GlobalBurst), float64(cfg.GlobalPerMinute)/60.0),
		recipients: make(map[uint]*recipientEntry),
		log:        log,
		now:        time.Now,
	}
	return l
}

// Allow takes one send token for the given recipient. Both the global and
// the recipient bucket must grant; a recipient denial refunds the global
// token. A denied call leaves every bucket as it was.
func (l *Limiter) Allow(recipientID uint) bool {
	rb := l.recipientBucket(recipientID)

	if !l.global.TryConsume(1) {
		return false
	}
	if !rb.TryConsume(1) {
		l.global.Refund(1)
		return false
	}
	return true
}

// WaitTime reports how long until a send to the given recipient could pass
// both buckets. It never consumes tokens.
func (l *Limiter) WaitTime(recipientID uint) time.Duration {
	rb := l.recipientBucket(recipientID)

	wait := l.global.WaitTime(1)
	if rw := rb.WaitTime(1); rw > wait {
		wait = rw
	}
	return wait
}

// ResetRecipient refills the recipient's bucket to capacity. Absent entries
// are already effectively full, so only existing buckets are touched.
func (l *Limiter) ResetRecipient(recipientID uint) {
	l.mu.Lock()
	entry, ok := l.recipients[recipientID]
	l.mu.Unlock()

	if ok {
		entry.bucket.Reset()
	}
}

// recipientBucket returns the bucket for the recipient, creating a full one
// on first sight and refreshing its idle timestamp.
func (l *Limiter) recipientBucket(recipientID uint) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.recipients[recipientID]
	if !ok {
		bucket := NewTokenBucket(float64(l.cfg.RecipientBurst), float64(l.cfg.RecipientPerMinute)/60.0)
		bucket.now = l.now
		bucket.lastRefill = l.now()
		entry = &recipientEntry{bucket: bucket}
		l.recipients[recipientID] = entry
	}
	entry.lastSeen = l.now()
	return entry.bucket
}

// Sweep drops recipient buckets idle for longer than the configured TTL and
// returns how many were evicted.
func (l *Limiter) Sweep() int {
	if l.cfg.RecipientIdleTTL <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.RecipientIdleTTL)
	evicted := 0
	for id, entry := range l.recipients {
		if entry.lastSeen.Before(cutoff) {
			delete(l.recipients, id)
			evicted++
		}
	}
	return evicted
}

// StartSweeper launches the periodic idle eviction loop and returns a stop
// function. The map stays bounded to recipients seen within the TTL.
func (l *Limiter) StartSweeper(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)

	interval := l.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					l.log.Debug().Int("evicted", n).Msg("evicted idle recipient buckets")
				}
			}
		}
	}()

	return cancel
}

// Snapshot captures the limiter state for status reporting and metrics.
type Snapshot struct {
	GlobalTokens       float64 `json:"global_tokens"`
	GlobalCapacity     float64 `json:"global_capacity"`
	GlobalPerMinute    int     `json:"global_per_minute"`
	ActiveRecipients   int     `json:"active_recipients"`
	RecipientPerMinute int     `json:"recipient_per_minute"`
	RecipientBurst     int     `json:"recipient_burst"`
}

// Snapshot returns the current limiter state.
func (l *Limiter) Snapshot() Snapshot {
	tokens, capacity := l.global.Level()

	l.mu.Lock()
	active := len(l.recipients)
	l.mu.Unlock()

	return Snapshot{
		GlobalTokens:       tokens,
		GlobalCapacity:     capacity,
		GlobalPerMinute:    l.cfg.GlobalPerMinute,
		ActiveRecipients:   active,
		RecipientPerMinute: l.cfg.RecipientPerMinute,
		RecipientBurst:     l.cfg.RecipientBurst,
	}
}
