// Package breaker guards the messaging gateway with a shared circuit breaker.
//
// The breaker counts consecutive send failures. Once the count reaches the
// configured threshold the circuit opens and every call fails fast without
// touching the gateway. After the recovery timeout a single trial call is let
// through (half-open); success closes the circuit, failure reopens it for
// another full timeout.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mercatorhq/herald/config"
)

// ErrCircuitOpen is returned by Call when the circuit is open and the
// recovery timeout has not elapsed. The gateway is not invoked in that case.
var ErrCircuitOpen = errors.New("circuit open: gateway unavailable")

// State is the observable condition of the circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func (s State) String() string {
	return string(s)
}

// Snapshot is a point-in-time view of the breaker for status endpoints.
type Snapshot struct {
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailureThreshold    int        `json:"failure_threshold"`
	RetryAt             *time.Time `json:"retry_at,omitempty"`
}

// Breaker is a single circuit shared by every gateway call in the process.
// It is constructed once at startup and injected wherever sends happen, so
// tests can build their own instance and reset it between cases.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	recoveryTimeout  time.Duration

	state    State
	failures int
	openedAt time.Time
	probing  bool

	log zerolog.Logger
	now func() time.Time
}

// New builds a closed breaker from configuration. Zero or negative settings
// fall back to a threshold of 5 failures and a 30 second recovery timeout.
func New(cfg config.CircuitBreakerConfig, log zerolog.Logger) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	timeout := cfg.RecoveryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: threshold,
		recoveryTimeout:  timeout,
		state:            StateClosed,
		log:              log,
		now:              time.Now,
	}
}

// Call runs fn through the circuit. When the circuit is open and the recovery
// timeout has not elapsed, Call returns ErrCircuitOpen without invoking fn.
// When the timeout has elapsed exactly one caller is admitted as the half-open
// trial; concurrent callers keep failing fast until the trial resolves.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// allow decides whether a call may proceed, moving open to half-open when the
// recovery timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.recoveryTimeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		b.log.Info().
			Str("state", StateHalfOpen.String()).
			Msg("circuit half-open, admitting trial call")
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// record routes an outcome into the state machine. Success closes the circuit
// from any state. A failure while half-open reopens immediately; failures
// while closed open the circuit once the consecutive count reaches the
// threshold.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state != StateClosed {
			b.log.Info().
				Str("state", StateClosed.String()).
				Msg("circuit closed after successful call")
		}
		b.state = StateClosed
		b.failures = 0
		b.probing = false
		return
	}

	b.failures++

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
		b.log.Warn().
			Int("consecutive_failures", b.failures).
			Dur("recovery_timeout", b.recoveryTimeout).
			Msg("circuit reopened, trial call failed")
	case StateClosed:
		if b.failures >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.log.Warn().
				Int("consecutive_failures", b.failures).
				Dur("recovery_timeout", b.recoveryTimeout).
				Msg("circuit opened, gateway failing")
		}
	}
}

// State reports the effective state: an open circuit whose recovery timeout
// has elapsed is reported half-open even though no trial has started yet.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.recoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns the breaker's current state for status reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    b.failureThreshold,
	}
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) >= b.recoveryTimeout {
			snap.State = StateHalfOpen
		} else {
			retryAt := b.openedAt.Add(b.recoveryTimeout)
			snap.RetryAt = &retryAt
		}
	}
	return snap
}

// Reset returns the breaker to closed with no recorded failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.openedAt = time.Time{}
}
