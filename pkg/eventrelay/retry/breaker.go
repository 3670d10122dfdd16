package retry

import (
	"sync"
	"time"

	relayerrors "github.com/randalmurphal/eventrelay/pkg/eventrelay/errors"
)

// State is a circuit breaker state.
type State int

const (
	// StateClosed lets every attempt through.
	StateClosed State = iota

	// StateOpen rejects attempts until the reset timeout passes.
	StateOpen

	// StateHalfOpen lets a single probe through.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TransitionFunc observes breaker state changes. It is called without
// the breaker lock held.
type TransitionFunc func(from, to State, failures int)

// BreakerStats is a snapshot of breaker state.
type BreakerStats struct {
	State               State
	ConsecutiveFailures int
	LastFailure         time.Time
}

// Breaker is a consecutive-failure circuit breaker.
//
// Closed opens after threshold consecutive failures. Open rejects until
// resetTimeout has passed since the last failure; the next attempt then
// becomes the single HalfOpen probe. A probe success closes the breaker
// and zeroes the failure count, a probe failure reopens it.
type Breaker struct {
	threshold    int
	resetTimeout time.Duration
	onTransition TransitionFunc

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, resetTimeout time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// OnTransition sets the state change observer.
func (b *Breaker) OnTransition(fn TransitionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow reports whether an attempt may proceed at now. probe is true
// when this attempt is the HalfOpen probe. A rejected attempt gets a
// *errors.BreakerOpenError.
func (b *Breaker) Allow(now time.Time) (probe bool, err error) {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil
	case StateOpen:
		if now.Sub(b.lastFailure) < b.resetTimeout {
			err := b.openErrorLocked()
			b.mu.Unlock()
			return false, err
		}
		b.probing = true
		notify := b.setStateLocked(StateHalfOpen)
		b.mu.Unlock()
		notify()
		return true, nil
	default:
		// HalfOpen with the probe already out.
		if b.probing {
			err := b.openErrorLocked()
			b.mu.Unlock()
			return false, err
		}
		b.probing = true
		b.mu.Unlock()
		return true, nil
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	notify := b.setStateLocked(StateClosed)
	b.mu.Unlock()
	notify()
}

// RecordFailure records one failed operation at now.
func (b *Breaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	b.failures++
	b.lastFailure = now
	b.probing = false

	notify := func() {}
	switch b.state {
	case StateHalfOpen:
		notify = b.setStateLocked(StateOpen)
	case StateClosed:
		if b.failures >= b.threshold {
			notify = b.setStateLocked(StateOpen)
		}
	}
	b.mu.Unlock()
	notify()
}

// ReleaseProbe returns an unanswered probe. The breaker goes back to
// Open without a new failure, so the next attempt probes again.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	if b.state != StateHalfOpen {
		b.mu.Unlock()
		return
	}
	b.probing = false
	notify := b.setStateLocked(StateOpen)
	b.mu.Unlock()
	notify()
}

// State returns the current state without side effects. An Open breaker
// whose reset timeout has passed still reports Open until an attempt
// arrives.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of breaker state.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailure:         b.lastFailure,
	}
}

func (b *Breaker) openErrorLocked() error {
	return &relayerrors.BreakerOpenError{
		OpenedAt: b.lastFailure,
		RetryAt:  b.lastFailure.Add(b.resetTimeout),
	}
}

// setStateLocked changes state and returns the observer call to make
// once the lock is released.
func (b *Breaker) setStateLocked(to State) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	fn, failures := b.onTransition, b.failures
	if fn == nil {
		return func() {}
	}
	return func() { fn(from, to, failures) }
}
