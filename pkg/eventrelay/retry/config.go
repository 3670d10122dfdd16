// Package retry wraps delivery attempts with bounded, non-blocking
// retries and a circuit breaker.
//
// Nothing in this package sleeps. A failed attempt parks its task with a
// resume deadline; the host's tick calls Scheduler.Tick, which resumes
// every task whose deadline has passed.
package retry

import (
	"math/rand/v2"
	"time"
)

// Config configures retry and breaker behavior.
type Config struct {
	// MaxRetries is the maximum number of attempts per operation,
	// including the first.
	MaxRetries int

	// Delays is the per-attempt backoff schedule. Delays[i] is the wait
	// after attempt i+1 fails; the last entry is reused for later
	// attempts.
	Delays []time.Duration

	// Jitter is the random jitter factor (0.0-1.0) applied to each delay.
	Jitter float64

	// FailureThreshold is the number of consecutive failed operations
	// that opens the breaker.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before letting a
	// probe through.
	ResetTimeout time.Duration
}

// DefaultConfig is the standard retry configuration.
var DefaultConfig = Config{
	MaxRetries:       3,
	Delays:           []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second},
	FailureThreshold: 3,
	ResetTimeout:     60 * time.Second,
}

// NoRetry makes a single attempt per operation.
var NoRetry = Config{
	MaxRetries:       1,
	FailureThreshold: DefaultConfig.FailureThreshold,
	ResetTimeout:     DefaultConfig.ResetTimeout,
}

// Option configures retry behavior.
type Option func(*Config)

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) Option {
	return func(cfg *Config) {
		cfg.MaxRetries = n
	}
}

// WithDelays sets the backoff schedule.
func WithDelays(delays ...time.Duration) Option {
	return func(cfg *Config) {
		cfg.Delays = delays
	}
}

// WithJitter sets the jitter factor.
func WithJitter(j float64) Option {
	return func(cfg *Config) {
		cfg.Jitter = j
	}
}

// WithFailureThreshold sets the breaker failure threshold.
func WithFailureThreshold(n int) Option {
	return func(cfg *Config) {
		cfg.FailureThreshold = n
	}
}

// WithResetTimeout sets the breaker reset timeout.
func WithResetTimeout(d time.Duration) Option {
	return func(cfg *Config) {
		cfg.ResetTimeout = d
	}
}

// NewConfig creates a configuration from DefaultConfig and the given
// options.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig
	cfg.Delays = append([]time.Duration(nil), DefaultConfig.Delays...)
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// normalized fills zero fields from DefaultConfig.
func (c Config) normalized() Config {
	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if len(c.Delays) == 0 {
		c.Delays = DefaultConfig.Delays
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultConfig.ResetTimeout
	}
	return c
}

// Delay returns the wait after the given 1-based attempt fails.
func (c Config) Delay(attempt int) time.Duration {
	if len(c.Delays) == 0 {
		return 0
	}
	idx := min(max(attempt-1, 0), len(c.Delays)-1)
	return applyJitter(c.Delays[idx], c.Jitter)
}

// applyJitter returns base +/- (base * jitter * random).
func applyJitter(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}
