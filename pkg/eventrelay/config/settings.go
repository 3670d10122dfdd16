package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay/message"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/retry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EVENTRELAY_"

// Settings is the typed relay configuration.
type Settings struct {
	// BatchWindow is how long events may wait before a flush (batch_window_ms).
	BatchWindow time.Duration

	// MaxBatchSize caps events per batch (max_batch_size). The queue
	// holds at most twice this many.
	MaxBatchSize int

	// MaxRetries is the number of delivery attempts per batch (max_retries).
	MaxRetries int

	// RetryDelays is the per-attempt backoff schedule (retry_delays_s).
	RetryDelays []time.Duration

	// FailureThreshold opens the breaker (failure_threshold).
	FailureThreshold int

	// ResetTimeout is the breaker's open period (reset_timeout_s).
	ResetTimeout time.Duration

	// DropCount is how many of the oldest events overflow evicts
	// (queue_overflow_drop_count).
	DropCount int

	// TickInterval drives Relay.Run for hosts without their own loop
	// (tick_interval_ms).
	TickInterval time.Duration

	// Codec names the envelope codec: json, cbor or msgpack (codec).
	Codec string

	// Source is stamped on every batch (source).
	Source string

	// Stream names this aggregator's logical stream in the spool (stream).
	Stream string

	// SpoolPath is the SQLite spool file; empty keeps the spool in
	// memory (spool_path).
	SpoolPath string

	// DLQSize bounds the dead-letter queue (dlq_size).
	DLQSize int

	// RateLimit caps HTTP writes per second; 0 disables (rate_limit).
	RateLimit float64
}

// Defaults returns the default settings.
func Defaults() Settings {
	return Settings{
		BatchWindow:      100 * time.Millisecond,
		MaxBatchSize:     50,
		MaxRetries:       3,
		RetryDelays:      []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second},
		FailureThreshold: 3,
		ResetTimeout:     60 * time.Second,
		DropCount:        10,
		TickInterval:     50 * time.Millisecond,
		Codec:            "json",
		Source:           "eventrelay",
		Stream:           "events",
		DLQSize:          100,
	}
}

// FromConfig overlays the recognized keys of c onto the defaults.
func FromConfig(c Config) Settings {
	s := Defaults()
	s.BatchWindow = c.Millis("batch_window_ms", s.BatchWindow)
	s.MaxBatchSize = c.Int("max_batch_size", s.MaxBatchSize)
	s.MaxRetries = c.Int("max_retries", s.MaxRetries)
	if delays := c.FloatSlice("retry_delays_s", nil); delays != nil {
		s.RetryDelays = secondsToDurations(delays)
	}
	s.FailureThreshold = c.Int("failure_threshold", s.FailureThreshold)
	s.ResetTimeout = c.Seconds("reset_timeout_s", s.ResetTimeout)
	s.DropCount = c.Int("queue_overflow_drop_count", s.DropCount)
	s.TickInterval = c.Millis("tick_interval_ms", s.TickInterval)
	s.Codec = c.String("codec", s.Codec)
	s.Source = c.String("source", s.Source)
	s.Stream = c.String("stream", s.Stream)
	s.SpoolPath = c.String("spool_path", s.SpoolPath)
	s.DLQSize = c.Int("dlq_size", s.DLQSize)
	s.RateLimit = c.Float("rate_limit", s.RateLimit)
	return s
}

// envSettings mirrors Settings in the units of the file keys.
type envSettings struct {
	BatchWindowMS          float64   `env:"BATCH_WINDOW_MS"`
	MaxBatchSize           int       `env:"MAX_BATCH_SIZE"`
	MaxRetries             int       `env:"MAX_RETRIES"`
	RetryDelaysS           []float64 `env:"RETRY_DELAYS_S"            envSeparator:","`
	FailureThreshold       int       `env:"FAILURE_THRESHOLD"`
	ResetTimeoutS          float64   `env:"RESET_TIMEOUT_S"`
	QueueOverflowDropCount int       `env:"QUEUE_OVERFLOW_DROP_COUNT"`
	TickIntervalMS         float64   `env:"TICK_INTERVAL_MS"`
	Codec                  string    `env:"CODEC"`
	Source                 string    `env:"SOURCE"`
	Stream                 string    `env:"STREAM"`
	SpoolPath              string    `env:"SPOOL_PATH"`
	DLQSize                int       `env:"DLQ_SIZE"`
	RateLimit              float64   `env:"RATE_LIMIT"`
}

// ApplyEnv overrides s from EVENTRELAY_* environment variables.
func (s *Settings) ApplyEnv() error {
	return s.ApplyEnvFrom(nil)
}

// ApplyEnvFrom overrides s from the given environment map; a nil map
// reads the process environment. Unset variables leave s unchanged.
func (s *Settings) ApplyEnvFrom(environ map[string]string) error {
	raw := envSettings{
		BatchWindowMS:          float64(s.BatchWindow) / float64(time.Millisecond),
		MaxBatchSize:           s.MaxBatchSize,
		MaxRetries:             s.MaxRetries,
		RetryDelaysS:           durationsToSeconds(s.RetryDelays),
		FailureThreshold:       s.FailureThreshold,
		ResetTimeoutS:          s.ResetTimeout.Seconds(),
		QueueOverflowDropCount: s.DropCount,
		TickIntervalMS:         float64(s.TickInterval) / float64(time.Millisecond),
		Codec:                  s.Codec,
		Source:                 s.Source,
		Stream:                 s.Stream,
		SpoolPath:              s.SpoolPath,
		DLQSize:                s.DLQSize,
		RateLimit:              s.RateLimit,
	}

	if err := env.ParseWithOptions(&raw, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	s.BatchWindow = millis(raw.BatchWindowMS)
	s.MaxBatchSize = raw.MaxBatchSize
	s.MaxRetries = raw.MaxRetries
	s.RetryDelays = secondsToDurations(raw.RetryDelaysS)
	s.FailureThreshold = raw.FailureThreshold
	s.ResetTimeout = seconds(raw.ResetTimeoutS)
	s.DropCount = raw.QueueOverflowDropCount
	s.TickInterval = millis(raw.TickIntervalMS)
	s.Codec = raw.Codec
	s.Source = raw.Source
	s.Stream = raw.Stream
	s.SpoolPath = raw.SpoolPath
	s.DLQSize = raw.DLQSize
	s.RateLimit = raw.RateLimit
	return nil
}

// Validate reports every invalid field.
func (s Settings) Validate() error {
	var errs []error
	if s.BatchWindow <= 0 {
		errs = append(errs, errors.New("batch_window_ms must be positive"))
	}
	if s.MaxBatchSize < 1 {
		errs = append(errs, errors.New("max_batch_size must be at least 1"))
	}
	if s.MaxRetries < 1 {
		errs = append(errs, errors.New("max_retries must be at least 1"))
	}
	if len(s.RetryDelays) == 0 {
		errs = append(errs, errors.New("retry_delays_s must not be empty"))
	}
	for i, d := range s.RetryDelays {
		if d < 0 {
			errs = append(errs, fmt.Errorf("retry_delays_s[%d] must not be negative", i))
		}
	}
	if s.FailureThreshold < 1 {
		errs = append(errs, errors.New("failure_threshold must be at least 1"))
	}
	if s.ResetTimeout <= 0 {
		errs = append(errs, errors.New("reset_timeout_s must be positive"))
	}
	if s.DropCount < 1 {
		errs = append(errs, errors.New("queue_overflow_drop_count must be at least 1"))
	}
	if s.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval_ms must be positive"))
	}
	if _, err := message.CodecByName(s.Codec); err != nil {
		errs = append(errs, err)
	}
	if s.Stream == "" {
		errs = append(errs, errors.New("stream must not be empty"))
	}
	if s.DLQSize < 1 {
		errs = append(errs, errors.New("dlq_size must be at least 1"))
	}
	if s.RateLimit < 0 || math.IsNaN(s.RateLimit) {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// RetryConfig returns the scheduler configuration.
func (s Settings) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:       s.MaxRetries,
		Delays:           append([]time.Duration(nil), s.RetryDelays...),
		FailureThreshold: s.FailureThreshold,
		ResetTimeout:     s.ResetTimeout,
	}
}

// Load reads settings from path (skipped when empty), applies
// environment overrides and validates the result.
func Load(path string) (Settings, error) {
	s := Defaults()
	if path != "" {
		c, err := FromFile(path)
		if err != nil {
			return Settings{}, err
		}
		s = FromConfig(c)
	}
	if err := s.ApplyEnv(); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func secondsToDurations(in []float64) []time.Duration {
	out := make([]time.Duration, len(in))
	for i, s := range in {
		out[i] = seconds(s)
	}
	return out
}

func durationsToSeconds(in []time.Duration) []float64 {
	out := make([]float64, len(in))
	for i, d := range in {
		out[i] = d.Seconds()
	}
	return out
}
