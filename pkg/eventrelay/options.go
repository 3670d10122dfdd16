package eventrelay

import (
	"log/slog"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay/clock"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/event"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/message"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/observability"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/spool"
)

// relayConfig holds the collaborators a Relay is built from.
type relayConfig struct {
	logger   *slog.Logger
	clock    clock.Clock
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	registry *event.Registry
	codec    message.Codec
	spool    spool.Store
}

func defaultRelayConfig() relayConfig {
	return relayConfig{
		logger:   slog.Default(),
		clock:    clock.Real(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
		registry: event.DefaultRegistry(),
	}
}

// Option configures a Relay.
type Option func(*relayConfig)

// WithLogger sets the logger. A nil logger disables logging.
// Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(c *relayConfig) {
		if logger == nil {
			logger = slog.New(slog.DiscardHandler)
		}
		c.logger = logger
	}
}

// WithClock sets the clock used for timestamps, windows and backoff.
// Tests pass clock.Fake to drive time by hand.
func WithClock(clk clock.Clock) Option {
	return func(c *relayConfig) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithMetrics enables metric recording, e.g.
//
//	relay, err := eventrelay.New(settings, tr,
//	    eventrelay.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *relayConfig) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithSpanManager enables a span per batch delivery and per attempt.
func WithSpanManager(sm observability.SpanManager) Option {
	return func(c *relayConfig) {
		if sm != nil {
			c.spans = sm
		}
	}
}

// WithRegistry replaces the built-in kind registry.
func WithRegistry(r *event.Registry) Option {
	return func(c *relayConfig) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithCodec overrides the codec named in the settings.
func WithCodec(codec message.Codec) Option {
	return func(c *relayConfig) {
		c.codec = codec
	}
}

// WithSpool sets the store undelivered events are parked in at Close.
// The caller keeps ownership and closes it.
// Default: SQLite at Settings.SpoolPath, or an in-memory store.
func WithSpool(store spool.Store) Option {
	return func(c *relayConfig) {
		c.spool = store
	}
}
