// Package observability provides the relay's logging, metrics and
// tracing hooks.
//
// Features:
//   - Structured logging via slog
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All helpers accept a nil logger, and every recorder has a no-op
// implementation for when it is disabled.
package observability

import (
	"context"
	"log/slog"
	"time"
)

// EnrichLogger adds the event source to a logger.
//
// Example:
//
//	logger = EnrichLogger(logger, "balatro-mod")
//	logger.Info("flushing") // includes source
func EnrichLogger(logger *slog.Logger, source string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(slog.String("source", source))
}

// LogFlush logs a batch leaving the aggregator.
func LogFlush(logger *slog.Logger, batchID string, queued, delivered int, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("batch flushed",
		slog.String("batch_id", batchID),
		slog.Int("events_in", queued),
		slog.Int("events_out", delivered),
		slog.String("reason", reason),
	)
}

// LogDeliverySuccess logs a batch acknowledged by the transport.
func LogDeliverySuccess(logger *slog.Logger, batchID string, sequenceID uint64, attempts int) {
	if logger == nil {
		return
	}
	logger.Debug("batch delivered",
		slog.String("batch_id", batchID),
		slog.Uint64("sequence_id", sequenceID),
		slog.Int("attempts", attempts),
	)
}

// LogDeliveryFailed logs a batch whose delivery gave up.
func LogDeliveryFailed(logger *slog.Logger, batchID string, events int, category string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("batch delivery failed",
		slog.String("batch_id", batchID),
		slog.Int("events", events),
		slog.String("category", category),
		slog.String("error", err.Error()),
	)
}

// LogRetryScheduled logs a failed attempt that will be retried.
func LogRetryScheduled(logger *slog.Logger, operation string, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Debug("retry scheduled",
		slog.String("operation", operation),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
}

// LogEventsDropped logs queue overflow.
func LogEventsDropped(logger *slog.Logger, dropped, queueLen int) {
	if logger == nil {
		return
	}
	logger.Warn("event queue full, dropped oldest events",
		slog.Int("dropped", dropped),
		slog.Int("queue_len", queueLen),
	)
}

// LogBreakerTransition logs a circuit breaker state change.
func LogBreakerTransition(logger *slog.Logger, from, to string, failures int) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if to == "open" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "circuit breaker state changed",
		slog.String("from", from),
		slog.String("to", to),
		slog.Int("failures", failures),
	)
}

// LogSerializationFailure logs an envelope that could not be encoded.
func LogSerializationFailure(logger *slog.Logger, messageType string, sequenceID uint64, err error) {
	if logger == nil {
		return
	}
	logger.Error("envelope serialization failed",
		slog.String("message_type", messageType),
		slog.Uint64("sequence_id", sequenceID),
		slog.String("error", err.Error()),
	)
}

// LogSpool logs a spool operation. Failures are logged as warnings; the
// relay keeps running without its spool.
func LogSpool(logger *slog.Logger, op, stream string, events int, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("spool operation failed",
			slog.String("operation", op),
			slog.String("stream", stream),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("spool operation",
		slog.String("operation", op),
		slog.String("stream", stream),
		slog.Int("events", events),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	elapsed := done()
func TimedOperation() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		return time.Since(start)
	}
}
