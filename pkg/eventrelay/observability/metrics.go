package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records relay metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEventEnqueued records one event accepted by the aggregator.
	RecordEventEnqueued(ctx context.Context, kind string, queueDepth int)

	// RecordEventsDropped records events evicted by queue overflow.
	RecordEventsDropped(ctx context.Context, count int)

	// RecordBatchDelivered records a batch acknowledged by the transport.
	RecordBatchDelivered(ctx context.Context, events, attempts int, duration time.Duration)

	// RecordBatchFailed records a batch whose delivery gave up.
	RecordBatchFailed(ctx context.Context, events int, category string)

	// RecordRetry records a failed attempt that was rescheduled.
	RecordRetry(ctx context.Context, operation string, attempt int)

	// RecordBreakerTransition records a circuit breaker state change.
	RecordBreakerTransition(ctx context.Context, to string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	eventsEnqueued     metric.Int64Counter
	eventsDropped      metric.Int64Counter
	queueDepth         metric.Int64Gauge
	batchesDelivered   metric.Int64Counter
	batchesFailed      metric.Int64Counter
	batchSize          metric.Int64Histogram
	deliveryLatency    metric.Float64Histogram
	retries            metric.Int64Counter
	breakerTransitions metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics lazily initializes the default OTel metrics instance.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventrelay")
	m := &otelMetrics{}
	var err error

	if m.eventsEnqueued, err = meter.Int64Counter("eventrelay.events.enqueued",
		metric.WithDescription("Number of events accepted by the aggregator"),
	); err != nil {
		return nil, err
	}
	if m.eventsDropped, err = meter.Int64Counter("eventrelay.events.dropped",
		metric.WithDescription("Number of events evicted by queue overflow"),
	); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64Gauge("eventrelay.queue.depth",
		metric.WithDescription("Events waiting in the aggregator queue"),
	); err != nil {
		return nil, err
	}
	if m.batchesDelivered, err = meter.Int64Counter("eventrelay.batches.delivered",
		metric.WithDescription("Number of batches acknowledged by the transport"),
	); err != nil {
		return nil, err
	}
	if m.batchesFailed, err = meter.Int64Counter("eventrelay.batches.failed",
		metric.WithDescription("Number of batches whose delivery gave up"),
	); err != nil {
		return nil, err
	}
	if m.batchSize, err = meter.Int64Histogram("eventrelay.batch.size",
		metric.WithDescription("Events per delivered batch"),
	); err != nil {
		return nil, err
	}
	if m.deliveryLatency, err = meter.Float64Histogram("eventrelay.delivery.latency_ms",
		metric.WithDescription("Time from first attempt to acknowledgement in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.retries, err = meter.Int64Counter("eventrelay.retries",
		metric.WithDescription("Number of rescheduled attempts"),
	); err != nil {
		return nil, err
	}
	if m.breakerTransitions, err = meter.Int64Counter("eventrelay.breaker.transitions",
		metric.WithDescription("Number of circuit breaker state changes"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordEventEnqueued(ctx context.Context, kind string, queueDepth int) {
	m.eventsEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("event.type", kind)))
	m.queueDepth.Record(ctx, int64(queueDepth))
}

func (m *otelMetrics) RecordEventsDropped(ctx context.Context, count int) {
	m.eventsDropped.Add(ctx, int64(count))
}

func (m *otelMetrics) RecordBatchDelivered(ctx context.Context, events, attempts int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Int("attempts", attempts))
	m.batchesDelivered.Add(ctx, 1, attrs)
	m.batchSize.Record(ctx, int64(events))
	m.deliveryLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

func (m *otelMetrics) RecordBatchFailed(ctx context.Context, events int, category string) {
	m.batchesFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.Int("events", events),
	))
}

func (m *otelMetrics) RecordRetry(ctx context.Context, operation string, attempt int) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Int("attempt", attempt),
	))
}

func (m *otelMetrics) RecordBreakerTransition(ctx context.Context, to string) {
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", to)))
}
