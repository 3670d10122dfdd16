package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// setupTracingTest installs an in-memory span exporter.
func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("eventrelay")

	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	})
	return exporter
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestStartDeliverySpan(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	_, span := sm.StartDeliverySpan(context.Background(), "batch-9", 12)
	sm.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	s := spans[0]
	assert.Equal(t, "eventrelay.deliver", s.Name)
	assert.Equal(t, trace.SpanKindProducer, s.SpanKind)
	assert.Equal(t, codes.Ok, s.Status.Code)

	v, ok := attrValue(s.Attributes, "batch.id")
	require.True(t, ok)
	assert.Equal(t, "batch-9", v.AsString())
	v, ok = attrValue(s.Attributes, "batch.events")
	require.True(t, ok)
	assert.Equal(t, int64(12), v.AsInt64())
}

func TestStartAttemptSpan_IsChild(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	ctx, parent := sm.StartDeliverySpan(context.Background(), "batch-1", 1)
	_, child := sm.StartAttemptSpan(ctx, "deliver", 2)
	sm.EndSpanWithError(child, errors.New("timeout"))
	sm.EndSpanWithError(parent, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	attempt := spans[0]
	assert.Equal(t, "eventrelay.attempt", attempt.Name)
	assert.Equal(t, spans[1].SpanContext.SpanID(), attempt.Parent.SpanID())
	assert.Equal(t, codes.Error, attempt.Status.Code)
	assert.Equal(t, "timeout", attempt.Status.Description)
	require.Len(t, attempt.Events, 1)
	assert.Equal(t, "exception", attempt.Events[0].Name)
}

func TestAddSpanEvent(t *testing.T) {
	exporter := setupTracingTest(t)
	sm := NewSpanManager()

	ctx, span := sm.StartDeliverySpan(context.Background(), "batch-1", 1)
	sm.AddSpanEvent(ctx, "retry.scheduled", attribute.Int("attempt", 1))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "retry.scheduled", spans[0].Events[0].Name)
}

func TestAddSpanEvent_NoSpan(t *testing.T) {
	assert.NotPanics(t, func() {
		AddSpanEvent(context.Background(), "nothing")
	})
}

func TestEndSpanWithError_Nil(t *testing.T) {
	assert.NotPanics(t, func() {
		EndSpanWithError(nil, errors.New("x"))
	})
}
