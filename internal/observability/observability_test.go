package observability_test

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
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sheikh-saqib/property-ledger-core/internal/observability"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestEndSpan_RecordsError(t *testing.T) {
	rec := recordSpans(t)

	_, span := observability.StartSpan(context.Background(), "ledger", "ledger.PostEntry", attribute.String("entry_type", "payment"))
	observability.EndSpan(span, errors.New("unbalanced"))
	_, ok := observability.StartSpan(context.Background(), "ledger", "ledger.GetBalance")
	observability.EndSpan(ok, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ledger.PostEntry", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
	assert.Contains(t, spans[0].Attributes(), attribute.String("entry_type", "payment"))
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestWithTrace_AddsSpanIDs(t *testing.T) {
	recordSpans(t)
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	ctx, span := observability.StartSpan(context.Background(), "saga", "saga.Execute")
	observability.WithTrace(ctx, logger).Info("step done")
	observability.EndSpan(span, nil)
	observability.WithTrace(context.Background(), logger).Info("no span")

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), fields["span_id"])
	assert.NotContains(t, entries[1].ContextMap(), "trace_id")
}

func TestSetup_CollectsMetrics(t *testing.T) {
	ctx := context.Background()
	telemetry, err := observability.Setup(ctx, observability.Options{ServiceName: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = telemetry.Shutdown(ctx) })

	counter := observability.Counter("test.postings", "postings in tests")
	counter.Add(ctx, 2)
	counter.Add(ctx, 3)

	points, err := telemetry.Collect(ctx)
	require.NoError(t, err)
	var found bool
	for _, p := range points {
		if p.Name == "test.postings" {
			found = true
			assert.Equal(t, float64(5), p.Value)
		}
	}
	assert.True(t, found)
}

func TestSetup_TracingNeedsEndpoint(t *testing.T) {
	ctx := context.Background()
	telemetry, err := observability.Setup(ctx, observability.Options{ServiceName: "test", TracingEnabled: true})
	require.NoError(t, err)
	assert.NoError(t, telemetry.Shutdown(ctx))
}

func TestNewLogger(t *testing.T) {
	logger, err := observability.NewLogger("debug", "console")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = observability.NewLogger("loud", "json")
	assert.Error(t, err)

	assert.NotNil(t, observability.OrNop(nil))
}
