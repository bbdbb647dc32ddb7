package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fyrsmithlabs/verdict/internal/config"
)

// TestNew_Disabled tests that a disabled config yields a healthy no-op.
func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

// TestNew_InvalidConfig tests that validation errors are returned.
func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.ServiceName = ""
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

// TestNew_WithExporters tests the enabled path with in-memory exporters.
func TestNew_WithExporters(t *testing.T) {
	prevTP := otel.GetTracerProvider()
	prevMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Metrics.Enabled = false
	spans := tracetest.NewInMemoryExporter()

	tel, err := New(context.Background(), cfg, WithTraceExporter(spans))
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())
	assert.False(t, tel.Health().Degraded)

	_, span := otel.Tracer("verdict/test").Start(context.Background(), "kernel.Route")
	span.End()
	require.NoError(t, tel.ForceFlush(context.Background()))

	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "kernel.Route", got[0].Name)
	assert.Equal(t, "verdict", resourceService(got[0]))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
	assert.False(t, tel.IsEnabled())
}

func resourceService(s tracetest.SpanStub) string {
	for _, kv := range s.Resource.Attributes() {
		if kv.Key == "service.name" {
			return kv.Value.AsString()
		}
	}
	return ""
}

// TestTelemetry_NilSafe tests every method on a nil receiver.
func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotPanics(t, func() {
		_ = tel.Tracer("x")
		_ = tel.Meter("x")
		_ = tel.LoggerProvider()
		tel.SetLoggerProvider(nil)
		_ = tel.ForceFlush(context.Background())
		_ = tel.Shutdown(context.Background())
	})
	assert.True(t, tel.Health().Degraded)
	assert.False(t, tel.IsEnabled())
}

// TestTelemetry_Degraded tests that recorded failures surface in Health.
func TestTelemetry_Degraded(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	tel.setDegraded("meter provider: %v", "dial refused")

	h := tel.Health()
	assert.True(t, h.Degraded)
	assert.Equal(t, "meter provider: dial refused", h.Error)
}

// TestTestTelemetry_Spans tests span recording and attribute lookup.
func TestTestTelemetry_Spans(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("test").Start(ctx, "Kernel.Route")
	span.SetAttributes(
		attribute.String("signal.category", "pricing"),
		attribute.Int64("reasons", 2),
		attribute.Bool("publish_bound", true),
	)
	span.End()
	_, other := tt.Tracer("test").Start(ctx, "Manager.Submit")
	other.End()

	assert.Equal(t, []string{"Kernel.Route", "Manager.Submit"}, tt.SpanNames())

	v, ok := tt.SpanAttr("Kernel.Route", "signal.category")
	require.True(t, ok)
	assert.Equal(t, "pricing", v)
	v, _ = tt.SpanAttr("Kernel.Route", "reasons")
	assert.Equal(t, int64(2), v)
	v, _ = tt.SpanAttr("Kernel.Route", "publish_bound")
	assert.Equal(t, true, v)

	_, ok = tt.SpanAttr("Kernel.Route", "missing")
	assert.False(t, ok)
	_, ok = tt.Span("missing")
	assert.False(t, ok)
}

// TestTestTelemetry_Metrics tests counter and histogram lookups.
func TestTestTelemetry_Metrics(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, ok := tt.Counter(ctx, "verdict.routes")
	assert.False(t, ok)

	counter, err := tt.Meter("test").Int64Counter("verdict.routes")
	require.NoError(t, err)
	counter.Add(ctx, 3, metric.WithAttributes(attribute.String("route", "AUTO")))
	counter.Add(ctx, 2, metric.WithAttributes(attribute.String("route", "REVIEW")))

	total, ok := tt.Counter(ctx, "verdict.routes")
	require.True(t, ok)
	assert.Equal(t, int64(5), total)
	review, _ := tt.Counter(ctx, "verdict.routes", attribute.String("route", "REVIEW"))
	assert.Equal(t, int64(2), review)

	hist, err := tt.Meter("test").Float64Histogram("verdict.latency")
	require.NoError(t, err)
	hist.Record(ctx, 0.1)
	hist.Record(ctx, 0.2)
	n, ok := tt.Observations(ctx, "verdict.latency")
	require.True(t, ok)
	assert.Equal(t, uint64(2), n)

	_, ok = tt.Observations(ctx, "verdict.routes")
	assert.False(t, ok, "a counter is not a histogram")
}

// TestFromSettings_RoundTrip tests New with a config built from settings.
func TestFromSettings_RoundTrip(t *testing.T) {
	tel, err := New(context.Background(), FromSettings(config.ObservabilityConfig{SampleRate: 1}, "v"))
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
}
