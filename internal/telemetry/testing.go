package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory. Components under test
// get its Tracer and Meter instead of the global providers.
type TestTelemetry struct {
	*Telemetry

	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

// NewTestTelemetry returns an enabled Telemetry backed by in-memory
// recorders.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	tel := &Telemetry{
		config:         cfg,
		tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(spans)),
		meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
	tel.healthy.Store(true)
	return &TestTelemetry{Telemetry: tel, spans: spans, reader: reader}
}

// SpanNames returns the names of ended spans in end order.
func (t *TestTelemetry) SpanNames() []string {
	ended := t.spans.Ended()
	names := make([]string, len(ended))
	for i, s := range ended {
		names[i] = s.Name()
	}
	return names
}

// Span returns the last ended span called name.
func (t *TestTelemetry) Span(name string) (trace.ReadOnlySpan, bool) {
	ended := t.spans.Ended()
	for i := len(ended) - 1; i >= 0; i-- {
		if ended[i].Name() == name {
			return ended[i], true
		}
	}
	return nil, false
}

// SpanAttr returns attribute key of the last span called name.
func (t *TestTelemetry) SpanAttr(name, key string) (any, bool) {
	s, ok := t.Span(name)
	if !ok {
		return nil, false
	}
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.AsInterface(), true
		}
	}
	return nil, false
}

// Counter sums the data points of the int64 counter called name whose
// attributes include every one of match. It reports false when no such
// metric has been recorded.
func (t *TestTelemetry) Counter(ctx context.Context, name string, match ...attribute.KeyValue) (int64, bool) {
	m, ok := t.metric(ctx, name)
	if !ok {
		return 0, false
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		return 0, false
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if hasAll(dp.Attributes, match) {
			total += dp.Value
		}
	}
	return total, true
}

// Observations returns how many values the float64 histogram called name
// has recorded.
func (t *TestTelemetry) Observations(ctx context.Context, name string) (uint64, bool) {
	m, ok := t.metric(ctx, name)
	if !ok {
		return 0, false
	}
	h, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		return 0, false
	}
	var n uint64
	for _, dp := range h.DataPoints {
		n += dp.Count
	}
	return n, true
}

func (t *TestTelemetry) metric(ctx context.Context, name string) (metricdata.Metrics, bool) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return metricdata.Metrics{}, false
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func hasAll(set attribute.Set, match []attribute.KeyValue) bool {
	for _, kv := range match {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}
