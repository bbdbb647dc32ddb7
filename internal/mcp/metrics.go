package mcp

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/faults"
)

const instrumentationName = "github.com/fyrsmithlabs/verdict/internal/mcp"

// Outcomes recorded on verdict.mcp.tool.calls_total besides error reasons.
const (
	outcomeOK     = "ok"
	outcomeReplay = "replay"
)

// Metrics records tool calls. A nil instrument is skipped, so a meter that
// fails to create one only loses that series.
type Metrics struct {
	logger   *zap.Logger
	calls    metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{logger: logger}

	var err error
	if m.calls, err = meter.Int64Counter(
		"verdict.mcp.tool.calls_total",
		metric.WithDescription("MCP tool calls by tool and outcome"),
		metric.WithUnit("{call}"),
	); err != nil {
		logger.Warn("failed to create calls counter", zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram(
		"verdict.mcp.tool.duration_seconds",
		metric.WithDescription("Duration of MCP tool calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}
	if m.inFlight, err = meter.Int64UpDownCounter(
		"verdict.mcp.tool.in_flight",
		metric.WithDescription("MCP tool calls currently running"),
		metric.WithUnit("{call}"),
	); err != nil {
		logger.Warn("failed to create in-flight counter", zap.Error(err))
	}
	return m
}

// begin marks a call to tool as running. The returned func ends it with
// the given outcome.
func (m *Metrics) begin(ctx context.Context, tool string) func(outcome string) {
	start := time.Now()
	toolAttr := metric.WithAttributes(attribute.String("tool", tool))
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, toolAttr)
	}
	return func(outcome string) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, toolAttr)
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), toolAttr)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("outcome", outcome),
			))
		}
	}
}

// replayer is implemented by outputs that can report an idempotent repeat.
type replayer interface {
	replayed() bool
}

func (o auditSubmitOutput) replayed() bool      { return o.AlreadyDone }
func (o adjustmentDecideOutput) replayed() bool { return o.AlreadyDone }

// outcomeOf labels a finished call.
func outcomeOf(out any, err error) string {
	if err != nil {
		return errorReason(err)
	}
	if r, ok := out.(replayer); ok && r.replayed() {
		return outcomeReplay
	}
	return outcomeOK
}

// errorReason maps an error to a low-cardinality label.
func errorReason(err error) string {
	if label := faults.Label(err); label != "internal_error" {
		return label
	}
	if strings.Contains(strings.ToLower(err.Error()), "not found") {
		return "not_found"
	}
	return "internal_error"
}
