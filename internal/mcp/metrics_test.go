package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/telemetry"
)

func TestMetrics_Begin(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	m := newMetrics(tt.Meter(instrumentationName), nil)
	ctx := context.Background()

	done := m.begin(ctx, "signal_route")
	inFlight, ok := tt.Counter(ctx, "verdict.mcp.tool.in_flight")
	require.True(t, ok)
	assert.Equal(t, int64(1), inFlight)

	done(outcomeOK)
	m.begin(ctx, "signal_route")("input_error")

	inFlight, _ = tt.Counter(ctx, "verdict.mcp.tool.in_flight")
	assert.Zero(t, inFlight)

	calls, ok := tt.Counter(ctx, "verdict.mcp.tool.calls_total", attribute.String("tool", "signal_route"))
	require.True(t, ok)
	assert.Equal(t, int64(2), calls)
	failed, _ := tt.Counter(ctx, "verdict.mcp.tool.calls_total", attribute.String("outcome", "input_error"))
	assert.Equal(t, int64(1), failed)

	n, ok := tt.Observations(ctx, "verdict.mcp.tool.duration_seconds")
	require.True(t, ok)
	assert.Equal(t, uint64(2), n)
}

// TestMetrics_ToolCalls tests that served tools record replays separately
// from first-time calls.
func TestMetrics_ToolCalls(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	k, _ := newTestKernel(t)
	s, err := NewServer(&Config{Meter: tt.Meter(instrumentationName)}, k)
	require.NoError(t, err)
	cs := connect(t, s)
	ctx := context.Background()

	_, isErr := call(t, cs, "signal_route", routeArgs("sig-1", 0.8), nil)
	require.False(t, isErr)
	submit := map[string]any{"signal_id": "sig-1"}
	_, isErr = call(t, cs, "audit_submit", submit, nil)
	require.False(t, isErr)
	_, isErr = call(t, cs, "audit_submit", submit, nil)
	require.False(t, isErr)
	_, isErr = call(t, cs, "signal_route", routeArgs("sig-2", 1.5), nil)
	require.True(t, isErr)

	replays, _ := tt.Counter(ctx, "verdict.mcp.tool.calls_total",
		attribute.String("tool", "audit_submit"), attribute.String("outcome", outcomeReplay))
	assert.Equal(t, int64(1), replays)
	ok, _ := tt.Counter(ctx, "verdict.mcp.tool.calls_total", attribute.String("outcome", outcomeOK))
	assert.Equal(t, int64(2), ok)
	rejected, _ := tt.Counter(ctx, "verdict.mcp.tool.calls_total",
		attribute.String("tool", "signal_route"), attribute.String("outcome", "input_error"))
	assert.Equal(t, int64(1), rejected)
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		name string
		out  any
		err  error
		want string
	}{
		{"ok", signalRouteOutput{}, nil, outcomeOK},
		{"replayed submit", auditSubmitOutput{AlreadyDone: true}, nil, outcomeReplay},
		{"first submit", auditSubmitOutput{}, nil, outcomeOK},
		{"replayed decision", adjustmentDecideOutput{AlreadyDone: true}, nil, outcomeReplay},
		{"input", nil, faults.Inputf("gate.route", "confidence out of range"), "input_error"},
		{"conflict", nil, faults.Conflict("audit.submit", errors.New("already resolved")), "state_conflict"},
		{"storage", nil, faults.Storage("ledger.append", errors.New("disk full")), "storage_error"},
		{"incomplete", nil, faults.Incomplete("analysis", errors.New("scan cut short")), "analysis_incomplete"},
		{"not found", nil, errors.New("audit record not found: sig-1"), "not_found"},
		{"generic", nil, errors.New("something went wrong"), "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcomeOf(tt.out, tt.err))
		})
	}
}
