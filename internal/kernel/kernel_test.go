package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/verdict/internal/approval"
	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/config"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/escalation"
	"github.com/fyrsmithlabs/verdict/internal/events"
	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/gate"
	"github.com/fyrsmithlabs/verdict/internal/ledger"
	"github.com/fyrsmithlabs/verdict/internal/metalearning"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Analyzer.DisableScheduler = true
	return cfg
}

func newTestKernel(t *testing.T, cfg *config.Config, opts ...Option) (*Kernel, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	k, err := New(context.Background(), cfg, nil, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k, clock
}

func signal(id string, conf float64) gate.Signal {
	return gate.Signal{ID: id, Category: "routing", Confidences: map[string]float64{"routing": conf}}
}

// TestNew_RequiresConfig tests constructor validation.
func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, nil)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.DataDir = ""
	_, err = New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

// TestRoute tests the three routes and their audit side effects.
func TestRoute(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(t))
	ctx := context.Background()

	tests := []struct {
		name      string
		conf      float64
		route     gate.Route
		wantAudit audit.State
	}{
		{"auto", 0.99, gate.RouteAuto, ""},
		{"review", 0.80, gate.RouteReview, audit.StatePending},
		{"block", 0.30, gate.RouteBlock, audit.StateBlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := k.Route(ctx, signal("sig-"+tt.name, tt.conf))
			require.NoError(t, err)
			assert.Equal(t, tt.route, out.Route)
			if tt.wantAudit == "" {
				assert.Nil(t, out.Audit)
				return
			}
			require.NotNil(t, out.Audit)
			assert.Equal(t, tt.wantAudit, out.Audit.State)

			rec, err := k.GetAudit(ctx, "sig-"+tt.name)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAudit, rec.State)
		})
	}

	pending, err := k.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sig-review", pending[0].SignalID)

	sig, d, err := k.Signal(ctx, "sig-auto")
	require.NoError(t, err)
	assert.Equal(t, "routing", sig.Category)
	assert.Equal(t, gate.RouteAuto, d.Route)
}

// TestRoute_FillsDefaults tests id generation and timestamping.
func TestRoute_FillsDefaults(t *testing.T) {
	k, clock := newTestKernel(t, testConfig(t))

	out, err := k.Route(context.Background(), gate.Signal{Confidences: map[string]float64{"tone": 0.99}})
	require.NoError(t, err)
	assert.NotEmpty(t, out.SignalID)
	assert.Equal(t, "tone", out.Decision.Category)

	sig, _, err := k.Signal(context.Background(), out.SignalID)
	require.NoError(t, err)
	assert.True(t, sig.Timestamp.Equal(clock.Now()))
}

// TestRoute_InvalidSignal tests that validation failures are input errors.
func TestRoute_InvalidSignal(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(t))

	_, err := k.Route(context.Background(), gate.Signal{ID: "bad", Confidences: map[string]float64{"routing": 1.5}})
	require.Error(t, err)
	assert.ErrorIs(t, err, faults.ErrInput)

	_, err = k.Route(context.Background(), gate.Signal{ID: "empty"})
	assert.ErrorIs(t, err, faults.ErrInput)
}

// TestSubmitAudit tests resolution and the repeat-submission conflict.
func TestSubmitAudit(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(t))
	ctx := context.Background()

	_, err := k.Route(ctx, signal("sig-1", 0.8))
	require.NoError(t, err)

	rec, err := k.SubmitAudit(ctx, "sig-1", audit.Submission{
		AccuracyScores: map[string]float64{"routing": 1},
		ReviewedBy:     "ana",
	})
	require.NoError(t, err)
	assert.Equal(t, audit.StateResolved, rec.State)
	require.NotNil(t, rec.Resolution)
	assert.Equal(t, ledger.StatusConfirmed, rec.Resolution.Status)

	_, err = k.SubmitAudit(ctx, "sig-1", audit.Submission{})
	require.Error(t, err)
	assert.True(t, faults.IsConflict(err))

	pending, err := k.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestRoute_StableWithoutApproval tests that new ledger history alone never
// moves the gate.
func TestRoute_StableWithoutApproval(t *testing.T) {
	k, clock := newTestKernel(t, testConfig(t))
	ctx := context.Background()

	out, err := k.Route(ctx, signal("sig-first", 0.8))
	require.NoError(t, err)
	assert.Equal(t, gate.RouteReview, out.Route)
	version := k.Baselines().Version

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("sig-%d", i)
		_, err := k.Route(ctx, signal(id, 0.8))
		require.NoError(t, err)
		_, err = k.SubmitAudit(ctx, id, audit.Submission{
			AccuracyScores: map[string]float64{"routing": 1},
			ReviewedBy:     "ana",
		})
		require.NoError(t, err)
	}
	clock.Advance(10 * time.Minute)

	out, err = k.Route(ctx, signal("sig-again", 0.8))
	require.NoError(t, err)
	assert.Equal(t, gate.RouteReview, out.Route)
	assert.Equal(t, version, k.Baselines().Version)
	_, tracked := k.Baselines().Categories["routing"]
	assert.False(t, tracked)
}

// TestCorrectionBecomesEpitaph tests that a failure code on a correction records a lesson.
func TestCorrectionBecomesEpitaph(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(t))
	ctx := context.Background()

	_, err := k.Route(ctx, signal("sig-1", 0.8))
	require.NoError(t, err)
	_, err = k.SubmitAudit(ctx, "sig-1", audit.Submission{
		Correction: &ledger.Correction{
			Deltas:      map[string]float64{"routing": -0.3},
			FailureCode: "HALLUCINATION",
		},
		Rationale: "cited a ticket that does not exist",
	})
	require.NoError(t, err)

	eps := k.ListEpitaphs(ctx)
	require.Len(t, eps, 1)
	e := eps[0]
	assert.Equal(t, "HALLUCINATION", e.FailureCode)
	assert.Equal(t, "audit", e.Source)
	assert.Equal(t, "routing over-estimated", e.CollapseMode)
	assert.Equal(t, "cited a ticket that does not exist", e.Motivation)
	assert.Contains(t, e.Message, "routing decision corrected")

	got, err := k.GetEpitaph(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
}

// TestCorrectionWithoutFailureCode tests that plain corrections record no epitaph.
func TestCorrectionWithoutFailureCode(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(t))
	ctx := context.Background()

	_, err := k.Route(ctx, signal("sig-1", 0.8))
	require.NoError(t, err)
	_, err = k.SubmitAudit(ctx, "sig-1", audit.Submission{
		Correction: &ledger.Correction{Deltas: map[string]float64{"routing": -0.3}},
	})
	require.NoError(t, err)
	assert.Empty(t, k.ListEpitaphs(ctx))
}

// TestRecordEpitaph tests direct recording through the kernel.
func TestRecordEpitaph(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(t))

	e, err := k.RecordEpitaph(context.Background(), epitaph.RecordRequest{Message: "never retry a non-idempotent write"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)

	_, err = k.RecordEpitaph(context.Background(), epitaph.RecordRequest{})
	assert.ErrorIs(t, err, faults.ErrInput)

	v := k.Volume(context.Background())
	assert.Equal(t, 1, v.Total)
}

// TestAnalysisLoop tests corrections through analysis and approval to a moved gate.
func TestAnalysisLoop(t *testing.T) {
	k, clock := newTestKernel(t, testConfig(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("sig-%d", i)
		_, err := k.Route(ctx, signal(id, 0.8))
		require.NoError(t, err)
		_, err = k.SubmitAudit(ctx, id, audit.Submission{
			Correction: &ledger.Correction{
				Signature: "urgency under-estimated",
				Deltas:    map[string]float64{"routing": -0.2},
			},
		})
		require.NoError(t, err)
	}
	clock.Advance(time.Minute)

	out, err := k.Route(ctx, signal("sig-before", 0.65))
	require.NoError(t, err)
	assert.Equal(t, gate.RouteReview, out.Route)

	report, err := k.RunAnalysis(ctx)
	require.NoError(t, err)
	assert.Equal(t, metalearning.StatusComplete, report.Status)
	require.Len(t, report.Systematic, 1)
	require.Len(t, report.Proposals, 1)
	adj := report.Proposals[0]
	assert.InDelta(t, -0.1, adj.Delta, 1e-9)

	last, err := k.LastReport()
	require.NoError(t, err)
	assert.Equal(t, report.Proposals[0].ID, last.Proposals[0].ID)

	clock.Advance(time.Second)
	again, err := k.RunAnalysis(ctx)
	require.NoError(t, err)
	require.Len(t, again.Proposals, 1)
	assert.Equal(t, adj.ID, again.Proposals[0].ID)

	pending, err := k.Adjustments(ctx, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	var mined []epitaph.Epitaph
	for _, e := range k.ListEpitaphs(ctx) {
		if e.Source == "metalearning" {
			mined = append(mined, e)
		}
	}
	require.Len(t, mined, 1, "the same evidence records one lesson")
	assert.Equal(t, epitaph.CodeSystematicError, mined[0].FailureCode)
	assert.Equal(t, "routing", mined[0].ContextShape)
	assert.Equal(t, "urgency under-estimated", mined[0].CollapseMode)
	assert.Equal(t, adj.ID, mined[0].EvidenceKey)

	lessons, err := k.Escalations(ctx, escalation.StatusActive)
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, escalation.KindLesson, lessons[0].Kind)

	before := k.Baselines().Version
	results, err := k.ReviewAdjustments(ctx, []approval.DecisionRequest{
		{AdjustmentID: adj.ID, Verdict: approval.VerdictApproved, DecidedBy: "ana"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.True(t, results[0].Applied)
	assert.Greater(t, k.Baselines().Version, before)
	assert.InDelta(t, 0.8, k.Baselines().Categories["routing"].Value, 1e-9)

	out, err = k.Route(ctx, signal("sig-after", 0.65))
	require.NoError(t, err)
	assert.Equal(t, gate.RouteBlock, out.Route, "a lower baseline raises the block threshold")

	results, err = k.ReviewAdjustments(ctx, []approval.DecisionRequest{
		{AdjustmentID: adj.ID, Verdict: approval.VerdictRejected},
	})
	require.NoError(t, err)
	require.Error(t, results[0].Err)
	assert.True(t, results[0].AlreadyDone)

	p, err := k.Adjustment(ctx, adj.ID)
	require.NoError(t, err)
	require.NotNil(t, p.Decision)
	assert.Equal(t, approval.VerdictApproved, p.Decision.Verdict)
}

// TestReopen tests that approved adjustments survive a restart.
func TestReopen(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}

	k, err := New(ctx, cfg, nil, WithClock(clock.Now))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("sig-%d", i)
		_, err := k.Route(ctx, signal(id, 0.8))
		require.NoError(t, err)
		_, err = k.SubmitAudit(ctx, id, audit.Submission{
			Correction: &ledger.Correction{Signature: "wrong team", Deltas: map[string]float64{"routing": -0.2}},
		})
		require.NoError(t, err)
	}
	report, err := k.RunAnalysis(ctx)
	require.NoError(t, err)
	require.Len(t, report.Proposals, 1)
	_, err = k.ReviewAdjustments(ctx, []approval.DecisionRequest{
		{AdjustmentID: report.Proposals[0].ID, Verdict: approval.VerdictApproved},
	})
	require.NoError(t, err)
	want := k.Baselines().Categories["routing"].Value
	require.NoError(t, k.Close())

	k2, err := New(ctx, cfg, nil, WithClock(clock.Now))
	require.NoError(t, err)
	defer k2.Close()
	assert.InDelta(t, want, k2.Baselines().Categories["routing"].Value, 1e-9)
}

// TestComplianceBlockEmitsTension tests that a hard compliance match blocks and escalates.
func TestComplianceBlockEmitsTension(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compliance.Dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Compliance.Dir, "finance.json"),
		[]byte(`{"id":"finance","domain":"finance","patterns":{"block":["insider tip"]}}`), 0o600))
	k, _ := newTestKernel(t, cfg)
	ctx := context.Background()

	sig := signal("pub-1", 0.99)
	sig.PublishBound = true
	sig.Payload = "An insider tip says buy now"
	out, err := k.Route(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, gate.RouteBlock, out.Route)

	sigs, err := k.Escalations(ctx, "")
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, escalation.KindTension, sigs[0].Kind)
	assert.Equal(t, "compliance", sigs[0].Subsystem)

	// The same match on the same day deduplicates.
	sig.ID = "pub-2"
	_, err = k.Route(ctx, sig)
	require.NoError(t, err)
	sigs, err = k.Escalations(ctx, "")
	require.NoError(t, err)
	assert.Len(t, sigs, 1)

	updated, err := k.UpdateEscalation(ctx, sigs[0].ID, escalation.StatusAcknowledged, "looking")
	require.NoError(t, err)
	assert.Equal(t, escalation.StatusAcknowledged, updated.Status)

	// Signals that are not publish-bound are never scanned.
	sig.ID = "internal-1"
	sig.PublishBound = false
	out, err = k.Route(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, gate.RouteAuto, out.Route)
}

// TestEvents tests that kernel operations publish on the bus.
func TestEvents(t *testing.T) {
	server, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go server.Start()
	require.True(t, server.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	bus, err := events.Connect(events.Config{URL: server.ClientURL()}, nil)
	require.NoError(t, err)
	defer bus.Close()

	got := make(chan events.Envelope, 16)
	sub, err := bus.Subscribe(events.SubjectAll, func(env events.Envelope) { got <- env })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, bus.Flush(time.Second))

	k, _ := newTestKernel(t, testConfig(t), WithBus(bus))
	ctx := context.Background()
	_, err = k.Route(ctx, signal("sig-1", 0.8))
	require.NoError(t, err)
	_, err = k.SubmitAudit(ctx, "sig-1", audit.Submission{})
	require.NoError(t, err)
	require.NoError(t, bus.Flush(time.Second))

	subjects := map[string]json.RawMessage{}
	deadline := time.After(5 * time.Second)
	for len(subjects) < 3 {
		select {
		case env := <-got:
			subjects[env.Subject] = env.Data
		case <-deadline:
			t.Fatalf("missing events, got %v", subjects)
		}
	}
	assert.Contains(t, subjects, events.SubjectAuditPending)
	assert.Contains(t, subjects, events.SubjectSignalRouted)
	assert.Contains(t, subjects, events.SubjectAuditResolved)

	var routed RoutedEvent
	require.NoError(t, json.Unmarshal(subjects[events.SubjectSignalRouted], &routed))
	assert.Equal(t, "sig-1", routed.SignalID)
	assert.Equal(t, gate.RouteReview, routed.Route)

	h := k.Health()
	assert.Equal(t, "ok", h.Status)
	assert.GreaterOrEqual(t, h.EventsPublished, uint64(3))
}

// TestHealth tests the component summary.
func TestHealth(t *testing.T) {
	k, _ := newTestKernel(t, testConfig(t))
	h := k.Health()
	assert.Equal(t, "ok", h.Status)
	assert.Nil(t, h.Scheduler, "scheduler disabled")
	assert.False(t, h.AnalysisRunning)
	assert.NotZero(t, h.BaselineVersion)
}

// TestNew_QdrantUnreachable tests that a remote index failure aborts start-up.
func TestNew_QdrantUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Epitaph.Index = config.IndexQdrant
	cfg.Epitaph.Qdrant.Host = "127.0.0.1"
	cfg.Epitaph.Qdrant.Port = 1
	cfg.Epitaph.Qdrant.Timeout = config.Duration(500 * time.Millisecond)

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant health check failed")
}
