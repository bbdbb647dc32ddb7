package gate

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/verdict/internal/compliance"
	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/ledger"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	g, err := New(DefaultPolicy())
	require.NoError(t, err)
	return g
}

func signal(conf map[string]float64) Signal {
	s := Signal{ID: "sig-1", Confidences: conf}
	return s
}

type staticAccuracy map[string]ledger.CategoryAccuracy

func (s staticAccuracy) Get(context.Context) (map[string]ledger.CategoryAccuracy, time.Time, error) {
	return s, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), nil
}

// TestRoute_Policy tests the fixed thresholds with a default snapshot.
func TestRoute_Policy(t *testing.T) {
	g := newTestGate(t)
	snap := NewBaselines(DefaultPolicy(), nil).Snapshot()

	tests := []struct {
		name string
		conf map[string]float64
		gov  []string
		want Route
	}{
		{"all high", map[string]float64{"a": 0.95, "b": 0.99}, nil, RouteAuto},
		{"one low blocks", map[string]float64{"a": 0.99, "b": 0.49}, nil, RouteBlock},
		{"middle reviews", map[string]float64{"a": 0.99, "b": 0.80}, nil, RouteReview},
		{"exactly block threshold reviews", map[string]float64{"a": 0.50}, nil, RouteReview},
		{"governance high enough", map[string]float64{"policy": 0.96}, []string{"policy"}, RouteAuto},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := signal(tt.conf)
			sig.Governance = tt.gov
			require.NoError(t, sig.Validate())
			d := g.Route(sig, snap, nil)
			assert.Equal(t, tt.want, d.Route)
			assert.Equal(t, tt.conf, d.Confidences)
		})
	}
}

// TestRoute_FixedProperties tests that the 0.95 and 0.50 properties hold for any baseline.
func TestRoute_FixedProperties(t *testing.T) {
	g := newTestGate(t)
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		b := NewBaselines(DefaultPolicy(), nil)
		acc := staticAccuracy{}
		for _, cat := range []string{"a", "b", "c"} {
			acc[cat] = ledger.CategoryAccuracy{Category: cat, Accuracy: rng.Float64(), Samples: 10}
		}
		require.NoError(t, b.Refresh(context.Background(), acc))
		require.NoError(t, b.Apply(fmt.Sprintf("adj-%d", i), "a", rng.Float64()*2-1))
		snap := b.Snapshot()

		high := Signal{ID: "s", Confidences: map[string]float64{
			"a": 0.95 + rng.Float64()*0.05,
			"b": 0.95 + rng.Float64()*0.05,
			"c": 0.95 + rng.Float64()*0.05,
		}}
		require.NoError(t, high.Validate())
		assert.Equal(t, RouteAuto, g.Route(high, snap, nil).Route)

		low := Signal{ID: "s", Confidences: map[string]float64{
			"a": rng.Float64(),
			"b": rng.Float64() * 0.4999,
			"c": rng.Float64(),
		}}
		require.NoError(t, low.Validate())
		assert.Equal(t, RouteBlock, g.Route(low, snap, nil).Route)
	}
}

// TestRoute_BaselineShift tests relaxation and tightening from ledger accuracy.
func TestRoute_BaselineShift(t *testing.T) {
	g := newTestGate(t)
	b := NewBaselines(DefaultPolicy(), nil)
	require.NoError(t, b.Refresh(context.Background(), staticAccuracy{
		"trusted": {Category: "trusted", Accuracy: 1.0, Samples: 50},
		"shaky":   {Category: "shaky", Accuracy: 0.70, Samples: 50},
		"sparse":  {Category: "sparse", Accuracy: 1.0, Samples: 2},
	}))
	snap := b.Snapshot()

	d := g.Route(Signal{ID: "s", Category: "trusted", Confidences: map[string]float64{"trusted": 0.80}}, snap, nil)
	assert.Equal(t, RouteAuto, d.Route)
	assert.InDelta(t, 0.75, d.Thresholds["trusted"].Auto, 1e-9)

	d = g.Route(Signal{ID: "s", Category: "shaky", Confidences: map[string]float64{"shaky": 0.65}}, snap, nil)
	assert.Equal(t, RouteBlock, d.Route)
	assert.InDelta(t, 0.70, d.Thresholds["shaky"].Block, 1e-9)

	d = g.Route(Signal{ID: "s", Category: "sparse", Confidences: map[string]float64{"sparse": 0.80}}, snap, nil)
	assert.Equal(t, RouteReview, d.Route, "too few samples falls back to the default baseline")
	assert.InDelta(t, 0.90, d.Thresholds["sparse"].Baseline, 1e-9)
}

// TestRoute_Governance tests that governance categories need 0.80 even when relaxed.
func TestRoute_Governance(t *testing.T) {
	g := newTestGate(t)
	b := NewBaselines(DefaultPolicy(), nil)
	require.NoError(t, b.Refresh(context.Background(), staticAccuracy{
		"policy": {Category: "policy", Accuracy: 1.0, Samples: 50},
	}))

	sig := Signal{ID: "s", Confidences: map[string]float64{"policy": 0.78}, Governance: []string{"policy"}}
	require.NoError(t, sig.Validate())
	d := g.Route(sig, b.Snapshot(), nil)
	assert.Equal(t, RouteReview, d.Route)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "governance")

	sig.Governance = nil
	assert.Equal(t, RouteAuto, g.Route(sig, b.Snapshot(), nil).Route)
}

// TestRoute_ComplianceBlock tests that a hard compliance match blocks regardless of confidence.
func TestRoute_ComplianceBlock(t *testing.T) {
	g := newTestGate(t)
	sig := signal(map[string]float64{"a": 0.99})
	require.NoError(t, sig.Validate())

	detect := &compliance.Result{Pass: true, Matches: []compliance.Match{{Term: "return", Tier: compliance.TierDetect}}}
	d := g.Route(sig, nil, detect)
	assert.Equal(t, RouteAuto, d.Route)
	assert.Len(t, d.Compliance, 1)

	block := &compliance.Result{Pass: false, Matches: []compliance.Match{{Term: "insider tip", ModuleID: "finance", Tier: compliance.TierBlock}}}
	d = g.Route(sig, nil, block)
	assert.True(t, d.Blocked())
	assert.Contains(t, d.Reasons[len(d.Reasons)-1], "insider tip")
}

// TestSignal_Validate tests signal validation and primary category defaulting.
func TestSignal_Validate(t *testing.T) {
	s := Signal{ID: "ok-1", Confidences: map[string]float64{"b": 0.7, "a": 0.6}}
	require.NoError(t, s.Validate())
	assert.Equal(t, "a", s.Category)

	tests := []struct {
		name string
		sig  Signal
		want error
	}{
		{"bad id", Signal{ID: "../x", Confidences: map[string]float64{"a": 1}}, ErrInvalidSignalID},
		{"no confidences", Signal{ID: "x"}, ErrNoConfidences},
		{"out of range", Signal{ID: "x", Confidences: map[string]float64{"a": 1.2}}, ErrInvalidConfidence},
		{"unknown category", Signal{ID: "x", Category: "z", Confidences: map[string]float64{"a": 1}}, ErrUnknownCategory},
		{"unknown governance", Signal{ID: "x", Governance: []string{"z"}, Confidences: map[string]float64{"a": 1}}, ErrUnknownCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.sig.Validate(), tt.want)
		})
	}
}

// TestPolicy_Validate tests threshold ordering.
func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.AutoFloor = 0.40
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)

	p = DefaultPolicy()
	p.GovernanceThreshold = 0.99
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)

	_, err := New(p)
	assert.Error(t, err)
}

// TestBaselines_ApplyIdempotent tests that an adjustment id applies once.
func TestBaselines_ApplyIdempotent(t *testing.T) {
	b := NewBaselines(DefaultPolicy(), nil)
	v0 := b.Snapshot().Version

	require.NoError(t, b.Apply("adj-1", "routing", -0.05))
	snap := b.Snapshot()
	assert.Greater(t, snap.Version, v0)
	assert.InDelta(t, 0.85, snap.Baseline("routing", 0), 1e-9)

	err := b.Apply("adj-1", "routing", -0.05)
	assert.True(t, faults.IsConflict(err))
	assert.ErrorIs(t, err, ErrAlreadyApplied)
	assert.Equal(t, snap, b.Snapshot(), "a duplicate apply publishes nothing")
	assert.True(t, b.Applied("adj-1"))

	assert.ErrorIs(t, b.Apply("", "routing", 0.1), faults.ErrInput)
	assert.ErrorIs(t, b.Apply("adj-2", "routing", 1.5), faults.ErrInput)
}

// TestBaselines_RefreshKeepsAdjustments tests that a ledger refresh does not drop applied deltas.
func TestBaselines_RefreshKeepsAdjustments(t *testing.T) {
	b := NewBaselines(DefaultPolicy(), nil)
	require.NoError(t, b.Apply("adj-1", "routing", 0.05))
	require.NoError(t, b.Refresh(context.Background(), staticAccuracy{
		"routing": {Category: "routing", Accuracy: 0.80, Samples: 10},
	}))

	bl := b.Snapshot().Categories["routing"]
	assert.InDelta(t, 0.85, bl.Value, 1e-9)
	assert.Equal(t, 10, bl.Samples)
	assert.InDelta(t, 0.05, bl.Adjustment, 1e-9)
	assert.InDelta(t, 0.90, b.Snapshot().Baseline("unseen", 0), 1e-9)
}

// TestBaselines_ConcurrentApply tests that concurrent duplicates apply exactly once.
func TestBaselines_ConcurrentApply(t *testing.T) {
	b := NewBaselines(DefaultPolicy(), nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Apply("adj-1", "routing", -0.1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
			_ = b.Snapshot().Baseline("routing", 0)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.InDelta(t, 0.80, b.Snapshot().Baseline("routing", 0), 1e-9)
}
