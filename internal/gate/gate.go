// Package gate is the confidence gate: it routes a signal to automatic
// processing, human review or a block.
//
// Routing is a pure function of the signal, a baseline Snapshot and an
// optional compliance result. The only state is Baselines, which is read
// lock-free and changed only through approved adjustments.
package gate

import (
	"fmt"

	"github.com/fyrsmithlabs/verdict/internal/compliance"
)

// Route is a gate outcome.
type Route string

const (
	RouteAuto   Route = "AUTO"
	RouteReview Route = "REVIEW"
	RouteBlock  Route = "BLOCK"
)

// Decision is the outcome of routing one signal, with everything that was
// used to reach it.
type Decision struct {
	Route       Route                 `json:"route"`
	SignalID    string                `json:"signal_id"`
	Category    string                `json:"category"`
	Confidences map[string]float64    `json:"confidences"`
	Thresholds  map[string]Thresholds `json:"thresholds"`
	Reasons     []string              `json:"reasons,omitempty"`
	Compliance  []compliance.Match    `json:"compliance,omitempty"`

	// BaselineVersion identifies the snapshot the decision was made on.
	BaselineVersion uint64 `json:"baseline_version"`
}

// Blocked reports whether the signal was blocked. A block is an outcome,
// not an error.
func (d Decision) Blocked() bool { return d.Route == RouteBlock }

// Gate applies a Policy. It holds no mutable state and is safe for any
// number of concurrent callers.
type Gate struct {
	policy Policy
}

// New creates a gate. The policy is validated.
func New(policy Policy) (*Gate, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Gate{policy: policy}, nil
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy { return g.policy }

// Route classifies a validated signal. scan is nil unless the signal is
// publish-bound and was scanned; a failing scan blocks regardless of
// confidence.
func (g *Gate) Route(sig Signal, snap *Snapshot, scan *compliance.Result) Decision {
	d := Decision{
		Route:       RouteAuto,
		SignalID:    sig.ID,
		Category:    sig.Category,
		Confidences: make(map[string]float64, len(sig.Confidences)),
		Thresholds:  make(map[string]Thresholds, len(sig.Confidences)),
	}
	if snap != nil {
		d.BaselineVersion = snap.Version
	}

	blocked, review := false, false
	for _, cat := range sig.Categories() {
		c := sig.Confidences[cat]
		t := g.policy.thresholdsFor(snap.Baseline(cat, g.policy.DefaultBaseline))
		d.Confidences[cat] = c
		d.Thresholds[cat] = t

		switch {
		case c < t.Block:
			blocked = true
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s confidence %.2f below block threshold %.2f", cat, c, t.Block))
		case c < t.Auto:
			review = true
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s confidence %.2f below auto threshold %.2f", cat, c, t.Auto))
		case sig.IsGovernance(cat) && c < g.policy.GovernanceThreshold:
			review = true
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s has governance impact and confidence %.2f below %.2f", cat, c, g.policy.GovernanceThreshold))
		}
	}

	if scan != nil {
		d.Compliance = scan.Matches
		for _, m := range scan.HardMatches() {
			blocked = true
			d.Reasons = append(d.Reasons, fmt.Sprintf("compliance %s match %q (%s)", m.Tier, m.Term, m.ModuleID))
		}
	}

	switch {
	case blocked:
		d.Route = RouteBlock
	case review:
		d.Route = RouteReview
	}
	return d
}
