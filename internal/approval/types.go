// Package approval is the human-gated path from proposed adjustments to
// gate baselines.
//
// Proposals are immutable once stored. A decision is a separate record
// referencing its proposal; the store allows at most one per adjustment,
// and an approved or modified decision is applied to the baselines exactly
// once. Nothing here blocks waiting on a reviewer: decisions arrive as
// calls from the HTTP, MCP or CLI surfaces whenever a human makes them.
package approval

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/verdict/internal/metalearning"
)

// Errors returned by the workflow.
var (
	ErrNotFound        = errors.New("adjustment not found")
	ErrAlreadyDecided  = errors.New("already decided")
	ErrInvalidVerdict  = errors.New("verdict must be approved, rejected or modified")
	ErrInvalidModified = errors.New("modified decisions need a modified_value in [-1, 1]")
	ErrEmptyID         = errors.New("adjustment_id is required")
)

// Verdict is a reviewer's call on a proposal.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
	VerdictModified Verdict = "modified"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	return v == VerdictApproved || v == VerdictRejected || v == VerdictModified
}

// Applies reports whether the verdict changes a baseline.
func (v Verdict) Applies() bool {
	return v == VerdictApproved || v == VerdictModified
}

// State is the approval state of a proposal, derived from its decision.
type State string

const (
	StateProposed State = "proposed"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateModified State = "modified"
)

// DecisionRequest is one reviewer decision as delivered by a surface.
type DecisionRequest struct {
	AdjustmentID string  `json:"adjustment_id"`
	Verdict      Verdict `json:"verdict"`

	// ModifiedValue replaces the proposed delta for modified verdicts.
	ModifiedValue *float64 `json:"modified_value,omitempty"`

	Rationale string `json:"rationale,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// Validate checks the request before anything is read or written.
func (r DecisionRequest) Validate() error {
	if r.AdjustmentID == "" {
		return ErrEmptyID
	}
	if !r.Verdict.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidVerdict, r.Verdict)
	}
	if r.Verdict == VerdictModified {
		if r.ModifiedValue == nil || math.IsNaN(*r.ModifiedValue) || *r.ModifiedValue < -1 || *r.ModifiedValue > 1 {
			return ErrInvalidModified
		}
	}
	return nil
}

// Decision is the stored outcome for one proposal.
type Decision struct {
	AdjustmentID  string     `json:"adjustment_id"`
	Verdict       Verdict    `json:"verdict"`
	ModifiedValue *float64   `json:"modified_value,omitempty"`
	Rationale     string     `json:"rationale,omitempty"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	DecidedAt     time.Time  `json:"decided_at"`
	AppliedAt     *time.Time `json:"applied_at,omitempty"`
	AppliedDelta  *float64   `json:"applied_delta,omitempty"`
}

// Proposal is a stored adjustment with its derived state.
type Proposal struct {
	metalearning.Adjustment
	State    State     `json:"state"`
	Decision *Decision `json:"decision,omitempty"`
}

// delta returns the delta a decision applies to p.
func (p Proposal) delta(d Decision) float64 {
	if d.Verdict == VerdictModified && d.ModifiedValue != nil {
		return *d.ModifiedValue
	}
	return p.Delta
}

// Result is the outcome of one decision in a Review batch.
type Result struct {
	AdjustmentID string    `json:"adjustment_id"`
	Decision     *Decision `json:"decision,omitempty"`
	Applied      bool      `json:"applied"`

	// AlreadyDone is set when the adjustment had been decided before.
	AlreadyDone bool `json:"already_done,omitempty"`

	Err error `json:"-"`

	// Error is Err as text for the surfaces.
	Error string `json:"error,omitempty"`
}

// AppliedAdjustment is an adjustment whose decision changed a baseline.
type AppliedAdjustment struct {
	ID       string  `json:"id"`
	Category string  `json:"category"`
	Delta    float64 `json:"delta"`
}
