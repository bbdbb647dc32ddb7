// Package epitaph stores crystallized lessons whose influence fades with use.
//
// An epitaph is never edited in place. Marking one as used appends a
// superseding record with a higher uses count, and the weight a reader sees
// is always derived at read time:
//
//	effective_weight = base_weight * 0.95^uses_count
//
// Reinforcement creates a new epitaph. When a lesson with the same failure
// code, context shape and collapse mode already exists, the new one links
// it through Supersedes and carries the recurrence count forward, while the
// older entry keeps decaying on its own.
package epitaph

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	// DecayRate is the per-use decay factor.
	DecayRate = 0.95

	// DefaultBaseWeight is used when neither a weight nor a known failure
	// code is given.
	DefaultBaseWeight = 1.0

	// UnknownCodeWeight is the base weight of an unmapped failure code.
	UnknownCodeWeight = 0.60

	// DefaultFloor is the effective weight below which an epitaph is
	// inaudible.
	DefaultFloor = 0.1

	// ShapeUnclassified is the context shape of an unmapped failure code.
	ShapeUnclassified = "unclassified"
)

// Errors returned by the store.
var (
	ErrNotFound      = errors.New("epitaph not found")
	ErrEmptyMessage  = errors.New("epitaph message is required")
	ErrInvalidWeight = errors.New("base weight must be in (0, 1]")
)

// Failure codes reported by integrity checks.
const (
	CodeSmoothingCollapse         = "SMOOTHING_COLLAPSE"
	CodeSideIgnored               = "SIDE_IGNORED"
	CodeAcknowledgedNotIntegrated = "ACKNOWLEDGED_NOT_INTEGRATED"
	CodePriorDivergence           = "PRIOR_DIVERGENCE"
	CodeUngroundedSynthesis       = "UNGROUNDED_SYNTHESIS"
	CodeInsufficientGrounding     = "INSUFFICIENT_GROUNDING"

	// CodeSystematicError marks a lesson mined from recurring corrections.
	CodeSystematicError = "SYSTEMATIC_ERROR"
)

var codeWeights = map[string]float64{
	CodeSmoothingCollapse:         0.90,
	CodeSideIgnored:               0.85,
	CodeAcknowledgedNotIntegrated: 0.80,
	CodePriorDivergence:           0.75,
	CodeUngroundedSynthesis:       0.70,
	CodeInsufficientGrounding:     0.50,
	CodeSystematicError:           0.85,
}

var codeShapes = map[string]string{
	CodeSideIgnored:               "integration_gap",
	CodeSmoothingCollapse:         "early_collapse",
	CodeInsufficientGrounding:     "substrate_poverty",
	CodeAcknowledgedNotIntegrated: "performative_integration",
	CodePriorDivergence:           "anchor_departure",
	CodeUngroundedSynthesis:       "ungrounded_synthesis",
	CodeSystematicError:           "recurring_correction",
}

// WeightFor returns the base weight for a failure code. An empty code gets
// DefaultBaseWeight.
func WeightFor(code string) float64 {
	if code == "" {
		return DefaultBaseWeight
	}
	if w, ok := codeWeights[code]; ok {
		return w
	}
	return UnknownCodeWeight
}

// ShapeFor maps a failure code to its context shape.
func ShapeFor(code string) string {
	if s, ok := codeShapes[code]; ok {
		return s
	}
	return ShapeUnclassified
}

// EffectiveWeight applies the decay law. It is strictly positive for any
// positive base and finite uses, and strictly decreasing in uses.
func EffectiveWeight(base float64, uses int) float64 {
	if uses <= 0 {
		return base
	}
	w := base * math.Pow(DecayRate, float64(uses))
	if w == 0 && base > 0 {
		// Underflow after roughly fourteen thousand uses.
		return math.SmallestNonzeroFloat64
	}
	return w
}

// DedupeHash identifies a recurring lesson. It never covers free text.
func DedupeHash(failureCode, contextShape, collapseMode string) string {
	sum := sha256.Sum256([]byte(failureCode + "|" + contextShape + "|" + collapseMode))
	return hex.EncodeToString(sum[:])[:16]
}

// Epitaph is one stored lesson.
type Epitaph struct {
	ID         string     `json:"id"`
	Message    string     `json:"message"`
	Motivation string     `json:"motivation,omitempty"`
	Outcome    string     `json:"outcome,omitempty"`
	Regret     string     `json:"regret,omitempty"`
	BaseWeight float64    `json:"base_weight"`
	UsesCount  int        `json:"uses_count"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	FailureCode     string `json:"failure_code,omitempty"`
	ContextShape    string `json:"context_shape,omitempty"`
	CollapseMode    string `json:"collapse_mode,omitempty"`
	DedupeHash      string `json:"dedupe_hash,omitempty"`
	Supersedes      string `json:"supersedes,omitempty"`
	RecurrenceCount int    `json:"recurrence_count"`
	Source          string `json:"source,omitempty"`
	EvidenceKey     string `json:"evidence_key,omitempty"`
}

// EffectiveWeight returns the epitaph's current weight.
func (e Epitaph) EffectiveWeight() float64 {
	return EffectiveWeight(e.BaseWeight, e.UsesCount)
}

// Audible reports whether the epitaph is at or above floor.
func (e Epitaph) Audible(floor float64) bool {
	return e.EffectiveWeight() >= floor
}

// searchText is what the relevance index embeds.
func (e Epitaph) searchText() string {
	parts := []string{e.Message, e.Motivation, e.Outcome, e.Regret, e.ContextShape, e.CollapseMode}
	if e.FailureCode != "" {
		parts = append(parts, strings.ToLower(strings.ReplaceAll(e.FailureCode, "_", " ")))
	}
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}

// RecordRequest is the input to Record.
type RecordRequest struct {
	Message    string `json:"message"`
	Motivation string `json:"motivation,omitempty"`
	Outcome    string `json:"outcome,omitempty"`
	Regret     string `json:"regret,omitempty"`

	// BaseWeight overrides the failure-code weight when set.
	BaseWeight *float64 `json:"base_weight,omitempty"`

	FailureCode  string `json:"failure_code,omitempty"`
	ContextShape string `json:"context_shape,omitempty"`
	CollapseMode string `json:"collapse_mode,omitempty"`
	Source       string `json:"source,omitempty"`

	// EvidenceKey names the evidence behind the lesson. Recording a lesson
	// whose newest recurrence already carries the same key returns that
	// entry instead of reinforcing it.
	EvidenceKey string `json:"evidence_key,omitempty"`
}

// Validate checks the request.
func (r RecordRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	if r.BaseWeight != nil {
		w := *r.BaseWeight
		if math.IsNaN(w) || w <= 0 || w > 1 {
			return fmt.Errorf("%w: %v", ErrInvalidWeight, w)
		}
	}
	return nil
}

// Scored is an epitaph returned by Query with its relevance.
type Scored struct {
	Epitaph
	Weight    float64 `json:"effective_weight"`
	Relevance float64 `json:"relevance"`
}

// Volume summarises the health of the epitaph pool.
type Volume struct {
	Total       int     `json:"total_epitaphs"`
	Active      int     `json:"active_count"`
	Dormant     int     `json:"dormant_count"`
	MeanWeight  float64 `json:"mean_weight"`
	BelowHalf   int     `json:"weight_below_half"`
	MeanAgeDays float64 `json:"mean_age_days"`
}
