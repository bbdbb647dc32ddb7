package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Validation errors.
var (
	ErrEmptySignalID      = errors.New("signal_id is required")
	ErrEmptyCategory      = errors.New("category is required")
	ErrInvalidStatus      = errors.New("status must be confirmed, corrected or unreviewed")
	ErrInvalidAccuracy    = errors.New("accuracy scores must be between 0.0 and 1.0")
	ErrInvalidDelta       = errors.New("correction deltas must be between -1.0 and 1.0")
	ErrCorrectionMismatch = errors.New("corrected entries need a correction and other entries must not carry one")
)

// Status distinguishes how an audited signal left review.
type Status string

const (
	// StatusConfirmed means a reviewer accepted the decision unchanged.
	StatusConfirmed Status = "confirmed"

	// StatusCorrected means a reviewer submitted a correction.
	StatusCorrected Status = "corrected"

	// StatusUnreviewed means the audit expired before anyone looked at it.
	StatusUnreviewed Status = "unreviewed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusConfirmed || s == StatusCorrected || s == StatusUnreviewed
}

// Correction is a reviewer's change to a decision.
type Correction struct {
	// Signature is the coarse error signature, e.g. "urgency under-estimated".
	// Derived from the other fields when empty.
	Signature string `json:"signature,omitempty"`

	// From and To record a classification flip.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Deltas holds per-category confidence corrections in [-1, 1]. A
	// negative delta means the upstream score was too high.
	Deltas map[string]float64 `json:"deltas,omitempty"`

	// FailureCode optionally classifies the failure for the epitaph store.
	FailureCode string `json:"failure_code,omitempty"`

	// Note is free text from the reviewer.
	Note string `json:"note,omitempty"`
}

// IsEmpty reports whether the correction carries no change at all.
func (c *Correction) IsEmpty() bool {
	if c == nil {
		return true
	}
	return c.Signature == "" && c.From == "" && c.To == "" && len(c.Deltas) == 0 && c.FailureCode == ""
}

// ErrorSignature returns the bucket key used to detect systematic errors.
func (c *Correction) ErrorSignature() string {
	if c.IsEmpty() {
		return ""
	}
	if s := normalizeSignature(c.Signature); s != "" {
		return s
	}
	if c.From != "" || c.To != "" {
		return fmt.Sprintf("classification flipped from %s to %s", orUnknown(c.From), orUnknown(c.To))
	}
	if cat, delta, ok := c.dominantDelta(); ok {
		if delta < 0 {
			return cat + " over-estimated"
		}
		return cat + " under-estimated"
	}
	if c.FailureCode != "" {
		return strings.ToLower(c.FailureCode)
	}
	return ""
}

// Direction returns the sign of the mean correction delta: -1 when the
// upstream scores were too high, +1 when too low, and -1 when the
// correction carries no deltas (any correction is evidence of error).
func (c *Correction) Direction() float64 {
	if c == nil || len(c.Deltas) == 0 {
		return -1
	}
	var sum float64
	for _, d := range c.Deltas {
		sum += d
	}
	if sum > 0 {
		return 1
	}
	return -1
}

// dominantDelta returns the category with the largest absolute delta.
// Ties resolve by category name so the signature is deterministic.
func (c *Correction) dominantDelta() (string, float64, bool) {
	if len(c.Deltas) == 0 {
		return "", 0, false
	}
	cats := make([]string, 0, len(c.Deltas))
	for cat := range c.Deltas {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	best, bestAbs := "", -1.0
	for _, cat := range cats {
		if abs := math.Abs(c.Deltas[cat]); abs > bestAbs {
			best, bestAbs = cat, abs
		}
	}
	if bestAbs == 0 {
		return "", 0, false
	}
	return best, c.Deltas[best], true
}

func (c *Correction) validate() error {
	for cat, d := range c.Deltas {
		if cat == "" || math.IsNaN(d) || d < -1 || d > 1 {
			return fmt.Errorf("%w: %q=%v", ErrInvalidDelta, cat, d)
		}
	}
	return nil
}

// Entry is one recorded review outcome.
type Entry struct {
	// Seq is the ledger sequence id. Filled in on read.
	Seq uint64 `json:"-"`

	// SignalID is the logical id of the entry.
	SignalID string `json:"signal_id"`

	// Category is the signal's primary decision category.
	Category string `json:"category"`

	// Correction is nil when the decision was confirmed or never reviewed.
	Correction *Correction `json:"correction"`

	// AccuracyScores holds the reviewer's per-category accuracy in [0, 1].
	AccuracyScores map[string]float64 `json:"accuracy_scores"`

	// Status records how the audit was resolved.
	Status Status `json:"status"`

	// Rationale is optional free text.
	Rationale string `json:"rationale,omitempty"`

	// Timestamp is when the entry was appended.
	Timestamp time.Time `json:"timestamp"`
}

// Corrected reports whether the entry carries a correction.
func (e Entry) Corrected() bool {
	return e.Status == StatusCorrected && !e.Correction.IsEmpty()
}

// Validate checks the entry before it is appended.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.SignalID) == "" {
		return ErrEmptySignalID
	}
	if strings.TrimSpace(e.Category) == "" {
		return ErrEmptyCategory
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, e.Status)
	}
	if (e.Status == StatusCorrected) == e.Correction.IsEmpty() {
		return ErrCorrectionMismatch
	}
	for cat, score := range e.AccuracyScores {
		if cat == "" || math.IsNaN(score) || score < 0 || score > 1 {
			return fmt.Errorf("%w: %q=%v", ErrInvalidAccuracy, cat, score)
		}
	}
	if e.Correction != nil {
		return e.Correction.validate()
	}
	return nil
}

// CategoryAccuracy is the rolling accuracy of one category, derived by
// replaying the ledger.
type CategoryAccuracy struct {
	Category string `json:"category"`

	// Accuracy is confirmed / (confirmed + corrected). Zero when Samples is zero.
	Accuracy float64 `json:"accuracy"`

	// Samples counts reviewed entries.
	Samples int `json:"samples"`

	// Corrected counts entries carrying a correction.
	Corrected int `json:"corrected"`

	// Unreviewed counts expired audits; they do not affect Accuracy.
	Unreviewed int `json:"unreviewed"`

	// WindowStart is the start of the replayed window.
	WindowStart time.Time `json:"window_start"`
}

func normalizeSignature(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
