package gate

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"time"
)

// Signal validation errors.
var (
	ErrInvalidSignalID   = errors.New("signal id must match [A-Za-z0-9][A-Za-z0-9._-]{0,127}")
	ErrNoConfidences     = errors.New("signal carries no confidences")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
	ErrUnknownCategory   = errors.New("category is not scored")
)

var signalIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidID reports whether id is safe to use as a signal id. Signal ids name
// files in the audit queue.
func ValidID(id string) bool {
	return signalIDPattern.MatchString(id)
}

// Signal is a unit of work needing a decision. The kernel never mutates or
// re-scores it.
type Signal struct {
	ID string `json:"id"`

	// Category is the primary decision category. Defaults to the lowest
	// scored category when empty.
	Category string `json:"category,omitempty"`

	// Confidences maps category to upstream confidence in [0, 1].
	Confidences map[string]float64 `json:"confidences"`

	// Governance lists the categories with governance impact.
	Governance []string `json:"governance,omitempty"`

	// PublishBound marks signals whose outcome leaves the system. Only
	// these are consulted against the compliance scanner.
	PublishBound bool `json:"publish_bound,omitempty"`

	Payload   string            `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Validate checks the signal and fills the primary category when missing.
func (s *Signal) Validate() error {
	if !ValidID(s.ID) {
		return fmt.Errorf("%w: %q", ErrInvalidSignalID, s.ID)
	}
	if len(s.Confidences) == 0 {
		return ErrNoConfidences
	}
	for cat, c := range s.Confidences {
		if cat == "" || math.IsNaN(c) || c < 0 || c > 1 {
			return fmt.Errorf("%w: %q=%v", ErrInvalidConfidence, cat, c)
		}
	}
	for _, cat := range s.Governance {
		if _, ok := s.Confidences[cat]; !ok {
			return fmt.Errorf("%w: governance category %q", ErrUnknownCategory, cat)
		}
	}
	if s.Category == "" {
		s.Category = s.lowestCategory()
	} else if _, ok := s.Confidences[s.Category]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, s.Category)
	}
	return nil
}

// Categories returns the scored categories in name order.
func (s Signal) Categories() []string {
	cats := make([]string, 0, len(s.Confidences))
	for cat := range s.Confidences {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	return cats
}

// IsGovernance reports whether cat has governance impact.
func (s Signal) IsGovernance(cat string) bool {
	for _, g := range s.Governance {
		if g == cat {
			return true
		}
	}
	return false
}

func (s Signal) lowestCategory() string {
	best, bestC := "", math.Inf(1)
	for _, cat := range s.Categories() {
		if c := s.Confidences[cat]; c < bestC {
			best, bestC = cat, c
		}
	}
	return best
}
