package chorus

import (
	"fmt"
	"regexp"
)

// Mode is the operating state the chorus adapts its intensity to.
type Mode string

const (
	ModeSteadyState           Mode = "steady_state"
	ModeNovelTerritory        Mode = "novel_territory"
	ModeUnderPressure         Mode = "under_pressure"
	ModeRecoveryAttempt       Mode = "recovery_attempt"
	ModeConvergingConstraints Mode = "converging_constraints"
	ModeIdentityPressure      Mode = "identity_pressure"
)

// NoveltyThreshold is the topic novelty at which a context counts as novel.
const NoveltyThreshold = 0.60

var intensity = map[Mode]int{
	ModeSteadyState:           0,
	ModeNovelTerritory:        1,
	ModeUnderPressure:         1,
	ModeRecoveryAttempt:       2,
	ModeConvergingConstraints: 3,
	ModeIdentityPressure:      3,
}

// Intensity returns the number of epitaphs a mode may voice.
func Intensity(m Mode) int {
	return intensity[m]
}

// ParseMode validates a mode name. The empty string is steady state.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeSteadyState, nil
	}
	m := Mode(s)
	if _, ok := intensity[m]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return m, nil
}

var (
	convergingKeywords = regexp.MustCompile(`(?i)(on one hand|trade.?off|versus|competing|tension between|balance between|both .{0,20} and|either .{0,30} or)`)
	identityKeywords   = regexp.MustCompile(`(?i)(who (?:am|are) |identity|role|scope|boundary|rename|rebrand|called|naming|persona)`)
)

// Signals is the state DetectMode reads.
type Signals struct {
	// Feedback is set when the previous attempt just failed a check.
	Feedback bool `json:"feedback,omitempty"`

	// Retries counts attempts in progress.
	Retries int `json:"retries,omitempty"`

	// Novelty is the topic novelty in [0, 1].
	Novelty float64 `json:"novelty,omitempty"`

	// Text is the decision context.
	Text string `json:"text,omitempty"`
}

// DetectMode derives the chorus mode deterministically. The most specific
// state wins: a failed check, then retries, then novelty, then keywords.
func DetectMode(s Signals) Mode {
	if s.Feedback {
		return ModeRecoveryAttempt
	}
	if s.Retries > 0 {
		return ModeUnderPressure
	}
	if m, ok := keywordMode(s.Text); ok {
		return m
	}
	if s.Novelty >= NoveltyThreshold {
		return ModeNovelTerritory
	}
	return ModeSteadyState
}

func keywordMode(text string) (Mode, bool) {
	if text == "" {
		return "", false
	}
	if convergingKeywords.MatchString(text) {
		return ModeConvergingConstraints, true
	}
	if identityKeywords.MatchString(text) {
		return ModeIdentityPressure, true
	}
	return "", false
}
