package compliance

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned while loading pattern modules.
var (
	ErrInvalidModule = errors.New("invalid pattern module")
	ErrModuleDir     = errors.New("pattern module directory unavailable")
)

// Tier classifies how a match affects routing.
type Tier string

const (
	// TierDetect matches are provenance only. They anchor the review
	// artifact but never block.
	TierDetect Tier = "detect"

	// TierBlock matches are hard: the signal is blocked regardless of
	// confidence.
	TierBlock Tier = "block"

	// TierSecret marks a credential found in publish-bound content. Hard.
	TierSecret Tier = "secret"
)

// Hard reports whether a match of this tier forces a block.
func (t Tier) Hard() bool {
	return t == TierBlock || t == TierSecret
}

// Match is one pattern anchor found in scanned text.
type Match struct {
	Term     string `json:"term"`
	ModuleID string `json:"module_id"`
	Domain   string `json:"domain"`
	Tier     Tier   `json:"tier"`
	Position int    `json:"position"`
}

// Result is the outcome of a scan.
type Result struct {
	// Pass is false when any hard-tier match was found.
	Pass    bool    `json:"pass"`
	Matches []Match `json:"matches,omitempty"`
}

// HardMatches returns the matches that force a block.
func (r Result) HardMatches() []Match {
	var out []Match
	for _, m := range r.Matches {
		if m.Tier.Hard() {
			out = append(out, m)
		}
	}
	return out
}

// Scanner checks text against compliance patterns. Implementations must be
// safe for concurrent use.
type Scanner interface {
	Scan(text string) Result
}

// Module is one pattern file. Files are JSON or TOML:
//
//	{"id": "priors-finance", "domain": "finance",
//	 "patterns": {"detect": ["guaranteed return"], "block": ["insider tip"]}}
type Module struct {
	ID       string   `json:"id" toml:"id"`
	Domain   string   `json:"domain" toml:"domain"`
	Patterns Patterns `json:"patterns" toml:"patterns"`
}

// Patterns lists the terms of a module by tier.
type Patterns struct {
	Detect []string `json:"detect" toml:"detect"`
	Block  []string `json:"block" toml:"block"`
}

func (m *Module) normalize(fallbackID string) error {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = fallbackID
	}
	if m.Domain == "" {
		m.Domain = "priors"
	}
	for _, term := range append(append([]string{}, m.Patterns.Detect...), m.Patterns.Block...) {
		if strings.TrimSpace(term) == "" {
			return fmt.Errorf("%w: %s: empty pattern term", ErrInvalidModule, m.ID)
		}
	}
	return nil
}
