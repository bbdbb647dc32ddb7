package metalearning

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"time"

	"github.com/fyrsmithlabs/verdict/internal/ledger"
)

// ErrRunInProgress is returned by RunNow when another run holds the slot.
// The trigger is skipped, not queued.
var ErrRunInProgress = errors.New("analysis run already in progress")

// Run statuses.
const (
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
	StatusSkipped    = "skipped"
)

// Adjustment is a proposed nudge to one category baseline. It is immutable
// once created; decisions about it are separate records.
type Adjustment struct {
	ID            string    `json:"id"`
	Category      string    `json:"category"`
	Signature     string    `json:"signature"`
	Delta         float64   `json:"delta"`
	Baseline      float64   `json:"baseline"`
	ProposedValue float64   `json:"proposed_value"`
	EvidenceCount int       `json:"evidence_count"`
	CategoryTotal int       `json:"category_total"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	CreatedAt     time.Time `json:"created_at"`
}

// AdjustmentID derives a stable id from the category, the signature and
// the set of evidence signal ids. Any run that sees the same evidence
// proposes the same id, whatever its window bounds; new evidence yields a
// new proposal.
func AdjustmentID(category, signature string, signalIDs []string) string {
	ids := slices.Clone(signalIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	h := sha256.New()
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(signature))
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return "adj_" + hex.EncodeToString(h.Sum(nil))[:16]
}

// SystematicError is an error signature that recurred within the window.
type SystematicError struct {
	Category  string  `json:"category"`
	Signature string  `json:"signature"`
	Count     int     `json:"count"`
	Direction float64 `json:"direction"`

	// SignalIDs lists the evidence, in ledger order.
	SignalIDs []string `json:"signal_ids"`
}

// Report is the outcome of one analysis pass.
type Report struct {
	Status      string                    `json:"status"`
	WindowStart time.Time                 `json:"window_start"`
	WindowEnd   time.Time                 `json:"window_end"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Entries     int                       `json:"entries"`
	Categories  []ledger.CategoryAccuracy `json:"categories"`
	Systematic  []SystematicError         `json:"systematic_errors"`
	Proposals   []Adjustment              `json:"proposals"`
	Error       string                    `json:"error,omitempty"`
}
