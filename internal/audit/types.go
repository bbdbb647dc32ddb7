// Package audit owns the lifecycle of signals routed to human review.
//
// A record moves CREATED → PENDING → {RESOLVED, EXPIRED}, or CREATED →
// BLOCKED when the gate blocks the signal. Pending records are files under
// pending/, terminal ones under archive/. Every transition is serialised
// per signal id; different ids never contend.
package audit

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/verdict/internal/gate"
	"github.com/fyrsmithlabs/verdict/internal/ledger"
)

// State is the lifecycle state of a record.
type State string

const (
	StateCreated  State = "created"
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateExpired  State = "expired"
	StateBlocked  State = "blocked"
)

// ValidTransitions defines allowed state transitions.
var ValidTransitions = map[State][]State{
	StateCreated:  {StatePending, StateBlocked},
	StatePending:  {StateResolved, StateExpired},
	StateResolved: {},
	StateExpired:  {},
	StateBlocked:  {},
}

// CanTransitionTo checks if a transition from s to target is valid.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateResolved || s == StateExpired || s == StateBlocked
}

// Errors returned by the manager.
var (
	ErrNotFound          = errors.New("audit record not found")
	ErrAlreadyResolved   = errors.New("already resolved")
	ErrAlreadyAdmitted   = errors.New("signal already admitted")
	ErrNotAudited        = errors.New("auto-processed signals are not audited")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Record is the audit trail of one signal.
type Record struct {
	SignalID    string             `json:"signal_id"`
	Category    string             `json:"category"`
	State       State              `json:"state"`
	Prompt      string             `json:"prompt,omitempty"`
	Confidences map[string]float64 `json:"confidences"`
	Signal      gate.Signal        `json:"signal"`
	Decision    gate.Decision      `json:"decision"`
	CreatedAt   time.Time          `json:"created_at"`
	ResolvedAt  *time.Time         `json:"resolved_at,omitempty"`
	Resolution  *Resolution        `json:"resolution,omitempty"`
}

// Age returns how long the record has existed at now.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

func (r *Record) transition(to State) error {
	if !r.State.CanTransitionTo(to) {
		return &transitionError{from: r.State, to: to}
	}
	r.State = to
	return nil
}

type transitionError struct {
	from, to State
}

func (e *transitionError) Error() string {
	return "invalid state transition " + string(e.from) + " -> " + string(e.to)
}

func (e *transitionError) Unwrap() error { return ErrInvalidTransition }

// Resolution records how a record left the queue.
type Resolution struct {
	Status         ledger.Status      `json:"status"`
	Correction     *ledger.Correction `json:"correction,omitempty"`
	AccuracyScores map[string]float64 `json:"accuracy_scores,omitempty"`
	Rationale      string             `json:"rationale,omitempty"`
	ReviewedBy     string             `json:"reviewed_by,omitempty"`
	LedgerSeq      uint64             `json:"ledger_seq,omitempty"`
}

// Submission is a reviewer's verdict on a pending record. A nil or empty
// Correction confirms the decision.
type Submission struct {
	Correction     *ledger.Correction `json:"correction,omitempty"`
	AccuracyScores map[string]float64 `json:"accuracy_scores"`
	Rationale      string             `json:"rationale,omitempty"`
	ReviewedBy     string             `json:"reviewed_by,omitempty"`
}

// status derives the ledger status of a submission.
func (s Submission) status() ledger.Status {
	if s.Correction.IsEmpty() {
		return ledger.StatusConfirmed
	}
	return ledger.StatusCorrected
}
