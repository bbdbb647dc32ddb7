// Package faults defines the error kinds shared by every verdict component.
//
// Components keep their own sentinel errors and wrap them with one of the
// kinds below so that surfaces can map failures without knowing which
// package produced them:
//
//	if errors.Is(err, faults.ErrStateConflict) {
//	    // benign: the work was already done
//	}
//
// A gate BLOCK is a routing outcome, never an error, and has no kind here.
package faults

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrInput marks a malformed signal, correction or request. Returned
	// before any state is mutated.
	ErrInput = errors.New("invalid input")

	// ErrStateConflict marks an attempt to repeat a terminal transition,
	// such as resolving an already resolved audit or applying an already
	// applied adjustment. Callers treat it as "already done".
	ErrStateConflict = errors.New("state conflict")

	// ErrStorage marks an I/O failure in a persisted log or store.
	ErrStorage = errors.New("storage failure")

	// ErrAnalysisIncomplete marks an analysis pass that could not read its
	// full window. No proposals accompany it.
	ErrAnalysisIncomplete = errors.New("analysis incomplete")
)

// Error carries a kind, the operation that failed and the underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Input wraps err as an ErrInput failure of op.
func Input(op string, err error) error {
	return &Error{Kind: ErrInput, Op: op, Err: err}
}

// Inputf builds an ErrInput failure from a format string.
func Inputf(op, format string, args ...any) error {
	return &Error{Kind: ErrInput, Op: op, Err: fmt.Errorf(format, args...)}
}

// Conflict wraps err as an ErrStateConflict failure of op.
func Conflict(op string, err error) error {
	return &Error{Kind: ErrStateConflict, Op: op, Err: err}
}

// Storage wraps err as an ErrStorage failure of op. A nil err yields nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrStorage, Op: op, Err: err}
}

// Incomplete wraps err as an ErrAnalysisIncomplete failure of op.
func Incomplete(op string, err error) error {
	return &Error{Kind: ErrAnalysisIncomplete, Op: op, Err: err}
}

// IsConflict reports whether err is a benign state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

// KindOf returns the kind of err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{ErrInput, ErrStateConflict, ErrStorage, ErrAnalysisIncomplete} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Label returns a short metric/log label for err.
func Label(err error) string {
	switch KindOf(err) {
	case ErrInput:
		return "input_error"
	case ErrStateConflict:
		return "state_conflict"
	case ErrStorage:
		return "storage_error"
	case ErrAnalysisIncomplete:
		return "analysis_incomplete"
	}
	if err == nil {
		return ""
	}
	return "internal_error"
}
