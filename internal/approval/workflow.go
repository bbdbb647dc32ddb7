package approval

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/metalearning"
)

// Applier applies an adjustment delta to a category baseline, idempotently
// on the adjustment id. *gate.Baselines satisfies it.
type Applier interface {
	Apply(id, category string, delta float64) error
}

// Listener observes decisions. applied is true when the decision changed
// a baseline.
type Listener func(ctx context.Context, p Proposal, applied bool)

// Workflow records decisions and applies them.
type Workflow struct {
	store     *Store
	applier   Applier
	listeners []Listener
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// WithListener registers a decision listener.
func WithListener(l Listener) Option {
	return func(w *Workflow) {
		if l != nil {
			w.listeners = append(w.listeners, l)
		}
	}
}

// NewWorkflow creates a workflow over store applying to applier.
func NewWorkflow(store *Store, applier Applier, opts ...Option) (*Workflow, error) {
	if store == nil {
		return nil, faults.Inputf("approval.new", "store is required")
	}
	if applier == nil {
		return nil, faults.Inputf("approval.new", "applier is required")
	}
	w := &Workflow{
		store:   store,
		applier: applier,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Propose stores adjustments in the proposed state. Ids that already exist
// are left untouched.
func (w *Workflow) Propose(ctx context.Context, adjustments []metalearning.Adjustment) error {
	for _, a := range adjustments {
		if a.ID == "" || a.Category == "" {
			return faults.Input("approval.propose", fmt.Errorf("%w: category %q", ErrEmptyID, a.Category))
		}
	}
	n, err := w.store.insertProposals(ctx, adjustments)
	if err != nil {
		return err
	}
	w.logger.Info("adjustments proposed",
		zap.Int("received", len(adjustments)),
		zap.Int("new", n),
	)
	return nil
}

// Review records a batch of decisions. Each is handled independently; a
// failure or conflict on one does not stop the rest. The returned error is
// only set when ctx ends the batch early.
func (w *Workflow) Review(ctx context.Context, reqs []DecisionRequest) ([]Result, error) {
	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		p, applied, err := w.Decide(ctx, req)
		r := Result{AdjustmentID: req.AdjustmentID, Applied: applied, Err: err}
		switch {
		case err == nil:
			r.Decision = p.Decision
		case faults.IsConflict(err):
			r.AlreadyDone = true
			r.Decision = p.Decision
			r.Error = err.Error()
		default:
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}

// Decide records one decision. A second decision on the same adjustment
// returns a StateConflict wrapping ErrAlreadyDecided along with the stored
// proposal. Approved and modified decisions are applied to the baselines.
func (w *Workflow) Decide(ctx context.Context, req DecisionRequest) (Proposal, bool, error) {
	if err := req.Validate(); err != nil {
		return Proposal{}, false, faults.Input("approval.decide", err)
	}

	p, err := w.store.get(ctx, req.AdjustmentID)
	if err != nil {
		return Proposal{}, false, err
	}
	if p.Decision != nil {
		return p, false, faults.Conflict("approval.decide", fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, p.ID, p.State))
	}

	d := Decision{
		AdjustmentID: req.AdjustmentID,
		Verdict:      req.Verdict,
		Rationale:    req.Rationale,
		DecidedBy:    req.DecidedBy,
		DecidedAt:    w.now().UTC(),
	}
	if req.Verdict == VerdictModified {
		v := *req.ModifiedValue
		d.ModifiedValue = &v
	}

	ok, err := w.store.insertDecision(ctx, d)
	if err != nil {
		return Proposal{}, false, err
	}
	if !ok {
		current, gerr := w.store.get(ctx, req.AdjustmentID)
		if gerr != nil {
			return Proposal{}, false, gerr
		}
		return current, false, faults.Conflict("approval.decide", fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, current.ID, current.State))
	}

	p.Decision = &d
	p.State = State(d.Verdict)

	applied := false
	if d.Verdict.Applies() {
		if err := w.apply(ctx, &p); err != nil {
			return p, false, err
		}
		applied = true
	}

	w.logger.Info("adjustment decided",
		zap.String("adjustment_id", p.ID),
		zap.String("category", p.Category),
		zap.String("verdict", string(d.Verdict)),
		zap.String("decided_by", d.DecidedBy),
		zap.Bool("applied", applied),
	)
	for _, l := range w.listeners {
		l(ctx, p, applied)
	}
	return p, applied, nil
}

// apply pushes a decided proposal into the baselines and stamps the
// decision. An id the baselines already hold counts as applied.
func (w *Workflow) apply(ctx context.Context, p *Proposal) error {
	delta := p.delta(*p.Decision)
	if err := w.applier.Apply(p.ID, p.Category, delta); err != nil && !faults.IsConflict(err) {
		return err
	}
	at := w.now().UTC()
	if err := w.store.markApplied(ctx, p.ID, delta, at); err != nil {
		return err
	}
	p.Decision.AppliedAt = &at
	p.Decision.AppliedDelta = &delta
	return nil
}

// Pending returns undecided proposals, oldest first.
func (w *Workflow) Pending(ctx context.Context) ([]Proposal, error) {
	return w.store.list(ctx, `WHERE d.adjustment_id IS NULL`)
}

// All returns every proposal with its decision, oldest first.
func (w *Workflow) All(ctx context.Context) ([]Proposal, error) {
	return w.store.list(ctx, "")
}

// Get returns one proposal.
func (w *Workflow) Get(ctx context.Context, id string) (Proposal, error) {
	if id == "" {
		return Proposal{}, faults.Input("approval.get", ErrEmptyID)
	}
	return w.store.get(ctx, id)
}

// Applied returns the adjustments whose decisions reached the baselines.
func (w *Workflow) Applied(ctx context.Context) ([]AppliedAdjustment, error) {
	ps, err := w.store.list(ctx, `WHERE d.applied_at IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	out := make([]AppliedAdjustment, 0, len(ps))
	for _, p := range ps {
		delta := p.delta(*p.Decision)
		if p.Decision.AppliedDelta != nil {
			delta = *p.Decision.AppliedDelta
		}
		out = append(out, AppliedAdjustment{ID: p.ID, Category: p.Category, Delta: delta})
	}
	return out, nil
}

// Replay loads every applied adjustment into the baselines at start-up and
// finishes decisions that were recorded but not yet applied when the
// process stopped. It returns the number of adjustments in force.
func (w *Workflow) Replay(ctx context.Context) (int, error) {
	decided, err := w.store.list(ctx, `WHERE d.verdict IN ('approved', 'modified')`)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range decided {
		p := &decided[i]
		if p.Decision.AppliedAt == nil {
			if err := w.apply(ctx, p); err != nil {
				return n, err
			}
			w.logger.Warn("applied decision left unapplied by a previous run", zap.String("adjustment_id", p.ID))
			n++
			continue
		}
		delta := *p.Decision.AppliedDelta
		if err := w.applier.Apply(p.ID, p.Category, delta); err != nil && !faults.IsConflict(err) {
			return n, err
		}
		n++
	}
	w.logger.Info("applied adjustments replayed", zap.Int("count", n))
	return n, nil
}
