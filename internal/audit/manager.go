package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/gate"
	"github.com/fyrsmithlabs/verdict/internal/keylock"
	"github.com/fyrsmithlabs/verdict/internal/ledger"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/verdict/internal/audit")

// DefaultMaxAge is how long a record may stay pending before it expires.
const DefaultMaxAge = 72 * time.Hour

// Ledger is the part of the feedback ledger the manager writes to.
type Ledger interface {
	Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error)
	Current(ctx context.Context, since, until time.Time) ([]ledger.Entry, error)
}

// Listener observes every transition into PENDING or a terminal state.
// Listeners run synchronously after the transition is persisted and must
// not call back into the manager for the same id.
type Listener func(ctx context.Context, rec Record)

// Config configures a Manager.
type Config struct {
	// Dir holds the pending/ and archive/ directories.
	Dir string `koanf:"dir"`

	// MaxAge is the pending lifetime. Zero means DefaultMaxAge.
	MaxAge time.Duration `koanf:"max_age"`
}

// Manager runs the audit state machine.
type Manager struct {
	store     *store
	ledger    Ledger
	maxAge    time.Duration
	now       func() time.Time
	logger    *zap.Logger
	listeners []Listener
	locks     keylock.Map
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithListener registers a transition listener.
func WithListener(l Listener) Option {
	return func(m *Manager) {
		if l != nil {
			m.listeners = append(m.listeners, l)
		}
	}
}

// NewManager opens the record store in cfg.Dir.
func NewManager(cfg Config, led Ledger, opts ...Option) (*Manager, error) {
	if led == nil {
		return nil, faults.Inputf("audit.new", "ledger is required")
	}
	if cfg.Dir == "" {
		return nil, faults.Inputf("audit.new", "dir is required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	st, err := openStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store:  st,
		ledger: led,
		maxAge: cfg.MaxAge,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// MaxAge returns the pending lifetime.
func (m *Manager) MaxAge() time.Duration { return m.maxAge }

// Admit records a gate decision. REVIEW decisions become PENDING with a
// rendered prompt; BLOCK decisions are archived as BLOCKED and never
// queued. AUTO decisions are rejected with ErrNotAudited.
func (m *Manager) Admit(ctx context.Context, sig gate.Signal, d gate.Decision) (Record, error) {
	if d.Route == gate.RouteAuto {
		return Record{}, faults.Input("audit.admit", ErrNotAudited)
	}
	if err := sig.Validate(); err != nil {
		return Record{}, faults.Input("audit.admit", err)
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	unlock := m.locks.Lock(sig.ID)
	defer unlock()

	for _, dir := range []string{pendingDir, archiveDir} {
		ok, err := m.store.exists(dir, sig.ID)
		if err != nil {
			return Record{}, err
		}
		if ok {
			return Record{}, faults.Conflict("audit.admit", fmt.Errorf("%w: %s", ErrAlreadyAdmitted, sig.ID))
		}
	}

	now := m.now().UTC()
	rec := &Record{
		SignalID:    sig.ID,
		Category:    sig.Category,
		State:       StateCreated,
		Confidences: d.Confidences,
		Signal:      sig,
		Decision:    d,
		CreatedAt:   now,
	}

	if d.Route == gate.RouteBlock {
		if err := rec.transition(StateBlocked); err != nil {
			return Record{}, err
		}
		rec.ResolvedAt = &now
		if err := m.store.write(archiveDir, rec); err != nil {
			return Record{}, err
		}
	} else {
		if err := rec.transition(StatePending); err != nil {
			return Record{}, err
		}
		rec.Prompt = RenderPrompt(sig, d)
		if err := m.store.write(pendingDir, rec); err != nil {
			return Record{}, err
		}
	}

	m.logger.Info("audit record admitted",
		zap.String("signal_id", rec.SignalID),
		zap.String("category", rec.Category),
		zap.String("state", string(rec.State)),
	)
	m.notify(ctx, *rec)
	return *rec, nil
}

// Submit resolves a pending record with a reviewer's verdict. The first
// submission wins: it appends one ledger entry keyed by the signal id and
// archives the record. Later submissions return a StateConflict wrapping
// ErrAlreadyResolved and write nothing.
func (m *Manager) Submit(ctx context.Context, signalID string, sub Submission) (Record, error) {
	ctx, span := tracer.Start(ctx, "Manager.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("signal_id", signalID))

	if !gate.ValidID(signalID) {
		return Record{}, faults.Input("audit.submit", fmt.Errorf("%w: %q", gate.ErrInvalidSignalID, signalID))
	}
	check := ledger.Entry{SignalID: signalID, Category: "pending", Status: sub.status(), Correction: sub.correction(), AccuracyScores: sub.AccuracyScores}
	if err := check.Validate(); err != nil {
		return Record{}, faults.Input("audit.submit", err)
	}

	unlock := m.locks.Lock(signalID)
	defer unlock()

	rec, err := m.store.read(pendingDir, signalID)
	if errors.Is(err, ErrNotFound) {
		return Record{}, m.notPending(signalID)
	}
	if err != nil {
		return Record{}, err
	}

	entry, err := m.ledger.Append(ctx, ledger.Entry{
		SignalID:       signalID,
		Category:       rec.Category,
		Correction:     sub.correction(),
		AccuracyScores: sub.AccuracyScores,
		Status:         sub.status(),
		Rationale:      sub.Rationale,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger append failed")
		return Record{}, err
	}

	if err := m.finish(rec, StateResolved, entry, sub.ReviewedBy); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive failed")
		return Record{}, err
	}

	m.logger.Info("audit resolved",
		zap.String("signal_id", signalID),
		zap.String("status", string(entry.Status)),
		zap.Uint64("ledger_seq", entry.Seq),
	)
	m.notify(ctx, *rec)
	return *rec, nil
}

// notPending explains why a submission found no pending record.
func (m *Manager) notPending(signalID string) error {
	archived, err := m.store.read(archiveDir, signalID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, signalID)
	}
	if err != nil {
		return err
	}
	return faults.Conflict("audit.submit", fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, signalID, archived.State))
}

// ListPending expires over-age records and returns up to limit pending
// records, oldest first with ties broken by signal id. A non-positive
// limit returns all of them.
func (m *Manager) ListPending(ctx context.Context, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "Manager.ListPending")
	defer span.End()

	ids, err := m.store.pendingIDs()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	out := make([]Record, 0, len(ids))
	expired := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := m.store.read(pendingDir, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Age(now) > m.maxAge {
			ok, err := m.expire(ctx, id, now)
			if err != nil {
				return nil, err
			}
			if ok {
				expired++
			}
			continue
		}
		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SignalID < out[j].SignalID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	span.SetAttributes(attribute.Int("pending", len(out)), attribute.Int("expired", expired))
	return out, nil
}

// expire moves one over-age record to EXPIRED with an unreviewed ledger
// entry. It reports false when the record was resolved concurrently.
func (m *Manager) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := m.store.read(pendingDir, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Age(now) <= m.maxAge {
		return false, nil
	}

	entry, err := m.ledger.Append(ctx, ledger.Entry{
		SignalID:  id,
		Category:  rec.Category,
		Status:    ledger.StatusUnreviewed,
		Rationale: fmt.Sprintf("expired unreviewed after %s", m.maxAge),
	})
	if err != nil {
		return false, err
	}
	if err := m.finish(rec, StateExpired, entry, ""); err != nil {
		return false, err
	}

	m.logger.Info("audit expired",
		zap.String("signal_id", id),
		zap.Duration("age", rec.Age(now)),
	)
	m.notify(ctx, *rec)
	return true, nil
}

// finish applies a terminal transition backed by a ledger entry and
// archives the record.
func (m *Manager) finish(rec *Record, to State, entry ledger.Entry, reviewedBy string) error {
	if err := rec.transition(to); err != nil {
		return err
	}
	at := entry.Timestamp
	if at.IsZero() {
		at = m.now().UTC()
	}
	rec.ResolvedAt = &at
	rec.Resolution = &Resolution{
		Status:         entry.Status,
		Correction:     entry.Correction,
		AccuracyScores: entry.AccuracyScores,
		Rationale:      entry.Rationale,
		ReviewedBy:     reviewedBy,
		LedgerSeq:      entry.Seq,
	}
	return m.store.archive(rec)
}

// Get returns the current record for a signal, pending or archived.
func (m *Manager) Get(ctx context.Context, signalID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if !gate.ValidID(signalID) {
		return Record{}, faults.Input("audit.get", fmt.Errorf("%w: %q", gate.ErrInvalidSignalID, signalID))
	}
	for _, dir := range []string{archiveDir, pendingDir} {
		rec, err := m.store.read(dir, signalID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Record{}, err
		}
		return *rec, nil
	}
	return Record{}, fmt.Errorf("%w: %s", ErrNotFound, signalID)
}

// Recover archives pending records whose ledger entry was written before
// a crash interrupted archiving, so they are never resolved twice. It
// returns the number of records recovered.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	ids, err := m.store.pendingIDs()
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	pending := make(map[string]*Record, len(ids))
	oldest := m.now().UTC()
	for _, id := range ids {
		rec, err := m.store.read(pendingDir, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		pending[id] = rec
		if rec.CreatedAt.Before(oldest) {
			oldest = rec.CreatedAt
		}
	}

	entries, err := m.ledger.Current(ctx, oldest.Add(-time.Second), time.Time{})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, e := range entries {
		rec, ok := pending[e.SignalID]
		if !ok || e.Timestamp.Before(rec.CreatedAt) {
			continue
		}
		to := StateResolved
		if e.Status == ledger.StatusUnreviewed {
			to = StateExpired
		}
		unlock := m.locks.Lock(e.SignalID)
		err := m.finish(rec, to, e, "")
		unlock()
		if err != nil {
			return recovered, err
		}
		recovered++
		m.logger.Warn("recovered audit record left pending after ledger write",
			zap.String("signal_id", e.SignalID),
			zap.String("state", string(to)),
		)
	}
	return recovered, nil
}

func (m *Manager) notify(ctx context.Context, rec Record) {
	for _, l := range m.listeners {
		l(ctx, rec)
	}
}

func (s Submission) correction() *ledger.Correction {
	if s.Correction.IsEmpty() {
		return nil
	}
	return s.Correction
}
