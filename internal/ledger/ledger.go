// Package ledger is the feedback ledger: the append-only record of review
// outcomes that every other part of the kernel learns from.
package ledger

import (
	"context"
	"iter"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/eventlog"
	"github.com/fyrsmithlabs/verdict/internal/faults"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/verdict/internal/ledger")

// Ledger appends and replays feedback entries.
type Ledger struct {
	log    *eventlog.Log
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New wraps an event log as a ledger.
func New(log *eventlog.Log, opts ...Option) (*Ledger, error) {
	if log == nil {
		return nil, faults.Inputf("ledger.new", "event log is required")
	}
	l := &Ledger{
		log:    log,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Open opens the ledger stored in dir. Appends are fsynced.
func Open(dir string, opts ...Option) (*Ledger, error) {
	base := &Ledger{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(base)
	}
	log, err := eventlog.Open(dir, eventlog.Options{Sync: true, Now: base.now, Logger: base.logger})
	if err != nil {
		return nil, err
	}
	return New(log, opts...)
}

// Append validates and appends one entry, returning it with its sequence
// id and timestamp. The signal id is the logical id: appending again for the
// same signal supersedes the earlier entry when reduced with Current.
func (l *Ledger) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := e.Validate(); err != nil {
		return Entry{}, faults.Input("ledger.append", err)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	rec, err := l.log.Append(ctx, e.SignalID, e)
	if err != nil {
		l.logger.Error("ledger append failed",
			zap.String("signal_id", e.SignalID),
			zap.Error(err),
		)
		return Entry{}, err
	}
	e.Seq = rec.Seq

	l.logger.Debug("ledger entry appended",
		zap.Uint64("seq", rec.Seq),
		zap.String("signal_id", e.SignalID),
		zap.String("category", e.Category),
		zap.String("status", string(e.Status)),
	)
	return e, nil
}

// Scan returns every entry appended in [since, until) in append order,
// superseded entries included. Iteration stops on the first error.
func (l *Ledger) Scan(ctx context.Context, since, until time.Time) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for rec, err := range l.log.Scan(ctx, since, until) {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			var e Entry
			if err := rec.Decode(&e); err != nil {
				yield(Entry{}, faults.Storage("ledger.scan", err))
				return
			}
			e.Seq = rec.Seq
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Current replays [since, until) and returns the latest entry per signal,
// oldest first. It returns no entries when the scan fails.
func (l *Ledger) Current(ctx context.Context, since, until time.Time) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "Ledger.Current")
	defer span.End()

	latest := make(map[string]Entry)
	for e, err := range l.Scan(ctx, since, until) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		latest[e.SignalID] = e
	}

	out := make([]Entry, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	span.SetAttributes(attribute.Int("entries", len(out)))
	return out, nil
}

// Get returns the current entry for a signal.
func (l *Ledger) Get(ctx context.Context, signalID string) (Entry, error) {
	rec, err := l.log.Get(ctx, signalID)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := rec.Decode(&e); err != nil {
		return Entry{}, faults.Storage("ledger.get", err)
	}
	e.Seq = rec.Seq
	return e, nil
}

// Accuracy computes per-category accuracy over the current entries in
// [since, until).
func (l *Ledger) Accuracy(ctx context.Context, since, until time.Time) (map[string]CategoryAccuracy, error) {
	ctx, span := tracer.Start(ctx, "Ledger.Accuracy")
	defer span.End()

	entries, err := l.Current(ctx, since, until)
	if err != nil {
		return nil, err
	}
	out := Summarize(entries, since)
	span.SetAttributes(attribute.Int("categories", len(out)))
	return out, nil
}

// Summarize folds entries into per-category accuracy.
func Summarize(entries []Entry, windowStart time.Time) map[string]CategoryAccuracy {
	out := make(map[string]CategoryAccuracy)
	for _, e := range entries {
		acc := out[e.Category]
		acc.Category = e.Category
		acc.WindowStart = windowStart
		switch {
		case e.Status == StatusUnreviewed:
			acc.Unreviewed++
		case e.Corrected():
			acc.Samples++
			acc.Corrected++
		default:
			acc.Samples++
		}
		out[e.Category] = acc
	}
	for cat, acc := range out {
		if acc.Samples > 0 {
			acc.Accuracy = float64(acc.Samples-acc.Corrected) / float64(acc.Samples)
		}
		out[cat] = acc
	}
	return out
}
