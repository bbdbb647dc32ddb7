// Package metalearning mines the feedback ledger for systematic errors and
// proposes baseline adjustments for human approval.
//
// RunWindow is a pure function of the ledger contents in [from, to): running
// it twice over the same window yields the same report and the same
// adjustment ids. RunNow and the Scheduler wrap it with single-flight
// execution, hand-off to the approval workflow and report persistence.
package metalearning

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/atomicfile"
	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/gate"
	"github.com/fyrsmithlabs/verdict/internal/ledger"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/verdict/internal/metalearning")

// Defaults.
const (
	DefaultWindow         = 14 * 24 * time.Hour
	DefaultMinOccurrences = 3
	DefaultMaxStep        = 0.1

	reportFile = "last_report.json"
)

// Ledger is the read side of the feedback ledger.
type Ledger interface {
	Current(ctx context.Context, since, until time.Time) ([]ledger.Entry, error)
}

// BaselineSource supplies the baseline snapshot proposals are priced against.
type BaselineSource interface {
	Snapshot() *gate.Snapshot
}

// Proposer receives the proposals of a successful run.
type Proposer interface {
	Propose(ctx context.Context, adjustments []Adjustment) error
}

// ReportListener observes every finished RunNow.
type ReportListener func(ctx context.Context, report *Report)

// Config configures an Analyzer.
type Config struct {
	// Dir persists the last report. Empty disables persistence.
	Dir string `koanf:"dir"`

	Window         time.Duration `koanf:"window"`
	MinOccurrences int           `koanf:"min_occurrences"`
	MaxStep        float64       `koanf:"max_step"`
}

// Analyzer runs analysis passes.
type Analyzer struct {
	cfg       Config
	ledger    Ledger
	baselines BaselineSource
	proposer  Proposer
	listeners []ReportListener
	now       func() time.Time
	logger    *zap.Logger

	running atomic.Bool
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		if now != nil {
			a.now = now
		}
	}
}

// WithBaselines prices proposals against live baselines. Without it the
// gate default is used.
func WithBaselines(src BaselineSource) Option {
	return func(a *Analyzer) { a.baselines = src }
}

// WithProposer hands successful proposals to the approval workflow.
func WithProposer(p Proposer) Option {
	return func(a *Analyzer) { a.proposer = p }
}

// WithReportListener registers a listener for finished runs.
func WithReportListener(l ReportListener) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.listeners = append(a.listeners, l)
		}
	}
}

// NewAnalyzer creates an analyzer over led.
func NewAnalyzer(cfg Config, led Ledger, opts ...Option) (*Analyzer, error) {
	if led == nil {
		return nil, faults.Inputf("metalearning.new", "ledger is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MinOccurrences <= 0 {
		cfg.MinOccurrences = DefaultMinOccurrences
	}
	if cfg.MaxStep <= 0 || cfg.MaxStep > 1 {
		cfg.MaxStep = DefaultMaxStep
	}
	a := &Analyzer{
		cfg:    cfg,
		ledger: led,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Window returns the trailing window used by RunNow.
func (a *Analyzer) Window() time.Duration { return a.cfg.Window }

// RunWindow analyzes the current ledger entries in [from, to). If the scan
// fails or is canceled, the report is marked incomplete, carries no
// proposals and the error wraps faults.ErrAnalysisIncomplete.
func (a *Analyzer) RunWindow(ctx context.Context, from, to time.Time) (*Report, error) {
	ctx, span := tracer.Start(ctx, "Analyzer.RunWindow")
	defer span.End()

	report := &Report{
		Status:      StatusComplete,
		WindowStart: from.UTC(),
		WindowEnd:   to.UTC(),
		GeneratedAt: a.now().UTC(),
		Categories:  []ledger.CategoryAccuracy{},
		Systematic:  []SystematicError{},
		Proposals:   []Adjustment{},
	}

	entries, err := a.ledger.Current(ctx, from, to)
	if err != nil {
		err = faults.Incomplete("metalearning.run_window", err)
		report.Status = StatusIncomplete
		report.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger scan incomplete")
		return report, err
	}
	report.Entries = len(entries)

	acc := ledger.Summarize(entries, report.WindowStart)
	for _, c := range acc {
		report.Categories = append(report.Categories, c)
	}
	sort.Slice(report.Categories, func(i, j int) bool {
		return report.Categories[i].Category < report.Categories[j].Category
	})

	report.Systematic = findSystematic(entries, a.cfg.MinOccurrences)

	var snap *gate.Snapshot
	if a.baselines != nil {
		snap = a.baselines.Snapshot()
	}
	for _, se := range report.Systematic {
		total := acc[se.Category].Samples
		if total == 0 {
			continue
		}
		step := math.Min(a.cfg.MaxStep, float64(se.Count)/float64(total))
		delta := se.Direction * step
		baseline := snap.Baseline(se.Category, gate.DefaultPolicy().DefaultBaseline)
		report.Proposals = append(report.Proposals, Adjustment{
			ID:            AdjustmentID(se.Category, se.Signature, se.SignalIDs),
			Category:      se.Category,
			Signature:     se.Signature,
			Delta:         delta,
			Baseline:      baseline,
			ProposedValue: math.Max(0, math.Min(1, baseline+delta)),
			EvidenceCount: se.Count,
			CategoryTotal: total,
			WindowStart:   report.WindowStart,
			WindowEnd:     report.WindowEnd,
			CreatedAt:     report.GeneratedAt,
		})
	}

	span.SetAttributes(
		attribute.Int("entries", report.Entries),
		attribute.Int("systematic", len(report.Systematic)),
		attribute.Int("proposals", len(report.Proposals)),
	)
	return report, nil
}

// findSystematic buckets corrections by category and signature and keeps
// the buckets with at least minCount occurrences, ordered by category, then
// count descending, then signature.
func findSystematic(entries []ledger.Entry, minCount int) []SystematicError {
	type key struct{ category, signature string }
	type bucket struct {
		ids      []string
		deltaSum float64
	}
	buckets := make(map[key]*bucket)
	for _, e := range entries {
		if !e.Corrected() {
			continue
		}
		sig := e.Correction.ErrorSignature()
		if sig == "" {
			continue
		}
		k := key{e.Category, sig}
		b, ok := buckets[k]
		if !ok {
			b = &bucket{}
			buckets[k] = b
		}
		b.ids = append(b.ids, e.SignalID)
		for _, d := range e.Correction.Deltas {
			b.deltaSum += d
		}
	}

	out := []SystematicError{}
	for k, b := range buckets {
		if len(b.ids) < minCount {
			continue
		}
		dir := -1.0
		if b.deltaSum > 0 {
			dir = 1
		}
		out = append(out, SystematicError{
			Category:  k.category,
			Signature: k.signature,
			Count:     len(b.ids),
			Direction: dir,
			SignalIDs: b.ids,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Signature < out[j].Signature
	})
	return out
}

// RunNow analyzes the trailing window ending now. Only one run executes
// at a time: a concurrent call returns a skipped report and
// ErrRunInProgress. A complete run hands its proposals to the proposer and
// persists the report. When the proposer fails the report is incomplete and
// lists no proposals.
func (a *Analyzer) RunNow(ctx context.Context) (*Report, error) {
	now := a.now().UTC()
	if !a.running.CompareAndSwap(false, true) {
		a.logger.Info("analysis trigger skipped, run in progress")
		return &Report{Status: StatusSkipped, GeneratedAt: now}, ErrRunInProgress
	}
	defer a.running.Store(false)

	start := time.Now()
	report, err := a.RunWindow(ctx, now.Add(-a.cfg.Window), now)
	if err == nil && a.proposer != nil && len(report.Proposals) > 0 {
		if perr := a.proposer.Propose(ctx, report.Proposals); perr != nil {
			err = faults.Incomplete("metalearning.propose", perr)
			report.Status = StatusIncomplete
			report.Proposals = []Adjustment{}
			report.Error = err.Error()
		}
	}

	if perr := a.persist(report); perr != nil {
		a.logger.Warn("persisting analysis report failed", zap.Error(perr))
	}

	fields := []zap.Field{
		zap.String("status", report.Status),
		zap.Int("entries", report.Entries),
		zap.Int("systematic", len(report.Systematic)),
		zap.Int("proposals", len(report.Proposals)),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		a.logger.Error("analysis run failed", append(fields, zap.Error(err))...)
	} else {
		a.logger.Info("analysis run completed", fields...)
	}

	for _, l := range a.listeners {
		l(ctx, report)
	}
	return report, err
}

// Running reports whether a RunNow is in progress.
func (a *Analyzer) Running() bool { return a.running.Load() }

// LastReport returns the last persisted report, or nil when there is none.
func (a *Analyzer) LastReport() (*Report, error) {
	if a.cfg.Dir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(a.cfg.Dir, reportFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Storage("metalearning.last_report", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, faults.Storage("metalearning.last_report", err)
	}
	return &r, nil
}

func (a *Analyzer) persist(r *Report) error {
	if a.cfg.Dir == "" {
		return nil
	}
	return atomicfile.WriteJSON(filepath.Join(a.cfg.Dir, reportFile), r, 0o600)
}
