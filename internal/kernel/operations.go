package kernel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/approval"
	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/chorus"
	"github.com/fyrsmithlabs/verdict/internal/compliance"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/escalation"
	"github.com/fyrsmithlabs/verdict/internal/events"
	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/gate"
	"github.com/fyrsmithlabs/verdict/internal/metalearning"
)

// Outcome is the result of routing one signal. Audit is set for REVIEW
// and BLOCK routes.
type Outcome struct {
	SignalID string        `json:"signal_id"`
	Route    gate.Route    `json:"route"`
	Decision gate.Decision `json:"decision"`
	Audit    *audit.Record `json:"audit,omitempty"`
}

// Route classifies sig and, unless it is AUTO, admits it to the audit
// queue. A missing id is generated and a zero timestamp is set to now.
// A BLOCK is an outcome, not an error.
func (k *Kernel) Route(ctx context.Context, sig gate.Signal) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Kernel.Route")
	defer span.End()
	start := time.Now()

	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = k.now().UTC()
	}
	if err := sig.Validate(); err != nil {
		return Outcome{}, faults.Input("kernel.route", err)
	}
	span.SetAttributes(
		attribute.String("signal_id", sig.ID),
		attribute.String("category", sig.Category),
		attribute.Bool("publish_bound", sig.PublishBound),
	)

	var scan *compliance.Result
	if sig.PublishBound {
		r := k.scanner.Scan(sig.Payload)
		scan = &r
	}

	d := k.gate.Route(sig, k.snapshot(), scan)
	out := Outcome{SignalID: sig.ID, Route: d.Route, Decision: d}
	span.SetAttributes(attribute.String("route", string(d.Route)))

	if d.Route != gate.RouteAuto {
		rec, err := k.audits.Admit(ctx, sig, d)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "admission failed")
			return Outcome{}, err
		}
		out.Audit = &rec
	}

	if _, err := k.signals.Append(ctx, sig.ID, routedSignal{Signal: sig, Decision: d}); err != nil {
		k.logger.Warn("signal not logged", zap.String("signal_id", sig.ID), zap.Error(err))
	}

	RoutesTotal.WithLabelValues(string(d.Route), d.Category).Inc()
	RouteDuration.Observe(time.Since(start).Seconds())
	k.bus.Publish(ctx, events.SubjectSignalRouted, RoutedEvent{
		SignalID: sig.ID,
		Category: d.Category,
		Route:    d.Route,
		Reasons:  d.Reasons,
	})
	if d.Blocked() && scan != nil && !scan.Pass {
		k.emitTension(ctx, sig, *scan)
	}

	k.logger.Debug("signal routed",
		zap.String("signal_id", sig.ID),
		zap.String("category", d.Category),
		zap.String("route", string(d.Route)),
		zap.Strings("reasons", d.Reasons),
	)
	return out, nil
}

type routedSignal struct {
	Signal   gate.Signal   `json:"signal"`
	Decision gate.Decision `json:"decision"`
}

// Signal returns a routed signal and its decision from the signal log.
func (k *Kernel) Signal(ctx context.Context, id string) (gate.Signal, gate.Decision, error) {
	rec, err := k.signals.Get(ctx, id)
	if err != nil {
		return gate.Signal{}, gate.Decision{}, err
	}
	var rs routedSignal
	if err := rec.Decode(&rs); err != nil {
		return gate.Signal{}, gate.Decision{}, faults.Storage("kernel.signal", err)
	}
	return rs.Signal, rs.Decision, nil
}

// snapshot returns the live baselines. Ledger accuracy is folded in once,
// at start-up; afterwards only approved adjustments move them.
func (k *Kernel) snapshot() *gate.Snapshot {
	return k.baselines.Snapshot()
}

// Baselines returns the current baseline snapshot.
func (k *Kernel) Baselines() *gate.Snapshot {
	return k.baselines.Snapshot()
}

// SubmitAudit resolves a pending audit. A repeat submission returns a
// StateConflict error.
func (k *Kernel) SubmitAudit(ctx context.Context, signalID string, sub audit.Submission) (audit.Record, error) {
	return k.audits.Submit(ctx, signalID, sub)
}

// ListPending returns pending audits, oldest first. limit <= 0 lists all.
func (k *Kernel) ListPending(ctx context.Context, limit int) ([]audit.Record, error) {
	recs, err := k.audits.ListPending(ctx, limit)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		AuditPending.Set(float64(len(recs)))
	}
	return recs, nil
}

// GetAudit returns one audit record, pending or archived.
func (k *Kernel) GetAudit(ctx context.Context, signalID string) (audit.Record, error) {
	return k.audits.Get(ctx, signalID)
}

// RunAnalysis runs the analyzer now. A run already in progress yields a
// skipped report and metalearning.ErrRunInProgress.
func (k *Kernel) RunAnalysis(ctx context.Context) (*metalearning.Report, error) {
	return k.analyzer.RunNow(ctx)
}

// LastReport returns the most recent persisted analysis report.
func (k *Kernel) LastReport() (*metalearning.Report, error) {
	return k.analyzer.LastReport()
}

// Adjustments lists proposals; pendingOnly restricts to undecided ones.
func (k *Kernel) Adjustments(ctx context.Context, pendingOnly bool) ([]approval.Proposal, error) {
	if pendingOnly {
		return k.workflow.Pending(ctx)
	}
	return k.workflow.All(ctx)
}

// Adjustment returns one proposal with its decision.
func (k *Kernel) Adjustment(ctx context.Context, id string) (approval.Proposal, error) {
	return k.workflow.Get(ctx, id)
}

// ReviewAdjustments records reviewer decisions. Each result carries its
// own error; the batch only fails when ctx ends it early.
func (k *Kernel) ReviewAdjustments(ctx context.Context, reqs []approval.DecisionRequest) ([]approval.Result, error) {
	return k.workflow.Review(ctx, reqs)
}

// RecordEpitaph stores a lesson.
func (k *Kernel) RecordEpitaph(ctx context.Context, req epitaph.RecordRequest) (epitaph.Epitaph, error) {
	return k.epitaphs.Record(ctx, req)
}

// ListEpitaphs returns every epitaph, strongest first.
func (k *Kernel) ListEpitaphs(ctx context.Context) []epitaph.Epitaph {
	return k.epitaphs.List(ctx)
}

// GetEpitaph returns one epitaph.
func (k *Kernel) GetEpitaph(ctx context.Context, id string) (epitaph.Epitaph, error) {
	return k.epitaphs.Get(ctx, id)
}

// ComposeChorus voices epitaphs relevant to text in the given mode.
func (k *Kernel) ComposeChorus(ctx context.Context, text string, mode chorus.Mode) (chorus.Composition, error) {
	c, err := k.chorus.Compose(ctx, text, mode)
	if err != nil {
		return chorus.Composition{}, err
	}
	chorusMetric(c)
	return c, nil
}

// DetectChorus derives the mode from s and composes for it.
func (k *Kernel) DetectChorus(ctx context.Context, s chorus.Signals) (chorus.Composition, error) {
	c, err := k.chorus.Detect(ctx, s)
	if err != nil {
		return chorus.Composition{}, err
	}
	chorusMetric(c)
	return c, nil
}

func chorusMetric(c chorus.Composition) {
	voiced := "false"
	if !c.Silent() {
		voiced = "true"
	}
	ChorusCompositions.WithLabelValues(string(c.Mode), voiced).Inc()
}

// Volume records and returns a snapshot of the epitaph pool.
func (k *Kernel) Volume(ctx context.Context) epitaph.Volume {
	return k.chorus.Snapshot(ctx)
}

// Escalations lists escalation signals; an empty status lists all.
func (k *Kernel) Escalations(ctx context.Context, status escalation.Status) ([]escalation.Signal, error) {
	return k.escalations.List(ctx, status)
}

// UpdateEscalation moves an escalation signal to a new status.
func (k *Kernel) UpdateEscalation(ctx context.Context, id string, status escalation.Status, note string) (escalation.Signal, error) {
	return k.escalations.UpdateStatus(ctx, id, status, note)
}

// Health summarises component state for /health.
type Health struct {
	Status            string                       `json:"status"`
	BaselineVersion   uint64                       `json:"baseline_version"`
	AnalysisRunning   bool                         `json:"analysis_running"`
	Scheduler         *metalearning.SchedulerState `json:"scheduler,omitempty"`
	ComplianceModules []string                     `json:"compliance_modules"`
	EventsPublished   uint64                       `json:"events_published"`
	EventsFailed      uint64                       `json:"events_failed"`
}

// Health reports component state. It never fails.
func (k *Kernel) Health() Health {
	h := Health{
		Status:            "ok",
		BaselineVersion:   k.baselines.Snapshot().Version,
		AnalysisRunning:   k.analyzer.Running(),
		ComplianceModules: k.scanner.Modules(),
	}
	if k.scheduler != nil {
		st := k.scheduler.State()
		h.Scheduler = &st
	}
	h.EventsPublished, h.EventsFailed = k.bus.Stats()
	return h
}
