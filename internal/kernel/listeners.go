package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/approval"
	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/compliance"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/escalation"
	"github.com/fyrsmithlabs/verdict/internal/events"
	"github.com/fyrsmithlabs/verdict/internal/gate"
	"github.com/fyrsmithlabs/verdict/internal/ledger"
	"github.com/fyrsmithlabs/verdict/internal/metalearning"
)

// RoutedEvent is published on events.SubjectSignalRouted.
type RoutedEvent struct {
	SignalID string     `json:"signal_id"`
	Category string     `json:"category"`
	Route    gate.Route `json:"route"`
	Reasons  []string   `json:"reasons,omitempty"`
}

// AuditEvent is published on every audit state change.
type AuditEvent struct {
	SignalID   string        `json:"signal_id"`
	Category   string        `json:"category"`
	State      audit.State   `json:"state"`
	Status     ledger.Status `json:"status,omitempty"`
	ReviewedBy string        `json:"reviewed_by,omitempty"`
	LedgerSeq  uint64        `json:"ledger_seq,omitempty"`
}

// DecisionEvent is published when a reviewer decides an adjustment and
// again when the decision moves the baselines.
type DecisionEvent struct {
	AdjustmentID string           `json:"adjustment_id"`
	Category     string           `json:"category"`
	Verdict      approval.Verdict `json:"verdict"`
	Delta        *float64         `json:"applied_delta,omitempty"`
	Applied      bool             `json:"applied"`
	Version      uint64           `json:"baseline_version"`
}

// AnalysisEvent is published after every analysis run.
type AnalysisEvent struct {
	Status      string    `json:"status"`
	Entries     int       `json:"entries"`
	Systematic  int       `json:"systematic_errors"`
	Proposals   []string  `json:"proposals,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// EpitaphEvent is published when a lesson is recorded or reinforced.
type EpitaphEvent struct {
	ID              string  `json:"id"`
	FailureCode     string  `json:"failure_code,omitempty"`
	Supersedes      string  `json:"supersedes,omitempty"`
	RecurrenceCount int     `json:"recurrence_count"`
	Weight          float64 `json:"weight"`
	Source          string  `json:"source,omitempty"`
}

var auditSubjects = map[audit.State]string{
	audit.StatePending:  events.SubjectAuditPending,
	audit.StateResolved: events.SubjectAuditResolved,
	audit.StateExpired:  events.SubjectAuditExpired,
	audit.StateBlocked:  events.SubjectAuditBlocked,
}

func (k *Kernel) onAudit(ctx context.Context, rec audit.Record) {
	AuditTransitions.WithLabelValues(string(rec.State)).Inc()

	ev := AuditEvent{SignalID: rec.SignalID, Category: rec.Category, State: rec.State}
	if r := rec.Resolution; r != nil {
		ev.Status = r.Status
		ev.ReviewedBy = r.ReviewedBy
		ev.LedgerSeq = r.LedgerSeq
	}
	if subject, ok := auditSubjects[rec.State]; ok {
		k.bus.Publish(ctx, subject, ev)
	}

	if rec.State != audit.StateResolved || rec.Resolution == nil {
		return
	}
	c := rec.Resolution.Correction
	if c == nil || c.FailureCode == "" {
		return
	}
	if _, err := k.epitaphs.Record(ctx, correctionEpitaph(rec, c)); err != nil {
		k.logger.Warn("epitaph from correction not recorded",
			zap.String("signal_id", rec.SignalID),
			zap.String("failure_code", c.FailureCode),
			zap.Error(err),
		)
	}
}

func correctionEpitaph(rec audit.Record, c *ledger.Correction) epitaph.RecordRequest {
	msg := strings.TrimSpace(c.Note)
	if msg == "" {
		if c.From != "" && c.To != "" {
			msg = fmt.Sprintf("%s decision corrected from %s to %s", rec.Category, c.From, c.To)
		} else {
			msg = fmt.Sprintf("%s decision corrected: %s", rec.Category, c.ErrorSignature())
		}
	}
	return epitaph.RecordRequest{
		Message:      msg,
		Motivation:   rec.Resolution.Rationale,
		Outcome:      string(rec.Resolution.Status),
		FailureCode:  c.FailureCode,
		ContextShape: rec.Category,
		CollapseMode: c.ErrorSignature(),
		Source:       "audit",
	}
}

func (k *Kernel) onDecision(ctx context.Context, p approval.Proposal, applied bool) {
	if p.Decision == nil {
		return
	}
	version := k.baselines.Snapshot().Version
	ev := DecisionEvent{
		AdjustmentID: p.ID,
		Category:     p.Category,
		Verdict:      p.Decision.Verdict,
		Delta:        p.Decision.AppliedDelta,
		Applied:      applied,
		Version:      version,
	}
	AdjustmentDecisions.WithLabelValues(string(p.Decision.Verdict)).Inc()
	k.bus.Publish(ctx, events.SubjectAdjustmentDecided, ev)
	if applied {
		BaselineVersion.Set(float64(version))
		k.bus.Publish(ctx, events.SubjectAdjustmentApplied, ev)
	}
}

func (k *Kernel) onReport(ctx context.Context, r *metalearning.Report) {
	if r == nil {
		return
	}
	AnalysisRuns.WithLabelValues(r.Status).Inc()
	AdjustmentsProposed.Add(float64(len(r.Proposals)))

	ids := make([]string, 0, len(r.Proposals))
	for _, p := range r.Proposals {
		ids = append(ids, p.ID)
	}
	k.bus.Publish(ctx, events.SubjectAnalysisCompleted, AnalysisEvent{
		Status:      r.Status,
		Entries:     r.Entries,
		Systematic:  len(r.Systematic),
		Proposals:   ids,
		GeneratedAt: r.GeneratedAt,
	})

	for _, se := range r.Systematic {
		k.emitLesson(ctx, se)
		if r.Status == metalearning.StatusComplete {
			k.recordLesson(ctx, se)
		}
	}
}

// recordLesson turns a systematic error into an epitaph. The evidence key is
// the adjustment id, so re-running over the same corrections adds nothing
// while new evidence reinforces the lesson.
func (k *Kernel) recordLesson(ctx context.Context, se metalearning.SystematicError) {
	_, err := k.epitaphs.Record(ctx, epitaph.RecordRequest{
		Message:      fmt.Sprintf("%s decisions keep drawing the correction %q", se.Category, se.Signature),
		Motivation:   fmt.Sprintf("%d reviewed signals shared this correction", se.Count),
		Outcome:      "systematic error",
		FailureCode:  epitaph.CodeSystematicError,
		ContextShape: se.Category,
		CollapseMode: se.Signature,
		Source:       "metalearning",
		EvidenceKey:  metalearning.AdjustmentID(se.Category, se.Signature, se.SignalIDs),
	})
	if err != nil {
		k.logger.Warn("epitaph from systematic error not recorded",
			zap.String("category", se.Category),
			zap.String("signature", se.Signature),
			zap.Error(err),
		)
	}
}

func (k *Kernel) emitLesson(ctx context.Context, se metalearning.SystematicError) {
	now := k.now()
	k.emit(ctx, escalation.Signal{
		ID:        escalation.MakeDedupID("metalearning", se.Category+":"+se.Signature, now),
		Kind:      escalation.KindLesson,
		Band:      escalation.BandCognitive,
		Subsystem: "metalearning",
		Source:    "analyzer",
		Payload: escalation.Payload{
			Signature: se.Signature,
			Summary:   fmt.Sprintf("%d corrections in %s share the signature %q", se.Count, se.Category, se.Signature),
			SuggestedChecks: []string{
				"review pending adjustments for " + se.Category,
			},
			Links: se.SignalIDs,
		},
	})
}

func (k *Kernel) onEpitaph(ctx context.Context, event string, e epitaph.Epitaph) {
	k.chorusLog.Epitaph(ctx, event, e)
	if event != epitaph.EventCreated {
		return
	}
	EpitaphsRecorded.Inc()
	k.bus.Publish(ctx, events.SubjectEpitaphRecorded, EpitaphEvent{
		ID:              e.ID,
		FailureCode:     e.FailureCode,
		Supersedes:      e.Supersedes,
		RecurrenceCount: e.RecurrenceCount,
		Weight:          e.EffectiveWeight(),
		Source:          e.Source,
	})
}

// emitTension raises a TENSION escalation for a publish-bound signal the
// compliance scan blocked.
func (k *Kernel) emitTension(ctx context.Context, sig gate.Signal, scan compliance.Result) {
	hard := scan.HardMatches()
	terms := make([]string, 0, len(hard))
	modules := make([]string, 0, len(hard))
	for _, m := range hard {
		terms = append(terms, m.Term)
		modules = append(modules, m.ModuleID)
	}
	key := sig.Category + ":" + strings.Join(terms, ",")
	k.emit(ctx, escalation.Signal{
		ID:        escalation.MakeDedupID("compliance", key, k.now()),
		Kind:      escalation.KindTension,
		Band:      escalation.BandPrimitive,
		Subsystem: "compliance",
		Source:    sig.ID,
		Payload: escalation.Payload{
			Signature:       "hard compliance match: " + strings.Join(terms, ", "),
			Summary:         fmt.Sprintf("publish-bound %s signal %s blocked", sig.Category, sig.ID),
			SuggestedChecks: []string{"check modules " + strings.Join(modules, ", ")},
			Links:           []string{sig.ID},
		},
	})
}

func (k *Kernel) emit(ctx context.Context, s escalation.Signal) {
	stored, emitted, err := k.escalations.Emit(ctx, s)
	if err != nil {
		k.logger.Warn("escalation not emitted", zap.String("id", s.ID), zap.Error(err))
		return
	}
	if !emitted {
		return
	}
	EscalationsEmitted.WithLabelValues(string(stored.Kind)).Inc()
	k.bus.Publish(ctx, events.SubjectEscalationEmitted, stored)
}
