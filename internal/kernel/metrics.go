package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoutesTotal counts gate decisions.
	// Labels: route (AUTO, REVIEW, BLOCK), category
	RoutesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Subsystem: "gate",
			Name:      "routes_total",
			Help:      "Total number of routed signals by route and category",
		},
		[]string{"route", "category"},
	)

	RouteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "verdict",
			Subsystem: "gate",
			Name:      "route_duration_seconds",
			Help:      "Duration of Route calls including scan and admission",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// AuditTransitions counts audit records entering a state.
	// Labels: state (pending, resolved, expired, blocked)
	AuditTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Subsystem: "audit",
			Name:      "transitions_total",
			Help:      "Total number of audit state transitions by target state",
		},
		[]string{"state"},
	)

	// AuditPending is the pending count seen by the last full listing.
	AuditPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "verdict",
			Subsystem: "audit",
			Name:      "pending",
			Help:      "Number of pending audit records at the last full listing",
		},
	)

	// AnalysisRuns counts analyzer runs.
	// Labels: status (complete, incomplete, skipped)
	AnalysisRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Subsystem: "analyzer",
			Name:      "runs_total",
			Help:      "Total number of analysis runs by status",
		},
		[]string{"status"},
	)

	AdjustmentsProposed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Subsystem: "analyzer",
			Name:      "adjustments_proposed_total",
			Help:      "Total number of adjustments proposed by analysis runs",
		},
	)

	// AdjustmentDecisions counts reviewer decisions.
	// Labels: verdict (approved, rejected, modified)
	AdjustmentDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Total number of adjustment decisions by verdict",
		},
		[]string{"verdict"},
	)

	// BaselineVersion is the version of the live baseline snapshot.
	BaselineVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "verdict",
			Subsystem: "gate",
			Name:      "baseline_version",
			Help:      "Version of the current baseline snapshot",
		},
	)

	EpitaphsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Subsystem: "epitaph",
			Name:      "recorded_total",
			Help:      "Total number of epitaphs recorded",
		},
	)

	// ChorusCompositions counts Compose outcomes.
	// Labels: mode, voiced (true, false)
	ChorusCompositions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Subsystem: "chorus",
			Name:      "compositions_total",
			Help:      "Total number of chorus compositions by mode and whether anything was voiced",
		},
		[]string{"mode", "voiced"},
	)

	// EscalationsEmitted counts new escalation signals.
	// Labels: kind
	EscalationsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verdict",
			Subsystem: "escalation",
			Name:      "emitted_total",
			Help:      "Total number of escalation signals emitted by kind",
		},
		[]string{"kind"},
	)
)
