package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/verdict/internal/audit"
	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/escalation"
	"github.com/fyrsmithlabs/verdict/internal/gate"
	httpserver "github.com/fyrsmithlabs/verdict/internal/http"
	"github.com/fyrsmithlabs/verdict/internal/metalearning"
)

// Source is the part of the review API the dashboard reads.
// *httpserver.Client satisfies it.
type Source interface {
	Health(ctx context.Context) (httpserver.HealthResponse, error)
	Baselines(ctx context.Context) (gate.Snapshot, error)
	Pending(ctx context.Context, limit int) ([]audit.Record, error)
	Volume(ctx context.Context) (epitaph.Volume, error)
	Escalations(ctx context.Context, status escalation.Status) ([]escalation.Signal, error)
}

// Snapshot holds one poll of daemon state.
type Snapshot struct {
	Status            string
	Version           string
	BaselineVersion   uint64
	DefaultBaseline   float64
	Baselines         []gate.Baseline
	Pending           int
	OldestPending     time.Duration
	Volume            epitaph.Volume
	ActiveEscalations int
	AnalysisRunning   bool
	Scheduler         *metalearning.SchedulerState
	TelemetryDegraded bool
	EventsPublished   uint64
	EventsFailed      uint64
	FetchedAt         time.Time

	// Historical data for sparklines (last N points)
	PendingHistory    []float64
	MeanWeightHistory []float64
	ActiveHistory     []float64
}

// Fetch polls src once. Health failures abort the poll; the daemon is
// unreachable or broken and the remaining calls would fail the same way.
func Fetch(ctx context.Context, src Source, now time.Time) (Snapshot, error) {
	h, err := src.Health(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("health: %w", err)
	}
	snap := Snapshot{
		Status:          h.Status,
		Version:         h.Version,
		BaselineVersion: h.BaselineVersion,
		AnalysisRunning: h.AnalysisRunning,
		Scheduler:       h.Scheduler,
		EventsPublished: h.EventsPublished,
		EventsFailed:    h.EventsFailed,
		FetchedAt:       now,
	}
	if h.Telemetry != nil {
		snap.TelemetryDegraded = h.Telemetry.Degraded
	}

	baselines, err := src.Baselines(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("baselines: %w", err)
	}
	snap.DefaultBaseline = baselines.Default
	for _, b := range baselines.Categories {
		snap.Baselines = append(snap.Baselines, b)
	}
	sort.Slice(snap.Baselines, func(i, j int) bool {
		return snap.Baselines[i].Category < snap.Baselines[j].Category
	})

	pending, err := src.Pending(ctx, 0)
	if err != nil {
		return Snapshot{}, fmt.Errorf("pending audits: %w", err)
	}
	snap.Pending = len(pending)
	for i := range pending {
		if age := pending[i].Age(now); age > snap.OldestPending {
			snap.OldestPending = age
		}
	}

	snap.Volume, err = src.Volume(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("volume: %w", err)
	}

	active, err := src.Escalations(ctx, escalation.StatusActive)
	if err != nil {
		return Snapshot{}, fmt.Errorf("escalations: %w", err)
	}
	snap.ActiveEscalations = len(active)
	return snap, nil
}

// activeShare is the fraction of epitaphs still above the dormancy floor.
func (s Snapshot) activeShare() float64 {
	if s.Volume.Total == 0 {
		return 0
	}
	return float64(s.Volume.Active) / float64(s.Volume.Total)
}
