package chorus

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/eventlog"
)

// Telemetry event types.
const (
	EventActivation = "chorus_activation"
	EventSilence    = "chorus_silence"
	EventRetrieved  = "epitaph_retrieved"
	EventCreated    = "epitaph_created"
	EventDecayed    = "epitaph_decayed"
	EventVolume     = "volume_snapshot"
)

// TrustDetect marks observation-only events.
const TrustDetect = "detect"

// Event is one telemetry line.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	TrustTier string         `json:"trust_tier"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Telemetry writes chorus and epitaph lifecycle events to an event log.
// It never fails its caller: write errors are logged and dropped.
type Telemetry struct {
	log        *eventlog.Log
	logger     *zap.Logger
	now        func() time.Time
	silenceP   float64
	sampleRoll func() float64
}

// TelemetryOption configures Telemetry.
type TelemetryOption func(*Telemetry)

// WithSilenceSampleRate sets the fraction of steady-state silences that
// are logged. Other events are always logged.
func WithSilenceSampleRate(p float64) TelemetryOption {
	return func(t *Telemetry) {
		if p >= 0 && p <= 1 {
			t.silenceP = p
		}
	}
}

// WithTelemetryClock overrides the clock.
func WithTelemetryClock(now func() time.Time) TelemetryOption {
	return func(t *Telemetry) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTelemetry opens the telemetry log in dir.
func NewTelemetry(dir string, logger *zap.Logger, opts ...TelemetryOption) (*Telemetry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telemetry{
		logger:     logger,
		now:        time.Now,
		silenceP:   0.1,
		sampleRoll: rand.Float64,
	}
	for _, opt := range opts {
		opt(t)
	}
	log, err := eventlog.Open(dir, eventlog.Options{Now: t.now, Logger: logger})
	if err != nil {
		return nil, err
	}
	t.log = log
	return t, nil
}

// Log returns the underlying event log.
func (t *Telemetry) Log() *eventlog.Log {
	return t.log
}

// Emit writes one event. A nil Telemetry is a no-op.
func (t *Telemetry) Emit(ctx context.Context, eventType string, fields map[string]any) {
	if t == nil {
		return
	}
	ev := Event{
		Timestamp: t.now().UTC(),
		EventType: eventType,
		TrustTier: TrustDetect,
		Fields:    fields,
	}
	if _, err := t.log.Append(ctx, uuid.NewString(), ev); err != nil {
		t.logger.Warn("chorus telemetry dropped", zap.String("event_type", eventType), zap.Error(err))
	}
}

// silence logs a silence event, sampling steady-state silences.
func (t *Telemetry) silence(ctx context.Context, mode Mode, reason string) {
	if t == nil {
		return
	}
	if mode == ModeSteadyState && t.sampleRoll() >= t.silenceP {
		return
	}
	t.Emit(ctx, EventSilence, map[string]any{"chorus_mode": string(mode), "reason": reason})
}

// Epitaph records epitaph lifecycle events. Its signature matches
// epitaph.Listener.
func (t *Telemetry) Epitaph(ctx context.Context, event string, e epitaph.Epitaph) {
	switch event {
	case epitaph.EventCreated:
		t.Emit(ctx, EventCreated, map[string]any{
			"epitaph_id":       e.ID,
			"context_shape":    e.ContextShape,
			"failure_code":     e.FailureCode,
			"source":           e.Source,
			"weight":           e.BaseWeight,
			"recurrence_count": e.RecurrenceCount,
		})
	case epitaph.EventUsed:
		t.Emit(ctx, EventDecayed, map[string]any{
			"epitaph_id":       e.ID,
			"uses_count":       e.UsesCount,
			"effective_weight": e.EffectiveWeight(),
		})
	}
}

// Volume records a pool snapshot.
func (t *Telemetry) Volume(ctx context.Context, v epitaph.Volume) {
	t.Emit(ctx, EventVolume, map[string]any{
		"total_epitaphs":    v.Total,
		"active_count":      v.Active,
		"dormant_count":     v.Dormant,
		"mean_weight":       v.MeanWeight,
		"weight_below_half": v.BelowHalf,
		"mean_age_days":     v.MeanAgeDays,
	})
}
