// Package chorus renders the currently relevant epitaphs as ambient
// guidance for a decision context.
//
// The amount of guidance follows the mode: steady state is silent, novel
// or pressured contexts hear one voice, recovery two, and contexts caught
// between constraints or questioning their own scope up to three. Silence
// is a normal result. Every epitaph that is voiced is marked as used, which
// is what makes it fade.
package chorus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/epitaph"
	"github.com/fyrsmithlabs/verdict/internal/faults"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/verdict/internal/chorus")

// ErrUnknownMode is returned for a mode name outside the intensity map.
var ErrUnknownMode = errors.New("unknown chorus mode")

// DefaultTopN caps how many epitaphs any mode may voice.
const DefaultTopN = 5

// Epitaphs is the part of the epitaph store the injector uses.
type Epitaphs interface {
	Query(ctx context.Context, text string, topN int) ([]epitaph.Scored, error)
	MarkUsed(ctx context.Context, id string) (epitaph.Epitaph, error)
	Volume(floor float64) epitaph.Volume
}

// Config configures an Injector.
type Config struct {
	TopN  int     `koanf:"top_n"`
	Floor float64 `koanf:"floor"`
}

// Composition is the outcome of one Compose call. An empty Text is silence.
type Composition struct {
	Mode       Mode     `json:"mode"`
	Text       string   `json:"text"`
	EpitaphIDs []string `json:"epitaph_ids,omitempty"`
}

// Silent reports whether nothing was voiced.
func (c Composition) Silent() bool {
	return c.Text == ""
}

// Injector composes chorus text.
type Injector struct {
	epitaphs  Epitaphs
	topN      int
	floor     float64
	telemetry *Telemetry
	logger    *zap.Logger
}

// NewInjector creates an injector. telemetry may be nil.
func NewInjector(cfg Config, epitaphs Epitaphs, telemetry *Telemetry, logger *zap.Logger) (*Injector, error) {
	if epitaphs == nil {
		return nil, faults.Inputf("chorus.new", "epitaph store is required")
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultTopN
	}
	if cfg.Floor <= 0 {
		cfg.Floor = epitaph.DefaultFloor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Injector{
		epitaphs:  epitaphs,
		topN:      cfg.TopN,
		floor:     cfg.Floor,
		telemetry: telemetry,
		logger:    logger,
	}, nil
}

// Detect composes for the mode DetectMode derives from s.
func (in *Injector) Detect(ctx context.Context, s Signals) (Composition, error) {
	return in.Compose(ctx, s.Text, DetectMode(s))
}

// Compose renders up to Intensity(mode) epitaphs relevant to text that
// are still audible, and marks each one used.
func (in *Injector) Compose(ctx context.Context, text string, mode Mode) (Composition, error) {
	ctx, span := tracer.Start(ctx, "chorus.Compose")
	defer span.End()
	span.SetAttributes(attribute.String("chorus_mode", string(mode)))

	if _, err := ParseMode(string(mode)); err != nil {
		return Composition{}, faults.Input("chorus.compose", err)
	}
	if mode == "" {
		mode = ModeSteadyState
	}
	out := Composition{Mode: mode}

	limit := min(Intensity(mode), in.topN)
	if limit == 0 {
		in.telemetry.silence(ctx, mode, "default")
		return out, nil
	}

	scored, err := in.epitaphs.Query(ctx, text, limit)
	if err != nil {
		return Composition{}, err
	}
	voiced := make([]epitaph.Scored, 0, len(scored))
	for _, s := range scored {
		if s.Weight >= in.floor {
			voiced = append(voiced, s)
		}
	}
	if len(voiced) == 0 {
		in.telemetry.silence(ctx, mode, "no_epitaphs")
		return out, nil
	}

	for _, s := range voiced {
		if _, err := in.epitaphs.MarkUsed(ctx, s.ID); err != nil {
			return Composition{}, fmt.Errorf("marking %s used: %w", s.ID, err)
		}
		out.EpitaphIDs = append(out.EpitaphIDs, s.ID)
		in.telemetry.Emit(ctx, EventRetrieved, map[string]any{
			"epitaph_id":       s.ID,
			"effective_weight": s.Weight,
			"relevance":        s.Relevance,
			"recurrence_count": s.RecurrenceCount,
		})
	}
	out.Text = Render(mode, voiced)

	weights := make([]float64, len(voiced))
	for i, s := range voiced {
		weights[i] = s.Weight
	}
	in.telemetry.Emit(ctx, EventActivation, map[string]any{
		"chorus_mode":      string(mode),
		"epitaph_ids":      out.EpitaphIDs,
		"epitaph_weights":  weights,
		"synthesis_length": len(out.Text),
	})
	in.logger.Debug("chorus composed",
		zap.String("chorus_mode", string(mode)),
		zap.Int("epitaphs", len(voiced)),
	)
	span.SetAttributes(attribute.Int("epitaphs", len(voiced)))
	return out, nil
}

// Snapshot logs the current pool volume.
func (in *Injector) Snapshot(ctx context.Context) epitaph.Volume {
	v := in.epitaphs.Volume(in.floor)
	in.telemetry.Volume(ctx, v)
	return v
}

var openings = map[Mode]string{
	ModeNovelTerritory:        "Something that has mattered in unfamiliar ground like this:",
	ModeUnderPressure:         "Steady footing that has held before:",
	ModeRecoveryAttempt:       "What tends to matter when a first attempt has not held:",
	ModeConvergingConstraints: "Considerations that tend to pull against each other here:",
	ModeIdentityPressure:      "Considerations about scope and role that tend to matter here:",
}

// Render formats voiced epitaphs as ambient considerations. It carries no
// attribution to where they came from.
func Render(mode Mode, voiced []epitaph.Scored) string {
	if len(voiced) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(openings[mode])
	for _, s := range voiced {
		b.WriteString("\n- ")
		b.WriteString(strings.TrimRight(strings.TrimSpace(s.Message), "."))
		if Intensity(mode) >= 3 && s.Motivation != "" {
			b.WriteString(" (")
			b.WriteString(strings.TrimSpace(s.Motivation))
			b.WriteString(")")
		}
	}
	return b.String()
}
