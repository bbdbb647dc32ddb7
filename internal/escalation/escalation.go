// Package escalation writes outbound escalation signals for operators and
// neighbouring systems: beacons, lessons, opportunities and tensions.
//
// Signals live in an event log with latest-per-id semantics. A status
// change appends a superseding copy. Signals in the PRESTIGE band are
// governance-blocked and never written.
package escalation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/eventlog"
	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/keylock"
)

// Kind classifies a signal.
type Kind string

const (
	KindBeacon      Kind = "BEACON"
	KindLesson      Kind = "LESSON"
	KindOpportunity Kind = "OPPORTUNITY"
	KindTension     Kind = "TENSION"
)

func (k Kind) valid() bool {
	switch k {
	case KindBeacon, KindLesson, KindOpportunity, KindTension:
		return true
	}
	return false
}

// Band is the motivation layer a signal addresses.
type Band string

const (
	BandPrimitive Band = "PRIMITIVE"
	BandCognitive Band = "COGNITIVE"
	BandSocial    Band = "SOCIAL"
	BandPrestige  Band = "PRESTIGE"
)

// Attenuation returns the band's volume attenuation in dB.
func (b Band) Attenuation() int {
	switch b {
	case BandCognitive:
		return -6
	case BandSocial:
		return -12
	}
	return 0
}

func (b Band) valid() bool {
	return b == BandPrimitive || b == BandCognitive || b == BandSocial
}

// Status is a signal's lifecycle state.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusWorking      Status = "working"
	StatusResolved     Status = "resolved"
	StatusExpired      Status = "expired"
	StatusWarranted    Status = "warranted"
)

func (s Status) valid() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusWorking, StatusResolved, StatusExpired, StatusWarranted:
		return true
	}
	return false
}

// Errors returned by the emitter.
var (
	ErrInvalidKind   = errors.New("kind must be BEACON, LESSON, OPPORTUNITY or TENSION")
	ErrInvalidBand   = errors.New("band must be PRIMITIVE, COGNITIVE or SOCIAL")
	ErrInvalidStatus = errors.New("unknown signal status")
	ErrNotFound      = errors.New("signal not found")
	ErrMissingField  = errors.New("signal needs an id and a subsystem")
)

// Default volume settings.
const (
	DefaultVolume     = 30
	DefaultVolumeRate = 10
	DefaultMaxVolume  = 100
	DefaultTTL        = 24 * time.Hour
)

// Payload is the human-facing part of a signal.
type Payload struct {
	Signature       string   `json:"signature"`
	Summary         string   `json:"summary,omitempty"`
	SuggestedChecks []string `json:"suggested_checks,omitempty"`
	Links           []string `json:"links,omitempty"`
}

// Signal is one escalation.
type Signal struct {
	ID         string  `json:"id"`
	Kind       Kind    `json:"kind"`
	Band       Band    `json:"band"`
	Subsystem  string  `json:"subsystem"`
	Source     string  `json:"source,omitempty"`
	Status     Status  `json:"status"`
	Volume     int     `json:"volume"`
	VolumeRate int     `json:"volume_rate"`
	MaxVolume  int     `json:"max_volume"`
	TTLHours   int     `json:"ttl_hours"`
	Payload    Payload `json:"payload"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	WorkingSince   *time.Time `json:"working_since,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
}

// EffectiveVolume is the volume after band attenuation, floored at zero.
func (s Signal) EffectiveVolume() int {
	return max(0, s.Volume+s.Band.Attenuation())
}

// MakeDedupID returns an id that is stable for the same subsystem and key
// on the same UTC day.
func MakeDedupID(subsystem, key string, now time.Time) string {
	day := now.UTC().Format("2006-01-02")
	sum := sha256.Sum256([]byte(day + ":" + subsystem + ":" + key))
	return fmt.Sprintf("sig_%sT00:00Z_%s_%s", day, subsystem, hex.EncodeToString(sum[:])[:4])
}

// Emitter writes signals.
type Emitter struct {
	log    *eventlog.Log
	now    func() time.Time
	logger *zap.Logger
	locks  keylock.Map
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		if now != nil {
			e.now = now
		}
	}
}

// Open opens the signal log in dir.
func Open(dir string, opts ...Option) (*Emitter, error) {
	e := &Emitter{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	log, err := eventlog.Open(dir, eventlog.Options{Now: e.now, Logger: e.logger})
	if err != nil {
		return nil, err
	}
	e.log = log
	return e, nil
}

// Emit writes a new active signal. A PRESTIGE signal is dropped and
// reported as not emitted. Emitting an id that already exists returns the
// stored signal unchanged, so dedup ids make repeated emits harmless.
func (e *Emitter) Emit(ctx context.Context, s Signal) (Signal, bool, error) {
	if s.Band == BandPrestige {
		e.logger.Debug("prestige signal dropped", zap.String("signal_id", s.ID))
		return Signal{}, false, nil
	}
	if s.ID == "" || s.Subsystem == "" {
		return Signal{}, false, faults.Input("escalation.emit", ErrMissingField)
	}
	if !s.Kind.valid() {
		return Signal{}, false, faults.Input("escalation.emit", fmt.Errorf("%w: %q", ErrInvalidKind, s.Kind))
	}
	if !s.Band.valid() {
		return Signal{}, false, faults.Input("escalation.emit", fmt.Errorf("%w: %q", ErrInvalidBand, s.Band))
	}

	unlock := e.locks.Lock(s.ID)
	defer unlock()

	existing, err := e.Get(ctx, s.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Signal{}, false, err
	}

	now := e.now().UTC()
	s.Status = StatusActive
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Volume == 0 {
		s.Volume = DefaultVolume
	}
	if s.VolumeRate == 0 {
		s.VolumeRate = DefaultVolumeRate
	}
	if s.MaxVolume == 0 {
		s.MaxVolume = DefaultMaxVolume
	}
	if s.TTLHours == 0 {
		s.TTLHours = int(DefaultTTL / time.Hour)
	}
	if _, err := e.log.Append(ctx, s.ID, s); err != nil {
		return Signal{}, false, err
	}
	e.logger.Info("escalation signal emitted",
		zap.String("signal_id", s.ID),
		zap.String("kind", string(s.Kind)),
		zap.String("band", string(s.Band)),
		zap.String("subsystem", s.Subsystem),
	)
	return s, true, nil
}

// UpdateStatus appends a superseding copy of the signal with a new status.
func (e *Emitter) UpdateStatus(ctx context.Context, id string, status Status, note string) (Signal, error) {
	if !status.valid() {
		return Signal{}, faults.Input("escalation.update", fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}
	unlock := e.locks.Lock(id)
	defer unlock()

	s, err := e.Get(ctx, id)
	if err != nil {
		return Signal{}, err
	}
	now := e.now().UTC()
	s.Status = status
	s.UpdatedAt = now
	switch status {
	case StatusWorking:
		s.WorkingSince = &now
	case StatusResolved:
		s.ResolvedAt = &now
		s.ResolutionNote = note
	}
	if _, err := e.log.Append(ctx, s.ID, s); err != nil {
		return Signal{}, err
	}
	e.logger.Info("escalation signal updated", zap.String("signal_id", id), zap.String("status", string(status)))
	return s, nil
}

// Get returns the latest state of a signal.
func (e *Emitter) Get(ctx context.Context, id string) (Signal, error) {
	rec, err := e.log.Get(ctx, id)
	if errors.Is(err, eventlog.ErrNotFound) {
		return Signal{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Signal{}, err
	}
	var s Signal
	if err := rec.Decode(&s); err != nil {
		return Signal{}, faults.Storage("escalation.get", err)
	}
	return s, nil
}

// List returns the latest state of every signal, optionally filtered by
// status, oldest first.
func (e *Emitter) List(ctx context.Context, status Status) ([]Signal, error) {
	latest, err := e.log.Latest(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Signal, 0, len(latest))
	for _, rec := range latest {
		var s Signal
		if err := rec.Decode(&s); err != nil {
			return nil, faults.Storage("escalation.list", err)
		}
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
