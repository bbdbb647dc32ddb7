package gate

import (
	"errors"
	"fmt"
)

// Policy holds the routing thresholds. The zero value is not usable; start
// from DefaultPolicy.
type Policy struct {
	// BlockThreshold: any confidence below it blocks.
	BlockThreshold float64 `koanf:"block_threshold"`

	// AutoThreshold: every confidence at or above it auto-processes.
	AutoThreshold float64 `koanf:"auto_threshold"`

	// GovernanceThreshold is the least confidence a governance category
	// needs to auto-process, whatever its relaxed auto threshold.
	GovernanceThreshold float64 `koanf:"governance_threshold"`

	// AutoFloor bounds how far a strong baseline may relax AutoThreshold.
	AutoFloor float64 `koanf:"auto_floor"`

	// BlockCeiling bounds how far a weak baseline may raise BlockThreshold.
	BlockCeiling float64 `koanf:"block_ceiling"`

	// DefaultBaseline is used for categories with too little history.
	DefaultBaseline float64 `koanf:"default_baseline"`

	// MinSamples is the reviewed-entry count below which ledger accuracy
	// is ignored.
	MinSamples int `koanf:"min_samples"`

	// Sensitivity scales the distance between a baseline and
	// DefaultBaseline into a threshold shift.
	Sensitivity float64 `koanf:"sensitivity"`
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		BlockThreshold:      0.50,
		AutoThreshold:       0.95,
		GovernanceThreshold: 0.80,
		AutoFloor:           0.75,
		BlockCeiling:        0.70,
		DefaultBaseline:     0.90,
		MinSamples:          5,
		Sensitivity:         2.0,
	}
}

// ErrInvalidPolicy is returned by Validate.
var ErrInvalidPolicy = errors.New("invalid gate policy")

// Validate checks that the thresholds are ordered
// BlockThreshold <= BlockCeiling <= AutoFloor <= AutoThreshold, with the
// governance threshold inside the auto band.
func (p Policy) Validate() error {
	in01 := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s %.2f out of [0,1]", ErrInvalidPolicy, name, v)
		}
		return nil
	}
	for name, v := range map[string]float64{
		"block_threshold":      p.BlockThreshold,
		"auto_threshold":       p.AutoThreshold,
		"governance_threshold": p.GovernanceThreshold,
		"auto_floor":           p.AutoFloor,
		"block_ceiling":        p.BlockCeiling,
		"default_baseline":     p.DefaultBaseline,
	} {
		if err := in01(name, v); err != nil {
			return err
		}
	}
	if !(p.BlockThreshold <= p.BlockCeiling && p.BlockCeiling <= p.AutoFloor && p.AutoFloor <= p.AutoThreshold) {
		return fmt.Errorf("%w: thresholds must satisfy block <= block_ceiling <= auto_floor <= auto", ErrInvalidPolicy)
	}
	if p.GovernanceThreshold > p.AutoThreshold {
		return fmt.Errorf("%w: governance_threshold above auto_threshold", ErrInvalidPolicy)
	}
	if p.MinSamples < 0 || p.Sensitivity < 0 {
		return fmt.Errorf("%w: min_samples and sensitivity must be non-negative", ErrInvalidPolicy)
	}
	return nil
}

// Thresholds are the effective cut-offs for one category.
type Thresholds struct {
	Baseline float64 `json:"baseline"`
	Block    float64 `json:"block"`
	Auto     float64 `json:"auto"`
}

// thresholdsFor shifts the cut-offs by the distance of baseline from the
// default. A baseline above the default relaxes Auto towards AutoFloor; one
// below it raises Block towards BlockCeiling. Neither ever crosses the
// fixed thresholds in the unsafe direction.
func (p Policy) thresholdsFor(baseline float64) Thresholds {
	t := Thresholds{Baseline: baseline, Block: p.BlockThreshold, Auto: p.AutoThreshold}
	shift := (baseline - p.DefaultBaseline) * p.Sensitivity
	switch {
	case shift > 0:
		t.Auto -= clamp(shift, 0, p.AutoThreshold-p.AutoFloor)
	case shift < 0:
		t.Block += clamp(-shift, 0, p.BlockCeiling-p.BlockThreshold)
	}
	return t
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
