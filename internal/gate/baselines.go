package gate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/ledger"
)

// Errors returned by Baselines.
var (
	ErrAlreadyApplied = errors.New("adjustment already applied")
	ErrInvalidApply   = errors.New("adjustment needs an id, a category and a delta in [-1, 1]")
)

// Baseline is the comparison baseline of one category.
type Baseline struct {
	Category string `json:"category"`

	// Accuracy and Samples come from the last ledger replay.
	Accuracy float64 `json:"accuracy"`
	Samples  int     `json:"samples"`

	// Adjustment is the sum of applied adjustment deltas.
	Adjustment float64 `json:"adjustment"`

	// Value is the effective baseline in [0, 1].
	Value float64 `json:"value"`
}

// Snapshot is an immutable view of every baseline. Never modify one.
type Snapshot struct {
	Version     uint64              `json:"version"`
	Default     float64             `json:"default"`
	Categories  map[string]Baseline `json:"categories"`
	RefreshedAt time.Time           `json:"refreshed_at"`
}

// Baseline returns the effective baseline of cat, or fallback when the
// snapshot is nil. Unknown categories get the snapshot default.
func (s *Snapshot) Baseline(cat string, fallback float64) float64 {
	if s == nil {
		return fallback
	}
	if b, ok := s.Categories[cat]; ok {
		return b.Value
	}
	return s.Default
}

// Sorted returns the baselines in category order.
func (s *Snapshot) Sorted() []Baseline {
	if s == nil {
		return nil
	}
	out := make([]Baseline, 0, len(s.Categories))
	for _, b := range s.Categories {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// AccuracySource supplies per-category ledger accuracy. *ledger.AccuracyCache
// satisfies it.
type AccuracySource interface {
	Get(ctx context.Context) (map[string]ledger.CategoryAccuracy, time.Time, error)
}

// Baselines is the process-wide baseline state. Readers call Snapshot,
// which is a single atomic load. Writers (Refresh and Apply) are
// serialised and publish a new snapshot.
type Baselines struct {
	policy Policy
	logger *zap.Logger

	current atomic.Pointer[Snapshot]

	mu          sync.Mutex
	accuracy    map[string]ledger.CategoryAccuracy
	adjustments map[string]float64
	applied     map[string]string
	refreshedAt time.Time
}

// NewBaselines creates baselines holding only the policy default.
func NewBaselines(policy Policy, logger *zap.Logger) *Baselines {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Baselines{
		policy:      policy,
		logger:      logger,
		accuracy:    map[string]ledger.CategoryAccuracy{},
		adjustments: map[string]float64{},
		applied:     map[string]string{},
	}
	b.publishLocked()
	return b
}

// Snapshot returns the current immutable snapshot.
func (b *Baselines) Snapshot() *Snapshot {
	return b.current.Load()
}

// Refresh replaces the ledger part of every baseline with fresh accuracy.
// Applied adjustments are kept. On error the current snapshot stays. The
// kernel calls it once while starting; later ledger history reaches the
// gate only as an approved adjustment.
func (b *Baselines) Refresh(ctx context.Context, src AccuracySource) error {
	acc, at, err := src.Get(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.accuracy = make(map[string]ledger.CategoryAccuracy, len(acc))
	for cat, a := range acc {
		b.accuracy[cat] = a
	}
	b.refreshedAt = at
	snap := b.publishLocked()

	b.logger.Debug("baselines refreshed",
		zap.Uint64("version", snap.Version),
		zap.Int("categories", len(snap.Categories)),
	)
	return nil
}

// Apply adds an approved adjustment delta to a category's baseline. It is
// the only way a live snapshot changes after start-up, and it is
// idempotent on id: a second call returns a StateConflict wrapping
// ErrAlreadyApplied and changes nothing.
func (b *Baselines) Apply(id, category string, delta float64) error {
	if id == "" || category == "" || math.IsNaN(delta) || delta < -1 || delta > 1 {
		return faults.Input("baselines.apply", fmt.Errorf("%w: id=%q category=%q delta=%v", ErrInvalidApply, id, category, delta))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.applied[id]; ok {
		return faults.Conflict("baselines.apply", fmt.Errorf("%w: %s", ErrAlreadyApplied, id))
	}
	b.applied[id] = category
	b.adjustments[category] += delta
	snap := b.publishLocked()

	b.logger.Info("adjustment applied to baseline",
		zap.String("adjustment_id", id),
		zap.String("category", category),
		zap.Float64("delta", delta),
		zap.Float64("baseline", snap.Categories[category].Value),
		zap.Uint64("version", snap.Version),
	)
	return nil
}

// Applied reports whether the adjustment id has been applied.
func (b *Baselines) Applied(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.applied[id]
	return ok
}

func (b *Baselines) publishLocked() *Snapshot {
	var version uint64 = 1
	if prev := b.current.Load(); prev != nil {
		version = prev.Version + 1
	}
	snap := &Snapshot{
		Version:     version,
		Default:     b.policy.DefaultBaseline,
		Categories:  make(map[string]Baseline, len(b.accuracy)+len(b.adjustments)),
		RefreshedAt: b.refreshedAt,
	}
	for cat, a := range b.accuracy {
		snap.Categories[cat] = Baseline{Category: cat, Accuracy: a.Accuracy, Samples: a.Samples}
	}
	for cat, adj := range b.adjustments {
		bl := snap.Categories[cat]
		bl.Category = cat
		bl.Adjustment = adj
		snap.Categories[cat] = bl
	}
	for cat, bl := range snap.Categories {
		base := b.policy.DefaultBaseline
		if bl.Samples >= b.policy.MinSamples && bl.Samples > 0 {
			base = bl.Accuracy
		}
		bl.Value = clamp(base+bl.Adjustment, 0, 1)
		snap.Categories[cat] = bl
	}
	b.current.Store(snap)
	return snap
}
