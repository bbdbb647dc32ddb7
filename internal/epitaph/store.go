package epitaph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/eventlog"
	"github.com/fyrsmithlabs/verdict/internal/faults"
	"github.com/fyrsmithlabs/verdict/internal/keylock"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/verdict/internal/epitaph")

// Event names passed to listeners.
const (
	EventCreated = "epitaph_created"
	EventUsed    = "epitaph_decayed"
)

// Listener observes writes. It runs after the record is persisted.
type Listener func(ctx context.Context, event string, e Epitaph)

// Config configures a Store.
type Config struct {
	// Dir holds the epitaph log.
	Dir string `koanf:"dir"`

	// Overfetch multiplies top_n when asking the index for candidates.
	Overfetch int `koanf:"overfetch"`
}

// Store keeps epitaphs in an event log and mirrors the latest state of
// each in memory. Writes to one id are serialised; different ids proceed
// in parallel.
type Store struct {
	log       *eventlog.Log
	index     Index
	overfetch int
	now       func() time.Time
	newID     func() string
	logger    *zap.Logger
	listeners []Listener

	locks keylock.Map

	mu     sync.RWMutex
	byID   map[string]Epitaph
	byHash map[string]string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIndex replaces the default chromem index.
func WithIndex(idx Index) Option {
	return func(s *Store) {
		if idx != nil {
			s.index = idx
		}
	}
}

// WithListener registers a write listener.
func WithListener(l Listener) Option {
	return func(s *Store) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// Open loads the log in cfg.Dir and indexes every epitaph.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Dir == "" {
		return nil, faults.Inputf("epitaph.open", "dir is required")
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = 3
	}
	s := &Store{
		overfetch: cfg.Overfetch,
		now:       time.Now,
		newID:     func() string { return "ep_" + strings.ReplaceAll(uuid.NewString(), "-", "") },
		logger:    zap.NewNop(),
		byID:      map[string]Epitaph{},
		byHash:    map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.index == nil {
		idx, err := NewChromemIndex(nil)
		if err != nil {
			return nil, err
		}
		s.index = idx
	}

	log, err := eventlog.Open(cfg.Dir, eventlog.Options{Now: s.now, Logger: s.logger})
	if err != nil {
		return nil, err
	}
	s.log = log

	latest, err := log.Latest(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range eventlog.Ordered(latest) {
		var e Epitaph
		if err := rec.Decode(&e); err != nil {
			return nil, faults.Storage("epitaph.open", err)
		}
		s.remember(e)
		if err := s.index.Upsert(ctx, e.ID, e.searchText()); err != nil {
			return nil, faults.Storage("epitaph.open", err)
		}
	}
	s.logger.Info("epitaph store opened", zap.String("dir", log.Dir()), zap.Int("epitaphs", len(s.byID)))
	return s, nil
}

// remember updates the in-memory view. Callers hold no lock.
func (s *Store) remember(e Epitaph) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[e.ID] = e
	if e.DedupeHash == "" {
		return
	}
	if prev, ok := s.byID[s.byHash[e.DedupeHash]]; !ok || !e.CreatedAt.Before(prev.CreatedAt) {
		s.byHash[e.DedupeHash] = e.ID
	}
}

// Record stores a new epitaph. A lesson whose dedupe hash matches an
// existing one supersedes the newest such entry and increments the
// recurrence count; the older entry is left to decay. A request repeating
// the evidence key of that newest entry returns it unchanged.
func (s *Store) Record(ctx context.Context, req RecordRequest) (Epitaph, error) {
	if err := req.Validate(); err != nil {
		return Epitaph{}, faults.Input("epitaph.record", err)
	}

	e := Epitaph{
		ID:              s.newID(),
		Message:         strings.TrimSpace(req.Message),
		Motivation:      req.Motivation,
		Outcome:         req.Outcome,
		Regret:          req.Regret,
		BaseWeight:      WeightFor(req.FailureCode),
		CreatedAt:       s.now().UTC(),
		FailureCode:     req.FailureCode,
		ContextShape:    req.ContextShape,
		CollapseMode:    req.CollapseMode,
		RecurrenceCount: 1,
		Source:          req.Source,
		EvidenceKey:     req.EvidenceKey,
	}
	if req.BaseWeight != nil {
		e.BaseWeight = *req.BaseWeight
	}
	if e.FailureCode != "" {
		if e.ContextShape == "" {
			e.ContextShape = ShapeFor(e.FailureCode)
		}
		e.DedupeHash = DedupeHash(e.FailureCode, e.ContextShape, e.CollapseMode)

		unlock := s.locks.Lock("hash:" + e.DedupeHash)
		defer unlock()

		s.mu.RLock()
		prior, ok := s.byID[s.byHash[e.DedupeHash]]
		s.mu.RUnlock()
		if ok && e.EvidenceKey != "" && prior.EvidenceKey == e.EvidenceKey {
			return prior, nil
		}
		if ok {
			e.Supersedes = prior.ID
			e.RecurrenceCount = prior.RecurrenceCount + 1
		}
	}

	if _, err := s.log.Append(ctx, e.ID, e); err != nil {
		return Epitaph{}, err
	}
	s.remember(e)
	if err := s.index.Upsert(ctx, e.ID, e.searchText()); err != nil {
		s.logger.Warn("epitaph not indexed", zap.String("epitaph_id", e.ID), zap.Error(err))
	}

	s.logger.Info("epitaph recorded",
		zap.String("epitaph_id", e.ID),
		zap.String("failure_code", e.FailureCode),
		zap.String("context_shape", e.ContextShape),
		zap.Float64("base_weight", e.BaseWeight),
		zap.Int("recurrence_count", e.RecurrenceCount),
	)
	s.notify(ctx, EventCreated, e)
	return e, nil
}

// Get returns the current state of one epitaph.
func (s *Store) Get(_ context.Context, id string) (Epitaph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return Epitaph{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// List returns every epitaph by effective weight, heaviest first, ties
// broken by the most recent creation.
func (s *Store) List(_ context.Context) []Epitaph {
	s.mu.RLock()
	out := make([]Epitaph, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return ranksBefore(out[i], out[j]) })
	return out
}

// Query returns up to topN epitaphs relevant to text, ranked by effective
// weight. Relevance only selects candidates. An empty text ranks the whole
// pool.
func (s *Store) Query(ctx context.Context, text string, topN int) ([]Scored, error) {
	ctx, span := tracer.Start(ctx, "epitaph.Query")
	defer span.End()
	span.SetAttributes(attribute.Int("top_n", topN))

	if topN <= 0 {
		return nil, nil
	}

	var candidates []Scored
	if strings.TrimSpace(text) == "" {
		for _, e := range s.List(ctx) {
			candidates = append(candidates, Scored{Epitaph: e, Weight: e.EffectiveWeight()})
		}
	} else {
		hits, err := s.index.Search(ctx, text, topN*s.overfetch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, faults.Storage("epitaph.query", err)
		}
		s.mu.RLock()
		for _, h := range hits {
			if e, ok := s.byID[h.ID]; ok {
				candidates = append(candidates, Scored{Epitaph: e, Weight: e.EffectiveWeight(), Relevance: h.Relevance})
			}
		}
		s.mu.RUnlock()
	}

	sort.SliceStable(candidates, func(i, j int) bool { return ranksBefore(candidates[i].Epitaph, candidates[j].Epitaph) })
	if len(candidates) > topN {
		candidates = candidates[:topN]
	}
	span.SetAttributes(attribute.Int("results", len(candidates)))
	return candidates, nil
}

// MarkUsed appends a superseding record with one more use.
func (s *Store) MarkUsed(ctx context.Context, id string) (Epitaph, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	e, err := s.Get(ctx, id)
	if err != nil {
		return Epitaph{}, err
	}
	now := s.now().UTC()
	e.UsesCount++
	e.LastUsedAt = &now

	if _, err := s.log.Append(ctx, e.ID, e); err != nil {
		return Epitaph{}, err
	}
	s.remember(e)

	s.logger.Debug("epitaph used",
		zap.String("epitaph_id", e.ID),
		zap.Int("uses_count", e.UsesCount),
		zap.Float64("effective_weight", e.EffectiveWeight()),
	)
	s.notify(ctx, EventUsed, e)
	return e, nil
}

// Volume summarises the pool against floor.
func (s *Store) Volume(floor float64) Volume {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v Volume
	var weights, ages float64
	for _, e := range s.byID {
		w := e.EffectiveWeight()
		v.Total++
		if w >= floor {
			v.Active++
		}
		if w < 0.5 {
			v.BelowHalf++
		}
		weights += w
		ages += now.Sub(e.CreatedAt).Hours() / 24
	}
	v.Dormant = v.Total - v.Active
	if v.Total > 0 {
		v.MeanWeight = weights / float64(v.Total)
		v.MeanAgeDays = ages / float64(v.Total)
	}
	return v
}

func (s *Store) notify(ctx context.Context, event string, e Epitaph) {
	for _, l := range s.listeners {
		l(ctx, event, e)
	}
}

func ranksBefore(a, b Epitaph) bool {
	wa, wb := a.EffectiveWeight(), b.EffectiveWeight()
	if wa != wb {
		return wa > wb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}
