package escalation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/verdict/internal/faults"
)

var t0 = time.Date(2026, 3, 9, 14, 30, 0, 0, time.UTC)

func openTestEmitter(t *testing.T) (*Emitter, *time.Time) {
	t.Helper()
	now := t0
	e, err := Open(t.TempDir(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return e, &now
}

func lesson(id string) Signal {
	return Signal{
		ID:        id,
		Kind:      KindLesson,
		Band:      BandCognitive,
		Subsystem: "metalearning",
		Payload:   Payload{Signature: "routing: urgency under-estimated"},
	}
}

// TestMakeDedupID tests the per-day deterministic id.
func TestMakeDedupID(t *testing.T) {
	a := MakeDedupID("metalearning", "routing|urgency", t0)
	b := MakeDedupID("metalearning", "routing|urgency", t0.Add(5*time.Hour))
	c := MakeDedupID("metalearning", "routing|urgency", t0.Add(24*time.Hour))
	d := MakeDedupID("metalearning", "billing|tone", t0)

	assert.Equal(t, a, b, "same day")
	assert.NotEqual(t, a, c, "next day")
	assert.NotEqual(t, a, d)
	assert.True(t, strings.HasPrefix(a, "sig_2026-03-09T00:00Z_metalearning_"))
	assert.Len(t, strings.TrimPrefix(a, "sig_2026-03-09T00:00Z_metalearning_"), 4)
}

// TestEmit tests defaults and persistence of a new signal.
func TestEmit(t *testing.T) {
	e, _ := openTestEmitter(t)
	ctx := context.Background()

	s, emitted, err := e.Emit(ctx, lesson("sig_1"))
	require.NoError(t, err)
	assert.True(t, emitted)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, DefaultVolume, s.Volume)
	assert.Equal(t, 24, s.TTLHours)
	assert.Equal(t, 24, s.EffectiveVolume())

	got, err := e.Get(ctx, "sig_1")
	require.NoError(t, err)
	assert.Equal(t, s.Payload, got.Payload)
	assert.True(t, t0.Equal(got.CreatedAt))
}

// TestEmit_PrestigeDropped tests that the governance-blocked band writes nothing.
func TestEmit_PrestigeDropped(t *testing.T) {
	e, _ := openTestEmitter(t)
	ctx := context.Background()

	s := lesson("sig_p")
	s.Band = BandPrestige
	_, emitted, err := e.Emit(ctx, s)
	require.NoError(t, err)
	assert.False(t, emitted)

	_, err = e.Get(ctx, "sig_p")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestEmit_Invalid tests input validation.
func TestEmit_Invalid(t *testing.T) {
	e, _ := openTestEmitter(t)
	ctx := context.Background()

	bad := lesson("sig_x")
	bad.Kind = "ALARM"
	_, _, err := e.Emit(ctx, bad)
	assert.ErrorIs(t, err, faults.ErrInput)
	assert.ErrorIs(t, err, ErrInvalidKind)

	bad = lesson("sig_x")
	bad.Band = "COSMIC"
	_, _, err = e.Emit(ctx, bad)
	assert.ErrorIs(t, err, ErrInvalidBand)

	_, _, err = e.Emit(ctx, lesson(""))
	assert.ErrorIs(t, err, ErrMissingField)
}

// TestEmit_Dedup tests that re-emitting an id leaves the stored signal alone.
func TestEmit_Dedup(t *testing.T) {
	e, now := openTestEmitter(t)
	ctx := context.Background()
	id := MakeDedupID("metalearning", "routing", t0)

	first, emitted, err := e.Emit(ctx, lesson(id))
	require.NoError(t, err)
	require.True(t, emitted)
	_, err = e.UpdateStatus(ctx, id, StatusAcknowledged, "")
	require.NoError(t, err)

	*now = t0.Add(time.Hour)
	again, emitted, err := e.Emit(ctx, lesson(id))
	require.NoError(t, err)
	assert.False(t, emitted)
	assert.Equal(t, StatusAcknowledged, again.Status)
	assert.True(t, first.CreatedAt.Equal(again.CreatedAt))
}

// TestUpdateStatus tests supersession and the latest-wins view.
func TestUpdateStatus(t *testing.T) {
	e, now := openTestEmitter(t)
	ctx := context.Background()
	_, _, err := e.Emit(ctx, lesson("sig_1"))
	require.NoError(t, err)
	_, _, err = e.Emit(ctx, lesson("sig_2"))
	require.NoError(t, err)

	*now = t0.Add(time.Hour)
	working, err := e.UpdateStatus(ctx, "sig_1", StatusWorking, "")
	require.NoError(t, err)
	require.NotNil(t, working.WorkingSince)

	*now = t0.Add(2 * time.Hour)
	resolved, err := e.UpdateStatus(ctx, "sig_1", StatusResolved, "threshold tuned")
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "threshold tuned", resolved.ResolutionNote)
	assert.NotNil(t, resolved.WorkingSince, "earlier fields carry forward")

	active, err := e.List(ctx, StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sig_2", active[0].ID)

	all, err := e.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = e.UpdateStatus(ctx, "sig_1", "closed", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = e.UpdateStatus(ctx, "sig_missing", StatusResolved, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestEmit_ConcurrentSameID tests that racing emits of one id write it once.
func TestEmit_ConcurrentSameID(t *testing.T) {
	e, _ := openTestEmitter(t)
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		n  int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, emitted, err := e.Emit(ctx, lesson("sig_same"))
			assert.NoError(t, err)
			if emitted {
				mu.Lock()
				n++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, n)
}

// TestBandAttenuation tests effective volume per band.
func TestBandAttenuation(t *testing.T) {
	assert.Equal(t, 30, Signal{Volume: 30, Band: BandPrimitive}.EffectiveVolume())
	assert.Equal(t, 18, Signal{Volume: 30, Band: BandSocial}.EffectiveVolume())
	assert.Equal(t, 0, Signal{Volume: 5, Band: BandSocial}.EffectiveVolume())
}
