package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/verdict/internal/faults"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLedger(t *testing.T) (*Ledger, *testClock) {
	t.Helper()
	l, clock, _ := newTestLedgerIn(t)
	return l, clock
}

func newTestLedgerIn(t *testing.T) (*Ledger, *testClock, string) {
	t.Helper()
	dir := t.TempDir()
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	l, err := Open(dir, WithClock(clock.Now))
	require.NoError(t, err)
	return l, clock, dir
}

func corrected(id, category, signature string) Entry {
	return Entry{
		SignalID:       id,
		Category:       category,
		Status:         StatusCorrected,
		Correction:     &Correction{Signature: signature, Deltas: map[string]float64{category: -0.3}},
		AccuracyScores: map[string]float64{category: 0.4},
	}
}

func confirmed(id, category string) Entry {
	return Entry{
		SignalID:       id,
		Category:       category,
		Status:         StatusConfirmed,
		AccuracyScores: map[string]float64{category: 1.0},
	}
}

// TestAppend_RoundTrip tests that a replay reconstructs the exact correction.
func TestAppend_RoundTrip(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	in := corrected("sig-1", "routing", "urgency under-estimated")
	in.Correction.Note = "customer said it was an outage"
	in.Rationale = "reviewed by on-call"
	stored, err := l.Append(ctx, in)
	require.NoError(t, err)
	assert.NotZero(t, stored.Seq)

	entries, err := l.Current(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, in.SignalID, got.SignalID)
	assert.Equal(t, in.Category, got.Category)
	assert.Equal(t, in.Correction, got.Correction)
	assert.Equal(t, in.AccuracyScores, got.AccuracyScores)
	assert.Equal(t, stored.Timestamp, got.Timestamp)
}

// TestAppend_LineFormat tests the on-disk shape of one ledger line: the log
// envelope with the entry fields under data.
func TestAppend_LineFormat(t *testing.T) {
	l, _, dir := newTestLedgerIn(t)
	_, err := l.Append(context.Background(), corrected("sig-1", "routing", "wrong team"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "2026-04-01.jsonl"))
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 1)

	var line struct {
		Seq  uint64                     `json:"seq"`
		ID   string                     `json:"id"`
		At   time.Time                  `json:"at"`
		Data map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(lines[0], &line))
	assert.Equal(t, uint64(1), line.Seq)
	assert.Equal(t, "sig-1", line.ID)
	for _, field := range []string{"signal_id", "category", "correction", "accuracy_scores", "timestamp", "status"} {
		assert.Contains(t, line.Data, field)
	}
	assert.JSONEq(t, `"sig-1"`, string(line.Data["signal_id"]))
	assert.JSONEq(t, `{"routing":0.4}`, string(line.Data["accuracy_scores"]))
}

// TestAppend_Validation tests that invalid entries are rejected as input errors.
func TestAppend_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		entry Entry
		want  error
	}{
		{"missing signal", Entry{Category: "c", Status: StatusConfirmed}, ErrEmptySignalID},
		{"missing category", Entry{SignalID: "s", Status: StatusConfirmed}, ErrEmptyCategory},
		{"bad status", Entry{SignalID: "s", Category: "c", Status: "maybe"}, ErrInvalidStatus},
		{"corrected without correction", Entry{SignalID: "s", Category: "c", Status: StatusCorrected}, ErrCorrectionMismatch},
		{"confirmed with correction", Entry{SignalID: "s", Category: "c", Status: StatusConfirmed, Correction: &Correction{Signature: "x"}}, ErrCorrectionMismatch},
		{"accuracy out of range", Entry{SignalID: "s", Category: "c", Status: StatusConfirmed, AccuracyScores: map[string]float64{"c": 1.5}}, ErrInvalidAccuracy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(ctx, tt.entry)
			assert.ErrorIs(t, err, faults.ErrInput)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestCurrent_SupersedingEntry tests latest-wins reduction by signal id.
func TestCurrent_SupersedingEntry(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, corrected("sig-1", "routing", "wrong team"))
	require.NoError(t, err)
	_, err = l.Append(ctx, confirmed("sig-2", "routing"))
	require.NoError(t, err)
	_, err = l.Append(ctx, confirmed("sig-1", "routing"))
	require.NoError(t, err)

	entries, err := l.Current(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "sig-2", entries[0].SignalID)
	assert.Equal(t, "sig-1", entries[1].SignalID)
	assert.Equal(t, StatusConfirmed, entries[1].Status)
}

// TestAccuracy tests per-category accuracy with unreviewed entries excluded.
func TestAccuracy(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := l.Append(ctx, confirmed(fmt.Sprintf("ok-%d", i), "routing"))
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, corrected(fmt.Sprintf("bad-%d", i), "routing", "urgency under-estimated"))
		require.NoError(t, err)
	}
	_, err := l.Append(ctx, Entry{SignalID: "late", Category: "routing", Status: StatusUnreviewed})
	require.NoError(t, err)

	acc, err := l.Accuracy(ctx, clock.Now().Add(-time.Hour), time.Time{})
	require.NoError(t, err)
	require.Contains(t, acc, "routing")

	routing := acc["routing"]
	assert.Equal(t, 10, routing.Samples)
	assert.Equal(t, 4, routing.Corrected)
	assert.Equal(t, 1, routing.Unreviewed)
	assert.InDelta(t, 0.6, routing.Accuracy, 1e-9)
}

// TestAccuracyCache_Staleness tests that the cache recomputes only after the bound.
func TestAccuracyCache_Staleness(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	cache := NewAccuracyCache(l, 24*time.Hour, time.Minute)

	_, err := l.Append(ctx, confirmed("a", "billing"))
	require.NoError(t, err)

	first, _, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first["billing"].Samples)

	_, err = l.Append(ctx, confirmed("b", "billing"))
	require.NoError(t, err)

	cached, _, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cached["billing"].Samples, "served from cache within staleness bound")

	clock.Advance(2 * time.Minute)
	fresh, _, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh["billing"].Samples)
}

// TestCorrection_ErrorSignature tests signature derivation.
func TestCorrection_ErrorSignature(t *testing.T) {
	tests := []struct {
		name string
		c    *Correction
		want string
	}{
		{"nil", nil, ""},
		{"explicit normalized", &Correction{Signature: "  Urgency   Under-Estimated "}, "urgency under-estimated"},
		{"flip", &Correction{From: "billing", To: "support"}, "classification flipped from billing to support"},
		{"flip missing side", &Correction{To: "support"}, "classification flipped from unknown to support"},
		{"dominant negative delta", &Correction{Deltas: map[string]float64{"urgency": -0.4, "tone": 0.1}}, "urgency over-estimated"},
		{"dominant positive delta", &Correction{Deltas: map[string]float64{"urgency": 0.4}}, "urgency under-estimated"},
		{"failure code only", &Correction{FailureCode: "SIDE_IGNORED"}, "side_ignored"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.ErrorSignature())
		})
	}
}

// TestCorrection_Direction tests the sign of the mean delta.
func TestCorrection_Direction(t *testing.T) {
	assert.Equal(t, -1.0, (&Correction{Signature: "x"}).Direction())
	assert.Equal(t, -1.0, (&Correction{Deltas: map[string]float64{"a": -0.2, "b": 0.1}}).Direction())
	assert.Equal(t, 1.0, (&Correction{Deltas: map[string]float64{"a": 0.3}}).Direction())
}

// TestScan_CanceledContext tests that Current returns no partial state when canceled.
func TestScan_CanceledContext(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Append(context.Background(), confirmed("a", "x"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	entries, err := l.Current(ctx, time.Time{}, time.Time{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, entries)
}
