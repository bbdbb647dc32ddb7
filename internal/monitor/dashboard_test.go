package monitor

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTarget = "http://localhost:9090"

func newTestModel(src Source) Model {
	m := NewModel(src, testTarget, 5*time.Second)
	m.now = func() time.Time { return testNow }
	return m
}

func TestNewModel(t *testing.T) {
	model := NewModel(newFakeSource(), testTarget, 5*time.Second)
	assert.Equal(t, testTarget, model.target)
	assert.Equal(t, 5*time.Second, model.interval)
	assert.False(t, model.quitting)
	assert.NotNil(t, model.now)
}

func TestModel_Init(t *testing.T) {
	model := newTestModel(newFakeSource())
	assert.NotNil(t, model.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	model := newTestModel(newFakeSource())

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestModel_Update_RefreshKey(t *testing.T) {
	model := newTestModel(newFakeSource())

	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})

	m := updated.(Model)
	assert.False(t, m.quitting)
	require.NotNil(t, cmd)

	// The refresh command polls the source directly.
	msg := cmd()
	snap, ok := msg.(snapshotMsg)
	require.True(t, ok, "expected snapshotMsg, got %T", msg)
	assert.Equal(t, 2, snap.Pending)
}

func TestModel_Update_TickMsg(t *testing.T) {
	model := newTestModel(newFakeSource())

	updated, cmd := model.Update(tickMsg(testNow))

	assert.False(t, updated.(Model).quitting)
	assert.NotNil(t, cmd)
}

func TestModel_Update_SnapshotMsg(t *testing.T) {
	model := newTestModel(newFakeSource())
	model.err = errors.New("stale")

	snap, err := Fetch(t.Context(), newFakeSource(), testNow)
	require.NoError(t, err)

	updated, cmd := model.Update(snapshotMsg(snap))
	m := updated.(Model)
	assert.Nil(t, cmd)
	assert.Nil(t, m.err)
	assert.Equal(t, testNow, m.lastUpdate)
	assert.Equal(t, []float64{2}, m.snapshot.PendingHistory)
	assert.Equal(t, []float64{0.61}, m.snapshot.MeanWeightHistory)

	// History accumulates across polls and is capped.
	for i := 0; i < historySize+5; i++ {
		updated, _ = m.Update(snapshotMsg(snap))
		m = updated.(Model)
	}
	assert.Len(t, m.snapshot.PendingHistory, historySize)
	assert.Len(t, m.snapshot.ActiveHistory, historySize)
}

func TestModel_Update_ErrMsg(t *testing.T) {
	model := newTestModel(newFakeSource())

	updated, cmd := model.Update(errMsg(errors.New("connection refused")))

	m := updated.(Model)
	require.Error(t, m.err)
	assert.Contains(t, m.err.Error(), "connection refused")
	assert.Nil(t, cmd)
}

func TestModel_View_WithSnapshot(t *testing.T) {
	model := newTestModel(newFakeSource())
	snap, err := Fetch(t.Context(), newFakeSource(), testNow)
	require.NoError(t, err)
	updated, _ := model.Update(snapshotMsg(snap))

	view := updated.(Model).View()

	assert.Contains(t, view, "verdict Monitor")
	assert.Contains(t, view, "HEALTHY")
	assert.Contains(t, view, "v4")
	assert.Contains(t, view, "12:00:00")
	assert.Contains(t, view, "Confidence Gate")
	assert.Contains(t, view, "routing")
	assert.Contains(t, view, "0.800 (acc 0.70, n=10)")
	assert.Contains(t, view, "Audit Queue")
	assert.Contains(t, view, "1h 30m")
	assert.Contains(t, view, "Epitaphs")
	assert.Contains(t, view, "0.61")
	assert.Contains(t, view, "3 active / 1 dormant / 4 total")
	assert.Contains(t, view, "3h 0m ago")
	assert.Contains(t, view, "complete, 2 runs")
	assert.Contains(t, view, "[q]")
	assert.Contains(t, view, "[r]")
}

func TestModel_View_Degraded(t *testing.T) {
	src := newFakeSource()
	src.health.EventsFailed = 3
	src.health.Scheduler = nil
	src.baselines.Categories = nil

	snap, err := Fetch(t.Context(), src, testNow)
	require.NoError(t, err)
	updated, _ := newTestModel(src).Update(snapshotMsg(snap))

	view := updated.(Model).View()
	assert.Contains(t, view, "WARN")
	assert.Contains(t, view, "scheduler disabled")
	assert.Contains(t, view, "no category history yet")
}

func TestModel_View_WithError(t *testing.T) {
	model := newTestModel(newFakeSource())
	model.err = errors.New("connection refused")

	view := model.View()

	assert.Contains(t, view, "Cannot reach verdictd")
	assert.Contains(t, view, "connection refused")
	assert.Contains(t, view, testTarget)
	assert.Contains(t, view, "[q]")
	assert.Contains(t, view, "[r]")
}

func TestModel_View_NoData(t *testing.T) {
	view := newTestModel(newFakeSource()).View()

	assert.Contains(t, view, "verdict Monitor")
	assert.Contains(t, view, "Never")
	assert.Contains(t, view, "[q]")
}

func TestGetPendingBadge(t *testing.T) {
	assert.Contains(t, getPendingBadge(0), "✓")
	assert.Contains(t, getPendingBadge(pendingWarn), "⚠")
	assert.Contains(t, getPendingBadge(pendingError), "✗")
}
