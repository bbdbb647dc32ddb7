package metalearning

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingRunner struct {
	calls atomic.Int32
	panic bool
}

func (r *countingRunner) RunNow(context.Context) (*Report, error) {
	n := r.calls.Add(1)
	if r.panic && n == 1 {
		panic("boom")
	}
	return &Report{Status: StatusComplete}, nil
}

// TestNewScheduler_Validation tests constructor argument checks.
func TestNewScheduler_Validation(t *testing.T) {
	_, err := NewScheduler(nil, zap.NewNop())
	assert.Error(t, err)
	_, err = NewScheduler(&countingRunner{}, nil)
	assert.Error(t, err)
}

// TestScheduler_Runs tests that the scheduler triggers on its interval and persists state.
func TestScheduler_Runs(t *testing.T) {
	runner := &countingRunner{}
	statePath := filepath.Join(t.TempDir(), "analyzer", "state.json")
	s, err := NewScheduler(runner, zap.NewNop(), WithInterval(10*time.Millisecond), WithStatePath(statePath))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "second start fails")

	assert.Eventually(t, func() bool { return runner.calls.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	state := s.State()
	assert.GreaterOrEqual(t, state.Runs, 2)
	assert.Equal(t, StatusComplete, state.LastStatus)

	reloaded, err := NewScheduler(runner, zap.NewNop(), WithStatePath(statePath))
	require.NoError(t, err)
	assert.Equal(t, state.LastRun.Unix(), reloaded.State().LastRun.Unix())
}

// TestScheduler_RecoversFromPanic tests that a panicking run does not stop the cadence.
func TestScheduler_RecoversFromPanic(t *testing.T) {
	runner := &countingRunner{panic: true}
	s, err := NewScheduler(runner, zap.NewNop(), WithInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool { return runner.calls.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
}

// TestScheduler_FirstDelay tests that persisted state shortens the first wait.
func TestScheduler_FirstDelay(t *testing.T) {
	now := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	s, err := NewScheduler(&countingRunner{}, zap.NewNop(), WithSchedulerClock(func() time.Time { return now }))
	require.NoError(t, err)

	assert.Equal(t, DefaultInterval, s.firstDelayLocked(), "no history waits a full interval")

	s.state.LastRun = now.Add(-5 * 24 * time.Hour)
	assert.Equal(t, 2*24*time.Hour, s.firstDelayLocked())

	s.state.LastRun = now.Add(-30 * 24 * time.Hour)
	assert.Equal(t, time.Duration(0), s.firstDelayLocked(), "overdue runs immediately")
}
