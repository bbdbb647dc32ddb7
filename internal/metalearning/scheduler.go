package metalearning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/verdict/internal/atomicfile"
)

// DefaultInterval is the scheduler cadence.
const DefaultInterval = 7 * 24 * time.Hour

// Runner is what the scheduler triggers. *Analyzer satisfies it.
type Runner interface {
	RunNow(ctx context.Context) (*Report, error)
}

// SchedulerState is the cadence state persisted between restarts.
type SchedulerState struct {
	LastRun    time.Time `json:"last_run"`
	LastStatus string    `json:"last_status"`
	Runs       int       `json:"runs"`
}

// Scheduler triggers analysis runs on a fixed cadence.
//
// When a state path is configured the time of the last run survives
// restarts, so a daemon restarted mid-week waits for the remainder of the
// interval instead of running immediately.
//
// All public methods are safe for concurrent use.
type Scheduler struct {
	runner    Runner
	interval  time.Duration
	statePath string
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	state   SchedulerState
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the cadence. Defaults to weekly.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithStatePath persists cadence state at path.
func WithStatePath(path string) SchedulerOption {
	return func(s *Scheduler) { s.statePath = path }
}

// WithRunTimeout bounds a single run. Defaults to 10 minutes.
func WithRunTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSchedulerClock overrides the clock.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates a scheduler. It does not start until Start is called.
func NewScheduler(runner Runner, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	s := &Scheduler{
		runner:   runner,
		interval: DefaultInterval,
		timeout:  10 * time.Minute,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the background loop. Starting a running scheduler is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	first := s.firstDelayLocked()
	s.logger.Info("analysis scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("first_run_in", first),
	)
	go s.run(first, s.stopCh, s.doneCh)
	return nil
}

// Stop halts the loop and waits for an in-flight run to return. Stopping a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info("analysis scheduler stopped")
	return nil
}

// State returns the cadence state.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// firstDelayLocked is the wait before the first run: the rest of the
// interval since the persisted last run, or a full interval without one.
func (s *Scheduler) firstDelayLocked() time.Duration {
	if s.state.LastRun.IsZero() {
		return s.interval
	}
	wait := s.state.LastRun.Add(s.interval).Sub(s.now())
	if wait < 0 {
		return 0
	}
	return wait
}

func (s *Scheduler) run(first time.Duration, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler goroutine panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.safeRun(stopCh)
			timer.Reset(s.interval)
		case <-stopCh:
			return
		}
	}
}

// safeRun runs once with panic recovery so one bad run does not stop the
// cadence.
func (s *Scheduler) safeRun(stopCh <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("analysis run panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	report, err := s.runner.RunNow(ctx)
	if errors.Is(err, ErrRunInProgress) {
		s.logger.Info("scheduled analysis skipped, run in progress")
		return
	}

	status := StatusComplete
	if report != nil {
		status = report.Status
	}
	if err != nil {
		s.logger.Warn("scheduled analysis failed", zap.Error(err))
	}

	s.mu.Lock()
	s.state.LastRun = s.now().UTC()
	s.state.LastStatus = status
	s.state.Runs++
	state := s.state
	s.mu.Unlock()

	if err := s.saveState(state); err != nil {
		s.logger.Warn("persisting scheduler state failed", zap.Error(err))
	}
}

func (s *Scheduler) loadState() error {
	if s.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading scheduler state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		s.logger.Warn("ignoring corrupt scheduler state", zap.String("path", s.statePath), zap.Error(err))
		s.state = SchedulerState{}
	}
	return nil
}

func (s *Scheduler) saveState(state SchedulerState) error {
	if s.statePath == "" {
		return nil
	}
	return atomicfile.WriteJSON(s.statePath, state, 0o600)
}
