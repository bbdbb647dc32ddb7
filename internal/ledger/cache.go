package ledger

import (
	"context"
	"sync"
	"time"
)

// Default accuracy window and staleness bound.
const (
	DefaultAccuracyWindow = 14 * 24 * time.Hour
	DefaultStaleness      = 5 * time.Minute
)

// AccuracyCache memoizes Accuracy over a trailing window. A cached value is
// served until it is older than the staleness bound.
type AccuracyCache struct {
	ledger    *Ledger
	window    time.Duration
	staleness time.Duration
	now       func() time.Time

	mu         sync.Mutex
	value      map[string]CategoryAccuracy
	computedAt time.Time
}

// NewAccuracyCache creates a cache over ledger. Non-positive durations fall
// back to the defaults.
func NewAccuracyCache(ledger *Ledger, window, staleness time.Duration) *AccuracyCache {
	if window <= 0 {
		window = DefaultAccuracyWindow
	}
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &AccuracyCache{
		ledger:    ledger,
		window:    window,
		staleness: staleness,
		now:       ledger.now,
	}
}

// Get returns per-category accuracy, recomputing when stale. On a failed
// recompute the previous value is kept and the error returned.
func (c *AccuracyCache) Get(ctx context.Context) (map[string]CategoryAccuracy, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.value != nil && now.Sub(c.computedAt) < c.staleness {
		return c.value, c.computedAt, nil
	}

	value, err := c.ledger.Accuracy(ctx, now.Add(-c.window), time.Time{})
	if err != nil {
		return c.value, c.computedAt, err
	}
	c.value, c.computedAt = value, now
	return value, now, nil
}

// Invalidate forces the next Get to recompute.
func (c *AccuracyCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
}
