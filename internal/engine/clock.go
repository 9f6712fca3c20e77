package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

// LogicalClock hands out strictly increasing UTC timestamps. The action log
// and the snapshot builder share one, so timestamp order always agrees with
// append order even when the wall clock stalls or steps backwards.
type LogicalClock struct {
	mu    sync.Mutex
	clock Clock
	last  time.Time
}

// NewLogicalClock wraps clock.
func NewLogicalClock(clock Clock) *LogicalClock {
	return &LogicalClock{clock: clock}
}

// Now returns a timestamp later than every value returned before.
func (c *LogicalClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

// Observe advances the clock past t. Used at startup so timestamps handed
// out by this process sort after everything already persisted.
func (c *LogicalClock) Observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t.UTC()
	}
}

// Sleeper waits between step retries.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper sleeps on a timer and returns early if ctx is done.
type RealSleeper struct{}

func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
