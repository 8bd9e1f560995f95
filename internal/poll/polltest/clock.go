// Package polltest provides a deterministic poll.Clock for tests.
package polltest

import (
	"context"
	"sync"
	"time"
)

// Clock is a virtual clock. Sleep advances time instantly and records the
// requested duration; OnSleep, when set, runs after every advance with the
// tick count and new virtual time.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	ticks   int
	sleeps  []time.Duration
	OnSleep func(tick int, now time.Time)
}

// New returns a clock starting at a fixed instant.
func New() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.ticks++
	c.sleeps = append(c.sleeps, d)
	tick, now, hook := c.ticks, c.now, c.OnSleep
	c.mu.Unlock()
	if hook != nil {
		hook(tick, now)
	}
	return nil
}

// Sleeps returns every duration passed to Sleep, in order.
func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// Ticks returns the number of Sleep calls so far.
func (c *Clock) Ticks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Elapsed returns virtual time passed since New.
func (c *Clock) Elapsed() time.Duration {
	return c.Now().Sub(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
}
