// Package clock supplies the logical tick counter that drives escrow expiry
// and dispute deadlines. Operations read the clock once at their transaction
// boundary; nothing in the system schedules against wall time.
package clock

import (
	"sync"
	"time"
)

// Clock yields a monotonically non-decreasing logical tick.
type Clock interface {
	Now() int64
}

// Interval derives ticks from wall time: one tick per Step since Epoch.
type Interval struct {
	Epoch time.Time
	Step  time.Duration
}

// NewInterval builds an Interval clock with a sane default step.
func NewInterval(epoch time.Time, step time.Duration) *Interval {
	if step <= 0 {
		step = 10 * time.Minute
	}
	return &Interval{Epoch: epoch, Step: step}
}

func (c *Interval) Now() int64 {
	elapsed := time.Since(c.Epoch)
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed / c.Step)
}

// Manual is a hand-advanced clock for tests.
type Manual struct {
	mu   sync.Mutex
	tick int64
}

// NewManual starts a manual clock at the given tick.
func NewManual(tick int64) *Manual {
	return &Manual{tick: tick}
}

func (c *Manual) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick
}

// Advance moves the clock forward by delta ticks.
func (c *Manual) Advance(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if delta > 0 {
		c.tick += delta
	}
}

// Set jumps to an absolute tick; it never moves backwards.
func (c *Manual) Set(tick int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tick > c.tick {
		c.tick = tick
	}
}
