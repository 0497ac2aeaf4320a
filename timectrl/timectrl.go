// Package timectrl supplies the clocks and the periodic update tick that
// drive time-dependent behaviour such as refresh policies and camera
// smoothing.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a Clock that only moves when told to. It is safe for
// concurrent use.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock returns a clock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new reading.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Mode describes how the TimeController advances its clock.
type Mode int

const (
	// RealTime reports wall-clock time on each tick.
	RealTime Mode = iota
	// Accelerated steps the clock by Tick on every tick, independent of
	// wall-clock time.
	Accelerated
)

// TimeController emits an update tick to registered listeners at a fixed
// interval. It implements Clock.
type TimeController struct {
	mu   sync.RWMutex
	Tick time.Duration
	Mode Mode

	current   time.Time
	listeners []func(time.Time)
}

// NewTimeController constructs a controller whose clock starts at start.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		Tick:    tick,
		Mode:    mode,
		current: start,
	}
}

// Now returns the time of the most recent tick.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.current
}

// SetTime overrides the current time.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.current = t
	tc.mu.Unlock()
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

// Step advances the clock by one tick and notifies listeners synchronously.
// In RealTime mode the clock jumps to the wall-clock time instead.
func (tc *TimeController) Step() time.Time {
	tc.mu.Lock()
	if tc.Mode == RealTime {
		tc.current = time.Now()
	} else {
		tc.current = tc.current.Add(tc.Tick)
	}
	now := tc.current
	listeners := append([]func(time.Time){}, tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// Run ticks every Tick until ctx is cancelled or, when duration > 0, until
// that much controller time has elapsed.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) error {
	ticker := time.NewTicker(tc.Tick)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for {
		if duration > 0 && elapsed >= duration {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		tc.Step()
		elapsed += tc.Tick
	}
}
