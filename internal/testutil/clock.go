// Package testutil provides deterministic test doubles shared across the
// pipeline's packages.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/mescon/eventpipe/internal/clock"
)

// MockClock is a deterministic clock.Clock for tests: time only advances
// when the test calls Advance or SetNow, and pending AfterFunc callbacks
// fire synchronously in the calling goroutine when their deadline is
// crossed.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*MockTimer
	counter int
}

// NewMockClock creates a MockClock starting at the given time.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

// MockTimer is the Timer returned by MockClock.AfterFunc.
type MockTimer struct {
	id       int
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

// Stop implements clock.Timer.
func (t *MockTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

var _ clock.Clock = (*MockClock)(nil)

// Now implements clock.Clock.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements clock.Clock. The callback fires only when Advance
// or FireAll crosses its deadline; it never fires from real wall-clock time.
func (c *MockClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	t := &MockTimer{id: c.counter, deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// SetNow sets the clock to an absolute time without firing any timers.
func (c *MockClock) SetNow(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d, firing (in deadline order) every
// pending, non-stopped timer whose deadline falls within the new window.
// Returns the number of timers fired.
func (c *MockClock) Advance(d time.Duration) int {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := c.dueLocked()
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// FireAll fires every pending, non-stopped timer regardless of deadline,
// advancing the clock to the latest deadline fired. Returns the count fired.
func (c *MockClock) FireAll() int {
	c.mu.Lock()
	var due []*MockTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			due = append(due, t)
			t.fired = true
			if t.deadline.After(c.now) {
				c.now = t.deadline
			}
		}
	}
	c.timers = remainingLocked(c.timers)
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.fn()
	}
	return len(due)
}

// dueLocked must be called with c.mu held. It marks due timers fired and
// returns them in deadline order, leaving stopped/future timers in place.
func (c *MockClock) dueLocked() []*MockTimer {
	var due []*MockTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.deadline.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.timers = remainingLocked(c.timers)
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}

func remainingLocked(timers []*MockTimer) []*MockTimer {
	out := timers[:0:0]
	for _, t := range timers {
		if !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// PendingCount returns the number of timers neither fired nor stopped.
func (c *MockClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// Reset clears all timer state without changing the current time.
func (c *MockClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = nil
}
