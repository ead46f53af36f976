// Package clock provides the monotonic time source used by the limiter,
// cache and retry packages.
//
// Readings are nanoseconds since an arbitrary fixed origin. They never go
// backwards, so elapsed time is always Now() minus an earlier Now().
package clock

import (
	"sync"
	"time"
)

// Clock returns monotonic nanoseconds. Implementations must be safe for
// concurrent use and must never return a value smaller than a previous one.
type Clock interface {
	Now() int64
}

type systemClock struct {
	origin time.Time
}

// time.Since uses the monotonic reading carried by origin, wall clock steps
// do not affect it
func (c systemClock) Now() int64 { return int64(time.Since(c.origin)) }

var (
	sysOnce sync.Once
	sys     systemClock
)

// System returns the process-wide monotonic clock.
func System() Clock {
	sysOnce.Do(func() { sys = systemClock{origin: time.Now()} })
	return sys
}

// Manual is a hand-driven clock for tests.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual returns a Manual clock starting at start nanoseconds.
func NewManual(start int64) *Manual { return &Manual{now: start} }

func (m *Manual) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now += int64(d)
	m.mu.Unlock()
}

// Set jumps the clock to ns. Earlier values are ignored to keep the clock
// monotonic.
func (m *Manual) Set(ns int64) {
	m.mu.Lock()
	if ns > m.now {
		m.now = ns
	}
	m.mu.Unlock()
}
