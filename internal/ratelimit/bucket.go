package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/keithlinneman/tickkit/internal/clock"
)

var (
	ErrInvalidRate    = errors.New("ratelimit: rate must be > 0")
	ErrInvalidBurst   = errors.New("ratelimit: burst must be > 0")
	ErrInvalidWindow  = errors.New("ratelimit: window must be > 0")
	ErrInvalidPermits = errors.New("ratelimit: permits must be > 0")
)

// epsilon absorbs float rounding when whole intervals are credited in pieces.
// Slow buckets use half a nanosecond's accrual instead, so a permit is never
// admitted before the nanosecond it is due.
const epsilon = 1e-9

// Observer is implemented by the metrics package.
type Observer interface {
	Admitted(limiter string)
	Rejected(limiter string)
}

// TokenBucket is a thread-safe token bucket that never blocks. It starts full.
type TokenBucket struct {
	name     string
	clk      clock.Clock
	observer Observer

	// immutable after construction
	perNano   float64
	capacity  float64
	tolerance float64

	mu         sync.Mutex
	stored     float64
	lastRefill int64
}

type Option func(*TokenBucket)

// WithClock replaces the process monotonic clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(b *TokenBucket) {
		if c != nil {
			b.clk = c
		}
	}
}

// WithName labels the bucket for metrics and String().
func WithName(name string) Option {
	return func(b *TokenBucket) { b.name = name }
}

// WithObserver reports every admission decision.
func WithObserver(o Observer) Option {
	return func(b *TokenBucket) { b.observer = o }
}

// NewPerWindow allows permits per window, with a burst of permits.
// NewPerWindow(2, time.Second) admits two calls at once, then one every 500ms.
func NewPerWindow(permits int, window time.Duration, opts ...Option) (*TokenBucket, error) {
	if permits <= 0 {
		return nil, fmt.Errorf("%w (permits=%d)", ErrInvalidPermits, permits)
	}
	if window <= 0 {
		return nil, fmt.Errorf("%w (window=%s)", ErrInvalidWindow, window)
	}
	return newBucket(float64(permits)/float64(window.Nanoseconds()), float64(permits), opts)
}

// NewRate accrues permitsPerSecond continuously, holding at most burst.
func NewRate(permitsPerSecond float64, burst int, opts ...Option) (*TokenBucket, error) {
	if !(permitsPerSecond > 0) || math.IsInf(permitsPerSecond, 0) {
		return nil, fmt.Errorf("%w (rate=%v)", ErrInvalidRate, permitsPerSecond)
	}
	if burst <= 0 {
		return nil, fmt.Errorf("%w (burst=%d)", ErrInvalidBurst, burst)
	}
	return newBucket(permitsPerSecond/float64(time.Second), float64(burst), opts)
}

func newBucket(perNano, capacity float64, opts []Option) (*TokenBucket, error) {
	if !(perNano > 0) {
		return nil, ErrInvalidRate
	}
	b := &TokenBucket{
		clk:      clock.System(),
		perNano:   perNano,
		capacity:  capacity,
		tolerance: math.Min(epsilon, perNano/2),
		stored:    capacity,
	}
	for _, o := range opts {
		o(b)
	}
	b.lastRefill = b.clk.Now()
	return b, nil
}

// TryAcquire takes one permit if available.
func (b *TokenBucket) TryAcquire() bool {
	ok, _ := b.TryAcquireN(1)
	return ok
}

// TryAcquireN takes n permits if all are available, otherwise takes none.
// n <= 0 is a caller bug and returns ErrInvalidPermits.
func (b *TokenBucket) TryAcquireN(n int) (bool, error) {
	if n <= 0 {
		return false, fmt.Errorf("%w (n=%d)", ErrInvalidPermits, n)
	}
	b.mu.Lock()
	b.refillLocked(b.clk.Now())
	ok := b.stored+b.tolerance >= float64(n)
	if ok {
		b.stored = math.Max(0, b.stored-float64(n))
	}
	b.mu.Unlock()

	if b.observer != nil {
		if ok {
			b.observer.Admitted(b.name)
		} else {
			b.observer.Rejected(b.name)
		}
	}
	return ok, nil
}

// Available refills and returns the current token count, for diagnostics.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clk.Now())
	return b.stored
}

// Capacity is the burst ceiling.
func (b *TokenBucket) Capacity() float64 { return b.capacity }

// Name is the label given with WithName.
func (b *TokenBucket) Name() string { return b.name }

// refillLocked credits the time elapsed since the last refill. lastRefill only
// moves when time moved, so back-to-back calls never credit the same interval twice.
func (b *TokenBucket) refillLocked(now int64) {
	elapsed := now - b.lastRefill
	if elapsed <= 0 {
		return
	}
	b.stored = math.Min(b.capacity, b.stored+float64(elapsed)*b.perNano)
	b.lastRefill = now
}

func (b *TokenBucket) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("TokenBucket{name=%q, perSecond=%g, burst=%g, stored=%g}",
		b.name, b.perNano*float64(time.Second), b.capacity, b.stored)
}
