package ratelimit

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/tickkit/internal/clock"
)

type countingObserver struct {
	admitted atomic.Int32
	rejected atomic.Int32
}

func (o *countingObserver) Admitted(string) { o.admitted.Add(1) }
func (o *countingObserver) Rejected(string) { o.rejected.Add(1) }

func TestNewPerWindow_Validation(t *testing.T) {
	tests := []struct {
		name    string
		permits int
		window  time.Duration
		want    error
	}{
		{"zero permits", 0, time.Second, ErrInvalidPermits},
		{"negative permits", -1, time.Second, ErrInvalidPermits},
		{"zero window", 1, 0, ErrInvalidWindow},
		{"negative window", 1, -time.Second, ErrInvalidWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewPerWindow(tt.permits, tt.window)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if b != nil {
				t.Fatal("bucket should be nil on validation error")
			}
		})
	}
}

func TestNewRate_Validation(t *testing.T) {
	if _, err := NewRate(0, 1); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("rate 0: err = %v", err)
	}
	if _, err := NewRate(-2.5, 1); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("negative rate: err = %v", err)
	}
	if _, err := NewRate(1, 0); !errors.Is(err, ErrInvalidBurst) {
		t.Fatalf("burst 0: err = %v", err)
	}
}

func TestTryAcquireN_InvalidPermits(t *testing.T) {
	b, _ := NewRate(1, 1)
	for _, n := range []int{0, -3} {
		ok, err := b.TryAcquireN(n)
		if ok || !errors.Is(err, ErrInvalidPermits) {
			t.Fatalf("TryAcquireN(%d) = %v, %v", n, ok, err)
		}
	}
	if got := b.Available(); got != 1 {
		t.Fatalf("invalid calls changed the bucket: %v", got)
	}
}

func TestStartsFull(t *testing.T) {
	clk := clock.NewManual(0)
	for _, burst := range []int{1, 5, 40} {
		b, err := NewRate(3, burst, WithClock(clk))
		if err != nil {
			t.Fatal(err)
		}
		if got := b.Available(); got != float64(burst) {
			t.Fatalf("burst %d: Available() = %v", burst, got)
		}
	}
}

func TestBurstThenRejectUntilRefill(t *testing.T) {
	clk := clock.NewManual(0)
	b, _ := NewRate(10, 4, WithClock(clk)) // one token per 100ms

	for i := 0; i < 4; i++ {
		if !b.TryAcquire() {
			t.Fatalf("acquire %d should succeed within burst", i+1)
		}
	}
	if b.TryAcquire() {
		t.Fatal("acquire past burst should fail")
	}

	clk.Advance(99 * time.Millisecond)
	if b.TryAcquire() {
		t.Fatal("less than one token accrued, acquire should fail")
	}

	clk.Advance(time.Millisecond)
	if !b.TryAcquire() {
		t.Fatal("one token accrued, acquire should succeed")
	}
}

func TestSlowBucketNotAdmittedEarly(t *testing.T) {
	clk := clock.NewManual(0)
	b, _ := NewPerWindow(1, time.Hour, WithClock(clk))
	if !b.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}

	clk.Advance(time.Hour - time.Nanosecond)
	if b.TryAcquire() {
		t.Fatal("acquire one nanosecond before the token is due should fail")
	}
	clk.Advance(time.Nanosecond)
	if !b.TryAcquire() {
		t.Fatal("acquire once a full token accrued should succeed")
	}
}

func TestTwoPer100ms(t *testing.T) {
	clk := clock.NewManual(0)
	b, _ := NewPerWindow(2, 100*time.Millisecond, WithClock(clk))

	if !b.TryAcquire() || !b.TryAcquire() {
		t.Fatal("first two acquires should succeed")
	}
	if b.TryAcquire() {
		t.Fatal("third immediate acquire should fail")
	}
	clk.Advance(100 * time.Millisecond)
	if !b.TryAcquire() {
		t.Fatal("acquire after 100ms should succeed")
	}
}

func TestTwoPer100ms_RealClock(t *testing.T) {
	b, _ := NewPerWindow(2, 100*time.Millisecond)
	if !b.TryAcquire() || !b.TryAcquire() {
		t.Fatal("first two acquires should succeed")
	}
	if b.TryAcquire() {
		t.Fatal("third immediate acquire should fail")
	}
	time.Sleep(110 * time.Millisecond)
	if !b.TryAcquire() {
		t.Fatal("acquire after 110ms should succeed")
	}
}

func TestRejectLeavesStoredUnchanged(t *testing.T) {
	clk := clock.NewManual(0)
	b, _ := NewRate(1, 3, WithClock(clk))
	b.TryAcquireN(2)

	ok, err := b.TryAcquireN(2)
	if ok || err != nil {
		t.Fatalf("TryAcquireN(2) = %v, %v; want false, nil", ok, err)
	}
	if got := b.Available(); got != 1 {
		t.Fatalf("Available() = %v, want 1", got)
	}
}

func TestRefillClampedToCapacity(t *testing.T) {
	clk := clock.NewManual(0)
	b, _ := NewRate(100, 5, WithClock(clk))
	b.TryAcquireN(5)
	clk.Advance(time.Hour)
	if got := b.Available(); got != 5 {
		t.Fatalf("Available() = %v, want 5", got)
	}
}

func TestNoDoubleCountingWithoutTimeAdvance(t *testing.T) {
	clk := clock.NewManual(0)
	b, _ := NewRate(10, 2, WithClock(clk))
	b.TryAcquireN(2)

	clk.Advance(50 * time.Millisecond) // half a token
	for i := 0; i < 10; i++ {
		if got := b.Available(); math.Abs(got-0.5) > 1e-9 {
			t.Fatalf("call %d: Available() = %v, want 0.5", i, got)
		}
	}
	if b.TryAcquire() {
		t.Fatal("half a token must not admit")
	}
	clk.Advance(50 * time.Millisecond)
	if !b.TryAcquire() {
		t.Fatal("two half intervals add up to one token")
	}
	if b.TryAcquire() {
		t.Fatal("no more tokens should be available")
	}
}

func TestObserver(t *testing.T) {
	obs := &countingObserver{}
	b, _ := NewPerWindow(1, time.Hour, WithObserver(obs), WithName("toggle"), WithClock(clock.NewManual(0)))
	b.TryAcquire()
	b.TryAcquire()
	b.TryAcquire()
	if obs.admitted.Load() != 1 || obs.rejected.Load() != 2 {
		t.Fatalf("admitted=%d rejected=%d", obs.admitted.Load(), obs.rejected.Load())
	}
	if b.Name() != "toggle" {
		t.Fatalf("Name() = %q", b.Name())
	}
}

func TestConcurrentAcquireNeverOveradmits(t *testing.T) {
	clk := clock.NewManual(0)
	b, _ := NewRate(1, 100, WithClock(clk))

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if b.TryAcquire() {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	if got := admitted.Load(); got != 100 {
		t.Fatalf("admitted %d, want exactly 100", got)
	}
}

func TestString(t *testing.T) {
	b, _ := NewPerWindow(2, time.Second, WithName("chat"))
	if s := b.String(); s == "" {
		t.Fatal("String() should not be empty")
	}
	if b.Capacity() != 2 {
		t.Fatalf("Capacity() = %v", b.Capacity())
	}
}
