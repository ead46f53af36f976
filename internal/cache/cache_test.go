package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/tickkit/internal/clock"
)

type recordingObserver struct {
	mu                                sync.Mutex
	hits, misses, loadErrs, evictions int
}

func (o *recordingObserver) Hit(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits++
}

func (o *recordingObserver) Miss(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.misses++
}

func (o *recordingObserver) LoadError(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadErrs++
}

func (o *recordingObserver) Evicted(_ string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evictions += n
}

func newTestCache[V any](t *testing.T, ttl time.Duration, opts ...Option) (*Cache[string, V], *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(0)
	c, err := New[string, V](ttl, append([]Option{WithClock(clk)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, clk
}

func TestNew_InvalidTTL(t *testing.T) {
	for _, ttl := range []time.Duration{0, -time.Second} {
		if _, err := New[string, int](ttl); !errors.Is(err, ErrInvalidTTL) {
			t.Fatalf("ttl %s: err = %v", ttl, err)
		}
	}
}

func TestGet_FreshThenExpired(t *testing.T) {
	c, clk := newTestCache[int](t, 100*time.Millisecond)
	c.Put("a", 1)

	clk.Advance(50 * time.Millisecond)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get at 50ms = %v, %v", v, ok)
	}

	// expiry is strictly after expiresAt
	clk.Advance(50 * time.Millisecond)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("entry should still be fresh exactly at expiry")
	}

	clk.Advance(time.Nanosecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("entry should be expired")
	}
	if c.Len() != 0 {
		t.Fatalf("stale entry should be removed on read, Len() = %d", c.Len())
	}
}

func TestGetOrLoad_CallsLoaderOnceOnMiss(t *testing.T) {
	c, clk := newTestCache[string](t, 100*time.Millisecond)
	var calls atomic.Int32
	loader := func(k string) (string, error) {
		calls.Add(1)
		return "v:" + k, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad("x", loader)
		if err != nil || v != "v:x" {
			t.Fatalf("GetOrLoad = %q, %v", v, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("loader called %d times, want 1", calls.Load())
	}

	clk.Advance(150 * time.Millisecond)
	c.GetOrLoad("x", loader)
	if calls.Load() != 2 {
		t.Fatalf("loader called %d times after expiry, want 2", calls.Load())
	}
}

func TestGetOrLoad_ErrorNotCached(t *testing.T) {
	obs := &recordingObserver{}
	c, _ := newTestCache[int](t, time.Minute, WithObserver(obs))
	boom := errors.New("backend down")

	_, err := c.GetOrLoad("k", func(string) (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, ok := c.Get("k"); ok {
		t.Fatal("failed load must not install a value")
	}

	v, err := c.GetOrLoad("k", func(string) (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("second load = %v, %v", v, err)
	}
	if obs.loadErrs != 1 {
		t.Fatalf("LoadError = %d, want 1", obs.loadErrs)
	}
}

func TestGetOrCompute(t *testing.T) {
	c, _ := newTestCache[int](t, time.Minute)
	n := 0
	supplier := func() (int, error) { n++; return 42, nil }
	c.GetOrCompute("a", supplier)
	v, _ := c.GetOrCompute("a", supplier)
	if v != 42 || n != 1 {
		t.Fatalf("v=%d supplier calls=%d", v, n)
	}
}

func TestZeroValuesAreCached(t *testing.T) {
	c, _ := newTestCache[bool](t, time.Minute)
	calls := 0
	for i := 0; i < 3; i++ {
		v, _ := c.GetOrLoad("denied", func(string) (bool, error) { calls++; return false, nil })
		if v {
			t.Fatal("want false")
		}
	}
	if calls != 1 {
		t.Fatalf("false result should be cached, loader calls = %d", calls)
	}

	p, _ := newTestCache[*int](t, time.Minute)
	p.Put("nil", nil)
	if v, ok := p.Get("nil"); !ok || v != nil {
		t.Fatalf("nil pointer should be a hit, got %v, %v", v, ok)
	}
}

func TestPutResetsExpiry(t *testing.T) {
	c, clk := newTestCache[int](t, 100*time.Millisecond)
	c.Put("a", 1)
	clk.Advance(80 * time.Millisecond)
	c.Put("a", 2)
	clk.Advance(80 * time.Millisecond)
	if v, ok := c.Get("a"); !ok || v != 2 {
		t.Fatalf("Get = %v, %v; want 2, true", v, ok)
	}
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache[int](t, time.Minute)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Invalidate("a")
	c.Invalidate("missing")
	if _, ok := c.Get("a"); ok {
		t.Fatal("a should be gone")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("b should remain")
	}
	c.InvalidateAll()
	if c.Len() != 0 {
		t.Fatalf("Len() = %d after InvalidateAll", c.Len())
	}
}

func TestInvalidateFunc(t *testing.T) {
	c, _ := newTestCache[int](t, time.Minute)
	c.Put("alice/a", 1)
	c.Put("alice/b", 2)
	c.Put("bob/a", 3)

	n := c.InvalidateFunc(func(k string) bool { return k[:5] == "alice" })
	if n != 2 {
		t.Fatalf("InvalidateFunc() = %d, want 2", n)
	}
	if _, ok := c.Get("bob/a"); !ok {
		t.Fatal("bob/a should remain")
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestSweep(t *testing.T) {
	obs := &recordingObserver{}
	c, clk := newTestCache[int](t, 100*time.Millisecond, WithObserver(obs), WithName("perm"))
	c.Put("old1", 1)
	c.Put("old2", 2)
	clk.Advance(60 * time.Millisecond)
	c.Put("new", 3)
	clk.Advance(60 * time.Millisecond)

	if n := c.Sweep(); n != 2 {
		t.Fatalf("Sweep() = %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	if n := c.Sweep(); n != 0 {
		t.Fatalf("second Sweep() = %d, want 0", n)
	}
	if obs.evictions != 2 {
		t.Fatalf("Evicted total = %d, want 2", obs.evictions)
	}
}

func TestObserverHitMiss(t *testing.T) {
	obs := &recordingObserver{}
	c, _ := newTestCache[int](t, time.Minute, WithObserver(obs))
	c.Get("a")
	c.Put("a", 1)
	c.Get("a")
	c.Get("a")
	if obs.hits != 2 || obs.misses != 1 {
		t.Fatalf("hits=%d misses=%d", obs.hits, obs.misses)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c, clk := newTestCache[int](t, time.Millisecond)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := string(rune('a' + i%5))
				c.Put(key, i)
				c.Get(key)
				c.GetOrLoad(key, func(string) (int, error) { return g, nil })
				if i%50 == 0 {
					clk.Advance(time.Millisecond)
					c.Sweep()
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 5 {
		t.Fatalf("Len() = %d, at most 5 keys exist", c.Len())
	}
}
