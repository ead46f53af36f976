package host

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recorder collects task labels in run order
type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) task(label string) Task {
	return func(context.Context) {
		r.mu.Lock()
		r.got = append(r.got, label)
		r.mu.Unlock()
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunNow_FIFO(t *testing.T) {
	l := New()
	r := &recorder{}
	for _, s := range []string{"a", "b", "c", "d"} {
		l.RunNow(r.task(s))
	}
	if len(r.snapshot()) != 0 {
		t.Fatal("nothing runs before a tick")
	}
	l.Tick(context.Background())
	if got := r.snapshot(); !equal(got, []string{"a", "b", "c", "d"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestIsOwner(t *testing.T) {
	l := New()
	other := New()
	ctx := context.Background()
	if l.IsOwner(ctx) {
		t.Fatal("plain context is not the owner")
	}
	if l.IsOwner(nil) {
		t.Fatal("nil context is not the owner")
	}

	var onOwner, onOther, stripped atomic.Bool
	l.RunNow(func(ctx context.Context) {
		onOwner.Store(l.IsOwner(ctx))
		onOther.Store(other.IsOwner(ctx))
		stripped.Store(l.IsOwner(StripOwner(ctx)))
	})
	l.Tick(ctx)
	if !onOwner.Load() {
		t.Fatal("owner task should see an owner context")
	}
	if onOther.Load() {
		t.Fatal("a different loop must not claim ownership")
	}
	if stripped.Load() {
		t.Fatal("StripOwner should drop the mark")
	}
}

func TestTasksQueuedDuringTickWaitForNextTick(t *testing.T) {
	l := New()
	r := &recorder{}
	l.RunNow(func(ctx context.Context) {
		r.task("outer")(ctx)
		l.RunNow(r.task("inner"))
	})
	l.Tick(context.Background())
	if got := r.snapshot(); !equal(got, []string{"outer"}) {
		t.Fatalf("after tick 1 = %v", got)
	}
	l.Tick(context.Background())
	if got := r.snapshot(); !equal(got, []string{"outer", "inner"}) {
		t.Fatalf("after tick 2 = %v", got)
	}
}

func TestRunAfter(t *testing.T) {
	l := New()
	r := &recorder{}
	l.RunAfter(r.task("three"), 3)
	l.RunAfter(r.task("one"), 1)
	l.RunAfter(r.task("zero"), 0)
	l.RunAfter(r.task("one-b"), 1)

	ctx := context.Background()
	l.Tick(ctx)
	if got := r.snapshot(); !equal(got, []string{"one", "zero", "one-b"}) {
		t.Fatalf("tick 1 = %v", got)
	}
	l.Tick(ctx)
	if len(r.snapshot()) != 3 {
		t.Fatal("nothing due on tick 2")
	}
	l.Tick(ctx)
	if got := r.snapshot(); !equal(got, []string{"one", "zero", "one-b", "three"}) {
		t.Fatalf("tick 3 = %v", got)
	}
}

func TestRunRepeating(t *testing.T) {
	l := New()
	var runs atomic.Int32
	cancel := l.RunRepeating(func(context.Context) { runs.Add(1) }, 2, 3)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		l.Tick(ctx)
	}
	// due at ticks 2, 5, 8
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	cancel()
	cancel()
	for i := 0; i < 10; i++ {
		l.Tick(ctx)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs after cancel = %d, want 3", runs.Load())
	}
	if l.Queued() != 0 {
		t.Fatalf("cancelled job should leave the queue, Queued() = %d", l.Queued())
	}
}

func TestPanicDoesNotStopLoop(t *testing.T) {
	l := New()
	r := &recorder{}
	l.RunNow(func(context.Context) { panic("boom") })
	l.RunNow(r.task("after"))
	l.Tick(context.Background())
	if got := r.snapshot(); !equal(got, []string{"after"}) {
		t.Fatalf("got %v", got)
	}

	var runs atomic.Int32
	l.RunRepeating(func(context.Context) {
		runs.Add(1)
		panic("every time")
	}, 1, 1)
	for i := 0; i < 3; i++ {
		l.Tick(context.Background())
	}
	if runs.Load() != 3 {
		t.Fatalf("panicking repeating task should keep running, runs = %d", runs.Load())
	}
}

func TestRunAsync_NotOwner(t *testing.T) {
	l := New(WithWorkers(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var ran, owner atomic.Bool
	l.RunAsync(func(ctx context.Context) {
		owner.Store(l.IsOwner(ctx))
		ran.Store(true)
	})
	waitFor(t, ran.Load)
	if owner.Load() {
		t.Fatal("async tasks must not run with an owner context")
	}
}

func TestRunAsync_WithoutRunUsesGoroutine(t *testing.T) {
	l := New()
	var ran atomic.Bool
	l.RunAsync(func(context.Context) { ran.Store(true) })
	waitFor(t, ran.Load)
}

func TestRunAsyncAfterAndRepeating(t *testing.T) {
	l := New()
	ctx := context.Background()

	var once, rep atomic.Int32
	l.RunAsyncAfter(func(context.Context) { once.Add(1) }, 2)
	cancel := l.RunAsyncRepeating(func(context.Context) { rep.Add(1) }, 1, 1)

	l.Tick(ctx)
	l.Tick(ctx)
	l.Tick(ctx)
	waitFor(t, func() bool { return once.Load() == 1 && rep.Load() == 3 })

	cancel()
	l.Tick(ctx)
	l.Tick(ctx)
	time.Sleep(20 * time.Millisecond)
	if rep.Load() != 3 {
		t.Fatalf("repeating async ran after cancel, runs = %d", rep.Load())
	}
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	l := New(WithTickInterval(2 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return l.Ticks() >= 3 })
	if l.LastTick().IsZero() {
		t.Fatal("LastTick should be set after ticking")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type tickObserver struct {
	ticks, panics atomic.Int32
}

func (o *tickObserver) TickObserved(time.Duration, int) { o.ticks.Add(1) }
func (o *tickObserver) HostTaskPanicked(string)         { o.panics.Add(1) }

func TestObserver(t *testing.T) {
	obs := &tickObserver{}
	l := New(WithObserver(obs))
	l.RunNow(func(context.Context) { panic("x") })
	l.Tick(context.Background())
	l.Tick(context.Background())
	if obs.ticks.Load() != 2 || obs.panics.Load() != 1 {
		t.Fatalf("ticks=%d panics=%d", obs.ticks.Load(), obs.panics.Load())
	}
}
