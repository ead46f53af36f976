// Package host is a reference owner loop: one goroutine that advances in
// discrete ticks and runs queued work in order, plus a worker pool for work
// that must stay off it.
//
// The scheduler package only needs the scheduler.Host interface; Loop is the
// implementation cmd/tickhost runs and tests pump by hand.
package host

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/tickkit/internal/log"
)

const DefaultTickInterval = 50 * time.Millisecond

// Task is a unit of host work. The context is owner-marked when the task runs
// on the owner loop. Task and Cancel are aliases so Loop satisfies interfaces
// written against plain func types.
type Task = func(ctx context.Context)

// Cancel stops a repeating task. Calling it more than once is harmless.
type Cancel = func()

// Observer is implemented by the metrics package.
type Observer interface {
	TickObserved(d time.Duration, queued int)
	HostTaskPanicked(where string)
}

type Loop struct {
	interval time.Duration
	workers  int
	logger   log.Logger
	observer Observer

	pending pending
	tick    atomic.Uint64
	// lastTick is unix nanos of the last completed tick
	lastTick atomic.Int64

	work    chan *job
	running atomic.Bool
	// workCtx is the context async tasks run with, replaced by Run
	workMu  sync.RWMutex
	workCtx context.Context
	wg      sync.WaitGroup
}

type Option func(*Loop)

func WithTickInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithWorkers sets the size of the async worker pool.
func WithWorkers(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.workers = n
		}
	}
}

func WithLogger(lg log.Logger) Option {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observer = o }
}

func New(opts ...Option) *Loop {
	l := &Loop{
		interval: DefaultTickInterval,
		workers:  runtime.GOMAXPROCS(0),
		logger:   log.Nop(),
		workCtx:  context.Background(),
	}
	for _, o := range opts {
		o(l)
	}
	l.work = make(chan *job, l.workers*64)
	return l
}

// RunNow queues task for the next tick. Tasks queued by one goroutine run in
// the order they were queued. Never blocks.
func (l *Loop) RunNow(task Task) {
	l.pending.push(&job{task: task})
}

// RunAfter runs task on the owner loop once, ticks ticks from now.
func (l *Loop) RunAfter(task Task, ticks uint64) {
	l.pending.schedule(&job{task: task}, l.due(ticks))
}

// RunRepeating runs task on the owner loop after initial ticks, then every
// period ticks until cancelled.
func (l *Loop) RunRepeating(task Task, initial, period uint64) Cancel {
	return l.repeat(task, false, initial, period)
}

// RunAsync hands task to the worker pool right away.
func (l *Loop) RunAsync(task Task) {
	l.submit(&job{task: task, async: true})
}

// RunAsyncAfter hands task to the worker pool ticks ticks from now.
func (l *Loop) RunAsyncAfter(task Task, ticks uint64) {
	l.pending.schedule(&job{task: task, async: true}, l.due(ticks))
}

// RunAsyncRepeating is RunRepeating for the worker pool. The owner loop only
// times the runs, it never executes them.
func (l *Loop) RunAsyncRepeating(task Task, initial, period uint64) Cancel {
	return l.repeat(task, true, initial, period)
}

func (l *Loop) repeat(task Task, async bool, initial, period uint64) Cancel {
	if period == 0 {
		period = 1
	}
	j := &job{task: task, async: async, period: period}
	l.pending.schedule(j, l.due(initial))
	return func() { j.cancelled.Store(true) }
}

// due converts a delay into an absolute tick. A zero delay means next tick.
func (l *Loop) due(ticks uint64) uint64 {
	if ticks == 0 {
		ticks = 1
	}
	return l.tick.Load() + ticks
}

// Ticks is the number of ticks run so far.
func (l *Loop) Ticks() uint64 { return l.tick.Load() }

// LastTick is when the last tick finished, zero before the first one.
func (l *Loop) LastTick() time.Time {
	ns := l.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Queued is the number of owner jobs waiting, ready or delayed.
func (l *Loop) Queued() int { return l.pending.depth() }

// Tick advances the loop by one tick and runs everything due. It must only be
// called from one goroutine at a time; that goroutine is the owner loop.
func (l *Loop) Tick(ctx context.Context) {
	start := time.Now()
	now := l.tick.Add(1)
	owner := markOwner(ctx, l)

	for _, j := range l.pending.take(now) {
		if j.cancelled.Load() {
			continue
		}
		if j.async {
			l.submit(j.oneShot())
		} else {
			l.runGuarded(owner, j.task, "owner")
		}
		if j.period > 0 && !j.cancelled.Load() {
			l.pending.schedule(j, now+j.period)
		}
	}

	l.lastTick.Store(time.Now().UnixNano())
	if l.observer != nil {
		l.observer.TickObserved(time.Since(start), l.pending.depth())
	}
}

// Run starts the worker pool and ticks every interval until ctx is done. It
// returns once every worker has exited.
func (l *Loop) Run(ctx context.Context) error {
	l.start(ctx)
	defer l.stop()

	l.logger.Info(ctx, "owner loop started", "tick_interval", l.interval, "workers", l.workers)
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info(ctx, "owner loop stopping", "ticks", l.tick.Load())
			return nil
		case <-t.C:
			l.Tick(ctx)
		}
	}
}

func (l *Loop) start(ctx context.Context) {
	l.workMu.Lock()
	l.workCtx = StripOwner(ctx)
	l.workMu.Unlock()

	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.worker(ctx)
	}
	l.running.Store(true)
}

func (l *Loop) stop() {
	l.running.Store(false)
	l.wg.Wait()
	l.workMu.Lock()
	l.workCtx = context.Background()
	l.workMu.Unlock()
}

func (l *Loop) worker(ctx context.Context) {
	defer l.wg.Done()
	wctx := StripOwner(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-l.work:
			l.runGuarded(wctx, j.task, "worker")
		}
	}
}

// submit never blocks: a full queue or a stopped pool gets a fresh goroutine
func (l *Loop) submit(j *job) {
	if l.running.Load() {
		select {
		case l.work <- j:
			return
		default:
		}
	}
	l.workMu.RLock()
	ctx := l.workCtx
	l.workMu.RUnlock()
	go l.runGuarded(ctx, j.task, "worker")
}

// oneShot is the single run a repeating async job hands to the pool
func (j *job) oneShot() *job {
	if j.period == 0 {
		return j
	}
	return &job{task: j.task, async: true}
}

func (l *Loop) runGuarded(ctx context.Context, task Task, where string) {
	defer func() {
		if r := recover(); r != nil {
			if l.observer != nil {
				l.observer.HostTaskPanicked(where)
			}
			l.logger.Error(ctx, fmt.Errorf("panic: %v", r), "host task panicked", "where", where)
		}
	}()
	task(ctx)
}
