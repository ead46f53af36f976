// Package scheduler confines work to the host's owner loop, or keeps it off
// it, from whatever goroutine the caller is on.
//
// Every task runs inside a guard: a returned error or a panic is logged and
// counted, and never reaches the host or stops later runs.
package scheduler

import (
	"context"
	"fmt"

	"github.com/keithlinneman/tickkit/internal/log"
)

// Host is the owner loop capability. IsOwner reports whether ctx belongs to a
// task currently running on the owner loop. Delays and periods are in ticks.
type Host interface {
	IsOwner(ctx context.Context) bool
	RunNow(task func(context.Context))
	RunAfter(task func(context.Context), ticks uint64)
	RunRepeating(task func(context.Context), initial, period uint64) (cancel func())
	RunAsync(task func(context.Context))
	RunAsyncAfter(task func(context.Context), ticks uint64)
	RunAsyncRepeating(task func(context.Context), initial, period uint64) (cancel func())
}

// Task is scheduled work. A non-nil error is logged; it never cancels a
// repeating task.
type Task func(ctx context.Context) error

// Observer is implemented by the metrics package. kind is "owner" or "worker".
type Observer interface {
	TaskStarted(kind string)
	TaskFailed(kind string)
	TaskPanicked(kind string)
}

const (
	kindOwner  = "owner"
	kindWorker = "worker"
)

type Scheduler struct {
	host     Host
	logger   log.Logger
	observer Observer
}

type Option func(*Scheduler)

func WithLogger(l log.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New wraps host. The logger defaults to the one carried by ctx.
func New(ctx context.Context, host Host, opts ...Option) *Scheduler {
	s := &Scheduler{
		host:   host,
		logger: log.FromContext(ctx).With("component", "scheduler"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// IsOwner reports whether ctx is running on the owner loop.
func (s *Scheduler) IsOwner(ctx context.Context) bool { return s.host.IsOwner(ctx) }

// RunOnOwner runs task before returning when ctx is already on the owner loop,
// otherwise queues it for the next tick. Tasks queued from one goroutine run in
// submission order.
func (s *Scheduler) RunOnOwner(ctx context.Context, task Task) *Handle {
	h := newHandle(false)
	if s.host.IsOwner(ctx) {
		s.runOnce(ctx, h, kindOwner, task)
		return h
	}
	s.host.RunNow(func(ctx context.Context) { s.runOnce(ctx, h, kindOwner, task) })
	return h
}

// RunOnOwnerAfter runs task once on the owner loop after at least delayTicks
// ticks. Delays below 1 become 1.
func (s *Scheduler) RunOnOwnerAfter(task Task, delayTicks int64) *Handle {
	h := newHandle(false)
	s.host.RunAfter(func(ctx context.Context) { s.runOnce(ctx, h, kindOwner, task) }, floor(delayTicks))
	return h
}

// RunOnWorker runs task on a worker goroutine, never on the owner loop.
func (s *Scheduler) RunOnWorker(task Task) *Handle {
	h := newHandle(false)
	s.host.RunAsync(func(ctx context.Context) { s.runOnce(ctx, h, kindWorker, task) })
	return h
}

// RunOnWorkerAfter runs task on a worker after at least delayTicks ticks.
func (s *Scheduler) RunOnWorkerAfter(task Task, delayTicks int64) *Handle {
	h := newHandle(false)
	s.host.RunAsyncAfter(func(ctx context.Context) { s.runOnce(ctx, h, kindWorker, task) }, floor(delayTicks))
	return h
}

// RepeatOnOwner runs task on the owner loop after initialDelay ticks, then
// every period ticks until the handle is cancelled. Both floor to 1.
func (s *Scheduler) RepeatOnOwner(task Task, initialDelay, period int64) *Handle {
	h := newHandle(true)
	h.setCancel(s.host.RunRepeating(func(ctx context.Context) { s.runRepeat(ctx, h, kindOwner, task) },
		floor(initialDelay), floor(period)))
	return h
}

// RepeatOnWorker is RepeatOnOwner for worker goroutines.
func (s *Scheduler) RepeatOnWorker(task Task, initialDelay, period int64) *Handle {
	h := newHandle(true)
	h.setCancel(s.host.RunAsyncRepeating(func(ctx context.Context) { s.runRepeat(ctx, h, kindWorker, task) },
		floor(initialDelay), floor(period)))
	return h
}

func (s *Scheduler) runOnce(ctx context.Context, h *Handle, kind string, task Task) {
	if !h.begin() {
		return
	}
	s.guard(ctx, h, kind, task)
	h.finish(true)
}

func (s *Scheduler) runRepeat(ctx context.Context, h *Handle, kind string, task Task) {
	// the host may fire once more after Cancel; begin refuses it
	if !h.begin() {
		return
	}
	s.guard(ctx, h, kind, task)
	h.finish(false)
}

func (s *Scheduler) guard(ctx context.Context, h *Handle, kind string, task Task) {
	if s.observer != nil {
		s.observer.TaskStarted(kind)
	}
	defer func() {
		if r := recover(); r != nil {
			if s.observer != nil {
				s.observer.TaskPanicked(kind)
			}
			s.logger.Error(ctx, fmt.Errorf("panic: %v", r), "scheduled task panicked",
				"kind", kind, "task_id", h.ID().String(), "run", h.Runs())
		}
	}()
	if err := task(ctx); err != nil {
		if s.observer != nil {
			s.observer.TaskFailed(kind)
		}
		s.logger.Error(ctx, err, "scheduled task failed",
			"kind", kind, "task_id", h.ID().String(), "run", h.Runs())
	}
}

func floor(ticks int64) uint64 {
	if ticks < 1 {
		return 1
	}
	return uint64(ticks)
}
