// Package events delivers notifications to subscribers on the owner loop only.
package events

import (
	"context"
	"sync"

	"github.com/keithlinneman/tickkit/internal/log"
	"github.com/keithlinneman/tickkit/internal/scheduler"
)

// Notification is a structured event. Kind names it in logs and metrics.
type Notification interface {
	Kind() string
}

// Publisher is the host event bus. Publish is only ever called on the owner loop.
type Publisher interface {
	Publish(ctx context.Context, n Notification)
}

// Gate reports whether dispatch is currently allowed. It is resolved on every
// Dispatch call, not when the Dispatcher is built.
type Gate func(ctx context.Context) bool

// Observer is implemented by the metrics package.
type Observer interface {
	Dispatched(kind string)
	Skipped(kind string)
}

type Dispatcher struct {
	sched    *scheduler.Scheduler
	pub      Publisher
	logger   log.Logger
	observer Observer

	mu   sync.RWMutex
	gate Gate
	// verbose raises the skip line from debug to info
	verbose func() bool
}

type Option func(*Dispatcher)

// WithGate sets the enable check. Without one every notification is delivered.
func WithGate(g Gate) Option {
	return func(d *Dispatcher) { d.gate = g }
}

func WithLogger(l log.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

func New(sched *scheduler.Scheduler, pub Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sched:  sched,
		pub:    pub,
		logger: log.Nop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetGate replaces the enable check. Used when the gate's owner is built after
// the dispatcher.
func (d *Dispatcher) SetGate(g Gate) {
	d.mu.Lock()
	d.gate = g
	d.mu.Unlock()
}

// SetVerbose installs the switch that raises "dispatch skipped" lines to
// info level, so they show without running the whole process at debug.
func (d *Dispatcher) SetVerbose(fn func() bool) {
	d.mu.Lock()
	d.verbose = fn
	d.mu.Unlock()
}

// Enabled resolves the gate now.
func (d *Dispatcher) Enabled(ctx context.Context) bool {
	d.mu.RLock()
	g := d.gate
	d.mu.RUnlock()
	return g == nil || g(ctx)
}

// Dispatch publishes n on the owner loop: inline when ctx is already there,
// otherwise on the next tick. It returns false, without publishing, when the
// gate is closed at the time of the call.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) bool {
	if !d.Enabled(ctx) {
		d.logSkipped(ctx, n)
		if d.observer != nil {
			d.observer.Skipped(n.Kind())
		}
		return false
	}
	d.sched.RunOnOwner(ctx, func(ctx context.Context) error {
		d.pub.Publish(ctx, n)
		if d.observer != nil {
			d.observer.Dispatched(n.Kind())
		}
		return nil
	})
	return true
}

func (d *Dispatcher) logSkipped(ctx context.Context, n Notification) {
	d.mu.RLock()
	verbose := d.verbose
	d.mu.RUnlock()
	if verbose != nil && verbose() {
		d.logger.Info(ctx, "dispatch skipped, system disabled", "kind", n.Kind())
		return
	}
	d.logger.Debug(ctx, "dispatch skipped, system disabled", "kind", n.Kind())
}
