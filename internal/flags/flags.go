// Package flags holds the runtime switchboard: the system enable flag, debug
// mode and feature toggles, fetched from a Source and swapped atomically.
//
// The enable flag gates event dispatch. Reload and Reset do nothing while the
// system is disabled.
package flags

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/tickkit/internal/events"
	"github.com/keithlinneman/tickkit/internal/log"
	"github.com/keithlinneman/tickkit/internal/retry"
)

const (
	reloadAttempts = 3
	reloadDelay    = 50 * time.Millisecond
)

// ErrDisabled is returned by Reload and Reset while the system is disabled.
var ErrDisabled = errors.New("flags: system disabled")

type Store struct {
	src      Source
	disp     *events.Dispatcher
	retry    *retry.Executor
	logger   log.Logger
	defaults Settings
	// featureDefaults answer Feature for names the document does not mention
	featureDefaults map[string]bool

	cur atomic.Pointer[Settings]
	// mu serializes writers; readers only load cur
	mu sync.Mutex
}

type Option func(*Store)

func WithLogger(l log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRetry sets the executor used for fetches and writes.
func WithRetry(e *retry.Executor) Option {
	return func(s *Store) {
		if e != nil {
			s.retry = e
		}
	}
}

// WithFeatureDefaults sets the answer for features a document leaves out.
func WithFeatureDefaults(m map[string]bool) Option {
	return func(s *Store) { s.featureDefaults = maps.Clone(m) }
}

// WithInitial sets the settings in force before the first Reload.
func WithInitial(st Settings) Option {
	return func(s *Store) { s.defaults = st.clone() }
}

// New builds a Store and installs its Enabled check as disp's gate and its
// Debug switch as disp's verbose switch.
func New(src Source, disp *events.Dispatcher, opts ...Option) *Store {
	s := &Store{
		src:      src,
		disp:     disp,
		retry:    retry.New(),
		logger:   log.Nop(),
		defaults: Defaults(),
	}
	for _, o := range opts {
		o(s)
	}
	initial := s.defaults.clone()
	s.cur.Store(&initial)
	if disp != nil {
		disp.SetGate(s.Enabled)
		disp.SetVerbose(s.Debug)
	}
	return s
}

// Enabled reports the system enable flag.
func (s *Store) Enabled(context.Context) bool { return s.cur.Load().SystemEnabled }

// Debug reports debug mode, which raises skipped-dispatch lines to info.
func (s *Store) Debug() bool { return s.cur.Load().Debug }

// Feature reports a feature toggle, falling back to the feature defaults and
// then to false.
func (s *Store) Feature(name string) bool {
	if v, ok := s.cur.Load().Features[name]; ok {
		return v
	}
	return s.featureDefaults[name]
}

// Snapshot returns a copy of the current settings.
func (s *Store) Snapshot() Settings { return s.cur.Load().clone() }

// Source names where settings come from.
func (s *Store) Source() string { return s.src.Name() }

// Load fetches settings once without the enable check or a notification.
// Used at startup.
func (s *Store) Load(ctx context.Context) error {
	st, err := retry.Call(ctx, s.retry, "flags load", reloadAttempts, reloadDelay, s.src.Fetch)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.swap(st)
	s.mu.Unlock()
	return nil
}

// Reload fetches settings from the source, swaps them in and dispatches
// ConfigReloaded. It retries the fetch and blocks while doing so, so call it
// off the owner loop.
func (s *Store) Reload(ctx context.Context) error {
	if !s.Enabled(ctx) {
		s.logger.Debug(ctx, "reload skipped, system disabled")
		return ErrDisabled
	}
	st, err := retry.Call(ctx, s.retry, "flags reload", reloadAttempts, reloadDelay, s.src.Fetch)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.swap(st)
	s.mu.Unlock()

	s.logger.Info(ctx, "settings reloaded", "source", s.src.Name(), "system_enabled", st.SystemEnabled)
	s.dispatch(ctx, events.ConfigReloaded{Source: s.src.Name()})
	return nil
}

// Reset restores the initial settings, writing them to the source when it is a
// Writer, and dispatches ConfigReset.
func (s *Store) Reset(ctx context.Context) error {
	if !s.Enabled(ctx) {
		s.logger.Debug(ctx, "reset skipped, system disabled")
		return ErrDisabled
	}
	st := s.defaults.clone()
	if err := s.write(ctx, "flags reset", st); err != nil {
		return err
	}
	s.mu.Lock()
	s.swap(st)
	s.mu.Unlock()

	s.logger.Info(ctx, "settings reset", "source", s.src.Name())
	s.dispatch(ctx, events.ConfigReset{Source: s.src.Name()})
	return nil
}

// SetEnabled changes the enable flag. The new state is persisted first; if
// that fails nothing changes and nothing is dispatched. SystemToggled then goes
// out before the swap, so owner-loop subscribers run while the old state still
// holds and an enable coming from the disabled state is not announced.
//
// Subscribers may read the Store but must not call its mutators.
func (s *Store) SetEnabled(ctx context.Context, v bool) error {
	_, err := s.setEnabled(ctx, func(bool) bool { return v })
	return err
}

// Toggle flips the enable flag and returns the value now in force.
func (s *Store) Toggle(ctx context.Context) (bool, error) {
	return s.setEnabled(ctx, func(old bool) bool { return !old })
}

// setEnabled does the read, write, dispatch and swap under mu so concurrent
// toggles serialize.
func (s *Store) setEnabled(ctx context.Context, next func(old bool) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cur.Load()
	st := old.clone()
	st.SystemEnabled = next(old.SystemEnabled)
	if err := s.write(ctx, "flags toggle", st); err != nil {
		return old.SystemEnabled, err
	}
	s.dispatch(ctx, events.SystemToggled{Old: old.SystemEnabled, New: st.SystemEnabled})
	s.swap(st)
	s.logger.Info(ctx, "system enabled changed", "old", old.SystemEnabled, "new", st.SystemEnabled)
	return st.SystemEnabled, nil
}

// swap installs st; callers hold mu
func (s *Store) swap(st Settings) {
	st = st.clone()
	s.cur.Store(&st)
}

func (s *Store) write(ctx context.Context, op string, st Settings) error {
	w, ok := s.src.(Writer)
	if !ok {
		return nil
	}
	return s.retry.Run(ctx, op, reloadAttempts, reloadDelay, func(ctx context.Context) error {
		return w.Write(ctx, st)
	})
}

func (s *Store) dispatch(ctx context.Context, n events.Notification) {
	if s.disp != nil {
		s.disp.Dispatch(ctx, n)
	}
}
