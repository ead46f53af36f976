// Package services is the application's explicit context: a type-keyed
// registry plus factories for named limiters and caches. The application root
// builds one and passes it down; nothing in tickkit keeps global state.
package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/keithlinneman/tickkit/internal/cache"
	"github.com/keithlinneman/tickkit/internal/clock"
	"github.com/keithlinneman/tickkit/internal/log"
	"github.com/keithlinneman/tickkit/internal/ratelimit"
	"github.com/keithlinneman/tickkit/internal/scheduler"
)

var (
	ErrNotRegistered = errors.New("services: not registered")
	ErrCacheExists   = errors.New("services: cache name already in use")
	ErrClosed        = errors.New("services: closed")
)

// sized is what Caches needs from a cache of any type
type sized interface {
	Len() int
}

type Services struct {
	sched  *scheduler.Scheduler
	logger log.Logger
	clk    clock.Clock

	limiterObserver ratelimit.Observer
	cacheObserver   cache.Observer

	mu       sync.RWMutex
	closed   bool
	registry map[reflect.Type]any
	limiters map[string]*ratelimit.TokenBucket
	caches   map[string]sized
	specs    map[string]CacheSpec
	sweepers []*scheduler.Handle
}

type Option func(*Services)

func WithLogger(l log.Logger) Option {
	return func(s *Services) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock is passed on to every limiter and cache created here.
func WithClock(c clock.Clock) Option {
	return func(s *Services) {
		if c != nil {
			s.clk = c
		}
	}
}

func WithLimiterObserver(o ratelimit.Observer) Option {
	return func(s *Services) { s.limiterObserver = o }
}

func WithCacheObserver(o cache.Observer) Option {
	return func(s *Services) { s.cacheObserver = o }
}

func New(ctx context.Context, sched *scheduler.Scheduler, opts ...Option) *Services {
	s := &Services{
		sched:    sched,
		logger:   log.FromContext(ctx),
		clk:      clock.System(),
		registry: make(map[reflect.Type]any),
		limiters: make(map[string]*ratelimit.TokenBucket),
		caches:   make(map[string]sized),
		specs:    make(map[string]CacheSpec),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Services) Scheduler() *scheduler.Scheduler { return s.sched }

func (s *Services) Logger() log.Logger { return s.logger }

// Register stores impl under the static type T, replacing any earlier value.
// Register[Store](s, impl) and Get[Store](s) must name the same T.
func Register[T any](s *Services, impl T) {
	key := reflect.TypeFor[T]()
	s.mu.Lock()
	_, replaced := s.registry[key]
	s.registry[key] = impl
	s.mu.Unlock()
	if replaced {
		s.logger.Debug(context.Background(), "service replaced", "type", key.String())
	}
}

// Get returns the value registered for T or ErrNotRegistered.
func Get[T any](s *Services) (T, error) {
	v, ok := Maybe[T](s)
	if !ok {
		return v, fmt.Errorf("%w: %s", ErrNotRegistered, reflect.TypeFor[T]())
	}
	return v, nil
}

// Maybe is Get without the error.
func Maybe[T any](s *Services) (T, bool) {
	s.mu.RLock()
	v, ok := s.registry[reflect.TypeFor[T]()]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false
	}
	t, _ := v.(T)
	return t, true
}

func IsRegistered[T any](s *Services) bool {
	_, ok := Maybe[T](s)
	return ok
}

// Limiter returns the named limiter, creating it with permits per window on
// first use. Later calls get the existing limiter whatever they pass.
func (s *Services) Limiter(name string, permits int, window time.Duration) (*ratelimit.TokenBucket, error) {
	s.mu.RLock()
	b, ok := s.limiters[name]
	s.mu.RUnlock()
	if ok {
		return b, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.limiters[name]; ok {
		return b, nil
	}
	b, err := ratelimit.NewPerWindow(permits, window,
		ratelimit.WithName(name),
		ratelimit.WithClock(s.clk),
		ratelimit.WithObserver(s.limiterObserver),
	)
	if err != nil {
		return nil, fmt.Errorf("limiter %q: %w", name, err)
	}
	s.limiters[name] = b
	return b, nil
}

// LimiterStatus is a diagnostics view of one named limiter.
type LimiterStatus struct {
	Name      string  `json:"name"`
	Available float64 `json:"available"`
	Capacity  float64 `json:"capacity"`
}

// Limiters lists named limiters sorted by name.
func (s *Services) Limiters() []LimiterStatus {
	s.mu.RLock()
	out := make([]LimiterStatus, 0, len(s.limiters))
	for name, b := range s.limiters {
		out = append(out, LimiterStatus{Name: name, Available: b.Available(), Capacity: b.Capacity()})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CacheSpec configures a named cache. SweepEvery is in ticks, zero disables
// sweeping so expiry stays lazy.
type CacheSpec struct {
	TTL        time.Duration
	SweepEvery int64
}

// CacheSpec returns the spec loaded for name by Apply, or fallback.
func (s *Services) CacheSpec(name string, fallback CacheSpec) CacheSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if spec, ok := s.specs[name]; ok {
		return spec
	}
	return fallback
}

// NewCache creates and registers a named cache. With SweepEvery > 0 a
// repeating worker task reclaims expired entries until Close.
func NewCache[K comparable, V any](s *Services, name string, spec CacheSpec) (*cache.Cache[K, V], error) {
	c, err := cache.New[K, V](spec.TTL,
		cache.WithName(name),
		cache.WithClock(s.clk),
		cache.WithObserver(s.cacheObserver),
	)
	if err != nil {
		return nil, fmt.Errorf("cache %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.caches[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrCacheExists, name)
	}
	s.caches[name] = c

	if spec.SweepEvery > 0 && s.sched != nil {
		h := s.sched.RepeatOnWorker(func(ctx context.Context) error {
			if n := c.Sweep(); n > 0 {
				s.logger.Debug(ctx, "cache swept", "cache", name, "removed", n)
			}
			return nil
		}, spec.SweepEvery, spec.SweepEvery)
		s.sweepers = append(s.sweepers, h)
	}
	return c, nil
}

// Caches returns the number of stored entries per named cache.
func (s *Services) Caches() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.caches))
	for name, c := range s.caches {
		out[name] = c.Len()
	}
	return out
}

// Close stops cache sweepers. Registered values are left alone.
func (s *Services) Close() {
	s.mu.Lock()
	sweepers := s.sweepers
	s.sweepers = nil
	s.closed = true
	s.mu.Unlock()

	for _, h := range sweepers {
		h.Cancel()
	}
}
