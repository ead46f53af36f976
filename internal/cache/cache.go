// Package cache provides a thread-safe key/value cache whose entries expire a
// fixed time after they were written.
//
// Expiry is lazy: a stale entry is dropped when a read finds it. Sweep can be
// called periodically to reclaim entries nobody reads again.
package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keithlinneman/tickkit/internal/clock"
)

var ErrInvalidTTL = errors.New("cache: ttl must be > 0")

// Observer is implemented by the metrics package.
type Observer interface {
	Hit(cache string)
	Miss(cache string)
	LoadError(cache string)
	Evicted(cache string, n int)
}

type entry[V any] struct {
	value     V
	expiresAt int64
}

// Cache maps K to V with a single TTL applied at write time.
// The zero value is not usable, use New.
type Cache[K comparable, V any] struct {
	name     string
	ttl      int64
	clk      clock.Clock
	observer Observer

	mu      sync.Mutex
	entries map[K]*entry[V]
}

type config struct {
	name     string
	clk      clock.Clock
	observer Observer
}

type Option func(*config)

func WithClock(c clock.Clock) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.clk = c
		}
	}
}

// WithName labels the cache for metrics.
func WithName(name string) Option {
	return func(cfg *config) { cfg.name = name }
}

func WithObserver(o Observer) Option {
	return func(cfg *config) { cfg.observer = o }
}

// New returns an empty cache. ttl must be positive.
func New[K comparable, V any](ttl time.Duration, opts ...Option) (*Cache[K, V], error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("%w (ttl=%s)", ErrInvalidTTL, ttl)
	}
	cfg := config{clk: clock.System()}
	for _, o := range opts {
		o(&cfg)
	}
	return &Cache[K, V]{
		name:     cfg.name,
		ttl:      int64(ttl),
		clk:      cfg.clk,
		observer: cfg.observer,
		entries:  make(map[K]*entry[V]),
	}, nil
}

// Get returns the value for key if present and not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lookup(key)
	if c.observer != nil {
		if ok {
			c.observer.Hit(c.name)
		} else {
			c.observer.Miss(c.name)
		}
	}
	return v, ok
}

// GetOrLoad returns the cached value for key, or calls loader once and caches
// its result. A loader error is returned unchanged and nothing is cached.
//
// Concurrent misses on the same key may each call their loader; the last
// write wins.
func (c *Cache[K, V]) GetOrLoad(key K, loader func(K) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := loader(key)
	if err != nil {
		if c.observer != nil {
			c.observer.LoadError(c.name)
		}
		var zero V
		return zero, err
	}
	c.Put(key, v)
	return v, nil
}

// GetOrCompute is GetOrLoad for suppliers that do not need the key.
func (c *Cache[K, V]) GetOrCompute(key K, supplier func() (V, error)) (V, error) {
	return c.GetOrLoad(key, func(K) (V, error) { return supplier() })
}

// Put stores value under key, replacing any previous entry and its expiry.
func (c *Cache[K, V]) Put(key K, value V) {
	e := &entry[V]{value: value, expiresAt: c.clk.Now() + c.ttl}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// InvalidateFunc drops every entry whose key matches and returns how many
// were removed.
func (c *Cache[K, V]) InvalidateFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len counts stored entries, including expired ones not yet reclaimed.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Name is the label given with WithName.
func (c *Cache[K, V]) Name() string { return c.name }

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache[K, V]) Sweep() int {
	now := c.clk.Now()
	c.mu.Lock()
	n := 0
	for k, e := range c.entries {
		if now > e.expiresAt {
			delete(c.entries, k)
			n++
		}
	}
	c.mu.Unlock()
	if n > 0 && c.observer != nil {
		c.observer.Evicted(c.name, n)
	}
	return n
}

// lookup reads key and drops it if stale. Read and delete share one critical
// section, so a concurrent Put of a fresh value is never removed.
func (c *Cache[K, V]) lookup(key K) (V, bool) {
	var zero V
	now := c.clk.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return zero, false
	}
	if now <= e.expiresAt {
		c.mu.Unlock()
		return e.value, true
	}
	delete(c.entries, key)
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.Evicted(c.name, 1)
	}
	return zero, false
}
