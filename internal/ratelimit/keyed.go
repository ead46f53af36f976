package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// subject tracks one key's limiter and last activity
type subject struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged marks that OnFirstDenied already fired, reset when the entry is evicted
	logged bool
}

// Keyed holds one token bucket per key and evicts keys idle longer than the TTL.
type Keyed struct {
	mu       sync.Mutex
	subjects map[string]*subject

	perSecond rate.Limit
	burst     int
	ttl       time.Duration
	// maxKeys bounds the map, zero means unbounded
	maxKeys int

	// OnFirstDenied fires once per key when it is first throttled
	OnFirstDenied func(key string)
	// OnDenied fires on every throttled call
	OnDenied func(key string)
	// OnCapacity fires when a new key is refused because the map is full
	OnCapacity func()

	now func() time.Time
}

type KeyedOption func(*Keyed)

// WithRate sets the per-key refill rate and bucket size.
// WithRate(0.2, 3) lets a key fire three times at once, then once every 5s.
func WithRate(perSecond float64, burst int) KeyedOption {
	return func(k *Keyed) {
		k.perSecond = rate.Limit(perSecond)
		k.burst = burst
	}
}

// WithTTL controls how long an idle key is kept.
func WithTTL(d time.Duration) KeyedOption {
	return func(k *Keyed) { k.ttl = d }
}

// WithMaxKeys caps tracked keys. New keys beyond the cap are denied until
// eviction frees room.
func WithMaxKeys(n int) KeyedOption {
	return func(k *Keyed) { k.maxKeys = n }
}

func WithOnFirstDenied(fn func(key string)) KeyedOption {
	return func(k *Keyed) { k.OnFirstDenied = fn }
}

func WithOnDenied(fn func(key string)) KeyedOption {
	return func(k *Keyed) { k.OnDenied = fn }
}

func WithOnCapacity(fn func()) KeyedOption {
	return func(k *Keyed) { k.OnCapacity = fn }
}

// NewKeyed creates a Keyed limiter and starts eviction, which stops when ctx is done.
func NewKeyed(ctx context.Context, opts ...KeyedOption) (*Keyed, error) {
	k := &Keyed{
		subjects:  make(map[string]*subject),
		perSecond: 1,
		burst:     3,
		ttl:       5 * time.Minute,
		now:       time.Now,
	}
	for _, o := range opts {
		o(k)
	}
	if !(k.perSecond > 0) {
		return nil, ErrInvalidRate
	}
	if k.burst <= 0 {
		return nil, ErrInvalidBurst
	}
	if k.ttl <= 0 {
		k.ttl = 5 * time.Minute
	}
	go k.evictLoop(ctx)
	return k, nil
}

// Allow reports whether key may proceed now, consuming one token if so.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	s, ok := k.subjects[key]
	if !ok {
		if k.maxKeys > 0 && len(k.subjects) >= k.maxKeys {
			k.mu.Unlock()
			if k.OnCapacity != nil {
				k.OnCapacity()
			}
			return false
		}
		s = &subject{limiter: rate.NewLimiter(k.perSecond, k.burst)}
		k.subjects[key] = s
	}
	now := k.now()
	s.lastSeen = now
	allowed := s.limiter.AllowN(now, 1)
	first := !allowed && !s.logged
	if first {
		s.logged = true
	}
	// hooks may be slow, run them outside the lock
	k.mu.Unlock()

	if allowed {
		return true
	}
	if first && k.OnFirstDenied != nil {
		k.OnFirstDenied(key)
	}
	if k.OnDenied != nil {
		k.OnDenied(key)
	}
	return false
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.subjects)
}

// evict drops keys idle for longer than the TTL and returns how many went
func (k *Keyed) evict(now time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := 0
	for key, s := range k.subjects {
		if now.Sub(s.lastSeen) > k.ttl {
			delete(k.subjects, key)
			n++
		}
	}
	return n
}

// evictLoop runs every TTL/2 so idle keys never outlive the TTL by much
func (k *Keyed) evictLoop(ctx context.Context) {
	interval := k.ttl / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			k.evict(now)
		}
	}
}
