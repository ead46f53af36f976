package services

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Limits is the limits file:
//
//	[limiter.toggle]
//	permits = 2
//	window = "1s"
//
//	[cache.permissions]
//	ttl = "30s"
//	sweep_every = 1200
type Limits struct {
	Limiters map[string]LimiterLimits `toml:"limiter"`
	Caches   map[string]CacheLimits   `toml:"cache"`
}

type LimiterLimits struct {
	Permits int      `toml:"permits"`
	Window  Duration `toml:"window"`
}

type CacheLimits struct {
	TTL        Duration `toml:"ttl"`
	SweepEvery int64    `toml:"sweep_every"`
}

// Duration decodes Go duration strings such as "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// LoadLimits reads a limits file from path.
func LoadLimits(path string) (Limits, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, fmt.Errorf("failed to read limits file: %w", err)
	}
	return ParseLimits(string(content))
}

func ParseLimits(content string) (Limits, error) {
	var l Limits
	md, err := toml.Decode(content, &l)
	if err != nil {
		return Limits{}, fmt.Errorf("failed to parse limits: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Limits{}, fmt.Errorf("unknown keys in limits: %v", undecoded)
	}
	return l, nil
}

// Apply creates every configured limiter and records cache specs for
// CacheSpec. Limiters that already exist keep their configuration.
func (s *Services) Apply(l Limits) error {
	for name, ll := range l.Limiters {
		if _, err := s.Limiter(name, ll.Permits, ll.Window.Duration); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, cl := range l.Caches {
		if cl.TTL.Duration <= 0 {
			return fmt.Errorf("cache %q: ttl must be > 0", name)
		}
		s.specs[name] = CacheSpec{TTL: cl.TTL.Duration, SweepEvery: cl.SweepEvery}
	}
	return nil
}
