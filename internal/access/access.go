// Package access memoizes permission checks against the host's permission
// backend. Denials are cached too.
package access

import (
	"context"

	"github.com/keithlinneman/tickkit/internal/cache"
)

// Resolver is the host permission backend.
type Resolver interface {
	HasPermission(ctx context.Context, subject, node string) (bool, error)
}

// Key identifies one cached answer.
type Key struct {
	Subject, Node string
}

// Checker holds no state of its own; everything it remembers lives in the
// cache, so expiry and sweeping reclaim it.
type Checker struct {
	resolver Resolver
	cache    *cache.Cache[Key, bool]
}

// New returns a Checker storing answers in c, which sets the TTL.
func New(r Resolver, c *cache.Cache[Key, bool]) *Checker {
	return &Checker{resolver: r, cache: c}
}

// Allowed answers from the cache or asks the resolver. Resolver errors are
// returned and nothing is cached.
func (c *Checker) Allowed(ctx context.Context, subject, node string) (bool, error) {
	return c.cache.GetOrLoad(Key{Subject: subject, Node: node}, func(k Key) (bool, error) {
		return c.resolver.HasPermission(ctx, k.Subject, k.Node)
	})
}

// Forget drops every cached answer for subject.
func (c *Checker) Forget(subject string) {
	c.cache.InvalidateFunc(func(k Key) bool { return k.Subject == subject })
}

// ForgetAll drops every cached answer.
func (c *Checker) ForgetAll() {
	c.cache.InvalidateAll()
}
