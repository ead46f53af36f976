package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/keithlinneman/tickkit/internal/log"
)

// Subscriber receives every published notification.
type Subscriber func(ctx context.Context, n Notification)

// Bus is an in-memory Publisher. Subscribers run synchronously, in
// subscription order, on the publishing goroutine.
type Bus struct {
	logger log.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

type subscription struct {
	id uint64
	fn Subscriber
}

func NewBus(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.Nop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers fn and returns a func that removes it.
func (b *Bus) Subscribe(fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish calls every subscriber. A panicking subscriber is logged and the
// rest still run.
func (b *Bus) Publish(ctx context.Context, n Notification) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(ctx, s.fn, n)
	}
}

func (b *Bus) deliver(ctx context.Context, fn Subscriber, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(ctx, fmt.Errorf("panic: %v", r), "subscriber panicked", "kind", n.Kind())
		}
	}()
	fn(ctx, n)
}
