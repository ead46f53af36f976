// Package notify sends user-facing messages through the host, throttled per
// recipient and topic so repeated triggers do not flood anyone.
package notify

import (
	"context"

	"github.com/keithlinneman/tickkit/internal/log"
	"github.com/keithlinneman/tickkit/internal/ratelimit"
	"github.com/keithlinneman/tickkit/internal/scheduler"
)

// Messenger is the host's chat surface. Send must be called on the owner loop.
type Messenger interface {
	Send(ctx context.Context, recipient, text string) error
}

type Notifier struct {
	sched    *scheduler.Scheduler
	throttle *ratelimit.Keyed
	out      Messenger
	logger   log.Logger
}

func New(sched *scheduler.Scheduler, throttle *ratelimit.Keyed, out Messenger, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{sched: sched, throttle: throttle, out: out, logger: logger}
}

// Notify delivers text to recipient on the owner loop unless recipient was
// notified about topic too recently, in which case it returns false.
func (n *Notifier) Notify(ctx context.Context, recipient, topic, text string) bool {
	if !n.throttle.Allow(recipient + "\x00" + topic) {
		return false
	}
	n.sched.RunOnOwner(ctx, func(ctx context.Context) error {
		if err := n.out.Send(ctx, recipient, text); err != nil {
			n.logger.Warn(ctx, "notification not delivered", "recipient", recipient, "topic", topic, "error", err)
		}
		return nil
	})
	return true
}
