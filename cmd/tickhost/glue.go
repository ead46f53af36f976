package main

import (
	"context"
	"time"

	"github.com/keithlinneman/tickkit/internal/access"
	"github.com/keithlinneman/tickkit/internal/events"
	"github.com/keithlinneman/tickkit/internal/flags"
	"github.com/keithlinneman/tickkit/internal/host"
	"github.com/keithlinneman/tickkit/internal/log"
	"github.com/keithlinneman/tickkit/internal/notify"
	"github.com/keithlinneman/tickkit/internal/services"
)

// opsRecipient receives operator notifications in the standalone host,
// which has no players or chat of its own.
const opsRecipient = "ops"

// logMessenger is the standalone host's chat surface: messages go to the
// log.
type logMessenger struct{ L log.Logger }

func (m logMessenger) Send(ctx context.Context, recipient, text string) error {
	m.L.Info(ctx, "message", "recipient", recipient, "text", text)
	return nil
}

// featureResolver grants a permission node when the feature of the same
// name is on in the current settings.
type featureResolver struct{ store *flags.Store }

func (r featureResolver) HasPermission(_ context.Context, _, node string) (bool, error) {
	return r.store.Feature(node), nil
}

// onNotification reacts to toolkit notifications on the owner loop. Cached
// permissions derive from settings, so any settings change drops them.
func onNotification(svc *services.Services) events.Subscriber {
	return func(ctx context.Context, n events.Notification) {
		if checker, ok := services.Maybe[*access.Checker](svc); ok {
			switch n.(type) {
			case events.ConfigReloaded, events.ConfigReset, events.SystemToggled:
				checker.ForgetAll()
			}
		}

		notifier, err := services.Get[*notify.Notifier](svc)
		if err != nil {
			svc.Logger().Warn(ctx, "notification dropped", "kind", n.Kind(), "error", err)
			return
		}
		switch ev := n.(type) {
		case events.SystemToggled:
			notifier.Notify(ctx, opsRecipient, n.Kind(), toggledText(ev))
		case events.ConfigReloaded:
			notifier.Notify(ctx, opsRecipient, n.Kind(), "settings reloaded from "+ev.Source)
		case events.ConfigReset:
			notifier.Notify(ctx, opsRecipient, n.Kind(), "settings reset to defaults in "+ev.Source)
		}
	}
}

func toggledText(ev events.SystemToggled) string {
	if ev.New {
		return "system enabled"
	}
	return "system disabled"
}

// heartbeat logs loop stats on the owner loop. The heartbeat limiter lets
// operators rate cap it through the limits file.
func heartbeat(loop *host.Loop, svc *services.Services) func(context.Context) error {
	return func(ctx context.Context) error {
		lim, err := svc.Limiter("heartbeat", 1, time.Minute)
		if err != nil {
			return err
		}
		if !lim.TryAcquire() {
			return nil
		}
		svc.Logger().Info(ctx, "heartbeat",
			"ticks", loop.Ticks(),
			"queued", loop.Queued(),
			"caches", svc.Caches(),
		)
		return nil
	}
}

type toolkitStatus struct {
	Ticks         uint64                   `json:"ticks"`
	LastTick      time.Time                `json:"last_tick"`
	Queued        int                      `json:"queued"`
	SystemEnabled bool                     `json:"system_enabled"`
	FlagsSource   string                   `json:"flags_source"`
	Limiters      []services.LimiterStatus `json:"limiters"`
	Caches        map[string]int           `json:"caches"`
}

func statusFunc(loop *host.Loop, svc *services.Services) func(context.Context) any {
	return func(ctx context.Context) any {
		st := toolkitStatus{
			Ticks:    loop.Ticks(),
			LastTick: loop.LastTick(),
			Queued:   loop.Queued(),
			Limiters: svc.Limiters(),
			Caches:   svc.Caches(),
		}
		if store, ok := services.Maybe[*flags.Store](svc); ok {
			st.SystemEnabled = store.Enabled(ctx)
			st.FlagsSource = store.Source()
		}
		return st
	}
}
