package opshttp

import (
	"context"
	"net/http"

	"github.com/keithlinneman/tickkit/internal/health"
	"github.com/keithlinneman/tickkit/internal/log"
)

// StatusFunc returns the JSON-encodable toolkit snapshot served on
// /-/toolkit.
type StatusFunc func(ctx context.Context) any

// FlagsAdmin is the subset of the settings store exposed as POST actions.
type FlagsAdmin interface {
	Reload(ctx context.Context) error
	Reset(ctx context.Context) error
	Toggle(ctx context.Context) (bool, error)
}

type Options struct {
	Port        int
	Logger      log.Logger
	Metrics     http.Handler
	MetricsMW   func(http.Handler) http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	Status      StatusFunc
	Flags       FlagsAdmin
	OnPanic     func() // called after a handler panic is recovered
}
