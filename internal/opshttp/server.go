package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/tickkit/internal/health"
	"github.com/keithlinneman/tickkit/internal/log"
	"github.com/keithlinneman/tickkit/internal/xerrors"
)

const defaultPort = 9000

// NewHandler builds the ops router: probes, metrics, toolkit status, the
// settings admin actions and optionally pprof.
func NewHandler(opts *Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	r := chi.NewRouter()
	r.Use(annotateRoute)
	if opts.MetricsMW != nil {
		r.Use(opts.MetricsMW)
	}
	r.Use(accessLog)

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	if opts.Status != nil {
		r.Get("/-/toolkit", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, opts.Status(r.Context()))
		})
	}

	if opts.Flags != nil {
		r.Route("/-/flags", func(r chi.Router) {
			r.Post("/reload", adminAction(func(ctx context.Context) (any, error) {
				return nil, opts.Flags.Reload(ctx)
			}))
			r.Post("/reset", adminAction(func(ctx context.Context) (any, error) {
				return nil, opts.Flags.Reset(ctx)
			}))
			r.Post("/toggle", adminAction(func(ctx context.Context) (any, error) {
				enabled, err := opts.Flags.Toggle(ctx)
				return map[string]bool{"system_enabled": enabled}, err
			}))
		})
	}

	if opts.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	}

	var h http.Handler = r
	h = otelhttp.NewHandler(h, "ops.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// probes and scrapes would drown everything else
			return r.URL.Path != "/metrics" && !strings.HasPrefix(r.URL.Path, "/-/healthy") && !strings.HasPrefix(r.URL.Path, "/-/ready")
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	h = requestID(L)(h)
	h = recoverer(opts.OnPanic)(h)
	h = requireNonPublicNetwork(L, h)
	return h
}

func adminAction(fn func(ctx context.Context) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := fn(r.Context())
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		if body == nil {
			body = map[string]string{"status": "ok"}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Start listens on the ops port and serves NewHandler in the background.
// It returns stop(ctx) for graceful shutdown, safe to call more than once.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second, // pprof profiles run for a while
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for ops port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
