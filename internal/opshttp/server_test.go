package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/tickkit/internal/health"
	"github.com/keithlinneman/tickkit/internal/log"
)

// test helpers

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, http.NoBody)
	req.RemoteAddr = "127.0.0.1:40000"
	h.ServeHTTP(rec, req)
	return rec
}

type fakeFlags struct {
	enabled  bool
	reloads  int
	resets   int
	errOnAll error
}

func (f *fakeFlags) Reload(context.Context) error {
	f.reloads++
	return f.errOnAll
}

func (f *fakeFlags) Reset(context.Context) error {
	f.resets++
	return f.errOnAll
}

func (f *fakeFlags) Toggle(context.Context) (bool, error) {
	if f.errOnAll != nil {
		return f.enabled, f.errOnAll
	}
	f.enabled = !f.enabled
	return f.enabled, nil
}

// handler routes

func TestNewHandler_Probes(t *testing.T) {
	h := NewHandler(&Options{
		Health:    health.Fixed(true, ""),
		Readiness: health.Fixed(false, "system disabled"),
	})

	if rec := serve(t, h, "GET", "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d, want 200", rec.Code)
	}
	rec := serve(t, h, "GET", "/-/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "system disabled") {
		t.Fatalf("ready body = %q", rec.Body.String())
	}
}

func TestNewHandler_MetricsAndMiddleware(t *testing.T) {
	seen := 0
	h := NewHandler(&Options{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("tickkit_loop_ticks_total 1\n"))
		}),
		MetricsMW: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen++
				next.ServeHTTP(w, r)
			})
		},
	})

	rec := serve(t, h, "GET", "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "tickkit_loop_ticks_total") {
		t.Fatalf("metrics: %d %q", rec.Code, rec.Body.String())
	}
	if seen != 1 {
		t.Fatalf("metrics middleware saw %d requests, want 1", seen)
	}
}

func TestNewHandler_NoMetricsHandler404(t *testing.T) {
	h := NewHandler(&Options{})
	if rec := serve(t, h, "GET", "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestNewHandler_ToolkitStatus(t *testing.T) {
	h := NewHandler(&Options{
		Status: func(context.Context) any {
			return map[string]any{"ticks": 42, "caches": map[string]int{"perms": 3}}
		},
	})

	rec := serve(t, h, "GET", "/-/toolkit")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var body struct {
		Ticks  int            `json:"ticks"`
		Caches map[string]int `json:"caches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Ticks != 42 || body.Caches["perms"] != 3 {
		t.Fatalf("body = %+v", body)
	}
}

func TestNewHandler_FlagsActions(t *testing.T) {
	ff := &fakeFlags{enabled: true}
	h := NewHandler(&Options{Flags: ff})

	if rec := serve(t, h, "POST", "/-/flags/reload"); rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d", rec.Code)
	}
	if rec := serve(t, h, "POST", "/-/flags/reset"); rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rec.Code)
	}
	rec := serve(t, h, "POST", "/-/flags/toggle")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"system_enabled": false`) {
		t.Fatalf("toggle: %d %q", rec.Code, rec.Body.String())
	}
	if ff.reloads != 1 || ff.resets != 1 || ff.enabled {
		t.Fatalf("fake state = %+v", ff)
	}

	if rec := serve(t, h, "GET", "/-/flags/reload"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET reload status = %d, want 405", rec.Code)
	}
}

func TestNewHandler_FlagsActionError(t *testing.T) {
	h := NewHandler(&Options{Flags: &fakeFlags{errOnAll: errors.New("system is disabled")}})

	rec := serve(t, h, "POST", "/-/flags/reload")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "system is disabled") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestNewHandler_RequestIDEchoed(t *testing.T) {
	h := NewHandler(&Options{})

	rec := serve(t, h, "GET", "/-/healthy")
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("request id header missing")
	}

	inbound := httptest.NewRequest("GET", "/-/healthy", http.NoBody)
	inbound.RemoteAddr = "10.0.0.5:1234"
	inbound.Header.Set(requestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, inbound)
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("request id = %q, want abc-123", got)
	}
}

func TestNewHandler_PanicRecovered(t *testing.T) {
	panics := 0
	h := NewHandler(&Options{
		Status:  func(context.Context) any { panic("boom") },
		OnPanic: func() { panics++ },
	})

	rec := serve(t, h, "GET", "/-/toolkit")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic called %d times, want 1", panics)
	}
}

func TestNewHandler_Pprof(t *testing.T) {
	on := NewHandler(&Options{EnablePprof: true})
	if rec := serve(t, on, "GET", "/debug/pprof/"); rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled: status = %d, want 200", rec.Code)
	}

	off := NewHandler(&Options{EnablePprof: false})
	if rec := serve(t, off, "GET", "/debug/pprof/"); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: status = %d, want 404", rec.Code)
	}
}

// network restriction

func TestRequireNonPublicNetwork(t *testing.T) {
	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:12345", http.StatusOK},
		{"[::1]:12345", http.StatusOK},
		{"10.1.2.3:80", http.StatusOK},
		{"192.168.0.10:80", http.StatusOK},
		{"172.16.5.4:80", http.StatusOK},
		{"169.254.1.1:8080", http.StatusOK},
		{"[::ffff:10.0.0.1]:80", http.StatusOK},
		{"8.8.8.8:53", http.StatusForbidden},
		{"[2001:4860:4860::8888]:443", http.StatusForbidden},
		{"[::ffff:8.8.8.8]:12345", http.StatusForbidden},
		{"not-an-address", http.StatusForbidden},
		{"", http.StatusForbidden},
		{"999.999.999.999:8080", http.StatusForbidden},
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := requireNonPublicNetwork(log.Nop(), inner)

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/-/healthy", http.NoBody)
			req.RemoteAddr = tt.remote
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

// Start lifecycle

func TestStart_ServesAndShutsDown(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	stop, err := Start(ctx, &Options{
		Port:      port,
		Logger:    log.Nop(),
		Health:    health.Fixed(true, ""),
		Readiness: health.Fixed(true, ""),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d/-/ready", port)
	var resp *http.Response
	for range 20 {
		resp, err = http.Get(addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET %s: %v", addr, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ready") {
		t.Fatalf("ready: %d %q", resp.StatusCode, body)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if _, err := http.Get(addr); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := getFreePort(t)
	ctx := context.Background()

	stop1, err := Start(ctx, &Options{Port: port})
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop1(ctx)

	if _, err := Start(ctx, &Options{Port: port}); err == nil {
		t.Fatal("expected error for port conflict")
	}
}
