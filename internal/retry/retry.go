// Package retry runs an operation up to a fixed number of attempts with
// exponential backoff and jitter between them.
//
// Backoff sleeps block the calling goroutine. Do not call Run from the owner
// loop when a retry could stall it; hand the work to a worker instead.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/tickkit/internal/log"
)

const (
	DefaultMaxDelay = 30 * time.Second
	DefaultJitter   = 0.2

	tracerName = "github.com/keithlinneman/tickkit/internal/retry"
)

var (
	ErrInvalidAttempts = errors.New("retry: max attempts must be >= 1")
	ErrInvalidDelay    = errors.New("retry: base delay must be > 0")

	// ErrInterrupted matches any *InterruptedError with errors.Is.
	ErrInterrupted = errors.New("retry: interrupted")
)

// ExhaustedError is returned when every attempt failed. Err is the last failure.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// InterruptedError is returned when the context ended before or between
// attempts. Err is the context error.
type InterruptedError struct {
	Op      string
	Attempt int
	Err     error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("%s interrupted before attempt %d: %v", e.Op, e.Attempt, e.Err)
}

func (e *InterruptedError) Unwrap() error { return e.Err }

func (e *InterruptedError) Is(target error) bool { return target == ErrInterrupted }

// Observer is implemented by the metrics package.
type Observer interface {
	Attempt(op string)
	Retry(op string, delay time.Duration)
	Exhausted(op string)
}

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor holds backoff policy. It keeps no state between calls and is safe
// for concurrent use.
type Executor struct {
	maxDelay time.Duration
	jitter   float64
	sleep    Sleeper
	rand     func() float64
	logger   log.Logger
	observer Observer
	tracer   trace.Tracer
}

type Option func(*Executor)

// WithMaxDelay caps a single backoff sleep.
func WithMaxDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.maxDelay = d
		}
	}
}

// WithJitter sets the jitter fraction f; each delay is scaled by a uniform
// factor in [1-f, 1+f]. Values outside [0, 1) are ignored.
func WithJitter(f float64) Option {
	return func(e *Executor) {
		if f >= 0 && f < 1 {
			e.jitter = f
		}
	}
}

// WithSleeper replaces the timer based sleep, mostly for tests.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(e *Executor) {
		if fn != nil {
			e.rand = fn
		}
	}
}

// WithLogger sets the logger. Without it the logger is taken from the context.
func WithLogger(l log.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

func New(opts ...Option) *Executor {
	e := &Executor{
		maxDelay: DefaultMaxDelay,
		jitter:   DefaultJitter,
		sleep:    sleepCtx,
		rand:     rand.Float64,
	}
	for _, o := range opts {
		o(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

var defaultExecutor = New()

// Run calls fn with the default Executor. See Executor.Run.
func Run(ctx context.Context, op string, maxAttempts int, baseDelay time.Duration, fn func(context.Context) error) error {
	return defaultExecutor.Run(ctx, op, maxAttempts, baseDelay, fn)
}

// Call is Run for operations that produce a value. A nil Executor uses the default.
func Call[T any](ctx context.Context, e *Executor, op string, maxAttempts int, baseDelay time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if e == nil {
		e = defaultExecutor
	}
	var out T
	err := e.Run(ctx, op, maxAttempts, baseDelay, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Run calls fn until it succeeds or maxAttempts attempts have failed.
//
// Before retry k (k being the number of failed attempts so far) it sleeps
// min(maxDelay, baseDelay * 2^(k-1) * (1+j)) with j uniform in [-jitter, jitter].
// It returns nil on success, *ExhaustedError when attempts run out and
// *InterruptedError when ctx ends first. Invalid arguments are reported
// before fn is ever called.
func (e *Executor) Run(ctx context.Context, op string, maxAttempts int, baseDelay time.Duration, fn func(context.Context) error) (err error) {
	if maxAttempts < 1 {
		return fmt.Errorf("%w (op=%s, maxAttempts=%d)", ErrInvalidAttempts, op, maxAttempts)
	}
	if baseDelay <= 0 {
		return fmt.Errorf("%w (op=%s, baseDelay=%s)", ErrInvalidDelay, op, baseDelay)
	}

	ctx, span := e.tracer.Start(ctx, "retry "+op, trace.WithAttributes(
		attribute.String("retry.op", op),
		attribute.Int("retry.max_attempts", maxAttempts),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	lg := e.logger
	if lg == nil {
		lg = log.FromContext(ctx)
	}

	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return &InterruptedError{Op: op, Attempt: attempt, Err: cerr}
		}
		if e.observer != nil {
			e.observer.Attempt(op)
		}

		lastErr := fn(ctx)
		if lastErr == nil {
			span.SetAttributes(attribute.Int("retry.attempts", attempt))
			return nil
		}

		if attempt >= maxAttempts {
			if e.observer != nil {
				e.observer.Exhausted(op)
			}
			lg.Warn(ctx, "retry exhausted", "op", op, "attempts", attempt, "error", lastErr)
			return &ExhaustedError{Op: op, Attempts: attempt, Err: lastErr}
		}

		delay := e.backoff(baseDelay, attempt)
		span.AddEvent("attempt failed", trace.WithAttributes(
			attribute.Int("retry.attempt", attempt),
			attribute.Int64("retry.delay_ms", delay.Milliseconds()),
			attribute.String("error", lastErr.Error()),
		))
		lg.Debug(ctx, "attempt failed, backing off", "op", op, "attempt", attempt, "delay", delay, "error", lastErr)
		if e.observer != nil {
			e.observer.Retry(op, delay)
		}

		if serr := e.sleep(ctx, delay); serr != nil {
			return &InterruptedError{Op: op, Attempt: attempt + 1, Err: serr}
		}
	}
}

// backoff computes the sleep before retry number failed
func (e *Executor) backoff(base time.Duration, failed int) time.Duration {
	j := (e.rand()*2 - 1) * e.jitter
	d := float64(base) * math.Pow(2, float64(failed-1)) * (1 + j)
	if d >= float64(e.maxDelay) || math.IsInf(d, 0) || math.IsNaN(d) {
		return e.maxDelay
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
