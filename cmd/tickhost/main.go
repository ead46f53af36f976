package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/tickkit/internal/access"
	"github.com/keithlinneman/tickkit/internal/cfg"
	"github.com/keithlinneman/tickkit/internal/events"
	"github.com/keithlinneman/tickkit/internal/flags"
	"github.com/keithlinneman/tickkit/internal/health"
	"github.com/keithlinneman/tickkit/internal/host"
	"github.com/keithlinneman/tickkit/internal/log"
	"github.com/keithlinneman/tickkit/internal/metrics"
	"github.com/keithlinneman/tickkit/internal/notify"
	"github.com/keithlinneman/tickkit/internal/opshttp"
	"github.com/keithlinneman/tickkit/internal/otelx"
	"github.com/keithlinneman/tickkit/internal/prof"
	"github.com/keithlinneman/tickkit/internal/ratelimit"
	"github.com/keithlinneman/tickkit/internal/retry"
	"github.com/keithlinneman/tickkit/internal/scheduler"
	"github.com/keithlinneman/tickkit/internal/services"
	v "github.com/keithlinneman/tickkit/internal/version"
)

const component = "tickhost"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tickhost:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s %s (build_id=%s, build_date=%s, go=%s)\n",
			vi.AppName, vi, vi.BuildId, vi.BuildDate, vi.GoVersion)
		return nil
	}

	// cli > env > default
	cfg.FillFromEnv(flag.CommandLine, "TICKKIT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", conf.LogLevel, err)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		return fmt.Errorf("invalid stacktrace level %s: %w", conf.StacktraceLevel, err)
	}
	L, err := log.New(log.Options{
		App:               vi.AppName,
		Component:         component,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		return fmt.Errorf("logger init error: %w", err)
	}
	defer L.Sync()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing tickhost", append(vi.Fields(),
		"admin_port", conf.AdminPort,
		"tick_interval", conf.TickInterval,
		"workers", conf.Workers,
		"flags_source", conf.FlagsSource,
		"limits_file", conf.LimitsFile,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_pprof", conf.EnablePprof,
	)...)

	m := metrics.New()
	m.SetBuildInfoFromVersion(vi.AppName, component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       vi.AppName,
		Component:     component,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"version":  vi.Version,
			"build_id": vi.BuildId,
		},
	})
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer stopProf()

	// insecure because traces go to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   vi.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	// owner loop and the scheduler facade over it
	loop := host.New(
		host.WithTickInterval(conf.TickInterval),
		host.WithWorkers(conf.Workers),
		host.WithLogger(L),
		host.WithObserver(m),
	)
	sched := scheduler.New(ctx, loop, scheduler.WithObserver(m))

	svc := services.New(ctx, sched,
		services.WithLimiterObserver(m),
		services.WithCacheObserver(m),
	)
	defer svc.Close()

	if conf.LimitsFile != "" {
		limits, err := services.LoadLimits(conf.LimitsFile)
		if err != nil {
			return fmt.Errorf("limits: %w", err)
		}
		if err := svc.Apply(limits); err != nil {
			return fmt.Errorf("limits: %w", err)
		}
		L.Info(ctx, "limits applied", "limiters", len(limits.Limiters), "caches", len(limits.Caches))
	}

	exec := retry.New(
		retry.WithLogger(L),
		retry.WithObserver(m),
		retry.WithTracer(otelx.Tracer("retry")),
	)
	services.Register(svc, exec)

	bus := events.NewBus(L)
	disp := events.New(sched, bus,
		events.WithLogger(L),
		events.WithObserver(m),
	)

	src, err := flagsSource(ctx, conf)
	if err != nil {
		return err
	}
	store := flags.New(src, disp,
		flags.WithLogger(L),
		flags.WithRetry(exec),
	)
	if err := store.Load(ctx); err != nil {
		// keep defaults, the periodic reload may still succeed
		L.Error(ctx, err, "initial settings load failed, using defaults", "source", src.Name())
	}
	services.Register(svc, store)

	throttle, err := ratelimit.NewKeyed(ctx,
		ratelimit.WithRate(conf.NotifyRate, conf.NotifyBurst),
		ratelimit.WithOnDenied(m.ThrottleDenied),
		ratelimit.WithOnFirstDenied(func(key string) {
			L.Debug(ctx, "notification throttled", "key", key)
		}),
		ratelimit.WithOnCapacity(func() {
			m.ThrottleCapacity()
			L.Warn(ctx, "notification throttle at capacity")
		}),
	)
	if err != nil {
		return fmt.Errorf("notification throttle: %w", err)
	}
	notifier := notify.New(sched, throttle, logMessenger{L: L}, L)
	services.Register(svc, notifier)

	permCache, err := services.NewCache[access.Key, bool](svc, "access",
		svc.CacheSpec("access", services.CacheSpec{TTL: conf.AccessTTL, SweepEvery: 200}))
	if err != nil {
		return err
	}
	checker := access.New(featureResolver{store: store}, permCache)
	services.Register(svc, checker)

	unsubscribe := bus.Subscribe(onNotification(svc))
	defer unsubscribe()

	if conf.FlagsReloadTicks > 0 {
		reload := sched.RepeatOnWorker(func(ctx context.Context) error {
			err := store.Reload(ctx)
			if errors.Is(err, flags.ErrDisabled) {
				return nil
			}
			return err
		}, conf.FlagsReloadTicks, conf.FlagsReloadTicks)
		defer reload.Cancel()
	}

	if conf.HeartbeatTicks > 0 {
		beat := sched.RepeatOnOwner(heartbeat(loop, svc), conf.HeartbeatTicks, conf.HeartbeatTicks)
		defer beat.Cancel()
	}

	var gate health.ShutdownGate
	liveness := health.LoopLiveness(loop, 20*conf.TickInterval+time.Second, nil)
	readiness := health.All(gate.Probe(), liveness)

	opsStop, err := opshttp.Start(ctx, &opshttp.Options{
		Port:        conf.AdminPort,
		Logger:      L,
		Metrics:     m.Handler(),
		MetricsMW:   m.Middleware,
		EnablePprof: conf.EnablePprof,
		Health:      liveness,
		Readiness:   readiness,
		Status:      statusFunc(loop, svc),
		Flags:       store,
		OnPanic:     func() { m.HostTaskPanicked("ops") },
	})
	if err != nil {
		return fmt.Errorf("ops http listener: %w", err)
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(ctx) }()

	L.Info(ctx, "tickhost running")

	loopDone := false
	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
	case err := <-loopErr:
		loopDone = true
		if err != nil && !errors.Is(err, context.Canceled) {
			L.Error(context.Background(), err, "owner loop stopped")
		}
	}
	gate.Set("draining")
	stop()
	if !loopDone {
		<-loopErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := opsStop(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "otel shutdown")
	}

	L.Info(shutdownCtx, "shutdown complete")
	return nil
}

// flagsSource picks the settings backend named by the config. AWS config
// is only loaded for the ssm and s3 sources.
func flagsSource(ctx context.Context, conf cfg.App) (flags.Source, error) {
	switch conf.FlagsSource {
	case cfg.FlagsSourceFile:
		return &flags.FileSource{Path: conf.FlagsFile}, nil
	case cfg.FlagsSourceSSM, cfg.FlagsSourceS3:
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		if conf.FlagsSource == cfg.FlagsSourceSSM {
			return &flags.SSMSource{Client: ssm.NewFromConfig(awsCfg), Param: conf.FlagsSSMParam}, nil
		}
		return &flags.S3Source{Client: s3.NewFromConfig(awsCfg), Bucket: conf.FlagsS3Bucket, Key: conf.FlagsS3Key}, nil
	default:
		return flags.StaticSource{Settings: flags.Defaults()}, nil
	}
}
