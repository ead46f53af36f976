package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/tickkit/internal/log"
)

// Flags sources accepted by -flags-source
const (
	FlagsSourceNone = "none"
	FlagsSourceFile = "file"
	FlagsSourceSSM  = "ssm"
	FlagsSourceS3   = "s3"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	TickInterval      time.Duration
	Workers           int
	LimitsFile        string
	FlagsSource       string
	FlagsFile         string
	FlagsSSMParam     string
	FlagsS3Bucket     string
	FlagsS3Key        string
	FlagsReloadTicks  int64
	HeartbeatTicks    int64
	AccessTTL         time.Duration
	NotifyRate        float64
	NotifyBurst       int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.DurationVar(&c.TickInterval, "tick-interval", 50*time.Millisecond, "owner loop tick length")
	fs.IntVar(&c.Workers, "workers", 4, "async worker goroutines (1..1024)")
	fs.StringVar(&c.LimitsFile, "limits-file", "", "TOML file with named limiter and cache limits (optional)")
	fs.StringVar(&c.FlagsSource, "flags-source", FlagsSourceNone, "where runtime settings come from: none|file|ssm|s3")
	fs.StringVar(&c.FlagsFile, "flags-file", "settings.json", "settings JSON path for -flags-source=file")
	fs.StringVar(&c.FlagsSSMParam, "flags-ssm-param", "/app/tickkit/settings", "ssm parameter holding settings JSON for -flags-source=ssm")
	fs.StringVar(&c.FlagsS3Bucket, "flags-s3-bucket", "", "s3 bucket holding settings JSON for -flags-source=s3")
	fs.StringVar(&c.FlagsS3Key, "flags-s3-key", "tickkit/settings.json", "s3 key of settings JSON for -flags-source=s3")
	fs.Int64Var(&c.FlagsReloadTicks, "flags-reload-ticks", 1200, "ticks between settings reloads, 0 disables")
	fs.Int64Var(&c.HeartbeatTicks, "heartbeat-ticks", 200, "ticks between owner loop heartbeat logs, 0 disables")
	fs.DurationVar(&c.AccessTTL, "access-ttl", 30*time.Second, "how long permission answers are cached")
	fs.Float64Var(&c.NotifyRate, "notify-rate", 0.2, "notifications per second per recipient and topic")
	fs.IntVar(&c.NotifyBurst, "notify-burst", 3, "notification burst per recipient and topic")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Owner loop
	if c.TickInterval < time.Millisecond {
		errs = append(errs, fmt.Errorf("TICK_INTERVAL must be >= 1ms (got %s)", c.TickInterval))
	}
	if c.Workers < 1 || c.Workers > 1024 {
		errs = append(errs, fmt.Errorf("WORKERS must be 1..1024 (got %d)", c.Workers))
	}
	if c.FlagsReloadTicks < 0 {
		errs = append(errs, fmt.Errorf("FLAGS_RELOAD_TICKS must be >= 0 (got %d)", c.FlagsReloadTicks))
	}
	if c.HeartbeatTicks < 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_TICKS must be >= 0 (got %d)", c.HeartbeatTicks))
	}

	// Toolkit limits
	if c.AccessTTL <= 0 {
		errs = append(errs, fmt.Errorf("ACCESS_TTL must be > 0 (got %s)", c.AccessTTL))
	}
	if !(c.NotifyRate > 0) {
		errs = append(errs, fmt.Errorf("NOTIFY_RATE must be > 0 (got %g)", c.NotifyRate))
	}
	if c.NotifyBurst < 1 {
		errs = append(errs, fmt.Errorf("NOTIFY_BURST must be >= 1 (got %d)", c.NotifyBurst))
	}

	switch c.FlagsSource {
	case FlagsSourceNone:
	case FlagsSourceFile:
		if c.FlagsFile == "" {
			errs = append(errs, fmt.Errorf("FLAGS_FILE required when FLAGS_SOURCE=file"))
		}
	case FlagsSourceSSM:
		if c.FlagsSSMParam == "" {
			errs = append(errs, fmt.Errorf("FLAGS_SSM_PARAM required when FLAGS_SOURCE=ssm"))
		}
	case FlagsSourceS3:
		if c.FlagsS3Bucket == "" {
			errs = append(errs, fmt.Errorf("FLAGS_S3_BUCKET required when FLAGS_SOURCE=s3"))
		}
		if c.FlagsS3Key == "" {
			errs = append(errs, fmt.Errorf("FLAGS_S3_KEY required when FLAGS_SOURCE=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid FLAGS_SOURCE %q (must be none|file|ssm|s3)", c.FlagsSource))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
