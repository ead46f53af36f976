package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/tickkit/internal/version"
)

// Toolkit owns a private registry and implements the Observer interface of
// every tickkit package, so one value can be passed to all of them.
type Toolkit struct {
	reg     *prometheus.Registry
	handler http.Handler

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	limiterDecisions *prometheus.CounterVec
	throttleDenied   prometheus.Counter
	throttleCapacity prometheus.Counter

	cacheLookups    *prometheus.CounterVec
	cacheLoadErrors *prometheus.CounterVec
	cacheEvictions  *prometheus.CounterVec

	retryAttempts  *prometheus.CounterVec
	retryBackoff   *prometheus.HistogramVec
	retryExhausted *prometheus.CounterVec

	tasksStarted  *prometheus.CounterVec
	tasksFailed   *prometheus.CounterVec
	tasksPanicked *prometheus.CounterVec

	ticksTotal   prometheus.Counter
	tickDuration prometheus.Histogram
	queueDepth   prometheus.Gauge

	eventsDispatched *prometheus.CounterVec
	eventsSkipped    *prometheus.CounterVec

	// ops http surface
	reqTotal *prometheus.CounterVec
	reqDur   *prometheus.HistogramVec
}

// New returns a fresh registry with the Go and process collectors and every
// toolkit metric registered.
func New() *Toolkit {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Toolkit{
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		limiterDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickkit_limiter_decisions_total",
			Help: "Token bucket admission decisions by limiter and result",
		}, []string{"limiter", "result"}),
		throttleDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickkit_throttle_denied_total",
			Help: "Calls rejected by the per-key throttle",
		}),
		throttleCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickkit_throttle_capacity_total",
			Help: "New keys refused because the per-key throttle was full",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickkit_cache_lookups_total",
			Help: "Cache lookups by cache and result (hit|miss)",
		}, []string{"cache", "result"}),
		cacheLoadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickkit_cache_load_errors_total",
			Help: "Loader failures by cache",
		}, []string{"cache"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickkit_cache_evictions_total",
			Help: "Expired entries removed by reads or sweeps",
		}, []string{"cache"}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickkit_retry_attempts_total",
			Help: "Attempts made by the retry executor by operation",
		}, []string{"op"}),
		retryBackoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tickkit_retry_backoff_seconds",
			Help:    "Backoff sleeps between attempts by operation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		retryExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickkit_retry_exhausted_total",
			Help: "Operations that failed every attempt",
		}, []string{"op"}),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickkit_scheduler_tasks_started_total",
			Help: "Scheduled task runs by kind (owner|worker)",
		}, []string{"kind"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickkit_scheduler_tasks_failed_total",
			Help: "Scheduled task runs that returned an error",
		}, []string{"kind"}),
		tasksPanicked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickkit_tasks_panicked_total",
			Help: "Recovered task panics by layer (scheduler|host) and kind",
		}, []string{"layer", "kind"}),
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickkit_loop_ticks_total",
			Help: "Owner loop ticks run",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickkit_loop_tick_duration_seconds",
			Help:    "Time spent running one owner loop tick",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tickkit_loop_queued_tasks",
			Help: "Owner loop jobs waiting after the last tick, ready or delayed",
		}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickkit_events_dispatched_total",
			Help: "Notifications published on the owner loop by kind",
		}, []string{"kind"}),
		eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickkit_events_skipped_total",
			Help: "Notifications dropped because the system was disabled",
		}, []string{"kind"}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ops_http_requests_total",
			Help: "Ops endpoint requests by method, route and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ops_http_request_duration_seconds",
			Help:    "Ops endpoint latency by method and route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.buildInfo,
		m.profilingActive,
		m.limiterDecisions,
		m.throttleDenied,
		m.throttleCapacity,
		m.cacheLookups,
		m.cacheLoadErrors,
		m.cacheEvictions,
		m.retryAttempts,
		m.retryBackoff,
		m.retryExhausted,
		m.tasksStarted,
		m.tasksFailed,
		m.tasksPanicked,
		m.ticksTotal,
		m.tickDuration,
		m.queueDepth,
		m.eventsDispatched,
		m.eventsSkipped,
		m.reqTotal,
		m.reqDur,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *Toolkit) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *Toolkit) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *Toolkit) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// ratelimit.Observer

func (m *Toolkit) Admitted(limiter string) {
	m.limiterDecisions.WithLabelValues(limiter, "admitted").Inc()
}

func (m *Toolkit) Rejected(limiter string) {
	m.limiterDecisions.WithLabelValues(limiter, "rejected").Inc()
}

// ratelimit.Keyed hooks, wired via WithOnDenied and WithOnCapacity. The key
// is not used as a label.

func (m *Toolkit) ThrottleDenied(string) { m.throttleDenied.Inc() }
func (m *Toolkit) ThrottleCapacity()     { m.throttleCapacity.Inc() }

// cache.Observer

func (m *Toolkit) Hit(cache string)  { m.cacheLookups.WithLabelValues(cache, "hit").Inc() }
func (m *Toolkit) Miss(cache string) { m.cacheLookups.WithLabelValues(cache, "miss").Inc() }

func (m *Toolkit) LoadError(cache string) {
	m.cacheLoadErrors.WithLabelValues(cache).Inc()
}

func (m *Toolkit) Evicted(cache string, n int) {
	m.cacheEvictions.WithLabelValues(cache).Add(float64(n))
}

// retry.Observer

func (m *Toolkit) Attempt(op string) {
	m.retryAttempts.WithLabelValues(op).Inc()
}

func (m *Toolkit) Retry(op string, delay time.Duration) {
	m.retryBackoff.WithLabelValues(op).Observe(delay.Seconds())
}

func (m *Toolkit) Exhausted(op string) {
	m.retryExhausted.WithLabelValues(op).Inc()
}

// scheduler.Observer

func (m *Toolkit) TaskStarted(kind string) { m.tasksStarted.WithLabelValues(kind).Inc() }
func (m *Toolkit) TaskFailed(kind string)  { m.tasksFailed.WithLabelValues(kind).Inc() }

func (m *Toolkit) TaskPanicked(kind string) {
	m.tasksPanicked.WithLabelValues("scheduler", kind).Inc()
}

// host.Observer

func (m *Toolkit) TickObserved(d time.Duration, queued int) {
	m.ticksTotal.Inc()
	m.tickDuration.Observe(d.Seconds())
	m.queueDepth.Set(float64(queued))
}

func (m *Toolkit) HostTaskPanicked(where string) {
	m.tasksPanicked.WithLabelValues("host", where).Inc()
}

// events.Observer

func (m *Toolkit) Dispatched(kind string) { m.eventsDispatched.WithLabelValues(kind).Inc() }
func (m *Toolkit) Skipped(kind string)    { m.eventsSkipped.WithLabelValues(kind).Inc() }
