package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-api/internal/version"
)

type ServerMetrics struct {
	reg             *prometheus.Registry
	handler         http.Handler
	inflight        prometheus.Gauge
	reqTotal        *prometheus.CounterVec
	reqDur          *prometheus.HistogramVec
	respBytes       *prometheus.HistogramVec
	httpPanicTotal  prometheus.Counter
	buildInfo       *prometheus.GaugeVec
	errorsTotal     *prometheus.CounterVec
	problemTotal    *prometheus.CounterVec
	profilingActive prometheus.Gauge

	// flood guard
	floodDeniedTotal   prometheus.Counter
	floodCapacityTotal prometheus.Counter

	// pipeline interceptors
	rateLimitDecisions *prometheus.CounterVec
	idempotencyTotal   *prometheus.CounterVec
	etagTotal          *prometheus.CounterVec
	authFailures       *prometheus.CounterVec
	storeErrors        *prometheus.CounterVec
	storeDegraded      prometheus.Gauge

	// observers
	observerDropped *prometheus.CounterVec
	observerPanics  *prometheus.CounterVec
	responseTime    *prometheus.HistogramVec
	slowRequests    *prometheus.CounterVec
	auditEvents     *prometheus.CounterVec

	// policy watcher
	policyPollsTotal  prometheus.Counter
	policySwapsTotal  prometheus.Counter
	policyErrorsTotal *prometheus.CounterVec
	policyInfo        *prometheus.GaugeVec
	policyLoadedTs    prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		problemTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_problem_responses_total",
			Help: "Responses sent as application/problem+json by route and status",
		}, []string{"route", "status"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		floodDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_flood_limited_total",
			Help: "Total requests rejected by the per-ip flood guard",
		}),
		floodCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_flood_limited_capacity_total",
			Help: "Total number of times the flood guard visitor table filled up",
		}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_rate_limit_decisions_total",
			Help: "Rate limiter decisions by endpoint class and outcome (allowed, denied, fail_open)",
		}, []string{"class", "outcome"}),
		idempotencyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_idempotency_total",
			Help: "Idempotency coordinator outcomes",
		}, []string{"outcome"}),
		etagTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_etag_total",
			Help: "ETag outcomes (tagged, not_modified, oversized)",
		}, []string{"outcome"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_auth_failures_total",
			Help: "Rejected requests by authentication or authorization reason",
		}, []string{"reason"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kvstore_errors_total",
			Help: "Shared store errors seen by a component",
		}, []string{"component"}),
		storeDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvstore_degraded",
			Help: "Whether the shared store serves from its in-process fallback (1) or primary (0)",
		}),
		observerDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "observer_tasks_dropped_total",
			Help: "Post-response observer tasks dropped because the queue was full or closed",
		}, []string{"observer"}),
		observerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "observer_panics_total",
			Help: "Recovered observer panics",
		}, []string{"observer"}),
		responseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "app_response_time_seconds",
			Help:    "Handler response time measured from request context creation",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		slowRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "app_slow_requests_total",
			Help: "Requests slower than the policy threshold",
		}, []string{"method", "route"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Audit events by sink and outcome",
		}, []string{"sink", "outcome"}),
		policyPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_polls_total",
			Help: "Total number of policy watcher poll cycles",
		}),
		policySwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_swaps_total",
			Help: "Total number of policy document swaps",
		}),
		policyErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_watcher_errors_total",
			Help: "Total policy watcher errors by stage",
		}, []string{"stage"}),
		policyInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "policy_document_info",
			Help: "Active policy document (label carries identity, value is always 1)",
		}, []string{"hash", "origin"}),
		policyLoadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active policy document was loaded",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.errorsTotal,
		m.problemTotal,
		m.profilingActive,
		m.floodDeniedTotal,
		m.floodCapacityTotal,
		m.rateLimitDecisions,
		m.idempotencyTotal,
		m.etagTotal,
		m.authFailures,
		m.storeErrors,
		m.storeDegraded,
		m.observerDropped,
		m.observerPanics,
		m.responseTime,
		m.slowRequests,
		m.auditEvents,
		m.policyPollsTotal,
		m.policySwapsTotal,
		m.policyErrorsTotal,
		m.policyInfo,
		m.policyLoadedTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
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

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.floodDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.floodCapacityTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitDecision(class, outcome string) {
	m.rateLimitDecisions.WithLabelValues(class, outcome).Inc()
}

func (m *ServerMetrics) IncIdempotency(outcome string) {
	m.idempotencyTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncETag(outcome string) {
	m.etagTotal.WithLabelValues(outcome).Inc()
}

func (m *ServerMetrics) IncAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncStoreError(component string) {
	m.storeErrors.WithLabelValues(component).Inc()
}

func (m *ServerMetrics) SetStoreDegraded(degraded bool) {
	m.storeDegraded.Set(boolGauge(degraded))
}

func (m *ServerMetrics) IncObserverDropped(observer string) {
	m.observerDropped.WithLabelValues(observer).Inc()
}

func (m *ServerMetrics) IncObserverPanic(observer string) {
	m.observerPanics.WithLabelValues(observer).Inc()
}

func (m *ServerMetrics) ObserveResponseTime(method, route string, d time.Duration) {
	m.responseTime.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *ServerMetrics) IncSlowRequest(method, route string) {
	m.slowRequests.WithLabelValues(method, route).Inc()
}

func (m *ServerMetrics) IncAuditEvent(sink, outcome string) {
	m.auditEvents.WithLabelValues(sink, outcome).Inc()
}

func (m *ServerMetrics) IncPolicyPolls() {
	m.policyPollsTotal.Inc()
}

func (m *ServerMetrics) IncPolicySwaps() {
	m.policySwapsTotal.Inc()
}

func (m *ServerMetrics) IncPolicyError(stage string) {
	m.policyErrorsTotal.WithLabelValues(stage).Inc()
}

// SetPolicy records the active policy document.
func (m *ServerMetrics) SetPolicy(hash, origin string, loadedAt time.Time) {
	m.policyInfo.Reset()
	m.policyInfo.WithLabelValues(hash, origin).Set(1)
	m.policyLoadedTs.Set(float64(loadedAt.Unix()))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
