package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/cardshare/internal/version"
)

// request families are labelled by method, chi route pattern and status only
type httpFamilies struct {
	inflight  prometheus.Gauge
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	panics    prometheus.Counter
}

type limiterFamilies struct {
	checks    *prometheus.CounterVec
	evictions prometheus.Counter
	tracked   atomic.Pointer[func() int]

	floodDenied   prometheus.Counter
	floodCapacity prometheus.Counter
}

type cardFamilies struct {
	created     *prometheus.CounterVec
	deleted     prometheus.Counter
	views       prometheus.Counter
	storeErrors *prometheus.CounterVec
	breaker     *prometheus.GaugeVec
}

// ServerMetrics owns a private registry. Every exported method is safe for
// concurrent use and matches the hook it is wired to.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	http    httpFamilies
	limiter limiterFamilies
	cards   cardFamilies

	buildInfo *prometheus.GaugeVec
	profiling prometheus.Gauge
}

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets    = prometheus.ExponentialBuckets(64, 4, 7)
)

func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	routeLabels := []string{"method", "route"}

	m := &ServerMetrics{
		reg:     reg,
		handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
		http: httpFamilies{
			inflight: f.NewGauge(prometheus.GaugeOpts{
				Name: "http_inflight_requests",
				Help: "Requests currently being served",
			}),
			requests: f.NewCounterVec(prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Requests by method, route and status",
			}, []string{"method", "route", "status"}),
			errors: f.NewCounterVec(prometheus.CounterOpts{
				Name: "http_errors_total",
				Help: "5xx responses by method and route",
			}, routeLabels),
			duration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Request latency by method and route",
				Buckets: latencyBuckets,
			}, routeLabels),
			respBytes: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "Response body size by method and route",
				Buckets: sizeBuckets,
			}, routeLabels),
			panics: f.NewCounter(prometheus.CounterOpts{
				Name: "http_panic_total",
				Help: "Handler panics recovered on either listener",
			}),
		},
		limiter: limiterFamilies{
			checks: f.NewCounterVec(prometheus.CounterOpts{
				Name: "ratelimit_checks_total",
				Help: "Fixed window decisions by rule and verdict",
			}, []string{"rule", "verdict"}),
			evictions: f.NewCounter(prometheus.CounterOpts{
				Name: "ratelimit_evictions_total",
				Help: "Expired client windows removed by the sweeper",
			}),
			floodDenied: f.NewCounter(prometheus.CounterOpts{
				Name: "http_requests_flood_limited_total",
				Help: "Requests rejected by the flood guard",
			}),
			floodCapacity: f.NewCounter(prometheus.CounterOpts{
				Name: "http_requests_flood_capacity_total",
				Help: "New clients turned away because the flood guard was full",
			}),
		},
		cards: cardFamilies{
			created: f.NewCounterVec(prometheus.CounterOpts{
				Name: "cards_created_total",
				Help: "Cards created by template",
			}, []string{"template"}),
			deleted: f.NewCounter(prometheus.CounterOpts{
				Name: "cards_deleted_total",
				Help: "Cards deleted by their owner",
			}),
			views: f.NewCounter(prometheus.CounterOpts{
				Name: "card_views_total",
				Help: "Card views recorded",
			}),
			storeErrors: f.NewCounterVec(prometheus.CounterOpts{
				Name: "card_store_errors_total",
				Help: "Card store failures by operation",
			}, []string{"op"}),
			breaker: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "card_store_breaker_state",
				Help: "Current card store breaker state, the series for it is 1",
			}, []string{"state"}),
		},
		buildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata, always 1",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profiling: f.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "1 while continuous profiles are being pushed",
		}),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ratelimit_tracked_clients",
		Help: "Client windows held by the limiter, read at scrape time",
	}, m.trackedClients)
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.http.panics.Inc()
}

// SetBuildInfoFromVersion publishes one build_info series per component.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.WithLabelValues(app, component, vi.Version, vi.Commit, vi.CommitDate,
		vi.BuildId, vi.BuildDate, dirty, vi.GoVersion).Set(1)
}

// ObserveRateLimit is the limiter's OnVerdict hook.
func (m *ServerMetrics) ObserveRateLimit(rule string, allowed bool) {
	verdict := "denied"
	if allowed {
		verdict = "allowed"
	}
	m.limiter.checks.WithLabelValues(rule, verdict).Inc()
}

// ObserveSweep is the limiter's OnSweep hook. The remaining count is ignored,
// ratelimit_tracked_clients reads the live size through TrackLimiter.
func (m *ServerMetrics) ObserveSweep(evicted, _ int) {
	m.limiter.evictions.Add(float64(evicted))
}

// TrackLimiter points ratelimit_tracked_clients at size, usually Limiter.Len.
// nil reports 0.
func (m *ServerMetrics) TrackLimiter(size func() int) {
	if size == nil {
		m.limiter.tracked.Store(nil)
		return
	}
	m.limiter.tracked.Store(&size)
}

func (m *ServerMetrics) trackedClients() float64 {
	if size := m.limiter.tracked.Load(); size != nil {
		return float64((*size)())
	}
	return 0
}

func (m *ServerMetrics) IncRateLimitDenied()   { m.limiter.floodDenied.Inc() }
func (m *ServerMetrics) IncRateLimitCapacity() { m.limiter.floodCapacity.Inc() }

func (m *ServerMetrics) CardCreated(template string) { m.cards.created.WithLabelValues(template).Inc() }
func (m *ServerMetrics) CardDeleted()                { m.cards.deleted.Inc() }
func (m *ServerMetrics) CardViewed()                 { m.cards.views.Inc() }
func (m *ServerMetrics) StoreError(op string)        { m.cards.storeErrors.WithLabelValues(op).Inc() }

// SetBreakerState is the postgres store's OnBreakerChange hook.
func (m *ServerMetrics) SetBreakerState(_, to string) {
	m.cards.breaker.Reset()
	m.cards.breaker.WithLabelValues(to).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profiling.Set(v)
}
