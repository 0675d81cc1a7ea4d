package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	DecisionsTotal     *prometheus.CounterVec
	RoleLookupFailures *prometheus.CounterVec
	CatalogMisses      prometheus.Counter
	Invalidations      *prometheus.CounterVec

	// Cache metrics
	CacheLookupsTotal *prometheus.CounterVec
	CacheFaultsTotal  *prometheus.CounterVec
	CacheBreakerState *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portal_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_rbac_decisions_total",
				Help: "Authorization decisions by operation and result",
			},
			[]string{"operation", "result"},
		),
		RoleLookupFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_rbac_role_lookup_failures_total",
				Help: "Role provider lookups that failed, by cause",
			},
			[]string{"cause"},
		),
		CatalogMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "portal_rbac_catalog_misses_total",
				Help: "Lookups for roles that have no catalog profile",
			},
		),
		Invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_rbac_invalidations_total",
				Help: "Explicit permission cache invalidations by result (confirmed, unconfirmed)",
			},
			[]string{"result"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_cache_lookups_total",
				Help: "Permission cache lookups by result (hit, miss, expired, corrupt)",
			},
			[]string{"result"},
		),
		CacheFaultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_cache_faults_total",
				Help: "Cache backend faults degraded to a miss or no-op",
			},
			[]string{"backend", "op"},
		),
		CacheBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portal_cache_breaker_state",
				Help: "Cache circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"backend"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.DecisionsTotal,
			m.RoleLookupFailures,
			m.CatalogMisses,
			m.Invalidations,
			m.CacheLookupsTotal,
			m.CacheFaultsTotal,
			m.CacheBreakerState,
		)
	}
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RecordDecision(operation string, allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.DecisionsTotal.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) RecordRoleLookupFailure(cause string) {
	if m == nil {
		return
	}
	m.RoleLookupFailures.WithLabelValues(cause).Inc()
}

func (m *Metrics) RecordCatalogMiss() {
	if m == nil {
		return
	}
	m.CatalogMisses.Inc()
}

// RecordInvalidation counts an invalidation; confirmed is false when the cache
// could not acknowledge the delete.
func (m *Metrics) RecordInvalidation(confirmed bool) {
	if m == nil {
		return
	}
	result := "unconfirmed"
	if confirmed {
		result = "confirmed"
	}
	m.Invalidations.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCacheFault(backend, op string) {
	if m == nil {
		return
	}
	m.CacheFaultsTotal.WithLabelValues(backend, op).Inc()
}

func (m *Metrics) SetBreakerState(backend string, state float64) {
	if m == nil {
		return
	}
	m.CacheBreakerState.WithLabelValues(backend).Set(state)
}
