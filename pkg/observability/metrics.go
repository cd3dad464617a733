package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Permission resolution
	PermissionDecisionsTotal *prometheus.CounterVec
	PermissionCacheTotal     *prometheus.CounterVec
	PermissionLookupsTotal   *prometheus.CounterVec
	PermissionLookupDuration *prometheus.HistogramVec

	// Default routes and redirects
	DefaultRouteLookupsTotal *prometheus.CounterVec
	RedirectsTotal           *prometheus.CounterVec
	GateOutcomesTotal        *prometheus.CounterVec

	// Sessions
	SessionsActive      prometheus.Gauge
	ProfileRefreshTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dormgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dormgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		PermissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dormgate_permission_decisions_total",
				Help: "Route permission decisions by deciding rule",
			},
			[]string{"source", "allowed"},
		),
		PermissionCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dormgate_permission_cache_total",
				Help: "Route permission cache lookups by result (hit, stale, miss, shared_hit)",
			},
			[]string{"result"},
		),
		PermissionLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dormgate_permission_lookups_total",
				Help: "Remote route_permissions lookups",
			},
			[]string{"kind", "result"},
		),
		PermissionLookupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dormgate_permission_lookup_duration_seconds",
				Help:    "Remote route_permissions lookup duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		DefaultRouteLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dormgate_default_route_lookups_total",
				Help: "Default route resolutions by origin (cache, source, table, fallback)",
			},
			[]string{"origin"},
		),
		RedirectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dormgate_redirects_total",
				Help: "Navigations forced by the sign-in redirect coordinator",
			},
			[]string{"reason"},
		),
		GateOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dormgate_gate_outcomes_total",
				Help: "Final route gate outcomes",
			},
			[]string{"state"},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dormgate_browser_sessions_active",
				Help: "Browser sessions with a live engine instance",
			},
		),
		ProfileRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dormgate_profile_refresh_total",
				Help: "Profile refreshes by result (applied, discarded, error)",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionDecisionsTotal,
		m.PermissionCacheTotal,
		m.PermissionLookupsTotal,
		m.PermissionLookupDuration,
		m.DefaultRouteLookupsTotal,
		m.RedirectsTotal,
		m.GateOutcomesTotal,
		m.SessionsActive,
		m.ProfileRefreshTotal,
	)

	return m
}

// RecordDecision counts a permission decision
func (m *Metrics) RecordDecision(source string, allowed bool) {
	if m == nil {
		return
	}
	m.PermissionDecisionsTotal.WithLabelValues(source, strconv.FormatBool(allowed)).Inc()
}

// RecordCache counts a permission cache lookup
func (m *Metrics) RecordCache(result string) {
	if m == nil {
		return
	}
	m.PermissionCacheTotal.WithLabelValues(result).Inc()
}

// RecordLookup counts a remote permission lookup and its duration
func (m *Metrics) RecordLookup(kind, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PermissionLookupsTotal.WithLabelValues(kind, result).Inc()
	m.PermissionLookupDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordDefaultRoute counts a default route resolution
func (m *Metrics) RecordDefaultRoute(origin string) {
	if m == nil {
		return
	}
	m.DefaultRouteLookupsTotal.WithLabelValues(origin).Inc()
}

// RecordRedirect counts a coordinator navigation
func (m *Metrics) RecordRedirect(reason string) {
	if m == nil {
		return
	}
	m.RedirectsTotal.WithLabelValues(reason).Inc()
}

// RecordGateOutcome counts a final gate state
func (m *Metrics) RecordGateOutcome(state string) {
	if m == nil {
		return
	}
	m.GateOutcomesTotal.WithLabelValues(state).Inc()
}

// RecordProfileRefresh counts a profile refresh result
func (m *Metrics) RecordProfileRefresh(result string) {
	if m == nil {
		return
	}
	m.ProfileRefreshTotal.WithLabelValues(result).Inc()
}

// SessionOpened increments the active browser session gauge
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionClosed decrements the active browser session gauge
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by their gorilla/mux route template to bound cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
