package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	LoginAttemptsTotal  *prometheus.CounterVec
	RateLimitedTotal    *prometheus.CounterVec
	LockoutsTotal       prometheus.Counter
	RefreshTotal        *prometheus.CounterVec
	TokenRejections     *prometheus.CounterVec
	RevocationsTotal    *prometheus.CounterVec
	CleanupDeletedTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auth_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_login_attempts_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"operation"},
		),
		LockoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "auth_lockouts_total",
				Help: "Identifiers locked after too many failed logins",
			},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_refresh_total",
				Help: "Refresh token rotations by outcome",
			},
			[]string{"outcome"},
		),
		TokenRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_access_token_rejections_total",
				Help: "Rejected access tokens by reason",
			},
			[]string{"reason"},
		),
		RevocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_revocations_total",
				Help: "Revoked tokens by kind",
			},
			[]string{"kind"},
		),
		CleanupDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_cleanup_deleted_total",
				Help: "Expired records removed by maintenance",
			},
			[]string{"store"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginAttemptsTotal,
		m.RateLimitedTotal,
		m.LockoutsTotal,
		m.RefreshTotal,
		m.TokenRejections,
		m.RevocationsTotal,
		m.CleanupDeletedTotal,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) LoginOutcome(outcome string) {
	if m == nil {
		return
	}
	m.LoginAttemptsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RateLimited(operation string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) Lockout() {
	if m == nil {
		return
	}
	m.LockoutsTotal.Inc()
}

func (m *Metrics) RefreshOutcome(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TokenRejected(reason string) {
	if m == nil {
		return
	}
	m.TokenRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Revoked(kind string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.RevocationsTotal.WithLabelValues(kind).Add(float64(count))
}

func (m *Metrics) CleanupDeleted(store string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.CleanupDeletedTotal.WithLabelValues(store).Add(float64(count))
}
