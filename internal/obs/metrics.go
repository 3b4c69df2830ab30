// Package obs holds the Prometheus instruments for the auth service.
package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels shared by the auth counters.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics groups the counters and histograms the service records. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Logins            *prometheus.CounterVec
	Refreshes         *prometheus.CounterVec
	Logouts           *prometheus.CounterVec
	ReuseDetected     prometheus.Counter
	TokenRejections   *prometheus.CounterVec
	SessionsSwept     prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	HTTPInFlight      prometheus.Gauge
	RateLimitRejected *prometheus.CounterVec
}

// NewMetrics creates the instruments and registers them on reg. If reg is nil a
// fresh registry is used, which keeps tests isolated from the default registerer.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_refreshes_total",
			Help: "Refresh token rotations by outcome.",
		}, []string{"outcome"}),
		Logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logouts_total",
			Help: "Logout calls by outcome.",
		}, []string{"outcome"}),
		ReuseDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_refresh_reuse_detected_total",
			Help: "Presentations of an already consumed refresh token.",
		}),
		TokenRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_access_token_rejections_total",
			Help: "Access token rejections by reason.",
		}, []string{"reason"}),
		SessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_sessions_swept_total",
			Help: "Expired sessions deleted by the sweeper.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		RateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}, []string{"path"}),
	}
	reg.MustRegister(
		m.Logins, m.Refreshes, m.Logouts, m.ReuseDetected, m.TokenRejections,
		m.SessionsSwept, m.HTTPRequests, m.HTTPDuration, m.HTTPInFlight, m.RateLimitRejected,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Login(outcome string) {
	if m != nil {
		m.Logins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Refresh(outcome string) {
	if m != nil {
		m.Refreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Logout(outcome string) {
	if m != nil {
		m.Logouts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Reuse() {
	if m != nil {
		m.ReuseDetected.Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.TokenRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Swept(n int64) {
	if m != nil && n > 0 {
		m.SessionsSwept.Add(float64(n))
	}
}

func (m *Metrics) RateLimited(path string) {
	if m != nil {
		m.RateLimitRejected.WithLabelValues(path).Inc()
	}
}
