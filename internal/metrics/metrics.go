// Package metrics exposes Prometheus counters for access decisions and file
// operations. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fileluxe"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	authDecisions  *prometheus.CounterVec
	logins         *prometheus.CounterVec
	upgrades       prometheus.Counter
	pathRejections *prometheus.CounterVec
	fileOps        *prometheus.CounterVec
	fileOpDuration *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.authDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_decisions_total",
		Help:      "Authorization decisions by outcome.",
	}, []string{"outcome"}) // api_key, session, denied, expired

	m.logins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_attempts_total",
		Help:      "Password login attempts by result.",
	}, []string{"result"}) // success, failure, rate_limited, disabled

	m.upgrades = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_upgrades_total",
		Help:      "Legacy plaintext credentials rehashed on login.",
	})

	m.pathRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "path_rejections_total",
		Help:      "Client paths rejected by the guard.",
	}, []string{"reason"})

	m.fileOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "file_operations_total",
		Help:      "File operations by action and status.",
	}, []string{"action", "status"})

	m.fileOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "file_operation_duration_seconds",
		Help:      "Time spent in file operations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"action"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method and status code.",
	}, []string{"method", "code"})

	m.registry.MustRegister(
		m.authDecisions, m.logins, m.upgrades, m.pathRejections,
		m.fileOps, m.fileOpDuration, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry, or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) AuthDecision(outcome string) {
	if m == nil {
		return
	}
	m.authDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) CredentialUpgraded() {
	if m == nil {
		return
	}
	m.upgrades.Inc()
}

func (m *Metrics) PathRejected(reason string) {
	if m == nil {
		return
	}
	m.pathRejections.WithLabelValues(reason).Inc()
}

// FileOp records one completed operation. status is "ok" or an error class.
func (m *Metrics) FileOp(action, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.fileOps.WithLabelValues(action, status).Inc()
	m.fileOpDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) HTTPRequest(method string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, httpCode(code)).Inc()
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
