package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "authgw"

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry  *prometheus.Registry
	logins    *prometheus.CounterVec
	callbacks *prometheus.CounterVec
	refreshes *prometheus.CounterVec
	guard     *prometheus.CounterVec
	discovery *prometheus.CounterVec
	logouts   *prometheus.CounterVec
}

// NewMetrics registers collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "login_started_total",
			Help:      "Login attempts by identity mode and outcome.",
		}, []string{"mode", "outcome"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "callback_total",
			Help:      "Authorization callbacks by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "session_refresh_total",
			Help:      "Session refresh attempts by outcome.",
		}, []string{"outcome"}),
		guard: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "guard_decisions_total",
			Help:      "Protected-route authentication decisions.",
		}, []string{"result"}),
		discovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "discovery_fetch_total",
			Help:      "Provider discovery fetches by result.",
		}, []string{"result"}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logout_total",
			Help:      "Logouts by identity mode.",
		}, []string{"mode"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.logins, m.callbacks, m.refreshes, m.guard, m.discovery, m.logouts,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) login(mode, outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) callback(outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) guardDecision(result string) {
	if m == nil {
		return
	}
	m.guard.WithLabelValues(result).Inc()
}

func (m *Metrics) discoveryFetch(result string) {
	if m == nil {
		return
	}
	m.discovery.WithLabelValues(result).Inc()
}

func (m *Metrics) logout(mode string) {
	if m == nil {
		return
	}
	m.logouts.WithLabelValues(mode).Inc()
}
