// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Metrics holds the relay collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Connections        prometheus.Gauge
	UsersOnline        prometheus.Gauge
	MessagesRouted     *prometheus.CounterVec
	AuthFailures       *prometheus.CounterVec
	PresenceBroadcasts prometheus.Counter
	Evictions          *prometheus.CounterVec
	Violations         prometheus.Counter
	RateLimited        prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections, authenticated or not.",
		}),
		UsersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users_online",
			Help:      "Usernames currently in the registry.",
		}),
		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Send envelopes routed, by outcome.",
		}, []string{"delivered"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected authentication attempts, by reason.",
		}, []string{"reason"}),
		PresenceBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_broadcasts_total",
			Help:      "presence_change fan-outs triggered by registry changes.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Connections closed by the relay, by reason.",
		}, []string{"reason"}),
		Violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Malformed or out-of-place envelopes received.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Envelopes discarded by per-connection rate limiting.",
		}),
	}

	m.registry.MustRegister(
		m.Connections,
		m.UsersOnline,
		m.MessagesRouted,
		m.AuthFailures,
		m.PresenceBroadcasts,
		m.Evictions,
		m.Violations,
		m.RateLimited,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
