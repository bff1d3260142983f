// Package metrics exposes Prometheus instrumentation for the
// multiplexer and broker. The teacher has no metrics layer at all;
// this adopts the pack's shared choice of
// github.com/prometheus/client_golang, the only instrumentation
// library any example repo imports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge one pipeline invocation reports.
// The zero value is not usable; build one with New.
type Metrics struct {
	registry *prometheus.Registry

	FramesDispatched *prometheus.CounterVec
	HandlesOpen      prometheus.Gauge
	ReservedBytes    *prometheus.CounterVec
	OrphanedPending  prometheus.Counter
}

// New builds a Metrics instance with its own private registry, so
// multiple Mux/broker instances in the same process (as in tests)
// never collide on metric registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		FramesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsmux",
			Name:      "frames_dispatched_total",
			Help:      "Request frames forwarded to the broker, by operation.",
		}, []string{"op"}),
		HandlesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vfsmux",
			Name:      "handles_open",
			Help:      "Broker handles currently open.",
		}),
		ReservedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vfsmux",
			Name:      "reserved_bytes_total",
			Help:      "Bytes moved over reserved handles 0/1/2, by handle.",
		}, []string{"handle"}),
		OrphanedPending: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vfsmux",
			Name:      "orphaned_pending_total",
			Help:      "Upstream responses dropped because their owning stage had already died.",
		}),
	}

	reg.MustRegister(m.FramesDispatched, m.HandlesOpen, m.ReservedBytes, m.OrphanedPending)
	return m
}

// Handler returns the HTTP handler cmd/vfsmux serves at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
