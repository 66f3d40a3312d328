package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the orchestrator's counters/gauges, registered against a
// package-local registry rather than prometheus.DefaultRegisterer so
// embedding a target server doesn't impose a global registry on the host.
type Metrics struct {
	Registry          *prometheus.Registry
	ChunksSent        prometheus.Counter
	BytesSent         prometheus.Counter
	ActiveConns       prometheus.Gauge
	ParseErrorsByKind *prometheus.CounterVec
}

// NewMetrics builds a fresh Metrics set on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comux_orchestrator_chunks_sent_total",
			Help: "Number of chunks successfully transmitted.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "comux_orchestrator_bytes_sent_total",
			Help: "Number of payload bytes successfully transmitted.",
		}),
		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "comux_orchestrator_active_connections",
			Help: "Number of connections currently ALIVE in the connection table.",
		}),
		ParseErrorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "comux_orchestrator_parse_errors_total",
			Help: "Manifest parse errors observed, labeled by Kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.ChunksSent, m.BytesSent, m.ActiveConns, m.ParseErrorsByKind)
	return m
}
