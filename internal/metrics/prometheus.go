// Package metrics provides Prometheus metrics for monitoring.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics holds all Prometheus metrics
type PrometheusMetrics struct {
	// HTTP metrics (directory server)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionDuration prometheus.Histogram
	KeyRotations    prometheus.Counter

	// Packet metrics
	PacketsForwarded   prometheus.Counter
	PacketsDelivered   prometheus.Counter
	BytesRelayed       prometheus.Counter
	PacketFaultsTotal  *prometheus.CounterVec
	JitterDuration     prometheus.Histogram

	// Path selection metrics
	PathsBuilt          prometheus.Counter
	PathBuildFailures   *prometheus.CounterVec
	DiversityRelaxations prometheus.Counter

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// Rate limiting metrics
	RateLimitHits prometheus.Counter
	BannedPeers   prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates and registers all metrics
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests to the directory service",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "anemochory",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "anemochory",
				Name:      "active_connections",
				Help:      "Number of active framed-transport peer connections",
			},
		),

		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "connections_total",
				Help:      "Total number of peer connections accepted",
			},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "anemochory",
				Name:      "active_sessions",
				Help:      "Number of live onion sessions",
			},
		),

		SessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "sessions_created_total",
				Help:      "Total number of sessions established",
			},
		),

		SessionsClosed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "sessions_closed_total",
				Help:      "Total number of sessions closed",
			},
		),

		SessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "anemochory",
				Name:      "session_duration_seconds",
				Help:      "Session lifetime duration in seconds",
				Buckets:   []float64{60, 300, 600, 1800, 3600, 7200, 14400},
			},
		),

		KeyRotations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "key_rotations_total",
				Help:      "Total number of session key ratchet rotations",
			},
		),

		PacketsForwarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "packets_forwarded_total",
				Help:      "Total number of onion packets forwarded to the next hop",
			},
		),

		PacketsDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "packets_delivered_total",
				Help:      "Total number of final payloads delivered at an exit node",
			},
		),

		BytesRelayed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "bytes_relayed_total",
				Help:      "Total bytes relayed (constant 1024-byte packets)",
			},
		),

		PacketFaultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "packet_faults_total",
				Help:      "Total number of packet-level faults by kind",
			},
			[]string{"fault"},
		),

		JitterDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "anemochory",
				Name:      "jitter_delay_seconds",
				Help:      "Forwarding jitter delay actually applied",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.03, 0.04, 0.05},
			},
		),

		PathsBuilt: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "paths_built_total",
				Help:      "Total number of paths successfully built",
			},
		),

		PathBuildFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "path_build_failures_total",
				Help:      "Total number of path build failures by reason",
			},
			[]string{"reason"},
		),

		DiversityRelaxations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "diversity_relaxations_total",
				Help:      "Total number of times diversity constraints were relaxed during path selection",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"type"},
		),

		PanicsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "panics_total",
				Help:      "Total number of panics recovered",
			},
		),

		RateLimitHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "anemochory",
				Name:      "rate_limit_hits_total",
				Help:      "Total number of rate limit hits",
			},
		),

		BannedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "anemochory",
				Name:      "banned_peers",
				Help:      "Number of currently banned peer addresses",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.ActiveSessions,
		m.SessionsCreated,
		m.SessionsClosed,
		m.SessionDuration,
		m.KeyRotations,
		m.PacketsForwarded,
		m.PacketsDelivered,
		m.BytesRelayed,
		m.PacketFaultsTotal,
		m.JitterDuration,
		m.PathsBuilt,
		m.PathBuildFailures,
		m.DiversityRelaxations,
		m.ErrorsTotal,
		m.PanicsTotal,
		m.RateLimitHits,
		m.BannedPeers,
	)

	// Register default Go metrics
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the HTTP handler for metrics endpoint
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordError records an error by type
func (m *PrometheusMetrics) RecordError(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordPacketFault records a packet-level fault by kind (never propagated to peers)
func (m *PrometheusMetrics) RecordPacketFault(fault string) {
	m.PacketFaultsTotal.WithLabelValues(fault).Inc()
}

// RecordPathBuildFailure records a failed path-selection attempt
func (m *PrometheusMetrics) RecordPathBuildFailure(reason string) {
	m.PathBuildFailures.WithLabelValues(reason).Inc()
}
