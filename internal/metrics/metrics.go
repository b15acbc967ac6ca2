// Package metrics exposes Prometheus counters for the gateway. All
// methods are safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Authentication
	authDecisions *prometheus.CounterVec
	keySetFetches *prometheus.CounterVec

	// Bookkeeping
	bookkeepingWrites *prometheus.CounterVec
	bookkeepingDepth  prometheus.Gauge

	// Query relay
	queries      *prometheus.CounterVec
	relayLatency *prometheus.HistogramVec
}

// New creates a Metrics instance with its own registry, including the
// standard Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		authDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gdelt_mcp_auth_decisions_total",
				Help: "Authentication decisions by credential method and outcome",
			},
			[]string{"method", "outcome"},
		),
		keySetFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gdelt_mcp_jwks_fetches_total",
				Help: "Key set fetches from the identity provider by result",
			},
			[]string{"result"},
		),
		bookkeepingWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gdelt_mcp_bookkeeping_writes_total",
				Help: "API key last-used writes by result (ok, error, dropped, skipped)",
			},
			[]string{"result"},
		),
		bookkeepingDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gdelt_mcp_bookkeeping_queue_depth",
				Help: "Pending API key last-used writes",
			},
		),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gdelt_mcp_queries_total",
				Help: "Relayed queries by attribution source and outcome",
			},
			[]string{"source", "outcome"},
		),
		relayLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gdelt_mcp_relay_duration_seconds",
				Help:    "Latency of executor calls",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.authDecisions,
		m.keySetFetches,
		m.bookkeepingWrites,
		m.bookkeepingDepth,
		m.queries,
		m.relayLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AuthDecision counts one gateway decision.
func (m *Metrics) AuthDecision(method, outcome string) {
	if m == nil {
		return
	}

	m.authDecisions.WithLabelValues(method, outcome).Inc()
}

// KeySetFetch counts one key set fetch.
func (m *Metrics) KeySetFetch(result string) {
	if m == nil {
		return
	}

	m.keySetFetches.WithLabelValues(result).Inc()
}

// BookkeepingWrite counts one last-used write attempt.
func (m *Metrics) BookkeepingWrite(result string) {
	if m == nil {
		return
	}

	m.bookkeepingWrites.WithLabelValues(result).Inc()
}

// BookkeepingDepth records the current queue length.
func (m *Metrics) BookkeepingDepth(n int) {
	if m == nil {
		return
	}

	m.bookkeepingDepth.Set(float64(n))
}

// Query counts one relayed query and its executor latency.
func (m *Metrics) Query(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}

	m.queries.WithLabelValues(source, outcome).Inc()
	m.relayLatency.WithLabelValues(outcome).Observe(d.Seconds())
}
