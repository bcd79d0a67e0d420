// Package metrics exposes Prometheus instrumentation for the record store.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recordstore"

// Metrics holds the collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	upgrades   *prometheus.CounterVec
	blocked    prometheus.Counter
	stale      prometheus.Counter
	snapshots  *prometheus.CounterVec
	requests   *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Record operations by table, operation and result.",
		}, []string{"table", "operation", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Record operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "initializations_total",
			Help:      "Database initializations by result.",
		}, []string{"result"}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrade_blocked_total",
			Help:      "Upgrades blocked by a connection held elsewhere.",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_connections_total",
			Help:      "Connections invalidated by a newer version.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot jobs by result.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations, m.duration, m.upgrades, m.blocked, m.stale, m.snapshots, m.requests,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOperation records one record operation.
func (m *Metrics) ObserveOperation(table, operation, result string, start time.Time) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(table, operation, result).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Initialized records the outcome of a database initialization.
func (m *Metrics) Initialized(result string) {
	if m == nil {
		return
	}
	m.upgrades.WithLabelValues(result).Inc()
}

// UpgradeBlocked counts a blocked upgrade attempt.
func (m *Metrics) UpgradeBlocked() {
	if m == nil {
		return
	}
	m.blocked.Inc()
}

// ConnectionStale counts an invalidated connection.
func (m *Metrics) ConnectionStale() {
	if m == nil {
		return
	}
	m.stale.Inc()
}

// SnapshotFinished records a finished snapshot job.
func (m *Metrics) SnapshotFinished(result string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(result).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, code).Inc()
}
