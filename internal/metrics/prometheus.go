package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "lakelink"
)

// Metrics holds all Prometheus metrics of the service
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	RequestFailures     *prometheus.CounterVec
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ProtocolErrorsTotal prometheus.Counter
	OpenScans           prometheus.Gauge

	// Transaction log metrics
	CommitsTotal     *prometheus.CounterVec
	CommitDuration   prometheus.Histogram
	FileActionsTotal *prometheus.CounterVec
	TablesTotal      prometheus.Gauge

	// Cardinality cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheEntries     prometheus.Gauge

	// Maintenance metrics
	MaintenanceRunsTotal *prometheus.CounterVec
	MaintenanceDuration  prometheus.Histogram
	MaintenanceRejected  prometheus.Counter
}

// NewMetrics creates all metrics on a fresh registry that also carries the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetrics(reg)
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Total number of requests by variant",
		}, []string{"request"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Request handling duration by variant",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"request"}),
		RequestFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "request_failures_total",
			Help:      "Requests answered with a failure, by variant and error code",
		}, []string{"request", "code"}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connections_active",
			Help:      "Number of open client connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connections_total",
			Help:      "Total number of accepted client connections",
		}),
		ProtocolErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "protocol_errors_total",
			Help:      "Connections closed because of malformed frames",
		}),
		OpenScans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "open_scans",
			Help:      "Number of scan buffers currently held",
		}),

		CommitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "commits_total",
			Help:      "Total number of log commits by operation and status",
		}, []string{"operation", "status"}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "commit_duration_seconds",
			Help:      "Log commit duration",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		FileActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "file_actions_total",
			Help:      "Total number of committed file actions by kind",
		}, []string{"kind"}),
		TablesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "tables",
			Help:      "Number of registered tables",
		}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cardinality_cache",
			Name:      "hits_total",
			Help:      "Total number of cardinality cache hits",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cardinality_cache",
			Name:      "misses_total",
			Help:      "Total number of cardinality cache misses",
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cardinality_cache",
			Name:      "entries",
			Help:      "Number of cached table cardinalities",
		}),

		MaintenanceRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "runs_total",
			Help:      "Total number of optimize runs by mode and status",
		}, []string{"mode", "status"}),
		MaintenanceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "run_duration_seconds",
			Help:      "Optimize run duration",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		MaintenanceRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "rejected_total",
			Help:      "Optimize runs not queued because the worker pool was full or busy with the table",
		}),
	}
}

// Registry returns the registry all metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a handled request
func (m *Metrics) RecordRequest(request string, duration float64) {
	m.RequestsTotal.WithLabelValues(request).Inc()
	m.RequestDuration.WithLabelValues(request).Observe(duration)
}

// RecordFailure records a request answered with a failure
func (m *Metrics) RecordFailure(request, code string) {
	m.RequestFailures.WithLabelValues(request, code).Inc()
}

// RecordConnectionOpened records an accepted connection
func (m *Metrics) RecordConnectionOpened() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordConnectionClosed records a closed connection
func (m *Metrics) RecordConnectionClosed() {
	m.ConnectionsActive.Dec()
}

// RecordProtocolError records a connection dropped for a malformed frame
func (m *Metrics) RecordProtocolError() {
	m.ProtocolErrorsTotal.Inc()
}

// AddOpenScans adjusts the number of held scan buffers
func (m *Metrics) AddOpenScans(delta int) {
	m.OpenScans.Add(float64(delta))
}

// RecordCommit records a log commit
func (m *Metrics) RecordCommit(operation string, err error, duration float64, adds, removes int) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.CommitsTotal.WithLabelValues(operation, status).Inc()
	m.CommitDuration.Observe(duration)
	if err == nil {
		m.FileActionsTotal.WithLabelValues("add").Add(float64(adds))
		m.FileActionsTotal.WithLabelValues("remove").Add(float64(removes))
	}
}

// UpdateTables sets the number of registered tables
func (m *Metrics) UpdateTables(n int) {
	m.TablesTotal.Set(float64(n))
}

// RecordCacheHit records a cardinality cache hit
func (m *Metrics) RecordCacheHit() {
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cardinality cache miss
func (m *Metrics) RecordCacheMiss() {
	m.CacheMissesTotal.Inc()
}

// UpdateCacheEntries sets the number of cached cardinalities
func (m *Metrics) UpdateCacheEntries(n int) {
	m.CacheEntries.Set(float64(n))
}

// RecordMaintenanceRun records one optimize run
func (m *Metrics) RecordMaintenanceRun(mode string, err error, duration float64) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.MaintenanceRunsTotal.WithLabelValues(mode, status).Inc()
	m.MaintenanceDuration.Observe(duration)
}

// RecordMaintenanceRejected records an optimize run that could not be queued
func (m *Metrics) RecordMaintenanceRejected() {
	m.MaintenanceRejected.Inc()
}
