package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Tap outcomes keyed by status and reason
	TapTotal *prometheus.CounterVec

	// SDM verification outcomes
	SDMVerifyTotal *prometheus.CounterVec

	// Code allocation outcomes
	AllocationTotal *prometheus.CounterVec

	// Reconciliation run metrics
	ReconcileRunTotal    *prometheus.CounterVec
	ReconcileItemTotal   *prometheus.CounterVec
	ReconcileRunDuration *prometheus.HistogramVec

	// Claim authority call metrics
	AuthorityRequestTotal    *prometheus.CounterVec
	AuthorityRequestDuration *prometheus.HistogramVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		TapTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tap_requests_total",
			Help: "Total number of tap requests by outcome",
		}, []string{"status", "reason"}),

		SDMVerifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sdm_verify_total",
			Help: "Total number of SDM verification attempts",
		}, []string{"mode", "result"}),

		AllocationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "code_allocations_total",
			Help: "Total number of code allocation attempts",
		}, []string{"result"}),

		ReconcileRunTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Total number of reconciliation runs",
		}, []string{"trigger", "status"}),

		ReconcileItemTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_items_total",
			Help: "Total number of codes processed by reconciliation",
		}, []string{"outcome"}),

		ReconcileRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reconcile_run_duration_seconds",
			Help:    "Reconciliation run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"trigger"}),

		AuthorityRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authority_requests_total",
			Help: "Total number of claim authority API requests",
		}, []string{"operation", "status"}),

		AuthorityRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authority_request_duration_seconds",
			Help:    "Claim authority API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.TapTotal)
	registerOrGet(m.SDMVerifyTotal)
	registerOrGet(m.AllocationTotal)
	registerOrGet(m.ReconcileRunTotal)
	registerOrGet(m.ReconcileItemTotal)
	registerOrGet(m.ReconcileRunDuration)
	registerOrGet(m.AuthorityRequestTotal)
	registerOrGet(m.AuthorityRequestDuration)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		// If already registered, return the existing collector
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
