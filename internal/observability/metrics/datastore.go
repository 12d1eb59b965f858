// Package metrics provides custom Prometheus metrics for crowdwarn components.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DatastoreMetrics contains Prometheus metrics for the write gate and stage commits.
// A nil *DatastoreMetrics is valid and records nothing.
type DatastoreMetrics struct {
	gateAttemptsTotal    *prometheus.CounterVec
	gateContentionTotal  prometheus.Counter
	gateExhaustedTotal   prometheus.Counter
	gateWriteDuration    prometheus.Histogram
	gateLockWaitDuration prometheus.Histogram
	rawItemsStoredTotal  *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewDatastoreMetrics creates and registers new datastore metrics
func NewDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register datastore metrics: %w", err)
	}
	return m, nil
}

func (m *DatastoreMetrics) initMetrics() {
	m.gateAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datastore_gate_attempts_total",
		Help: "Write transactions attempted through the storage gate",
	}, []string{"status"})

	m.gateContentionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datastore_gate_contention_total",
		Help: "Write attempts that failed with lock contention and were retried",
	})

	m.gateExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datastore_gate_retries_exhausted_total",
		Help: "Writes abandoned after every retry hit lock contention",
	})

	m.gateWriteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "datastore_gate_write_duration_seconds",
		Help:    "Time from acquiring the write lock to commit or final failure",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
	})

	m.gateLockWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "datastore_gate_lock_wait_seconds",
		Help:    "Time spent waiting for the process-wide write lock",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
	})

	m.rawItemsStoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datastore_raw_items_stored_total",
		Help: "Raw items inserted by ingestion, by kind",
	}, []string{"kind"})

	m.collectors = []prometheus.Collector{
		m.gateAttemptsTotal, m.gateContentionTotal, m.gateExhaustedTotal,
		m.gateWriteDuration, m.gateLockWaitDuration, m.rawItemsStoredTotal,
	}
}

// Describe implements the Collector interface
func (m *DatastoreMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *DatastoreMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordGateAttempt records one transaction attempt with its status
func (m *DatastoreMetrics) RecordGateAttempt(status string) {
	if m == nil {
		return
	}
	m.gateAttemptsTotal.WithLabelValues(status).Inc()
}

// RecordContention records an attempt that hit lock contention
func (m *DatastoreMetrics) RecordContention() {
	if m == nil {
		return
	}
	m.gateContentionTotal.Inc()
}

// RecordRetriesExhausted records a write abandoned after its last attempt
func (m *DatastoreMetrics) RecordRetriesExhausted() {
	if m == nil {
		return
	}
	m.gateExhaustedTotal.Inc()
}

// ObserveWrite records lock wait and write durations in seconds
func (m *DatastoreMetrics) ObserveWrite(lockWait, write float64) {
	if m == nil {
		return
	}
	m.gateLockWaitDuration.Observe(lockWait)
	m.gateWriteDuration.Observe(write)
}

// AddRawItemsStored counts raw items inserted for a kind
func (m *DatastoreMetrics) AddRawItemsStored(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rawItemsStoredTotal.WithLabelValues(kind).Add(float64(n))
}
