package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics covers ingestion, classification, moderation and dispatch.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	sourceRunsTotal       *prometheus.CounterVec
	sourceRunDuration     *prometheus.HistogramVec
	stageRecordsTotal     *prometheus.CounterVec
	warningsCreatedTotal  prometheus.Counter
	moderationTotal       *prometheus.CounterVec
	notificationsTotal    *prometheus.CounterVec
	dispatchedFindings    prometheus.Counter
	classifierCallLatency *prometheus.HistogramVec

	collectors []prometheus.Collector
}

// NewPipelineMetrics creates and registers pipeline metrics
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.sourceRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_source_runs_total",
		Help: "Ingestion runs per source and status",
	}, []string{"source", "status"})

	m.sourceRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_source_run_duration_seconds",
		Help:    "Duration of one ingestion run",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
	}, []string{"source"})

	m.stageRecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_records_total",
		Help: "Records handled by a processing stage, by outcome",
	}, []string{"stage", "outcome"})

	m.warningsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_warnings_created_total",
		Help: "Warnings created by correlation",
	})

	m.moderationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_moderation_actions_total",
		Help: "Rating and delete-vote requests by action and resulting status",
	}, []string{"action", "status"})

	m.notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_notifications_total",
		Help: "Per-recipient notification sends by status",
	}, []string{"status"})

	m.dispatchedFindings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_findings_dispatched_total",
		Help: "Findings marked sent by the dispatcher",
	})

	m.classifierCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_classifier_call_duration_seconds",
		Help:    "Latency of classifier model calls",
		Buckets: prometheus.ExponentialBuckets(BucketStart1ms, BucketFactor2, BucketCount15),
	}, []string{"call"})

	m.collectors = []prometheus.Collector{
		m.sourceRunsTotal, m.sourceRunDuration, m.stageRecordsTotal, m.warningsCreatedTotal,
		m.moderationTotal, m.notificationsTotal, m.dispatchedFindings, m.classifierCallLatency,
	}
}

// Describe implements the Collector interface
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordSourceRun records one ingestion run
func (m *PipelineMetrics) RecordSourceRun(source, status string, seconds float64) {
	if m == nil {
		return
	}
	m.sourceRunsTotal.WithLabelValues(source, status).Inc()
	m.sourceRunDuration.WithLabelValues(source).Observe(seconds)
}

// AddStageRecords adds n records with the given outcome for a stage
func (m *PipelineMetrics) AddStageRecords(stage, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stageRecordsTotal.WithLabelValues(stage, outcome).Add(float64(n))
}

// RecordWarningCreated counts a newly created warning
func (m *PipelineMetrics) RecordWarningCreated() {
	if m == nil {
		return
	}
	m.warningsCreatedTotal.Inc()
}

// RecordModeration records a moderation action outcome
func (m *PipelineMetrics) RecordModeration(action, status string) {
	if m == nil {
		return
	}
	m.moderationTotal.WithLabelValues(action, status).Inc()
}

// RecordNotification records one per-recipient send
func (m *PipelineMetrics) RecordNotification(status string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(status).Inc()
}

// RecordFindingDispatched counts a finding flipped to sent
func (m *PipelineMetrics) RecordFindingDispatched() {
	if m == nil {
		return
	}
	m.dispatchedFindings.Inc()
}

// ObserveClassifierCall records classifier call latency
func (m *PipelineMetrics) ObserveClassifierCall(call string, seconds float64) {
	if m == nil {
		return
	}
	m.classifierCallLatency.WithLabelValues(call).Observe(seconds)
}
