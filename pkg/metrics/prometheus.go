// Package metrics provides Prometheus metrics for the liquid tally service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	metricPrefix     string
	registry         prometheus.Registerer

	// Calculation lifecycle
	calculationsStarted   prometheus.Counter
	calculationsCompleted prometheus.Counter
	calculationsFailed    *prometheus.CounterVec
	calculationsInFlight  prometheus.Gauge
	phaseDuration         *prometheus.HistogramVec
	unresolvedTies        prometheus.Counter

	// Trigger intake
	triggers *prometheus.CounterVec

	// Snapshot
	snapshotMembers  prometheus.Gauge
	snapshotEdges    prometheus.Gauge
	snapshotWarnings prometheus.Counter

	// Delegation
	delegationCycleSkips     prometheus.Counter
	delegationMemberFailures prometheus.Counter
	effectiveBallots         *prometheus.CounterVec

	// Queue
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueue       prometheus.Counter
	queueDequeue       prometheus.Counter
	queueEnqueueErrors *prometheus.CounterVec

	// Workers
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// Recovery sweep
	recoverySweeps    prometheus.Counter
	recoveryRetries   prometheus.Counter
	recoveryGiveUps   prometheus.Counter
	recoveryCorrupted prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorsByComponent *prometheus.CounterVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "liquid",
		subsystem:        "tally",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.constLabels,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	m.calculationsStarted = m.counter("calculations_started_total", "Calculation runs started (fresh and resumed)")
	m.calculationsCompleted = m.counter("calculations_completed_total", "Calculation runs that reached completed")
	m.calculationsFailed = m.counterVec("calculations_failed_total", "Calculation runs that failed, by failed status", "status")
	m.calculationsInFlight = m.gauge("calculations_in_flight", "Calculation runs currently executing in this process")
	m.phaseDuration = m.histogramVec("phase_duration_milliseconds", "Duration of each calculation phase in milliseconds", "phase")
	m.unresolvedTies = m.counter("unresolved_ties_total", "Tallies that ended in an unresolved tie")

	m.triggers = m.counterVec("triggers_total", "Calculation triggers by outcome", "outcome")

	m.snapshotMembers = m.gauge("snapshot_members", "Roster size of the most recent snapshot")
	m.snapshotEdges = m.gauge("snapshot_edges", "Follow edge count of the most recent snapshot")
	m.snapshotWarnings = m.counter("snapshot_warnings_total", "Validation warnings raised while building snapshots")

	m.delegationCycleSkips = m.counter("delegation_cycle_skips_total", "Follow edges skipped because they closed a cycle")
	m.delegationMemberFailures = m.counter("delegation_member_failures_total", "Members whose resolution failed and was skipped")
	m.effectiveBallots = m.counterVec("effective_ballots_total", "Effective ballots produced, by source", "source")

	m.queueSize = m.gauge("queue_size", "Current size of the calculation job queue")
	m.queueCapacity = m.gauge("queue_capacity", "Maximum capacity of the calculation job queue")
	m.queueEnqueue = m.counter("queue_enqueue_total", "Jobs enqueued")
	m.queueDequeue = m.counter("queue_dequeue_total", "Jobs dequeued")
	m.queueEnqueueErrors = m.counterVec("queue_enqueue_errors_total", "Jobs rejected by the queue, by reason", "reason")

	m.workerCount = m.gauge("worker_count", "Number of calculation workers")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Job processing latency in milliseconds")
	m.workerErrors = m.counter("worker_errors_total", "Jobs that ended with an error")

	m.recoverySweeps = m.counter("recovery_sweeps_total", "Recovery sweeps executed")
	m.recoveryRetries = m.counter("recovery_retries_total", "Failed records re-attempted by the recovery sweep")
	m.recoveryGiveUps = m.counter("recovery_give_ups_total", "Failed records left alone after exhausting retries")
	m.recoveryCorrupted = m.counter("recovery_corrupted_total", "Records marked corrupted by the recovery sweep")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")

	m.errorsByComponent = m.counterVec("errors_total", "Errors by component and type", "component", "error_type")
}

// Calculation lifecycle.

// RecordCalculationStarted increments the started counter and the in-flight gauge.
func RecordCalculationStarted() {
	globalManager.calculationsStarted.Inc()
	globalManager.calculationsInFlight.Inc()
}

// RecordCalculationCompleted increments the completed counter and releases an in-flight slot.
func RecordCalculationCompleted() {
	globalManager.calculationsCompleted.Inc()
	globalManager.calculationsInFlight.Dec()
}

// RecordCalculationFailed increments the failure counter for status and releases an in-flight slot.
func RecordCalculationFailed(status string) {
	globalManager.calculationsFailed.WithLabelValues(status).Inc()
	globalManager.calculationsInFlight.Dec()
}

// RecordPhaseDuration observes how long a phase took.
func RecordPhaseDuration(phase string, d time.Duration) {
	globalManager.phaseDuration.WithLabelValues(phase).Observe(float64(d.Milliseconds()))
}

// RecordUnresolvedTie increments the unresolved tie counter.
func RecordUnresolvedTie() {
	globalManager.unresolvedTies.Inc()
}

// Trigger intake.

// RecordTrigger counts a trigger with outcome accepted, coalesced or rejected.
func RecordTrigger(outcome string) {
	globalManager.triggers.WithLabelValues(outcome).Inc()
}

// Snapshot.

// UpdateSnapshotSize records the roster and edge counts of a snapshot.
func UpdateSnapshotSize(members, edges int) {
	globalManager.snapshotMembers.Set(float64(members))
	globalManager.snapshotEdges.Set(float64(edges))
}

// RecordSnapshotWarnings adds n validation warnings.
func RecordSnapshotWarnings(n int) {
	globalManager.snapshotWarnings.Add(float64(n))
}

// Delegation.

// RecordCycleSkips adds n cycle skips.
func RecordCycleSkips(n int) {
	globalManager.delegationCycleSkips.Add(float64(n))
}

// RecordMemberFailures adds n isolated member failures.
func RecordMemberFailures(n int) {
	globalManager.delegationMemberFailures.Add(float64(n))
}

// RecordEffectiveBallots adds n ballots with the given source.
func RecordEffectiveBallots(source string, n int) {
	globalManager.effectiveBallots.WithLabelValues(source).Add(float64(n))
}

// Queue.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueue.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeue.Inc()
}

// RecordQueueEnqueueError counts a rejected enqueue.
func RecordQueueEnqueueError(reason string) {
	globalManager.queueEnqueueErrors.WithLabelValues(reason).Inc()
}

// Workers.

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records job processing latency.
func RecordWorkerProcessingLatency(d time.Duration) {
	globalManager.workerProcessingLatency.Observe(float64(d.Milliseconds()))
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// Recovery.

// RecordRecoverySweep increments the sweep counter.
func RecordRecoverySweep() {
	globalManager.recoverySweeps.Inc()
}

// RecordRecoveryRetry increments the retry counter.
func RecordRecoveryRetry() {
	globalManager.recoveryRetries.Inc()
}

// RecordRecoveryGiveUp increments the give-up counter.
func RecordRecoveryGiveUp() {
	globalManager.recoveryGiveUps.Inc()
}

// RecordRecoveryCorrupted increments the corrupted counter.
func RecordRecoveryCorrupted() {
	globalManager.recoveryCorrupted.Inc()
}

// HTTP.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Errors.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
