package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for sendry-flow
type Metrics struct {
	// Enrollment lifecycle
	EnrollmentsCreatedTotal  *prometheus.CounterVec
	EnrollmentsFinishedTotal *prometheus.CounterVec
	EnrollmentsOpen          *prometheus.GaugeVec

	// Step execution
	StepsExecutedTotal *prometheus.CounterVec

	// Scheduler
	SchedulerPassesTotal         prometheus.Counter
	SchedulerPassDurationSeconds prometheus.Histogram
	SchedulerLockConflictsTotal  prometheus.Counter
	SchedulerPanicsTotal         prometheus.Counter

	// Domain events
	EventsReceivedTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds     prometheus.Gauge
	Goroutines        prometheus.Gauge
	DatabaseSizeBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EnrollmentsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendry_flow_enrollments_created_total",
				Help: "Total number of enrollments created",
			},
			[]string{"trigger_type"},
		),
		EnrollmentsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendry_flow_enrollments_finished_total",
				Help: "Total number of enrollments that reached a terminal status",
			},
			[]string{"status"},
		),
		EnrollmentsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sendry_flow_enrollments_open",
				Help: "Number of active and waiting enrollments",
			},
			[]string{"status"},
		),

		StepsExecutedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendry_flow_steps_executed_total",
				Help: "Total number of executed steps by type and result",
			},
			[]string{"step_type", "result"},
		),

		SchedulerPassesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendry_flow_scheduler_passes_total",
				Help: "Total number of scheduling passes",
			},
		),
		SchedulerPassDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sendry_flow_scheduler_pass_duration_seconds",
				Help:    "Duration of a scheduling pass in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		SchedulerLockConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendry_flow_scheduler_lock_conflicts_total",
				Help: "Enrollments skipped because another worker held their lease",
			},
		),
		SchedulerPanicsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendry_flow_scheduler_panics_total",
				Help: "Enrollments whose processing panicked",
			},
		),

		EventsReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendry_flow_events_received_total",
				Help: "Total number of trigger events routed",
			},
			[]string{"trigger_type"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendry_flow_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sendry_flow_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendry_flow_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendry_flow_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendry_flow_goroutines",
				Help: "Number of active goroutines",
			},
		),
		DatabaseSizeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sendry_flow_database_size_bytes",
				Help: "SQLite database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.EnrollmentsCreatedTotal,
		m.EnrollmentsFinishedTotal,
		m.EnrollmentsOpen,
		m.StepsExecutedTotal,
		m.SchedulerPassesTotal,
		m.SchedulerPassDurationSeconds,
		m.SchedulerLockConflictsTotal,
		m.SchedulerPanicsTotal,
		m.EventsReceivedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.DatabaseSizeBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncEnrollmentsCreated counts a new enrollment
func IncEnrollmentsCreated(triggerType string) {
	if m := Global(); m != nil {
		m.EnrollmentsCreatedTotal.WithLabelValues(triggerType).Inc()
	}
}

// IncEnrollmentsFinished counts an enrollment reaching completed, exited or failed
func IncEnrollmentsFinished(status string) {
	if m := Global(); m != nil {
		m.EnrollmentsFinishedTotal.WithLabelValues(status).Inc()
	}
}

// IncStepsExecuted counts a step execution; result is success, retry or failed
func IncStepsExecuted(stepType, result string) {
	if m := Global(); m != nil {
		m.StepsExecutedTotal.WithLabelValues(stepType, result).Inc()
	}
}

// ObserveSchedulerPass records one scheduling pass
func ObserveSchedulerPass(seconds float64) {
	if m := Global(); m != nil {
		m.SchedulerPassesTotal.Inc()
		m.SchedulerPassDurationSeconds.Observe(seconds)
	}
}

func IncSchedulerLockConflicts() {
	if m := Global(); m != nil {
		m.SchedulerLockConflictsTotal.Inc()
	}
}

func IncSchedulerPanics() {
	if m := Global(); m != nil {
		m.SchedulerPanicsTotal.Inc()
	}
}

// IncEventsReceived counts a routed trigger event
func IncEventsReceived(triggerType string) {
	if m := Global(); m != nil {
		m.EventsReceivedTotal.WithLabelValues(triggerType).Inc()
	}
}
