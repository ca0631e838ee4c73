package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the fulfillment service.
// Metrics are organized by subsystem: processes, activities, signals, events,
// and the audit relay. All counters and histograms are registered via promauto
// for automatic registration with the default Prometheus registry.
type Metrics struct {
	// ProcessesStarted counts process runs initiated, labeled by process name.
	ProcessesStarted *prometheus.CounterVec

	// ProcessesCompleted counts process runs that finished successfully, labeled by process name.
	ProcessesCompleted *prometheus.CounterVec

	// ProcessesFailed counts process runs that ended in failure, labeled by process name.
	ProcessesFailed *prometheus.CounterVec

	// ProcessesCancelled counts process runs cancelled by a signal before completion.
	ProcessesCancelled prometheus.Counter

	// ProcessesRecovered counts process runs resumed after a restart.
	ProcessesRecovered prometheus.Counter

	// ProcessDuration observes the end-to-end duration of process runs in seconds.
	ProcessDuration *prometheus.HistogramVec

	// ActivityAttempts counts activity execution attempts, labeled by activity and outcome.
	ActivityAttempts *prometheus.CounterVec

	// ActivityDuration observes single-attempt activity duration in seconds, labeled by activity.
	ActivityDuration *prometheus.HistogramVec

	// CheckpointsReplayed counts activity results served from the checkpoint log instead of re-execution.
	CheckpointsReplayed prometheus.Counter

	// SignalsReceived counts signals delivered to process instances, labeled by signal name.
	SignalsReceived *prometheus.CounterVec

	// SignalsDropped counts signals that could not be routed to a live instance.
	SignalsDropped prometheus.Counter

	// EventsAppended counts audit events appended to the event log, labeled by event type.
	EventsAppended *prometheus.CounterVec

	// RelayPublished counts audit events published to Kafka by the relay.
	RelayPublished prometheus.Counter

	// RelayErrors counts relay publish failures.
	RelayErrors prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		// Processes
		ProcessesStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_started_total",
			Help:      "Total number of process runs started by process name",
		}, []string{"process"}),
		ProcessesCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_completed_total",
			Help:      "Total number of process runs completed successfully by process name",
		}, []string{"process"}),
		ProcessesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_failed_total",
			Help:      "Total number of process runs that failed by process name",
		}, []string{"process"}),
		ProcessesCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_cancelled_total",
			Help:      "Total number of process runs cancelled",
		}),
		ProcessesRecovered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_recovered_total",
			Help:      "Total number of process runs resumed after restart",
		}),
		ProcessDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Duration of process runs in seconds by process name",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"process"}),

		// Activities
		ActivityAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_attempts_total",
			Help:      "Total number of activity attempts by activity and outcome",
		}, []string{"activity", "outcome"}),
		ActivityDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activity_duration_seconds",
			Help:      "Duration of single activity attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"activity"}),
		CheckpointsReplayed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_replayed_total",
			Help:      "Total number of activity results served from checkpoints",
		}),

		// Signals
		SignalsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_received_total",
			Help:      "Total number of signals received by signal name",
		}, []string{"signal"}),
		SignalsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_dropped_total",
			Help:      "Total number of signals that could not be routed",
		}),

		// Events
		EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of audit events appended by event type",
		}, []string{"type"}),

		// Relay
		RelayPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_published_total",
			Help:      "Total number of audit events published to Kafka",
		}),
		RelayErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Total number of relay publish failures",
		}),
	}
}

// RecordProcessStarted records that a process run has started.
func (m *Metrics) RecordProcessStarted(process string) {
	m.ProcessesStarted.WithLabelValues(process).Inc()
}

// RecordProcessCompleted records that a process run has completed.
func (m *Metrics) RecordProcessCompleted(process string, durationSeconds float64) {
	m.ProcessesCompleted.WithLabelValues(process).Inc()
	m.ProcessDuration.WithLabelValues(process).Observe(durationSeconds)
}

// RecordProcessFailed records that a process run has failed.
func (m *Metrics) RecordProcessFailed(process string, durationSeconds float64) {
	m.ProcessesFailed.WithLabelValues(process).Inc()
	m.ProcessDuration.WithLabelValues(process).Observe(durationSeconds)
}

// RecordProcessCancelled records that a process run has been cancelled.
func (m *Metrics) RecordProcessCancelled() {
	m.ProcessesCancelled.Inc()
}

// RecordProcessRecovered records a process run resumed after restart.
func (m *Metrics) RecordProcessRecovered() {
	m.ProcessesRecovered.Inc()
}

// RecordActivityAttempt records one activity attempt and its outcome.
func (m *Metrics) RecordActivityAttempt(activity, outcome string, durationSeconds float64) {
	m.ActivityAttempts.WithLabelValues(activity, outcome).Inc()
	m.ActivityDuration.WithLabelValues(activity).Observe(durationSeconds)
}

// RecordCheckpointReplayed records a step skipped via checkpoint replay.
func (m *Metrics) RecordCheckpointReplayed() {
	m.CheckpointsReplayed.Inc()
}

// RecordSignalReceived records a signal delivered to a process instance.
func (m *Metrics) RecordSignalReceived(signal string) {
	m.SignalsReceived.WithLabelValues(signal).Inc()
}

// RecordSignalDropped records a signal that could not be routed.
func (m *Metrics) RecordSignalDropped() {
	m.SignalsDropped.Inc()
}

// RecordEventAppended records an audit event appended to the log.
func (m *Metrics) RecordEventAppended(eventType string) {
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

// RecordRelayPublished records audit events published to Kafka.
func (m *Metrics) RecordRelayPublished(count int) {
	m.RelayPublished.Add(float64(count))
}

// RecordRelayError records a relay publish failure.
func (m *Metrics) RecordRelayError() {
	m.RelayErrors.Inc()
}
