package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	queuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "salesync",
			Name:      "queue_pending_items",
			Help:      "Pending items in the sync queue.",
		},
	)

	queueOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salesync",
			Name:      "queue_operations_total",
			Help:      "Queue item outcomes by status.",
		},
		[]string{"status"},
	)

	drainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "salesync",
			Name:      "drain_duration_seconds",
			Help:      "Duration of queue drain passes.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salesync",
			Name:      "retry_attempts_total",
			Help:      "Retry attempts by failure reason.",
		},
		[]string{"reason"},
	)

	retryOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salesync",
			Name:      "retry_operations_total",
			Help:      "Retried operations by final outcome.",
		},
		[]string{"outcome"},
	)

	conflictsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salesync",
			Name:      "conflicts_detected_total",
			Help:      "Detected conflicts by type and severity.",
		},
		[]string{"type", "severity"},
	)

	conflictsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "salesync",
			Name:      "conflicts_resolved_total",
			Help:      "Resolved conflicts by strategy.",
		},
		[]string{"strategy"},
	)

	deadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "salesync",
			Name:      "dead_letters_total",
			Help:      "Items pushed to the dead-letter list.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			queuePending,
			queueOperations,
			drainDuration,
			retryAttempts,
			retryOutcomes,
			conflictsDetected,
			conflictsResolved,
			deadLetters,
		)
	})
}

// SetQueuePending sets the pending-queue depth gauge.
func SetQueuePending(n int) {
	queuePending.Set(float64(n))
}

// IncQueueOperation counts a queue item outcome.
func IncQueueOperation(status string) {
	queueOperations.WithLabelValues(status).Inc()
}

// ObserveDrainDuration records the duration of one drain pass.
func ObserveDrainDuration(d time.Duration) {
	drainDuration.Observe(d.Seconds())
}

// IncRetryAttempt counts a failed attempt by reason.
func IncRetryAttempt(reason string) {
	retryAttempts.WithLabelValues(reason).Inc()
}

// IncRetryOutcome counts a retried operation's final outcome.
func IncRetryOutcome(outcome string) {
	retryOutcomes.WithLabelValues(outcome).Inc()
}

// IncConflictDetected counts a detected conflict.
func IncConflictDetected(conflictType, severity string) {
	conflictsDetected.WithLabelValues(conflictType, severity).Inc()
}

// IncConflictResolved counts a resolved conflict.
func IncConflictResolved(strategy string) {
	conflictsResolved.WithLabelValues(strategy).Inc()
}

// IncDeadLetter counts an item pushed to the dead-letter list.
func IncDeadLetter() {
	deadLetters.Inc()
}
