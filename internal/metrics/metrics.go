package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful runs, nodes and notifications.
	OutcomeSuccess = "success"
	// OutcomeError labels failed runs, nodes and notifications.
	OutcomeError = "error"
)

const namespace = "mirador_detect"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Detection pipeline runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_run_seconds",
			Help:      "Detection pipeline run latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	nodeExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Plan node executions by operator type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	nodeDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_execution_seconds",
			Help:      "Plan node execution latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	anomaliesPersistedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_persisted_total",
			Help:      "Anomalies written to the store, split into created and merged.",
		},
		[]string{"action"},
	)

	enumerationConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enumeration_conflicts_total",
			Help:      "Duplicate enumeration items found and repaired.",
		},
	)

	enumerationMigrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enumeration_migrations_total",
			Help:      "Enumeration item migrations performed.",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Subscription group notifications by outcome.",
		},
		[]string{"outcome"},
	)

	scheduledSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_runs_skipped_total",
			Help:      "Scheduled runs not started, by reason.",
		},
		[]string{"reason"},
	)
)

// Register attaches mirador-detect collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		runDurationSeconds,
		nodeExecutionsTotal,
		nodeDurationSeconds,
		anomaliesPersistedTotal,
		enumerationConflictsTotal,
		enumerationMigrationsTotal,
		notificationsTotal,
		scheduledSkipsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRun records a pipeline run duration and outcome.
func ObserveRun(duration time.Duration, outcome string) {
	runsTotal.WithLabelValues(normalize(outcome)).Inc()
	runDurationSeconds.Observe(seconds(duration))
}

// ObserveNode records one plan node execution.
func ObserveNode(nodeType, outcome string, duration time.Duration) {
	nodeExecutionsTotal.WithLabelValues(nodeType, normalize(outcome)).Inc()
	nodeDurationSeconds.WithLabelValues(nodeType).Observe(seconds(duration))
}

// AddAnomaliesCreated counts newly stored anomalies.
func AddAnomaliesCreated(n int) {
	anomaliesPersistedTotal.WithLabelValues("created").Add(float64(n))
}

// AddAnomaliesMerged counts anomalies folded into existing ones.
func AddAnomaliesMerged(n int) {
	anomaliesPersistedTotal.WithLabelValues("merged").Add(float64(n))
}

// IncEnumerationConflict counts one repaired duplicate set.
func IncEnumerationConflict() {
	enumerationConflictsTotal.Inc()
}

// IncEnumerationMigration counts one item migration.
func IncEnumerationMigration() {
	enumerationMigrationsTotal.Inc()
}

// ObserveNotification records a notification attempt.
func ObserveNotification(outcome string) {
	notificationsTotal.WithLabelValues(normalize(outcome)).Inc()
}

// IncScheduledSkip counts a scheduled run that did not start.
func IncScheduledSkip(reason string) {
	scheduledSkipsTotal.WithLabelValues(reason).Inc()
}

func normalize(outcome string) string {
	if outcome != OutcomeError {
		return OutcomeSuccess
	}
	return outcome
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
