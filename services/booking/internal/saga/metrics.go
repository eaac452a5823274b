package saga

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SagasStarted counts new saga instances.
	SagasStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_started_total",
			Help: "Total number of saga instances created",
		},
		[]string{"workflow"},
	)

	// SagasFinished counts sagas reaching a terminal status.
	SagasFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_finished_total",
			Help: "Total number of sagas that reached a terminal status",
		},
		[]string{"workflow", "status"},
	)

	// StepDuration observes step actions including retries.
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Duration of saga step actions in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow", "step", "outcome"},
	)

	// StepRetries counts retried step and compensation attempts.
	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_step_retries_total",
			Help: "Total number of retried saga step or compensation attempts",
		},
		[]string{"workflow", "step"},
	)

	// CompensationFailures counts compensations that exhausted their retries.
	CompensationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensation_failures_total",
			Help: "Total number of saga compensations that failed after all retries",
		},
		[]string{"workflow", "step"},
	)

	// PersistConflicts counts stale writes that stopped a driver.
	PersistConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_persist_conflicts_total",
			Help: "Total number of saga writes rejected by the version check",
		},
		[]string{"workflow"},
	)
)
