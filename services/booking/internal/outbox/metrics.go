package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesPublished counts messages handed to the bus.
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_messages_published_total",
			Help: "Total number of outbox messages published to the bus",
		},
		[]string{"event_type"},
	)

	// PublishFailures counts failed publish attempts.
	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Total number of failed outbox publish attempts",
		},
		[]string{"event_type"},
	)

	// MessagesParked counts messages that reached the retry ceiling.
	MessagesParked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_messages_parked_total",
			Help: "Total number of outbox messages parked after exhausting retries",
		},
		[]string{"event_type"},
	)

	// StateUpdateFailures counts publish outcomes that could not be recorded.
	StateUpdateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_state_update_failures_total",
			Help: "Total number of outbox rows whose publish outcome could not be written",
		},
	)

	// LeaseExpirations counts messages whose claim lease ran out before the
	// dispatcher finished with them.
	LeaseExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_lease_expirations_total",
			Help: "Total number of outbox messages abandoned because the claim lease expired",
		},
	)

	// BatchDuration observes whole dispatch cycles.
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_dispatch_batch_duration_seconds",
			Help:    "Duration of outbox dispatch cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PublishLag observes the time from commit to publish.
	PublishLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_publish_lag_seconds",
			Help:    "Time between an outbox row being written and being published",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	)
)
