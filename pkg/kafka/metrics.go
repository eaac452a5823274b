package kafka

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Consumer outcomes. A message is counted once as received and once more
// with the outcome of its final handling.
const (
	outcomeReceived     = "received"
	outcomeProcessed    = "processed"
	outcomeFailed       = "failed"
	outcomeDeadLettered = "dead_lettered"
	outcomeDLQFailed    = "dlq_failed"
)

// Producer outcomes.
const (
	outcomePublished = "published"
	outcomeRejected  = "rejected"
)

var (
	consumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_messages_total",
			Help: "Kafka messages seen by consumers, by outcome",
		},
		[]string{"topic", "consumer_group", "outcome"},
	)

	consumerHandleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_consumer_handle_duration_seconds",
			Help:    "Time spent handling one Kafka message, retries included",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2, 5, 10},
		},
		[]string{"topic", "consumer_group"},
	)

	// Duplicates are filtered before the group-aware handler runs, so
	// they are only labelled by topic.
	consumerDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_consumer_duplicates_skipped_total",
			Help: "Kafka messages skipped because their ID was already processed",
		},
		[]string{"topic"},
	)

	producerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_producer_messages_total",
			Help: "Kafka publish attempts, by outcome",
		},
		[]string{"topic", "outcome"},
	)

	producerPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_producer_publish_duration_seconds",
			Help:    "Time until the broker acknowledged a write",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"topic"},
	)
)

func countConsumed(topic, group, outcome string) {
	consumerMessages.WithLabelValues(topic, group, outcome).Inc()
}

func observeHandled(topic, group string, since time.Time) {
	consumerHandleDuration.WithLabelValues(topic, group).Observe(time.Since(since).Seconds())
}

func observePublish(topic string, since time.Time, err error) {
	producerPublishDuration.WithLabelValues(topic).Observe(time.Since(since).Seconds())
	outcome := outcomePublished
	if err != nil {
		outcome = outcomeRejected
	}
	producerMessages.WithLabelValues(topic, outcome).Inc()
}
