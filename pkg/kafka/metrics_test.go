package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func topicMsg(topic, id string, offset int64) kafka.Message {
	km := (&Message{ID: id, Type: "saga.step", Key: "s-1", Value: []byte("{}")}).toKafka(topic)
	km.Offset = offset
	return km
}

func consumed(topic, outcome string) float64 {
	return testutil.ToFloat64(consumerMessages.WithLabelValues(topic, "audit", outcome))
}

func TestConsumerMetrics_Outcomes(t *testing.T) {
	const topic = "metrics.outcomes"
	r := &fakeReader{pending: []kafka.Message{
		topicMsg(topic, "ok-1", 0),
		topicMsg(topic, "bad-1", 1),
		topicMsg(topic, "ok-2", 2),
	}}

	runConsumer(t, r, func(_ context.Context, msg *Message) error {
		if msg.ID == "bad-1" {
			return ErrPoison
		}
		return nil
	}, 3, WithDLQ(&fakeDLQ{}))

	assert.Equal(t, float64(3), consumed(topic, outcomeReceived))
	assert.Equal(t, float64(2), consumed(topic, outcomeProcessed))
	assert.Equal(t, float64(1), consumed(topic, outcomeFailed))
	assert.Equal(t, float64(1), consumed(topic, outcomeDeadLettered))
	assert.Zero(t, consumed(topic, outcomeDLQFailed))
	assert.Equal(t, 1, testutil.CollectAndCount(consumerHandleDuration.WithLabelValues(topic, "audit").(prometheus.Histogram)))
}

type brokenDLQ struct{}

func (brokenDLQ) Publish(context.Context, kafka.Message, error, string) error {
	return errors.New("dlq topic missing")
}

func TestConsumerMetrics_DLQFailure(t *testing.T) {
	const topic = "metrics.dlq-failure"
	r := &fakeReader{pending: []kafka.Message{topicMsg(topic, "m1", 0)}}

	runConsumer(t, r, func(context.Context, *Message) error { return ErrPoison }, 1, WithDLQ(brokenDLQ{}))

	assert.Equal(t, float64(1), consumed(topic, outcomeDLQFailed))
	assert.Zero(t, consumed(topic, outcomeDeadLettered))
}

func TestConsumerMetrics_DuplicatesSkipped(t *testing.T) {
	const topic = "metrics.duplicates"
	store := NewMemoryIdempotencyStore(time.Minute)
	handler := IdempotentHandler(store, func(context.Context, *Message) error { return nil }, testLogger())

	msg := &Message{ID: "dup-1", Topic: topic}
	for i := 0; i < 3; i++ {
		require.NoError(t, handler(context.Background(), msg))
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(consumerDuplicates.WithLabelValues(topic)))
}

func TestProducerMetrics_Outcomes(t *testing.T) {
	const topic = "metrics.producer"
	w := &fakeWriter{}
	p := &Producer{writer: w, logger: testLogger()}

	require.NoError(t, p.Publish(context.Background(), topic, &Message{ID: "p1"}))
	require.NoError(t, p.Publish(context.Background(), topic, &Message{ID: "p2"}))
	w.err = errors.New("not enough replicas")
	require.Error(t, p.Publish(context.Background(), topic, &Message{ID: "p3"}))

	assert.Equal(t, float64(2), testutil.ToFloat64(producerMessages.WithLabelValues(topic, outcomePublished)))
	assert.Equal(t, float64(1), testutil.ToFloat64(producerMessages.WithLabelValues(topic, outcomeRejected)))
	assert.Equal(t, 1, testutil.CollectAndCount(producerPublishDuration.WithLabelValues(topic).(prometheus.Histogram)))
}

func TestMetrics_Names(t *testing.T) {
	consumerMessages.WithLabelValues("metrics.names", "g", outcomeReceived).Inc()
	producerMessages.WithLabelValues("metrics.names", outcomePublished).Inc()

	assert.Positive(t, testutil.CollectAndCount(consumerMessages, "kafka_consumer_messages_total"))
	assert.Positive(t, testutil.CollectAndCount(producerMessages, "kafka_producer_messages_total"))
}
