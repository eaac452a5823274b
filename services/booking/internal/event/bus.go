package event

import (
	"context"
	"fmt"

	pkgkafka "github.com/MidhunGopi/AeroLux/pkg/kafka"
	"github.com/MidhunGopi/AeroLux/pkg/rabbitmq"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

// Bus publishes integration events. The outbox message id travels with the
// message so consumers can de-duplicate redeliveries.
type Bus interface {
	Publish(ctx context.Context, msg *domain.OutboxMessage) error
	Ping(ctx context.Context) error
	Close() error
}

type kafkaProducer interface {
	Publish(ctx context.Context, topic string, msg *pkgkafka.Message) error
	Ping(ctx context.Context) error
	Close() error
}

// KafkaBus publishes each event type to its own topic, keyed by aggregate
// id so one booking's events stay ordered within a partition.
type KafkaBus struct {
	producer kafkaProducer
	prefix   string
}

// NewKafkaBus wraps producer. Topics are prefix + "." + event type.
func NewKafkaBus(producer kafkaProducer, prefix string) *KafkaBus {
	return &KafkaBus{producer: producer, prefix: prefix}
}

func (b *KafkaBus) Publish(ctx context.Context, msg *domain.OutboxMessage) error {
	topic := pkgkafka.Topic(b.prefix, msg.EventType)
	err := b.producer.Publish(ctx, topic, &pkgkafka.Message{
		ID:      msg.ID,
		Type:    msg.EventType,
		Key:     msg.AggregateID,
		Value:   msg.Payload,
		Headers: map[string]string{"content_type": "application/json"},
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.ID, topic, err)
	}
	return nil
}

func (b *KafkaBus) Ping(ctx context.Context) error {
	return b.producer.Ping(ctx)
}

func (b *KafkaBus) Close() error {
	return b.producer.Close()
}

type amqpPublisher interface {
	Publish(ctx context.Context, routingKey string, msg rabbitmq.Message) error
	Ping(ctx context.Context) error
	Close() error
}

// RabbitBus publishes to a topic exchange with the event type as routing
// key.
type RabbitBus struct {
	publisher amqpPublisher
}

// NewRabbitBus wraps publisher.
func NewRabbitBus(publisher amqpPublisher) *RabbitBus {
	return &RabbitBus{publisher: publisher}
}

func (b *RabbitBus) Publish(ctx context.Context, msg *domain.OutboxMessage) error {
	err := b.publisher.Publish(ctx, msg.EventType, rabbitmq.Message{
		ID:         msg.ID,
		Type:       msg.EventType,
		Body:       msg.Payload,
		Headers:    map[string]string{"aggregate_id": msg.AggregateID},
		OccurredAt: msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("publish %s with routing key %s: %w", msg.ID, msg.EventType, err)
	}
	return nil
}

func (b *RabbitBus) Ping(ctx context.Context) error {
	return b.publisher.Ping(ctx)
}

func (b *RabbitBus) Close() error {
	return b.publisher.Close()
}
