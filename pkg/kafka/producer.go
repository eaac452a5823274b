package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
)

// ProducerConfig holds Kafka producer settings. Writes are always
// synchronous with acks from all in-sync replicas: a nil error from Publish
// is what lets the outbox mark a row as sent.
type ProducerConfig struct {
	Brokers []string
	// BatchTimeout bounds how long a write waits for companions. Publish
	// sends one message at a time, so keep it short.
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	Compression  compress.Compression
	// AutoCreateTopics is meant for local brokers only.
	AutoCreateTopics bool
}

// DefaultProducerConfig returns the settings used by the booking service.
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:          brokers,
		BatchTimeout:     5 * time.Millisecond,
		WriteTimeout:     10 * time.Second,
		Compression:      compress.Snappy,
		AutoCreateTopics: true,
	}
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes Messages to Kafka.
type Producer struct {
	writer  writer
	brokers []string
	logger  *slog.Logger
}

// NewProducer builds a producer. Keys are hashed to partitions so every
// message of one aggregate lands on the same partition in order.
func NewProducer(cfg ProducerConfig, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           cfg.BatchTimeout,
			WriteTimeout:           cfg.WriteTimeout,
			Compression:            cfg.Compression,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: cfg.AutoCreateTopics,
		},
		brokers: cfg.Brokers,
		logger:  logger,
	}
}

// Publish writes msg to topic and waits for the acknowledgement. The
// current trace context travels in the message headers.
func (p *Producer) Publish(ctx context.Context, topic string, msg *Message) error {
	km := msg.toKafka(topic)
	injectTrace(ctx, &km)

	start := time.Now()
	err := p.writer.WriteMessages(ctx, km)
	observePublish(topic, start, err)
	if err != nil {
		err = firstWriteError(err)
		p.logger.ErrorContext(ctx, "kafka publish failed",
			slog.String("topic", topic),
			slog.String("message_id", msg.ID),
			slog.String("event_type", msg.Type),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("publish %s to %s: %w", msg.ID, topic, err)
	}

	p.logger.DebugContext(ctx, "kafka message published",
		slog.String("topic", topic),
		slog.String("message_id", msg.ID),
		slog.String("key", msg.Key),
	)
	return nil
}

// firstWriteError unwraps the per-message error list kafka-go returns for a
// batch. Publish writes one message, so the first entry is the cause.
func firstWriteError(err error) error {
	var we kafka.WriteErrors
	if errors.As(err, &we) {
		for _, e := range we {
			if e != nil {
				return e
			}
		}
	}
	return err
}

// Ping reports whether any configured broker answers a metadata request.
func (p *Producer) Ping(ctx context.Context) error {
	return PingBrokers(ctx, p.brokers)
}

// PingBrokers returns nil as soon as one broker answers a metadata request.
// It serves as a readiness check for consumer-only processes too.
func PingBrokers(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	var errs []error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err == nil {
			_, err = conn.Brokers()
			_ = conn.Close()
		}
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", addr, err))
	}
	return fmt.Errorf("kafka: no broker reachable: %w", errors.Join(errs...))
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
