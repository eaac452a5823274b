package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// DLQTopicPrefix prefixes the dead-letter topic of every source topic.
const DLQTopicPrefix = "aerolux.dlq"

// Diagnostic headers stamped on dead-lettered messages.
const (
	dlqHeaderPrefix   = "dlq."
	HeaderDLQTopic    = dlqHeaderPrefix + "original_topic"
	HeaderDLQPart     = dlqHeaderPrefix + "original_partition"
	HeaderDLQOffset   = dlqHeaderPrefix + "original_offset"
	HeaderDLQGroup    = dlqHeaderPrefix + "consumer_group"
	HeaderDLQReason   = dlqHeaderPrefix + "reason"
	HeaderDLQError    = dlqHeaderPrefix + "error"
	HeaderDLQFailedAt = dlqHeaderPrefix + "failed_at"
)

// maxDLQErrorLen keeps a runaway error message from bloating the record.
const maxDLQErrorLen = 1024

// DeadLetterPublisher receives messages a consumer gave up on.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, original kafka.Message, lastErr error, consumerGroup string) error
}

// DLQProducer writes failed messages to DLQTopic(source topic).
type DLQProducer struct {
	writer writer
	logger *slog.Logger
	now    func() time.Time
}

// NewDLQProducer writes with acks from all replicas: a dead letter that is
// lost means the source offset was committed for nothing.
func NewDLQProducer(brokers []string, logger *slog.Logger) *DLQProducer {
	return &DLQProducer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           5 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
		now:    time.Now,
	}
}

// DLQTopic returns the dead-letter topic for originalTopic.
func DLQTopic(originalTopic string) string {
	return DLQTopicPrefix + "." + originalTopic
}

// dlqReason tells an operator whether replaying can help: poison messages
// will fail again, exhausted ones may succeed once the dependency is back.
func dlqReason(err error) string {
	if errors.Is(err, ErrPoison) {
		return "poison"
	}
	return "retries_exhausted"
}

func (d *DLQProducer) deadLetter(original kafka.Message, lastErr error, group string) kafka.Message {
	// A replayed dead letter that fails again keeps only the latest diagnosis.
	headers := make([]kafka.Header, 0, len(original.Headers)+7)
	for _, h := range original.Headers {
		if !strings.HasPrefix(h.Key, dlqHeaderPrefix) {
			headers = append(headers, h)
		}
	}
	add := func(k, v string) { headers = append(headers, kafka.Header{Key: k, Value: []byte(v)}) }
	add(HeaderDLQTopic, original.Topic)
	add(HeaderDLQPart, strconv.Itoa(original.Partition))
	add(HeaderDLQOffset, strconv.FormatInt(original.Offset, 10))
	add(HeaderDLQGroup, group)
	add(HeaderDLQReason, dlqReason(lastErr))
	add(HeaderDLQFailedAt, d.now().UTC().Format(time.RFC3339Nano))
	if lastErr != nil {
		msg := lastErr.Error()
		if len(msg) > maxDLQErrorLen {
			msg = msg[:maxDLQErrorLen]
		}
		add(HeaderDLQError, msg)
	}

	return kafka.Message{
		Topic:   DLQTopic(original.Topic),
		Key:     original.Key,
		Value:   original.Value,
		Headers: headers,
	}
}

// Publish dead-letters original with the headers above. Key and value are
// kept as received so the message can be replayed unchanged.
func (d *DLQProducer) Publish(ctx context.Context, original kafka.Message, lastErr error, consumerGroup string) error {
	msg := d.deadLetter(original, lastErr, consumerGroup)
	attrs := []any{
		slog.String("dlq_topic", msg.Topic),
		slog.String("original_topic", original.Topic),
		slog.Int("partition", original.Partition),
		slog.Int64("offset", original.Offset),
		slog.String("consumer_group", consumerGroup),
	}

	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		d.logger.ErrorContext(ctx, "dead letter not written", append(attrs, slog.String("error", err.Error()))...)
		return fmt.Errorf("publish to DLQ %s: %w", msg.Topic, err)
	}
	d.logger.WarnContext(ctx, "message dead-lettered", append(attrs, slog.String("reason", dlqReason(lastErr)))...)
	return nil
}

// Close flushes and closes the writer.
func (d *DLQProducer) Close() error {
	return d.writer.Close()
}
