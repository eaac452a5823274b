package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
)

// maxHandlerRetries is the maximum number of times a message handler will be
// attempted before the message is dead-lettered and committed.
const maxHandlerRetries = 3

// ErrPoison marks a handler error that no retry can fix, e.g. an undecodable
// payload. The message goes straight to the DLQ.
var ErrPoison = errors.New("poison message")

// Handler processes one consumed message.
type Handler func(ctx context.Context, msg *Message) error

// ConsumerConfig holds Kafka consumer configuration.
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topics   []string
	MinBytes int
	MaxBytes int
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer wraps the kafka-go reader for consuming messages.
type Consumer struct {
	reader       reader
	group        string
	handler      Handler
	dlq          DeadLetterPublisher
	logger       *slog.Logger
	retryBackOff func() backoff.BackOff
	closeOnce    sync.Once
}

// ConsumerOption customizes a Consumer.
type ConsumerOption func(*Consumer)

// WithDLQ routes messages that exhaust their retries to d.
func WithDLQ(d DeadLetterPublisher) ConsumerOption {
	return func(c *Consumer) { c.dlq = d }
}

// NewConsumer creates a group consumer over cfg.Topics.
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
	})
	return newConsumer(r, cfg.GroupID, handler, logger, opts...)
}

func newConsumer(r reader, group string, handler Handler, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader:  r,
		group:   group,
		handler: handler,
		logger:  logger,
		retryBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins consuming messages. It blocks until the context is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", slog.String("group", c.group))

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", slog.String("group", c.group))
				return c.Close()
			}
			c.logger.Error("failed to fetch message", slog.String("error", err.Error()))
			continue
		}

		c.process(ctx, km)

		if ctx.Err() != nil {
			return c.Close()
		}
	}
}

func (c *Consumer) process(ctx context.Context, km kafka.Message) {
	countConsumed(km.Topic, c.group, outcomeReceived)

	msg := fromKafka(km)
	msgCtx := extractTrace(ctx, &km)

	attempt := 0
	start := time.Now()
	_, err := backoff.Retry(msgCtx, func() (struct{}, error) {
		attempt++
		err := c.handler(msgCtx, msg)
		if errors.Is(err, ErrPoison) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(c.retryBackOff()),
		backoff.WithMaxTries(maxHandlerRetries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.WarnContext(msgCtx, "handler failed, will retry",
				slog.String("message_id", msg.ID),
				slog.String("event_type", msg.Type),
				slog.String("topic", km.Topic),
				slog.Int64("offset", km.Offset),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()),
			)
		}),
	)
	observeHandled(km.Topic, c.group, start)

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-retry: leave uncommitted so another member redelivers.
			return
		}
		countConsumed(km.Topic, c.group, outcomeFailed)
		c.logger.ErrorContext(msgCtx, "handler failed after all retries",
			slog.String("message_id", msg.ID),
			slog.String("event_type", msg.Type),
			slog.String("topic", km.Topic),
			slog.Int("partition", km.Partition),
			slog.Int64("offset", km.Offset),
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()),
		)
		if c.dlq != nil {
			if dlqErr := c.dlq.Publish(ctx, km, err, c.group); dlqErr != nil {
				countConsumed(km.Topic, c.group, outcomeDLQFailed)
			} else {
				countConsumed(km.Topic, c.group, outcomeDeadLettered)
			}
		}
	} else {
		countConsumed(km.Topic, c.group, outcomeProcessed)
	}

	if err := c.reader.CommitMessages(ctx, km); err != nil {
		c.logger.Error("failed to commit message",
			slog.Int64("offset", km.Offset),
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the consumer. It is safe to call multiple times.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.reader.Close()
	})
	return err
}
