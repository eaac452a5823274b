package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange AeroLux integration events are published to.
const DefaultExchange = "aerolux.events"

// DefaultConfirmTimeout bounds the wait for a broker ack.
const DefaultConfirmTimeout = 5 * time.Second

const confirmChannelBuffer = 256

var (
	ErrPublisherClosed = errors.New("rabbitmq publisher is closed")
	ErrPublishNacked   = errors.New("message was nacked by broker")
	ErrConfirmTimeout  = errors.New("confirmation timed out")
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Message is one integration event. ID becomes the AMQP MessageId, which
// consumers use for de-duplication.
type Message struct {
	ID         string
	Type       string
	Body       []byte
	Headers    map[string]string
	OccurredAt time.Time
}

// Config holds RabbitMQ connection configuration.
type Config struct {
	URL            string
	Exchange       string
	ConfirmTimeout time.Duration
}

// Publisher publishes persistent messages to a durable topic exchange and
// waits for a publisher confirm on every message.
type Publisher struct {
	conn           *amqp.Connection
	ch             Channel
	confirms       chan amqp.Confirmation
	exchange       string
	confirmTimeout time.Duration
	logger         *slog.Logger

	// publishMu serializes publish+confirm pairs so acks match publishes.
	publishMu sync.Mutex
	mu        sync.RWMutex
	closed    bool
}

// Dial connects to cfg.URL and returns a Publisher owning the connection.
func Dial(cfg Config, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	p, err := NewPublisher(ch, cfg.Exchange, cfg.ConfirmTimeout, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher declares exchange as a durable topic exchange on ch and puts
// the channel into confirm mode. An empty exchange means DefaultExchange.
func NewPublisher(ch Channel, exchange string, confirmTimeout time.Duration, logger *slog.Logger) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))

	return &Publisher{
		ch:             ch,
		confirms:       confirms,
		exchange:       exchange,
		confirmTimeout: confirmTimeout,
		logger:         logger,
	}, nil
}

// Publish sends msg with routingKey and blocks until the broker confirms it.
func (p *Publisher) Publish(ctx context.Context, routingKey string, msg Message) error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPublisherClosed
	}

	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}

	ts := msg.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	pub := amqp.Publishing{
		MessageId:    msg.ID,
		Type:         msg.Type,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ts,
		Headers:      headers,
		Body:         msg.Body,
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, pub); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.ID, p.exchange, err)
	}

	if err := p.waitForConfirm(ctx); err != nil {
		if errors.Is(err, ErrConfirmTimeout) || ctx.Err() != nil {
			// A late ack would be matched to the next publish.
			p.invalidate()
		}
		p.logger.ErrorContext(ctx, "rabbitmq publish not confirmed",
			slog.String("message_id", msg.ID),
			slog.String("routing_key", routingKey),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("confirm %s: %w", msg.ID, err)
	}

	p.logger.DebugContext(ctx, "message published",
		slog.String("exchange", p.exchange),
		slog.String("routing_key", routingKey),
		slog.String("message_id", msg.ID),
	)
	return nil
}

func (p *Publisher) waitForConfirm(ctx context.Context) error {
	timeout := time.NewTimer(p.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			return ErrPublisherClosed
		}
		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}
		return nil
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

func (p *Publisher) invalidate() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.ch.Close()
}

// Ping reports whether the publisher can still publish.
func (p *Publisher) Ping(_ context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	if p.conn != nil && p.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}

// Close closes the channel and, for publishers created by Dial, the connection.
func (p *Publisher) Close() error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if p.conn != nil {
			return p.conn.Close()
		}
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
