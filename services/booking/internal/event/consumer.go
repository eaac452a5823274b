package event

import (
	"context"
	"fmt"
	"log/slog"

	pkgkafka "github.com/MidhunGopi/AeroLux/pkg/kafka"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

// AuditedEvents are the integration events the audit consumer subscribes to.
var AuditedEvents = []string{
	domain.EventBookingCreated,
	domain.EventBookingSubmitted,
	domain.EventBookingConfirmed,
	domain.EventBookingCancelled,
	domain.EventSagaCompleted,
	domain.EventSagaCompensated,
	domain.EventSagaCompensationFailed,
}

// AuditTopics returns the topics of AuditedEvents under prefix.
func AuditTopics(prefix string) []string {
	topics := make([]string, len(AuditedEvents))
	for i, t := range AuditedEvents {
		topics[i] = pkgkafka.Topic(prefix, t)
	}
	return topics
}

// AuditRecorder stores consumed events.
type AuditRecorder interface {
	Record(ctx context.Context, entry *domain.AuditEntry) (bool, error)
}

// AuditConsumer appends every consumed integration event to the audit
// trail. Recording is idempotent on the event id.
type AuditConsumer struct {
	repo   AuditRecorder
	logger *slog.Logger
}

// NewAuditConsumer creates an AuditConsumer.
func NewAuditConsumer(repo AuditRecorder, logger *slog.Logger) *AuditConsumer {
	return &AuditConsumer{repo: repo, logger: logger}
}

// Handle is a pkg/kafka Handler. Undecodable envelopes are poison.
func (c *AuditConsumer) Handle(ctx context.Context, msg *pkgkafka.Message) error {
	env, err := domain.DecodeEnvelope(msg.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgkafka.ErrPoison, err)
	}

	written, err := c.repo.Record(ctx, domain.NewAuditEntry(env, msg.Key))
	if err != nil {
		return fmt.Errorf("record audit entry for %s: %w", env.EventID, err)
	}
	if !written {
		c.logger.DebugContext(ctx, "audit entry already recorded", slog.String("event_id", env.EventID))
		return nil
	}

	c.logger.DebugContext(ctx, "audit entry recorded",
		slog.String("event_id", env.EventID),
		slog.String("event_type", env.EventType),
		slog.String("aggregate_id", msg.Key),
	)
	return nil
}

// Handler returns Handle behind the message-id de-duplication guard.
func (c *AuditConsumer) Handler(store pkgkafka.IdempotencyStore) pkgkafka.Handler {
	return pkgkafka.IdempotentHandler(store, c.Handle, c.logger)
}
