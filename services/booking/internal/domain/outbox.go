package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxMessage is an integration event waiting to be published. It is
// written in the same transaction as the state change that produced it.
// ID, EventType, AggregateID and Payload never change after insert.
type OutboxMessage struct {
	ID          string     `json:"id"`
	EventType   string     `json:"event_type"`
	AggregateID string     `json:"aggregate_id"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// NewOutboxMessage wraps data in a versioned envelope. The message id is the
// envelope's eventId, which downstream consumers de-duplicate on.
func NewOutboxMessage(eventType, aggregateID string, occurredAt time.Time, data any) (*OutboxMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	id := uuid.New().String()
	payload, err := json.Marshal(Envelope{
		EventID:    id,
		EventType:  eventType,
		OccurredOn: occurredAt,
		Version:    EnvelopeVersion,
		Payload:    raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}

	return &OutboxMessage{
		ID:          id,
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// OutboxMessageFromEvent turns a domain event into its integration event.
func OutboxMessageFromEvent(e Event) (*OutboxMessage, error) {
	return NewOutboxMessage(e.Name, e.AggregateID, e.OccurredAt, e.Data)
}

// IsProcessed reports whether the message has been published.
func (m *OutboxMessage) IsProcessed() bool {
	return m.ProcessedAt != nil
}

// IsParked reports whether the message has exhausted its publish attempts.
func (m *OutboxMessage) IsParked(maxRetries int) bool {
	return m.ProcessedAt == nil && m.RetryCount >= maxRetries
}

// DecodeEnvelope parses an integration event payload.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" || env.EventType == "" {
		return nil, fmt.Errorf("decode envelope: missing eventId or eventType")
	}
	return &env, nil
}

// ParkedFilter narrows ListParked.
type ParkedFilter struct {
	EventType string
	Limit     int
	Offset    int
}
