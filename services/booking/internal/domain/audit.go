package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one consumed integration event, kept for the audit trail.
// EventID is unique, which makes recording idempotent under redelivery.
type AuditEntry struct {
	ID          string          `json:"id"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	OccurredOn  time.Time       `json:"occurred_on"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// NewAuditEntry builds an entry from a decoded envelope.
func NewAuditEntry(env *Envelope, aggregateID string) *AuditEntry {
	return &AuditEntry{
		ID:          uuid.New().String(),
		EventID:     env.EventID,
		EventType:   env.EventType,
		AggregateID: aggregateID,
		Payload:     env.Payload,
		OccurredOn:  env.OccurredOn,
		RecordedAt:  time.Now().UTC(),
	}
}
