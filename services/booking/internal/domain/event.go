package domain

import (
	"encoding/json"
	"time"
)

// Booking domain event names. They double as integration event types.
const (
	EventBookingCreated   = "booking.created"
	EventBookingSubmitted = "booking.submitted"
	EventBookingConfirmed = "booking.confirmed"
	EventFlightStarted    = "booking.flight_started"
	EventBookingCompleted = "booking.completed"
	EventBookingCancelled = "booking.cancelled"
	EventBookingRefunded  = "booking.refunded"
)

// Saga lifecycle event names.
const (
	EventSagaStepCompleted          = "saga.step.completed"
	EventSagaStepFailed             = "saga.step.failed"
	EventSagaStepCompensated        = "saga.step.compensated"
	EventSagaStepCompensationFailed = "saga.step.compensation_failed"
	EventSagaCompleted              = "saga.completed"
	EventSagaCompensated            = "saga.compensated"
	EventSagaCompensationFailed     = "saga.compensation_failed"
)

// EnvelopeVersion is the schema version stamped on every integration event.
const EnvelopeVersion = 1

// Event is an in-process domain event raised by an aggregate mutation.
// Data must be JSON-serializable; it becomes the envelope payload when the
// event is also published as an integration event.
type Event struct {
	Name        string    `json:"name"`
	AggregateID string    `json:"aggregate_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Data        any       `json:"data,omitempty"`
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(name, aggregateID string, data any) Event {
	return Event{
		Name:        name,
		AggregateID: aggregateID,
		OccurredAt:  time.Now().UTC(),
		Data:        data,
	}
}

// Envelope is the wire format of an integration event.
type Envelope struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	OccurredOn time.Time       `json:"occurredOn"`
	Version    int             `json:"version"`
	Payload    json.RawMessage `json:"payload"`
}

// BookingEventData is the payload of every booking.* event.
type BookingEventData struct {
	BookingID     string `json:"bookingId"`
	BookingNumber string `json:"bookingNumber"`
	CustomerID    string `json:"customerId"`
	FlightID      string `json:"flightId"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	PreviousState string `json:"previousStatus,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// SagaEventData is the payload of every saga.* event.
type SagaEventData struct {
	SagaID       string `json:"sagaId"`
	WorkflowType string `json:"workflowType"`
	BusinessKey  string `json:"businessKey"`
	Status       string `json:"status"`
	Step         string `json:"step,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	Error        string `json:"error,omitempty"`
}
