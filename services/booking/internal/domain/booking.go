package domain

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
)

// Booking status constants.
const (
	BookingStatusDraft      = "draft"
	BookingStatusPending    = "pending"
	BookingStatusConfirmed  = "confirmed"
	BookingStatusInProgress = "in_progress"
	BookingStatusCompleted  = "completed"
	BookingStatusCancelled  = "cancelled"
	BookingStatusRefunded   = "refunded"
)

const bookingNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Booking is a private-jet charter booking. Mutators validate the current
// status and return the domain events they raised; the aggregate never keeps
// an event list of its own.
type Booking struct {
	ID                 string          `json:"id"`
	BookingNumber      string          `json:"booking_number"`
	CustomerID         string          `json:"customer_id"`
	FlightID           string          `json:"flight_id"`
	Amount             decimal.Decimal `json:"amount"`
	Status             string          `json:"status"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ConfirmedAt        *time.Time      `json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
	Version            int             `json:"version"`
}

// NewBooking creates a draft booking. An empty id gets a fresh UUID.
func NewBooking(id, customerID, flightID string, amount decimal.Decimal) (*Booking, []Event, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, nil, apperrors.BusinessRule("customer id is required")
	}
	if strings.TrimSpace(flightID) == "" {
		return nil, nil, apperrors.BusinessRule("flight id is required")
	}
	if !amount.IsPositive() {
		return nil, nil, apperrors.BusinessRule("booking amount must be positive")
	}
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now().UTC()
	b := &Booking{
		ID:            id,
		BookingNumber: NewBookingNumber(now),
		CustomerID:    customerID,
		FlightID:      flightID,
		Amount:        amount,
		Status:        BookingStatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return b, []Event{b.event(EventBookingCreated, "", "")}, nil
}

// NewBookingNumber returns a human-readable reference: ALX-yyyyMMdd-XXXXXXXX.
func NewBookingNumber(at time.Time) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	for i, c := range buf {
		buf[i] = bookingNumberAlphabet[int(c)%len(bookingNumberAlphabet)]
	}
	return fmt.Sprintf("ALX-%s-%s", at.UTC().Format("20060102"), buf)
}

// Submit moves a draft booking to pending.
func (b *Booking) Submit() ([]Event, error) {
	return b.transition(EventBookingSubmitted, BookingStatusPending, "", BookingStatusDraft)
}

// Confirm moves a pending booking to confirmed.
func (b *Booking) Confirm() ([]Event, error) {
	events, err := b.transition(EventBookingConfirmed, BookingStatusConfirmed, "", BookingStatusPending)
	if err != nil {
		return nil, err
	}
	confirmedAt := b.UpdatedAt
	b.ConfirmedAt = &confirmedAt
	return events, nil
}

// StartFlight marks a confirmed booking as in progress.
func (b *Booking) StartFlight() ([]Event, error) {
	return b.transition(EventFlightStarted, BookingStatusInProgress, "", BookingStatusConfirmed)
}

// Complete marks an in-progress booking as completed.
func (b *Booking) Complete() ([]Event, error) {
	return b.transition(EventBookingCompleted, BookingStatusCompleted, "", BookingStatusInProgress)
}

// Cancel cancels the booking. Completed, cancelled and refunded bookings
// cannot be cancelled.
func (b *Booking) Cancel(reason string) ([]Event, error) {
	events, err := b.transition(EventBookingCancelled, BookingStatusCancelled, reason,
		BookingStatusDraft, BookingStatusPending, BookingStatusConfirmed, BookingStatusInProgress)
	if err != nil {
		return nil, err
	}
	b.CancellationReason = reason
	cancelledAt := b.UpdatedAt
	b.CancelledAt = &cancelledAt
	return events, nil
}

// MarkRefunded records that a cancelled booking has been refunded.
func (b *Booking) MarkRefunded() ([]Event, error) {
	return b.transition(EventBookingRefunded, BookingStatusRefunded, "", BookingStatusCancelled)
}

// CanCancel reports whether Cancel would succeed.
func (b *Booking) CanCancel() bool {
	switch b.Status {
	case BookingStatusCompleted, BookingStatusCancelled, BookingStatusRefunded:
		return false
	default:
		return true
	}
}

// IsTerminal reports whether the booking has reached a final state.
func (b *Booking) IsTerminal() bool {
	return b.Status == BookingStatusCompleted || b.Status == BookingStatusRefunded
}

func (b *Booking) transition(eventName, to, reason string, from ...string) ([]Event, error) {
	allowed := false
	for _, s := range from {
		if b.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, apperrors.BusinessRule(
			fmt.Sprintf("booking %s cannot move from %s to %s", b.ID, b.Status, to))
	}

	previous := b.Status
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	return []Event{b.event(eventName, previous, reason)}, nil
}

func (b *Booking) event(name, previous, reason string) Event {
	return Event{
		Name:        name,
		AggregateID: b.ID,
		OccurredAt:  b.UpdatedAt,
		Data: BookingEventData{
			BookingID:     b.ID,
			BookingNumber: b.BookingNumber,
			CustomerID:    b.CustomerID,
			FlightID:      b.FlightID,
			Amount:        b.Amount.StringFixed(2),
			Status:        b.Status,
			PreviousState: previous,
			Reason:        reason,
		},
	}
}

// ValidBookingStatuses returns the set of valid booking statuses.
func ValidBookingStatuses() []string {
	return []string{
		BookingStatusDraft,
		BookingStatusPending,
		BookingStatusConfirmed,
		BookingStatusInProgress,
		BookingStatusCompleted,
		BookingStatusCancelled,
		BookingStatusRefunded,
	}
}
