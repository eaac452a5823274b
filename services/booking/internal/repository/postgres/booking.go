package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MidhunGopi/AeroLux/pkg/database"
	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

const bookingColumns = `id, booking_number, customer_id, flight_id, amount, status,
	cancellation_reason, created_at, confirmed_at, cancelled_at, updated_at, version`

// BookingRepository implements repository.BookingRepository using PostgreSQL.
type BookingRepository struct{}

// NewBookingRepository creates a new PostgreSQL-backed booking repository.
func NewBookingRepository() *BookingRepository {
	return &BookingRepository{}
}

// Create inserts a new booking.
func (r *BookingRepository) Create(ctx context.Context, q database.Executor, b *domain.Booking) (err error) {
	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	ctx, end := database.TraceQuery(ctx, "CreateBooking", query)
	defer func() { end(err) }()

	_, err = q.Exec(ctx, query,
		b.ID,
		b.BookingNumber,
		b.CustomerID,
		b.FlightID,
		b.Amount,
		b.Status,
		nullableString(b.CancellationReason),
		b.CreatedAt,
		b.ConfirmedAt,
		b.CancelledAt,
		b.UpdatedAt,
		b.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExists("booking", "id", b.ID)
		}
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// GetByID retrieves a booking by id.
func (r *BookingRepository) GetByID(ctx context.Context, q database.Executor, id string) (b *domain.Booking, err error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "GetBooking", query)
	defer func() { end(err) }()

	var (
		booking domain.Booking
		reason  *string
	)
	err = q.QueryRow(ctx, query, id).Scan(
		&booking.ID,
		&booking.BookingNumber,
		&booking.CustomerID,
		&booking.FlightID,
		&booking.Amount,
		&booking.Status,
		&reason,
		&booking.CreatedAt,
		&booking.ConfirmedAt,
		&booking.CancelledAt,
		&booking.UpdatedAt,
		&booking.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("booking", id)
		}
		return nil, fmt.Errorf("scan booking: %w", err)
	}
	booking.CancellationReason = derefString(reason)

	return &booking, nil
}

// Update writes the mutable booking fields under an optimistic version check.
func (r *BookingRepository) Update(ctx context.Context, q database.Executor, b *domain.Booking) (err error) {
	query := `
		UPDATE bookings
		SET status = $1, cancellation_reason = $2, confirmed_at = $3,
			cancelled_at = $4, updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7`

	ctx, end := database.TraceQuery(ctx, "UpdateBooking", query)
	defer func() { end(err) }()

	ct, err := q.Exec(ctx, query,
		b.Status,
		nullableString(b.CancellationReason),
		b.ConfirmedAt,
		b.CancelledAt,
		b.UpdatedAt,
		b.ID,
		b.Version,
	)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.Conflict(fmt.Sprintf("booking %s was modified concurrently or does not exist", b.ID))
	}

	b.Version++
	return nil
}
