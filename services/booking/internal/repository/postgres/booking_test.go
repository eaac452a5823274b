package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MidhunGopi/AeroLux/pkg/database"
	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	return database.NewMockPool(t)
}

func sampleBooking() *domain.Booking {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.Booking{
		ID:            "bk-001",
		BookingNumber: "ALX-20260101-ABCDEFGH",
		CustomerID:    "cust-001",
		FlightID:      "flt-001",
		Amount:        decimal.RequireFromString("18250.50"),
		Status:        domain.BookingStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       2,
	}
}

func bookingRowColumns() []string {
	return []string{
		"id", "booking_number", "customer_id", "flight_id", "amount", "status",
		"cancellation_reason", "created_at", "confirmed_at", "cancelled_at", "updated_at", "version",
	}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestBookingRepository_Create_Success(t *testing.T) {
	mock := newMock(t)
	repo := NewBookingRepository()
	b := sampleBooking()

	mock.ExpectExec("INSERT INTO bookings").
		WithArgs(
			b.ID, b.BookingNumber, b.CustomerID, b.FlightID, b.Amount, b.Status,
			(*string)(nil), b.CreatedAt, b.ConfirmedAt, b.CancelledAt, b.UpdatedAt, b.Version,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Create(context.Background(), mock, b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepository_Create_Duplicate(t *testing.T) {
	mock := newMock(t)
	repo := NewBookingRepository()

	mock.ExpectExec("INSERT INTO bookings").
		WillReturnError(errors.New("ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)"))

	err := repo.Create(context.Background(), mock, sampleBooking())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
}

// ---------------------------------------------------------------------------
// GetByID
// ---------------------------------------------------------------------------

func TestBookingRepository_GetByID_Found(t *testing.T) {
	mock := newMock(t)
	repo := NewBookingRepository()
	b := sampleBooking()
	reason := "weather"

	mock.ExpectQuery("SELECT .+ FROM bookings WHERE id = \\$1").
		WithArgs(b.ID).
		WillReturnRows(pgxmock.NewRows(bookingRowColumns()).AddRow(
			b.ID, b.BookingNumber, b.CustomerID, b.FlightID, b.Amount, b.Status,
			&reason, b.CreatedAt, (*time.Time)(nil), (*time.Time)(nil), b.UpdatedAt, b.Version,
		))

	got, err := repo.GetByID(context.Background(), mock, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.True(t, b.Amount.Equal(got.Amount))
	assert.Equal(t, "weather", got.CancellationReason)
	assert.Equal(t, 2, got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepository_GetByID_NotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewBookingRepository()

	mock.ExpectQuery("SELECT .+ FROM bookings").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), mock, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func TestBookingRepository_Update_BumpsVersion(t *testing.T) {
	mock := newMock(t)
	repo := NewBookingRepository()
	b := sampleBooking()

	mock.ExpectExec("UPDATE bookings").
		WithArgs(b.Status, (*string)(nil), b.ConfirmedAt, b.CancelledAt, b.UpdatedAt, b.ID, 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.Update(context.Background(), mock, b))
	assert.Equal(t, 3, b.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingRepository_Update_StaleVersion(t *testing.T) {
	mock := newMock(t)
	repo := NewBookingRepository()
	b := sampleBooking()

	mock.ExpectExec("UPDATE bookings").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Update(context.Background(), mock, b)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, 2, b.Version)
}
