package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/client"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/lock"
)

func amountOf(s string) any {
	want := decimal.RequireFromString(s)
	return mock.MatchedBy(func(d decimal.Decimal) bool { return d.Equal(want) })
}

func indexOf(events []string, name string) int {
	for i, e := range events {
		if e == name {
			return i
		}
	}
	return -1
}

// --- ExecuteSaga ---

func TestExecuteSaga_Success(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	in := validInput()

	f.aircraft.On("Reserve", mock.Anything, in.BookingID, in.FlightID).
		Return(&client.Reservation{ReservationID: "res-1", AircraftID: "N650GX"}, nil).Once()
	f.payment.On("Charge", mock.Anything, in.BookingID, amountOf("48250.00"), mock.AnythingOfType("string")).
		Return(&client.Charge{PaymentID: "pay-1", Status: "captured"}, nil).Once()

	res, err := f.svc.ExecuteSaga(context.Background(), in)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.SagaCompleted, res.Status)
	assert.Equal(t, in.BookingID, res.BookingID)
	assert.Empty(t, res.FailedStep)
	assert.Empty(t, res.Error)

	f.aircraft.AssertExpectations(t)
	f.payment.AssertExpectations(t)
	f.payment.AssertCalled(t, "Charge", mock.Anything, in.BookingID, mock.Anything, res.SagaID+":charge")
	f.aircraft.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)

	b := f.bookings.get(in.BookingID)
	assert.Equal(t, domain.BookingStatusConfirmed, b.Status)
	assert.NotNil(t, b.ConfirmedAt)
	assert.Regexp(t, `^ALX-\d{8}-[A-Z0-9]{8}$`, b.BookingNumber)

	inst, err := f.svc.GetSaga(context.Background(), res.SagaID)
	require.NoError(t, err)
	var data BookingSagaData
	require.NoError(t, json.Unmarshal(inst.Payload, &data))
	assert.Equal(t, "res-1", data.ReservationID)
	assert.Equal(t, "pay-1", data.PaymentID)
	for _, step := range inst.Steps {
		assert.Equal(t, domain.StepDone, step.Status, step.Name)
	}

	events := f.tx.events()
	for _, name := range []string{
		domain.EventBookingCreated,
		domain.EventBookingSubmitted,
		domain.EventBookingConfirmed,
		domain.EventSagaCompleted,
	} {
		assert.Contains(t, events, name)
	}
	assert.Less(t, indexOf(events, domain.EventBookingSubmitted), indexOf(events, domain.EventBookingConfirmed))
	assert.NotContains(t, events, domain.EventBookingCancelled)
}

func TestExecuteSaga_PaymentDeclined_ReleasesAircraftOnly(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	in := validInput()

	f.aircraft.On("Reserve", mock.Anything, in.BookingID, in.FlightID).
		Return(&client.Reservation{ReservationID: "res-1"}, nil).Once()
	f.payment.On("Charge", mock.Anything, in.BookingID, mock.Anything, mock.Anything).
		Return(nil, apperrors.PaymentFailed("payment: card declined")).Once()
	f.aircraft.On("Release", mock.Anything, in.BookingID).Return(nil).Once()

	res, err := f.svc.ExecuteSaga(context.Background(), in)

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.SagaCompensated, res.Status)
	assert.Equal(t, StepProcessPayment, res.FailedStep)
	assert.Contains(t, res.Error, "card declined")
	assert.Empty(t, res.BookingID)

	f.payment.AssertNumberOfCalls(t, "Charge", 1)
	f.aircraft.AssertNumberOfCalls(t, "Release", 1)
	f.payment.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything)

	b := f.bookings.get(in.BookingID)
	assert.Equal(t, domain.BookingStatusCancelled, b.Status)
	assert.Contains(t, b.CancellationReason, StepProcessPayment)
	assert.Contains(t, b.CancellationReason, "card declined")

	events := f.tx.events()
	assert.Contains(t, events, domain.EventSagaStepFailed)
	assert.Contains(t, events, domain.EventSagaStepCompensated)
	assert.Contains(t, events, domain.EventBookingCancelled)
	assert.Contains(t, events, domain.EventSagaCompensated)
	assert.NotContains(t, events, domain.EventBookingConfirmed)
}

func TestExecuteSaga_InvalidRequest_TouchesNoCollaborator(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(in *ExecuteSagaInput)
		want   string
	}{
		{name: "zero amount", mutate: func(in *ExecuteSagaInput) { in.Amount = decimal.Zero }, want: "amount must be positive"},
		{name: "negative amount", mutate: func(in *ExecuteSagaInput) { in.Amount = decimal.NewFromInt(-5) }, want: "amount must be positive"},
		{name: "missing flight", mutate: func(in *ExecuteSagaInput) { in.FlightID = "  " }, want: "flight id is required"},
		{name: "missing customer", mutate: func(in *ExecuteSagaInput) { in.CustomerID = "" }, want: "customer id is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(BookingConfig{}, nil)
			in := validInput()
			tt.mutate(in)

			res, err := f.svc.ExecuteSaga(context.Background(), in)

			require.NoError(t, err)
			assert.Equal(t, domain.SagaCompensated, res.Status)
			assert.Equal(t, StepValidate, res.FailedStep)
			assert.Contains(t, res.Error, tt.want)

			f.aircraft.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything)
			f.payment.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

			_, err = f.svc.GetBooking(context.Background(), in.BookingID)
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	}
}

func TestExecuteSaga_TransientReserveIsRetried(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	in := validInput()

	f.aircraft.On("Reserve", mock.Anything, in.BookingID, in.FlightID).
		Return(nil, apperrors.Transient("call aircraft service", errors.New("connection reset"))).Twice()
	f.aircraft.On("Reserve", mock.Anything, in.BookingID, in.FlightID).
		Return(&client.Reservation{ReservationID: "res-1"}, nil).Once()
	f.payment.On("Charge", mock.Anything, in.BookingID, mock.Anything, mock.Anything).
		Return(&client.Charge{PaymentID: "pay-1"}, nil).Once()

	res, err := f.svc.ExecuteSaga(context.Background(), in)

	require.NoError(t, err)
	assert.True(t, res.Success)
	f.aircraft.AssertNumberOfCalls(t, "Reserve", 3)

	inst, err := f.svc.GetSaga(context.Background(), res.SagaID)
	require.NoError(t, err)
	assert.Equal(t, 3, inst.Step(StepReserveAircraft).Attempts)
}

func TestExecuteSaga_UnconfirmedChargeIsLoggedForReconciliation(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	var logs bytes.Buffer
	f.svc.logger = slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	in := validInput()

	f.aircraft.On("Reserve", mock.Anything, in.BookingID, in.FlightID).
		Return(&client.Reservation{ReservationID: "res-1"}, nil).Once()
	f.payment.On("Charge", mock.Anything, in.BookingID, mock.Anything, mock.Anything).
		Return(nil, apperrors.Transient("call payment service", errors.New("i/o timeout")))
	f.aircraft.On("Release", mock.Anything, in.BookingID).Return(nil).Once()

	res, err := f.svc.ExecuteSaga(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, res.Status)
	assert.Equal(t, StepProcessPayment, res.FailedStep)
	f.payment.AssertNumberOfCalls(t, "Charge", 3)
	f.payment.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything)

	out := logs.String()
	assert.Contains(t, out, "payment charge outcome unknown")
	assert.Contains(t, out, "unconfirmed payment charge")
	assert.Contains(t, out, `"saga_id":"`+res.SagaID+`"`)
	assert.Contains(t, out, `"idempotency_key":"`+res.SagaID+`:charge"`)
}

func TestExecuteSaga_DeclinedChargeNeedsNoReconciliation(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	var logs bytes.Buffer
	f.svc.logger = slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	in := validInput()

	f.aircraft.On("Reserve", mock.Anything, in.BookingID, in.FlightID).
		Return(&client.Reservation{ReservationID: "res-1"}, nil).Once()
	f.payment.On("Charge", mock.Anything, in.BookingID, mock.Anything, mock.Anything).
		Return(nil, apperrors.Transient("call payment service", errors.New("i/o timeout"))).Once()
	f.payment.On("Charge", mock.Anything, in.BookingID, mock.Anything, mock.Anything).
		Return(nil, apperrors.PaymentFailed("payment: card declined")).Once()
	f.aircraft.On("Release", mock.Anything, in.BookingID).Return(nil).Once()

	res, err := f.svc.ExecuteSaga(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, res.Status)
	assert.NotContains(t, logs.String(), "unconfirmed payment charge")
}

func TestExecuteSaga_ReleaseFails_CompensationFailed(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	in := validInput()

	f.aircraft.On("Reserve", mock.Anything, in.BookingID, in.FlightID).
		Return(&client.Reservation{ReservationID: "res-1"}, nil).Once()
	f.payment.On("Charge", mock.Anything, in.BookingID, mock.Anything, mock.Anything).
		Return(nil, apperrors.PaymentFailed("payment: insufficient funds")).Once()
	f.aircraft.On("Release", mock.Anything, in.BookingID).
		Return(apperrors.Fatal("aircraft: release rejected", errors.New("status 403"))).Once()

	res, err := f.svc.ExecuteSaga(context.Background(), in)

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.SagaCompensationFailed, res.Status)
	assert.Equal(t, StepProcessPayment, res.FailedStep)
	assert.Contains(t, res.Error, "saga compensation failed")

	b := f.bookings.get(in.BookingID)
	assert.Equal(t, domain.BookingStatusCancelled, b.Status)
	assert.Contains(t, b.CancellationReason, "compensation incomplete")

	inst, err := f.svc.GetSaga(context.Background(), res.SagaID)
	require.NoError(t, err)
	reserve := inst.Step(StepReserveAircraft)
	assert.Equal(t, domain.StepDone, reserve.Status)
	assert.Contains(t, reserve.Error, "release rejected")
	assert.Equal(t, domain.StepCompensated, inst.Step(StepValidate).Status)

	events := f.tx.events()
	assert.Contains(t, events, domain.EventSagaStepCompensationFailed)
	assert.Contains(t, events, domain.EventSagaCompensationFailed)
}

func TestExecuteSaga_RepeatedCallReturnsRecordedOutcome(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	in := validInput()

	f.aircraft.On("Reserve", mock.Anything, in.BookingID, in.FlightID).
		Return(&client.Reservation{ReservationID: "res-1"}, nil).Once()
	f.payment.On("Charge", mock.Anything, in.BookingID, mock.Anything, mock.Anything).
		Return(&client.Charge{PaymentID: "pay-1"}, nil).Once()

	first, err := f.svc.ExecuteSaga(context.Background(), in)
	require.NoError(t, err)

	second, err := f.svc.ExecuteSaga(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.SagaID, second.SagaID)
	assert.Equal(t, domain.SagaCompleted, second.Status)
	f.aircraft.AssertNumberOfCalls(t, "Reserve", 1)
	f.payment.AssertNumberOfCalls(t, "Charge", 1)
}

func TestExecuteSaga_GeneratesBookingID(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	in := validInput()
	in.BookingID = ""

	f.aircraft.On("Reserve", mock.Anything, mock.AnythingOfType("string"), in.FlightID).
		Return(&client.Reservation{ReservationID: "res-1"}, nil).Once()
	f.payment.On("Charge", mock.Anything, mock.AnythingOfType("string"), mock.Anything, mock.Anything).
		Return(&client.Charge{PaymentID: "pay-1"}, nil).Once()

	res, err := f.svc.ExecuteSaga(context.Background(), in)

	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Len(t, res.BookingID, 36)

	b, err := f.svc.GetBooking(context.Background(), res.BookingID)
	require.NoError(t, err)
	assert.Equal(t, "cust-42", b.CustomerID)
}

func TestExecuteSaga_ExistingConfirmedBookingIsNotTouched(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	in := validInput()

	b, _, err := domain.NewBooking(in.BookingID, in.CustomerID, in.FlightID, in.Amount)
	require.NoError(t, err)
	_, _ = b.Submit()
	_, _ = b.Confirm()
	require.NoError(t, f.bookings.Create(context.Background(), nil, b))

	res, err := f.svc.ExecuteSaga(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, StepValidate, res.FailedStep)
	assert.Contains(t, res.Error, "cannot be booked again")
	assert.Equal(t, domain.BookingStatusConfirmed, f.bookings.get(in.BookingID).Status)
	f.aircraft.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteSaga_UsesStoredDetailsOfDraftBooking(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	in := validInput()

	b, _, err := domain.NewBooking(in.BookingID, "cust-stored", "FLIGHT-STORED", decimal.NewFromInt(9000))
	require.NoError(t, err)
	require.NoError(t, f.bookings.Create(context.Background(), nil, b))

	f.aircraft.On("Reserve", mock.Anything, in.BookingID, "FLIGHT-STORED").
		Return(&client.Reservation{ReservationID: "res-1"}, nil).Once()
	f.payment.On("Charge", mock.Anything, in.BookingID, amountOf("9000"), mock.Anything).
		Return(&client.Charge{PaymentID: "pay-1"}, nil).Once()

	res, err := f.svc.ExecuteSaga(context.Background(), in)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.BookingStatusConfirmed, f.bookings.get(in.BookingID).Status)
	f.aircraft.AssertExpectations(t)
	f.payment.AssertExpectations(t)
}

func TestExecuteSaga_LockedBookingIsRejected(t *testing.T) {
	locker := new(mockLocker)
	f := newFixture(BookingConfig{LockTTL: time.Minute}, locker)
	in := validInput()

	locker.On("Acquire", mock.Anything, "booking:"+in.BookingID, time.Minute).
		Return(nil, apperrors.Conflict("booking:"+in.BookingID+" is locked by another request"))

	res, err := f.svc.ExecuteSaga(context.Background(), in)

	assert.Nil(t, res)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	f.aircraft.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything)
	_, err = f.sagas.GetByBusinessKey(context.Background(), nil, BookingWorkflow, in.BookingID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestExecuteSaga_ReleasesLockAfterRun(t *testing.T) {
	locker := new(mockLocker)
	f := newFixture(BookingConfig{LockTTL: time.Minute}, locker)
	in := validInput()

	released := 0
	var unlock lock.UnlockFunc = func(context.Context) error {
		released++
		return nil
	}
	locker.On("Acquire", mock.Anything, "booking:"+in.BookingID, time.Minute).Return(unlock, nil).Once()
	f.aircraft.On("Reserve", mock.Anything, in.BookingID, in.FlightID).
		Return(nil, apperrors.BusinessRule("aircraft: no aircraft available")).Once()

	res, err := f.svc.ExecuteSaga(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, res.Status)
	assert.Equal(t, 1, released)
	locker.AssertExpectations(t)
}

func TestExecuteSaga_CapacityExhausted(t *testing.T) {
	f := newFixture(BookingConfig{MaxConcurrent: 1}, nil)
	first := validInput()

	entered := make(chan struct{})
	unblock := make(chan struct{})
	f.aircraft.On("Reserve", mock.Anything, first.BookingID, first.FlightID).
		Run(func(mock.Arguments) {
			close(entered)
			<-unblock
		}).
		Return(nil, apperrors.BusinessRule("aircraft: no aircraft available")).Once()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.svc.ExecuteSaga(context.Background(), first)
	}()
	<-entered

	second := validInput()
	second.BookingID = "0b9a7c55-2f43-4d1e-8f3a-5c1e2d3f4a5b"
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := f.svc.ExecuteSaga(ctx, second)

	assert.Nil(t, res)
	assert.True(t, apperrors.IsTransient(err))

	close(unblock)
	<-done
}

// --- ResumeSaga ---

func TestResumeSaga_ContinuesInterruptedRun(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	in := validInput()
	ctx := context.Background()

	// A previous process validated the request and then died.
	b, _, err := domain.NewBooking(in.BookingID, in.CustomerID, in.FlightID, in.Amount)
	require.NoError(t, err)
	_, _ = b.Submit()
	require.NoError(t, f.bookings.Create(ctx, nil, b))

	inst := domain.NewSagaInstance(BookingWorkflow, in.BookingID,
		[]string{StepValidate, StepReserveAircraft, StepProcessPayment, StepConfirm},
		[]byte(`{"booking_id":"`+in.BookingID+`","customer_id":"cust-42","flight_id":"LHR-NCE-0815","amount":"48250"}`))
	inst.StartStep(0)
	require.NoError(t, inst.CompleteStep(0))
	inst.Version = 3
	f.sagas.put(inst)

	f.aircraft.On("Reserve", mock.Anything, in.BookingID, in.FlightID).
		Return(&client.Reservation{ReservationID: "res-1"}, nil).Once()
	f.payment.On("Charge", mock.Anything, in.BookingID, amountOf("48250"), inst.ID+":charge").
		Return(&client.Charge{PaymentID: "pay-1"}, nil).Once()

	res, err := f.svc.ResumeSaga(ctx, inst.ID)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, inst.ID, res.SagaID)
	assert.Equal(t, domain.BookingStatusConfirmed, f.bookings.get(in.BookingID).Status)
	assert.NotContains(t, f.tx.events(), domain.EventBookingCreated, "validate is not repeated")
	f.payment.AssertExpectations(t)
}

func TestResumeSaga_FinishesCompensation(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	in := validInput()
	ctx := context.Background()

	b, _, err := domain.NewBooking(in.BookingID, in.CustomerID, in.FlightID, in.Amount)
	require.NoError(t, err)
	_, _ = b.Submit()
	require.NoError(t, f.bookings.Create(ctx, nil, b))

	inst := domain.NewSagaInstance(BookingWorkflow, in.BookingID,
		[]string{StepValidate, StepReserveAircraft, StepProcessPayment, StepConfirm},
		[]byte(`{"booking_id":"`+in.BookingID+`","customer_id":"cust-42","flight_id":"LHR-NCE-0815","amount":"48250"}`))
	for i := 0; i < 3; i++ {
		inst.StartStep(i)
		require.NoError(t, inst.CompleteStep(i))
	}
	inst.StartStep(3)
	require.NoError(t, inst.FailStep(3, "booking cancelled by operator"))
	inst.Version = 7
	f.sagas.put(inst)

	f.payment.On("Refund", mock.Anything, in.BookingID, inst.ID+":refund").Return(nil).Once()
	f.aircraft.On("Release", mock.Anything, in.BookingID).Return(nil).Once()

	res, err := f.svc.ResumeSaga(ctx, inst.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, res.Status)
	assert.Equal(t, StepConfirm, res.FailedStep)
	f.payment.AssertExpectations(t)
	f.aircraft.AssertExpectations(t)
	f.aircraft.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, domain.BookingStatusCancelled, f.bookings.get(in.BookingID).Status)
}

func TestResumeSaga_NotFound(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)

	res, err := f.svc.ResumeSaga(context.Background(), "missing")

	assert.Nil(t, res)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestResumeSaga_RejectsOtherWorkflow(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)
	inst := domain.NewSagaInstance("crew-assignment", "x", []string{"a"}, nil)
	f.sagas.put(inst)

	res, err := f.svc.ResumeSaga(context.Background(), inst.ID)

	assert.Nil(t, res)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

// --- Reads ---

func TestGetBooking_NotFound(t *testing.T) {
	f := newFixture(BookingConfig{}, nil)

	_, err := f.svc.GetBooking(context.Background(), "nope")

	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
