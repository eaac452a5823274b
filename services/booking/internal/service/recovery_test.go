package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/client"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

type mockResumer struct {
	mock.Mock
}

func (m *mockResumer) ResumeSaga(ctx context.Context, sagaID string) (*SagaResult, error) {
	args := m.Called(ctx, sagaID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SagaResult), args.Error(1)
}

func staleSaga(sagas *memSagas, key string, status domain.SagaStatus, age time.Duration) *domain.SagaInstance {
	inst := domain.NewSagaInstance(BookingWorkflow, key, []string{StepValidate}, nil)
	inst.Status = status
	inst.UpdatedAt = time.Now().UTC().Add(-age)
	sagas.put(inst)
	return inst
}

func TestSweepOnce_ResumesOnlyStaleNonTerminalSagas(t *testing.T) {
	sagas := newMemSagas()
	running := staleSaga(sagas, "bk-1", domain.SagaRunning, time.Hour)
	compensating := staleSaga(sagas, "bk-2", domain.SagaCompensating, time.Hour)
	staleSaga(sagas, "bk-3", domain.SagaRunning, time.Second)
	staleSaga(sagas, "bk-4", domain.SagaCompleted, time.Hour)

	resumer := new(mockResumer)
	resumer.On("ResumeSaga", mock.Anything, running.ID).
		Return(&SagaResult{SagaID: running.ID, Status: domain.SagaCompleted}, nil).Once()
	resumer.On("ResumeSaga", mock.Anything, compensating.ID).
		Return(&SagaResult{SagaID: compensating.ID, Status: domain.SagaCompensated}, nil).Once()

	sweeper := NewRecoverySweeper(sagas, resumer, newTestLogger(), RecoveryConfig{StaleAfter: 5 * time.Minute})
	n, err := sweeper.SweepOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	resumer.AssertExpectations(t)
	resumer.AssertNumberOfCalls(t, "ResumeSaga", 2)
}

func TestSweepOnce_OneFailureDoesNotStopOthers(t *testing.T) {
	sagas := newMemSagas()
	busy := staleSaga(sagas, "bk-1", domain.SagaRunning, 3*time.Hour)
	broken := staleSaga(sagas, "bk-2", domain.SagaRunning, 2*time.Hour)
	ok := staleSaga(sagas, "bk-3", domain.SagaRunning, time.Hour)

	resumer := new(mockResumer)
	resumer.On("ResumeSaga", mock.Anything, busy.ID).
		Return(nil, apperrors.Conflict("booking:bk-1 is locked by another request")).Once()
	resumer.On("ResumeSaga", mock.Anything, broken.ID).
		Return(nil, errors.New("connection refused")).Once()
	resumer.On("ResumeSaga", mock.Anything, ok.ID).
		Return(&SagaResult{SagaID: ok.ID, Status: domain.SagaCompleted}, nil).Once()

	sweeper := NewRecoverySweeper(sagas, resumer, newTestLogger(), RecoveryConfig{StaleAfter: time.Minute, Parallelism: 1})
	n, err := sweeper.SweepOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	resumer.AssertExpectations(t)
}

func TestSweepOnce_HonoursBatchSize(t *testing.T) {
	sagas := newMemSagas()
	oldest := staleSaga(sagas, "bk-1", domain.SagaRunning, 3*time.Hour)
	staleSaga(sagas, "bk-2", domain.SagaRunning, 2*time.Hour)

	resumer := new(mockResumer)
	resumer.On("ResumeSaga", mock.Anything, oldest.ID).
		Return(&SagaResult{SagaID: oldest.ID, Status: domain.SagaCompleted}, nil).Once()

	sweeper := NewRecoverySweeper(sagas, resumer, newTestLogger(), RecoveryConfig{StaleAfter: time.Minute, BatchSize: 1})
	n, err := sweeper.SweepOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	resumer.AssertExpectations(t)
}

func TestSweepOnce_DrivesInterruptedBookingToCompletion(t *testing.T) {
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
	inst.StartStep(0)
	require.NoError(t, inst.CompleteStep(0))
	inst.Version = 2
	inst.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	f.sagas.put(inst)

	f.aircraft.On("Reserve", mock.Anything, in.BookingID, in.FlightID).
		Return(&client.Reservation{ReservationID: "res-1"}, nil).Once()
	f.payment.On("Charge", mock.Anything, in.BookingID, mock.Anything, inst.ID+":charge").
		Return(&client.Charge{PaymentID: "pay-1"}, nil).Once()

	sweeper := NewRecoverySweeper(f.sagas, f.svc, newTestLogger(), RecoveryConfig{StaleAfter: time.Minute})
	n, err := sweeper.SweepOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.BookingStatusConfirmed, f.bookings.get(in.BookingID).Status)

	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a finished saga is not stale")
}

func TestRecoverySweeper_RunStopsOnCancel(t *testing.T) {
	sagas := newMemSagas()
	resumer := new(mockResumer)
	sweeper := NewRecoverySweeper(sagas, resumer, newTestLogger(), RecoveryConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	resumer.AssertNotCalled(t, "ResumeSaga", mock.Anything, mock.Anything)
}

func TestNewRecoverySweeper_Defaults(t *testing.T) {
	s := NewRecoverySweeper(newMemSagas(), new(mockResumer), newTestLogger(), RecoveryConfig{})

	assert.Equal(t, time.Minute, s.cfg.Interval)
	assert.Equal(t, 5*time.Minute, s.cfg.StaleAfter)
	assert.Equal(t, 50, s.cfg.BatchSize)
	assert.Equal(t, 4, s.cfg.Parallelism)
}
