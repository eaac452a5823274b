package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/MidhunGopi/AeroLux/pkg/database"
	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/pkg/logger"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/client"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/lock"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/repository"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/saga"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/uow"
)

// BookingWorkflow is the saga type tag of the booking workflow.
const BookingWorkflow = "booking"

// Booking workflow step names, in execution order.
const (
	StepValidate        = "Validate"
	StepReserveAircraft = "ReserveAircraft"
	StepProcessPayment  = "ProcessPayment"
	StepConfirm         = "Confirm"
)

// AircraftReserver holds and releases aircraft. Release must treat an
// unknown reservation as released.
type AircraftReserver interface {
	Reserve(ctx context.Context, bookingID, flightID string) (*client.Reservation, error)
	Release(ctx context.Context, bookingID string) error
}

// PaymentProcessor charges and refunds bookings. Both calls are
// de-duplicated on their idempotency key.
type PaymentProcessor interface {
	Charge(ctx context.Context, bookingID string, amount decimal.Decimal, idempotencyKey string) (*client.Charge, error)
	Refund(ctx context.Context, bookingID, idempotencyKey string) error
}

// SagaTimeouts holds per-step timeout configuration for the booking saga.
// A zero value falls back to the orchestrator's step timeout.
type SagaTimeouts struct {
	ValidateTimeout time.Duration
	ReserveTimeout  time.Duration
	PaymentTimeout  time.Duration
	ConfirmTimeout  time.Duration
}

// BookingConfig tunes BookingService.
type BookingConfig struct {
	Saga     saga.Config
	Timeouts SagaTimeouts
	// MaxConcurrent bounds sagas driven at once by this process.
	MaxConcurrent int64
	// LockTTL must outlive a whole drive, compensation included.
	LockTTL time.Duration
}

// BookingSagaData is the workflow payload persisted with the saga instance.
type BookingSagaData struct {
	BookingID     string          `json:"booking_id"`
	CustomerID    string          `json:"customer_id"`
	FlightID      string          `json:"flight_id"`
	Amount        decimal.Decimal `json:"amount"`
	ReservationID string          `json:"reservation_id,omitempty"`
	PaymentID     string          `json:"payment_id,omitempty"`
	// ChargeUnconfirmed is set while the last charge attempt ended without a
	// definite answer from the payment service.
	ChargeUnconfirmed bool `json:"charge_unconfirmed,omitempty"`
}

// ExecuteSagaInput is the request to book a flight.
type ExecuteSagaInput struct {
	BookingID  string          `json:"booking_id" validate:"omitempty,uuid"`
	CustomerID string          `json:"customer_id" validate:"required,notblank,max=64"`
	FlightID   string          `json:"flight_id" validate:"required,max=64,ident"`
	Amount     decimal.Decimal `json:"amount"`
}

// SagaResult is what a booking saga run reports to callers.
type SagaResult struct {
	Success    bool              `json:"success"`
	SagaID     string            `json:"saga_id"`
	BookingID  string            `json:"booking_id,omitempty"`
	Status     domain.SagaStatus `json:"status"`
	FailedStep string            `json:"failed_step,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func newSagaResult(res saga.Result) *SagaResult {
	out := &SagaResult{
		Success:    res.Success,
		SagaID:     res.SagaID,
		Status:     res.Status,
		FailedStep: res.FailedStep,
	}
	if res.Success {
		out.BookingID = res.BusinessKey
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// BookingService runs the booking workflow and serves its read models.
type BookingService struct {
	bookings     repository.BookingRepository
	sagas        repository.SagaRepository
	db           database.Executor
	aircraft     AircraftReserver
	payment      PaymentProcessor
	locker       lock.Locker
	orchestrator *saga.Orchestrator[BookingSagaData]
	slots        *semaphore.Weighted
	lockTTL      time.Duration
	logger       *slog.Logger
}

// NewBookingService builds the booking workflow on top of the orchestrator.
// db serves reads outside a transaction; tx commits step records together
// with booking changes and outbox rows.
func NewBookingService(
	bookings repository.BookingRepository,
	sagas repository.SagaRepository,
	db database.Executor,
	tx saga.Transactor,
	aircraft AircraftReserver,
	payment PaymentProcessor,
	locker lock.Locker,
	logger *slog.Logger,
	cfg BookingConfig,
	opts ...saga.Option,
) (*BookingService, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if locker == nil {
		locker = lock.NopLocker{}
	}

	s := &BookingService{
		bookings: bookings,
		sagas:    sagas,
		db:       db,
		aircraft: aircraft,
		payment:  payment,
		locker:   locker,
		slots:    semaphore.NewWeighted(cfg.MaxConcurrent),
		lockTTL:  cfg.LockTTL,
		logger:   logger,
	}

	orch, err := saga.New(s.definition(cfg.Timeouts), sagas, db, tx, logger, cfg.Saga, opts...)
	if err != nil {
		return nil, fmt.Errorf("build booking saga: %w", err)
	}
	s.orchestrator = orch
	return s, nil
}

// ExecuteSaga books a flight: validate, reserve an aircraft, charge and
// confirm, compensating on failure. Calling it again for the same booking
// returns the recorded outcome or continues an interrupted run.
func (s *BookingService) ExecuteSaga(ctx context.Context, input *ExecuteSagaInput) (*SagaResult, error) {
	bookingID := input.BookingID
	if bookingID == "" {
		bookingID = uuid.New().String()
	}

	data := BookingSagaData{
		BookingID:  bookingID,
		CustomerID: strings.TrimSpace(input.CustomerID),
		FlightID:   strings.TrimSpace(input.FlightID),
		Amount:     input.Amount,
	}

	var res saga.Result
	err := s.guarded(ctx, bookingID, func(ctx context.Context) error {
		var err error
		res, err = s.orchestrator.Start(ctx, bookingID, data)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "booking saga finished",
		slog.String("saga_id", res.SagaID),
		slog.String("booking_id", bookingID),
		slog.String("status", string(res.Status)),
	)
	return newSagaResult(res), nil
}

// ResumeSaga continues an interrupted booking saga.
func (s *BookingService) ResumeSaga(ctx context.Context, sagaID string) (*SagaResult, error) {
	inst, err := s.sagas.GetByID(ctx, s.db, sagaID)
	if err != nil {
		return nil, err
	}
	if inst.WorkflowType != BookingWorkflow {
		return nil, apperrors.InvalidInput(fmt.Sprintf("saga %s is not a booking saga", sagaID))
	}

	var res saga.Result
	err = s.guarded(ctx, inst.BusinessKey, func(ctx context.Context) error {
		var err error
		res, err = s.orchestrator.Resume(ctx, sagaID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return newSagaResult(res), nil
}

// GetBooking retrieves a booking by id.
func (s *BookingService) GetBooking(ctx context.Context, id string) (*domain.Booking, error) {
	return s.bookings.GetByID(ctx, s.db, id)
}

// GetSaga retrieves a saga instance by id.
func (s *BookingService) GetSaga(ctx context.Context, id string) (*domain.SagaInstance, error) {
	return s.sagas.GetByID(ctx, s.db, id)
}

// guarded runs fn holding a concurrency slot and the booking lock.
func (s *BookingService) guarded(ctx context.Context, bookingID string, fn func(ctx context.Context) error) error {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return apperrors.Transient("no saga capacity available", err)
	}
	defer s.slots.Release(1)

	unlock, err := s.locker.Acquire(ctx, "booking:"+bookingID, s.lockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "failed to release booking lock",
				slog.String("booking_id", bookingID),
				slog.String("error", err.Error()),
			)
		}
	}()

	return fn(ctx)
}

func (s *BookingService) definition(t SagaTimeouts) saga.Definition[BookingSagaData] {
	return saga.Definition[BookingSagaData]{
		Type: BookingWorkflow,
		Steps: []saga.Step[BookingSagaData]{
			{
				Name:    StepValidate,
				Timeout: t.ValidateTimeout,
				Action:  s.validate,
				OnDone:  s.submitBooking,
			},
			{
				Name:    StepReserveAircraft,
				Timeout: t.ReserveTimeout,
				Action:  s.reserveAircraft,
				Compensate: func(ctx context.Context, _ saga.Execution, data *BookingSagaData) error {
					return s.aircraft.Release(ctx, data.BookingID)
				},
			},
			{
				Name:    StepProcessPayment,
				Timeout: t.PaymentTimeout,
				Action:  s.processPayment,
				Compensate: func(ctx context.Context, exec saga.Execution, data *BookingSagaData) error {
					return s.payment.Refund(ctx, data.BookingID, exec.SagaID+":refund")
				},
			},
			{
				Name:    StepConfirm,
				Timeout: t.ConfirmTimeout,
				Action:  s.checkConfirmable,
				OnDone:  s.confirmBooking,
			},
		},
		OnTerminal: s.cancelOnFailure,
	}
}

// validate checks the request and, for an existing booking, adopts its
// stored details.
func (s *BookingService) validate(ctx context.Context, _ saga.Execution, data *BookingSagaData) error {
	b, err := s.bookings.GetByID(ctx, s.db, data.BookingID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		if data.CustomerID == "" {
			return apperrors.BusinessRule("customer id is required")
		}
		if data.FlightID == "" {
			return apperrors.BusinessRule("flight id is required")
		}
		if !data.Amount.IsPositive() {
			return apperrors.BusinessRule("booking amount must be positive")
		}
		return nil
	case err != nil:
		return err
	}

	if b.Status != domain.BookingStatusDraft && b.Status != domain.BookingStatusPending {
		return apperrors.BusinessRule(fmt.Sprintf("booking %s is %s and cannot be booked again", b.ID, b.Status))
	}
	data.CustomerID = b.CustomerID
	data.FlightID = b.FlightID
	data.Amount = b.Amount
	return nil
}

// submitBooking creates the booking if needed and moves it to pending in
// the step's transaction.
func (s *BookingService) submitBooking(ctx context.Context, sc *uow.Scope, data *BookingSagaData) error {
	b, err := s.bookings.GetByID(ctx, sc.Executor(), data.BookingID)
	if errors.Is(err, apperrors.ErrNotFound) {
		b, created, err := domain.NewBooking(data.BookingID, data.CustomerID, data.FlightID, data.Amount)
		if err != nil {
			return err
		}
		submitted, err := b.Submit()
		if err != nil {
			return err
		}
		if err := s.bookings.Create(ctx, sc.Executor(), b); err != nil {
			return err
		}
		return sc.Record(append(created, submitted...)...)
	}
	if err != nil {
		return err
	}

	if b.Status != domain.BookingStatusDraft {
		return nil
	}
	events, err := b.Submit()
	if err != nil {
		return err
	}
	if err := s.bookings.Update(ctx, sc.Executor(), b); err != nil {
		return err
	}
	return sc.Record(events...)
}

func (s *BookingService) reserveAircraft(ctx context.Context, _ saga.Execution, data *BookingSagaData) error {
	res, err := s.aircraft.Reserve(ctx, data.BookingID, data.FlightID)
	if err != nil {
		return err
	}
	data.ReservationID = res.ReservationID
	return nil
}

// processPayment charges under a key derived from the saga id, so a retried
// or resumed charge is deduplicated by the payment service.
//
// A transient failure leaves the charge outcome unknown. When every attempt
// ends that way the step never completes, its refund never runs, and a charge
// that did go through stays with the customer. Such sagas are logged by
// cancelOnFailure for reconciliation.
func (s *BookingService) processPayment(ctx context.Context, exec saga.Execution, data *BookingSagaData) error {
	key := exec.SagaID + ":charge"
	charge, err := s.payment.Charge(ctx, data.BookingID, data.Amount, key)
	if err != nil {
		data.ChargeUnconfirmed = apperrors.IsTransient(err)
		if data.ChargeUnconfirmed {
			s.logger.WarnContext(ctx, "payment charge outcome unknown",
				slog.String("saga_id", exec.SagaID),
				slog.String("booking_id", data.BookingID),
				slog.String("idempotency_key", key),
				slog.Int("attempt", exec.Attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
	data.ChargeUnconfirmed = false
	data.PaymentID = charge.PaymentID
	return nil
}

// checkConfirmable fails fast when the booking was cancelled behind the
// saga's back, so the charge is refunded instead of confirming.
func (s *BookingService) checkConfirmable(ctx context.Context, _ saga.Execution, data *BookingSagaData) error {
	b, err := s.bookings.GetByID(ctx, s.db, data.BookingID)
	if err != nil {
		return err
	}
	if b.Status != domain.BookingStatusPending && b.Status != domain.BookingStatusConfirmed {
		return apperrors.BusinessRule(fmt.Sprintf("booking %s is %s and cannot be confirmed", b.ID, b.Status))
	}
	return nil
}

func (s *BookingService) confirmBooking(ctx context.Context, sc *uow.Scope, data *BookingSagaData) error {
	b, err := s.bookings.GetByID(ctx, sc.Executor(), data.BookingID)
	if err != nil {
		return err
	}
	if b.Status == domain.BookingStatusConfirmed {
		return nil
	}
	events, err := b.Confirm()
	if err != nil {
		return err
	}
	if err := s.bookings.Update(ctx, sc.Executor(), b); err != nil {
		return err
	}
	return sc.Record(events...)
}

// cancelOnFailure cancels the booking of a compensated saga in the terminal
// transition's transaction.
func (s *BookingService) cancelOnFailure(ctx context.Context, sc *uow.Scope, data *BookingSagaData, out saga.Outcome) error {
	// A saga rejected at Validate never submitted the booking, so it is not
	// this saga's to cancel.
	if out.Status == domain.SagaCompleted || out.FailedStep == StepValidate {
		return nil
	}
	if out.FailedStep == StepProcessPayment && data.ChargeUnconfirmed {
		sagaID := logger.SagaIDFromContext(ctx)
		s.logger.WarnContext(ctx, "booking saga failed with an unconfirmed payment charge, it is not refunded automatically",
			slog.String("saga_id", sagaID),
			slog.String("booking_id", data.BookingID),
			slog.String("idempotency_key", sagaID+":charge"),
			slog.String("amount", data.Amount.String()),
		)
	}

	b, err := s.bookings.GetByID(ctx, sc.Executor(), data.BookingID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !b.CanCancel() {
		return nil
	}

	reason := fmt.Sprintf("%s failed: %s", out.FailedStep, out.Reason)
	if out.Status == domain.SagaCompensationFailed {
		reason += " (compensation incomplete)"
	}
	events, err := b.Cancel(reason)
	if err != nil {
		return err
	}
	if err := s.bookings.Update(ctx, sc.Executor(), b); err != nil {
		return err
	}
	return sc.Record(events...)
}
