package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MidhunGopi/AeroLux/pkg/database"
	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/pkg/logger"
	"github.com/MidhunGopi/AeroLux/pkg/tracing"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/uow"
)

var tracer = tracing.Tracer("github.com/MidhunGopi/AeroLux/services/booking/internal/saga")

// Store persists saga instances. Writes receive the transaction opened by
// the Transactor.
type Store interface {
	Create(ctx context.Context, q database.Executor, s *domain.SagaInstance) error
	GetByID(ctx context.Context, q database.Executor, id string) (*domain.SagaInstance, error)
	GetByBusinessKey(ctx context.Context, q database.Executor, workflowType, businessKey string) (*domain.SagaInstance, error)
	Update(ctx context.Context, q database.Executor, s *domain.SagaInstance) error
}

// Transactor runs fn in one transaction. *uow.UnitOfWork implements it.
type Transactor interface {
	Do(ctx context.Context, fn func(ctx context.Context, s *uow.Scope) error) error
}

// Config bounds the time and retries a saga may spend.
type Config struct {
	// StepTimeout applies to steps that declare no Timeout of their own.
	StepTimeout time.Duration
	// Deadline bounds the forward phase of one drive.
	Deadline time.Duration
	// CompensationTimeout bounds each compensation, retries included. It is
	// measured from a context detached from Deadline.
	CompensationTimeout time.Duration
	// PersistTimeout bounds each step record transaction.
	PersistTimeout time.Duration
	// MaxAttempts caps tries per action or compensation, the first included.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the limits used when the environment sets none.
func DefaultConfig() Config {
	return Config{
		StepTimeout:         10 * time.Second,
		Deadline:            2 * time.Minute,
		CompensationTimeout: 30 * time.Second,
		PersistTimeout:      5 * time.Second,
		MaxAttempts:         3,
		InitialBackoff:      200 * time.Millisecond,
		MaxBackoff:          5 * time.Second,
	}
}

// Option customises an Orchestrator.
type Option func(*options)

type options struct {
	newBackOff func() backoff.BackOff
}

// WithBackOff replaces the exponential retry policy. fn is called once per
// retried action or compensation.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(o *options) {
		o.newBackOff = fn
	}
}

// Orchestrator drives instances of one workflow definition.
type Orchestrator[T any] struct {
	def        Definition[T]
	store      Store
	db         database.Executor
	tx         Transactor
	logger     *slog.Logger
	cfg        Config
	newBackOff func() backoff.BackOff
}

// New validates def and returns an orchestrator for it. db is used for
// reads outside a transaction.
func New[T any](def Definition[T], store Store, db database.Executor, tx Transactor, logger *slog.Logger, cfg Config, opts ...Option) (*Orchestrator[T], error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	defaults := DefaultConfig()
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaults.StepTimeout
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = defaults.Deadline
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = defaults.CompensationTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaults.PersistTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	o := &Orchestrator[T]{
		def:    def,
		store:  store,
		db:     db,
		tx:     tx,
		logger: logger,
		cfg:    cfg,
	}

	var opt options
	for _, fn := range opts {
		fn(&opt)
	}
	o.newBackOff = opt.newBackOff
	if o.newBackOff == nil {
		o.newBackOff = o.exponentialBackOff
	}
	return o, nil
}

func (o *Orchestrator[T]) exponentialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if o.cfg.InitialBackoff > 0 {
		b.InitialInterval = o.cfg.InitialBackoff
	}
	if o.cfg.MaxBackoff > 0 {
		b.MaxInterval = o.cfg.MaxBackoff
	}
	b.Multiplier = 2
	return b
}

// Type returns the workflow type tag.
func (o *Orchestrator[T]) Type() string {
	return o.def.Type
}

// Start creates an instance for businessKey and drives it. When one already
// exists its outcome is returned if terminal, otherwise it is resumed with
// its stored payload and payload is ignored.
func (o *Orchestrator[T]) Start(ctx context.Context, businessKey string, payload T) (Result, error) {
	inst, err := o.store.GetByBusinessKey(ctx, o.db, o.def.Type, businessKey)
	if err == nil {
		return o.continueExisting(ctx, inst)
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return Result{BusinessKey: businessKey}, fmt.Errorf("load %s saga for %s: %w", o.def.Type, businessKey, err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{BusinessKey: businessKey}, fmt.Errorf("encode %s saga payload: %w", o.def.Type, err)
	}
	inst = domain.NewSagaInstance(o.def.Type, businessKey, o.def.stepNames(), raw)

	err = o.tx.Do(ctx, func(ctx context.Context, s *uow.Scope) error {
		return o.store.Create(ctx, s.Executor(), inst)
	})
	if errors.Is(err, apperrors.ErrAlreadyExists) {
		// Another caller created it first.
		existing, getErr := o.store.GetByBusinessKey(ctx, o.db, o.def.Type, businessKey)
		if getErr != nil {
			return Result{BusinessKey: businessKey}, fmt.Errorf("load %s saga for %s: %w", o.def.Type, businessKey, getErr)
		}
		return o.continueExisting(ctx, existing)
	}
	if err != nil {
		return Result{BusinessKey: businessKey}, fmt.Errorf("create %s saga: %w", o.def.Type, err)
	}

	SagasStarted.WithLabelValues(o.def.Type).Inc()
	o.logger.InfoContext(ctx, "saga started",
		slog.String("saga_id", inst.ID),
		slog.String("workflow", o.def.Type),
		slog.String("business_key", businessKey),
	)
	return o.drive(ctx, inst, payload)
}

// Resume continues a non-terminal instance from where it was persisted:
// the next pending step while running, the remaining compensations while
// compensating. A terminal instance just reports its outcome.
func (o *Orchestrator[T]) Resume(ctx context.Context, sagaID string) (Result, error) {
	inst, err := o.store.GetByID(ctx, o.db, sagaID)
	if err != nil {
		return Result{SagaID: sagaID}, fmt.Errorf("load saga %s: %w", sagaID, err)
	}
	if inst.WorkflowType != o.def.Type {
		return Result{SagaID: sagaID}, apperrors.InvalidInput(
			fmt.Sprintf("saga %s is a %s workflow, not %s", sagaID, inst.WorkflowType, o.def.Type))
	}
	return o.continueExisting(ctx, inst)
}

func (o *Orchestrator[T]) continueExisting(ctx context.Context, inst *domain.SagaInstance) (Result, error) {
	if inst.Status.IsTerminal() {
		return resultOf(inst, nil), nil
	}
	var data T
	if len(inst.Payload) > 0 {
		if err := json.Unmarshal(inst.Payload, &data); err != nil {
			return resultOf(inst, nil), fmt.Errorf("decode saga %s payload: %w", inst.ID, err)
		}
	}
	o.logger.InfoContext(ctx, "resuming saga",
		slog.String("saga_id", inst.ID),
		slog.String("status", string(inst.Status)),
	)
	return o.drive(ctx, inst, data)
}

func (o *Orchestrator[T]) drive(ctx context.Context, inst *domain.SagaInstance, data T) (Result, error) {
	ctx = logger.WithSagaID(ctx, inst.ID)
	ctx, span := tracer.Start(ctx, "saga."+o.def.Type, trace.WithAttributes(
		tracing.SagaID.String(inst.ID),
		tracing.SagaWorkflow.String(o.def.Type),
		tracing.SagaBusinessKey.String(inst.BusinessKey),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancel()

	var cause error
	if inst.Status == domain.SagaRunning {
		var err error
		cause, err = o.runForward(ctx, inst, &data)
		if err != nil {
			return o.stopped(ctx, span, inst, err)
		}
		if cause == nil {
			if err := o.finish(ctx, inst, &data, domain.SagaCompleted); err != nil {
				return o.stopped(ctx, span, inst, err)
			}
			span.SetAttributes(tracing.SagaStatus.String(string(inst.Status)))
			return resultOf(inst, nil), nil
		}
	}

	if err := o.compensate(ctx, inst, &data); err != nil {
		return o.stopped(ctx, span, inst, err)
	}
	next := domain.SagaCompensated
	if inst.HasCompensationFailures() {
		next = domain.SagaCompensationFailed
	}
	if err := o.finish(ctx, inst, &data, next); err != nil {
		return o.stopped(ctx, span, inst, err)
	}

	res := resultOf(inst, cause)
	span.SetAttributes(tracing.SagaStatus.String(string(inst.Status)))
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res, nil
}

// runForward executes pending steps in order. It returns the failure that
// sent the saga into compensation, or an error if progress could not be
// recorded.
func (o *Orchestrator[T]) runForward(ctx context.Context, inst *domain.SagaInstance, data *T) (cause, err error) {
	for i := inst.NextPendingStep(); i >= 0; i = inst.NextPendingStep() {
		step := o.def.Steps[i]

		actionErr := o.runAction(ctx, inst, i, data)
		if actionErr == nil {
			err := o.persist(ctx, inst, data, func(ctx context.Context, s *uow.Scope) error {
				if err := inst.CompleteStep(i); err != nil {
					return err
				}
				if step.OnDone != nil {
					if err := step.OnDone(ctx, s, data); err != nil {
						return fmt.Errorf("step %s: %w", step.Name, err)
					}
				}
				return publishStep(s, inst, i, domain.EventSagaStepCompleted)
			})
			if err != nil {
				return nil, err
			}
			o.logger.InfoContext(ctx, "saga step completed",
				slog.String("saga_id", inst.ID),
				slog.String("step", step.Name),
				slog.Int("attempts", inst.Steps[i].Attempts),
			)
			continue
		}

		err := o.persist(ctx, inst, data, func(ctx context.Context, s *uow.Scope) error {
			if err := inst.FailStep(i, actionErr.Error()); err != nil {
				return err
			}
			return publishStep(s, inst, i, domain.EventSagaStepFailed)
		})
		if err != nil {
			return nil, err
		}
		o.logger.WarnContext(ctx, "saga step failed, compensating",
			slog.String("saga_id", inst.ID),
			slog.String("step", step.Name),
			slog.String("kind", apperrors.Classify(actionErr).String()),
			slog.Int("attempts", inst.Steps[i].Attempts),
			slog.String("error", actionErr.Error()),
		)
		return actionErr, nil
	}
	return nil, nil
}

func (o *Orchestrator[T]) runAction(ctx context.Context, inst *domain.SagaInstance, i int, data *T) error {
	step := o.def.Steps[i]
	ctx, span := tracer.Start(ctx, "saga.step."+step.Name)
	defer span.End()

	start := time.Now()
	err := o.retry(ctx, step.Name, func() error {
		inst.StartStep(i)
		exec := Execution{
			SagaID:      inst.ID,
			BusinessKey: inst.BusinessKey,
			Step:        step.Name,
			Attempt:     inst.Steps[i].Attempts,
		}
		sctx, cancel := context.WithTimeout(ctx, o.stepTimeout(step))
		defer cancel()
		return step.Action(sctx, exec, data)
	})

	outcome := "success"
	if err != nil {
		outcome = apperrors.Classify(err).String()
		tracing.Fail(span, err)
	}
	StepDuration.WithLabelValues(o.def.Type, step.Name, outcome).Observe(time.Since(start).Seconds())
	return err
}

// compensate undoes Done steps in reverse order. A failed compensation is
// recorded on its step and the remaining ones still run.
func (o *Orchestrator[T]) compensate(ctx context.Context, inst *domain.SagaInstance, data *T) error {
	for _, i := range inst.StepsToCompensate() {
		step := o.def.Steps[i]

		var compErr error
		if step.Compensate != nil {
			compErr = o.runCompensation(ctx, inst, i, data)
		}

		if compErr == nil {
			err := o.persist(ctx, inst, data, func(ctx context.Context, s *uow.Scope) error {
				if err := inst.CompensateStep(i); err != nil {
					return err
				}
				if step.OnCompensated != nil {
					if err := step.OnCompensated(ctx, s, data); err != nil {
						return fmt.Errorf("step %s: %w", step.Name, err)
					}
				}
				return publishStep(s, inst, i, domain.EventSagaStepCompensated)
			})
			if err != nil {
				return err
			}
			o.logger.InfoContext(ctx, "saga step compensated",
				slog.String("saga_id", inst.ID),
				slog.String("step", step.Name),
			)
			continue
		}

		CompensationFailures.WithLabelValues(o.def.Type, step.Name).Inc()
		o.logger.ErrorContext(ctx, "saga compensation failed",
			slog.String("saga_id", inst.ID),
			slog.String("business_key", inst.BusinessKey),
			slog.String("step", step.Name),
			slog.String("error", compErr.Error()),
		)
		err := o.persist(ctx, inst, data, func(ctx context.Context, s *uow.Scope) error {
			inst.RecordCompensationFailure(i, compErr.Error())
			return publishStep(s, inst, i, domain.EventSagaStepCompensationFailed)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator[T]) runCompensation(ctx context.Context, inst *domain.SagaInstance, i int, data *T) error {
	step := o.def.Steps[i]

	// The forward deadline may already be spent; compensation gets its own.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CompensationTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "saga.compensate."+step.Name)
	defer span.End()

	attempt := 0
	err := o.retry(ctx, step.Name, func() error {
		attempt++
		exec := Execution{
			SagaID:      inst.ID,
			BusinessKey: inst.BusinessKey,
			Step:        step.Name,
			Attempt:     attempt,
		}
		sctx, cancel := context.WithTimeout(ctx, o.stepTimeout(step))
		defer cancel()
		return step.Compensate(sctx, exec, data)
	})
	if err != nil {
		tracing.Fail(span, err)
	}
	return err
}

// finish commits the terminal transition together with OnTerminal.
func (o *Orchestrator[T]) finish(ctx context.Context, inst *domain.SagaInstance, data *T, status domain.SagaStatus) error {
	err := o.persist(ctx, inst, data, func(ctx context.Context, s *uow.Scope) error {
		if err := inst.Transition(status); err != nil {
			return err
		}
		if o.def.OnTerminal != nil {
			out := Outcome{Status: status, FailedStep: inst.FailedStep, Reason: inst.FailureReason}
			if err := o.def.OnTerminal(ctx, s, data, out); err != nil {
				return fmt.Errorf("on terminal: %w", err)
			}
		}
		return s.Publish(domain.NewEvent(terminalEvent(status), inst.ID, inst.EventData(nil)))
	})
	if err != nil {
		return err
	}

	SagasFinished.WithLabelValues(o.def.Type, string(status)).Inc()
	attrs := []any{
		slog.String("saga_id", inst.ID),
		slog.String("business_key", inst.BusinessKey),
		slog.String("status", string(status)),
	}
	switch status {
	case domain.SagaCompensationFailed:
		o.logger.ErrorContext(ctx, "saga ended with failed compensations, manual intervention required",
			append(attrs, slog.String("failed_step", inst.FailedStep), slog.Any("steps", inst.Steps))...)
	case domain.SagaCompensated:
		o.logger.InfoContext(ctx, "saga compensated", append(attrs, slog.String("failed_step", inst.FailedStep))...)
	default:
		o.logger.InfoContext(ctx, "saga completed", attrs...)
	}
	return nil
}

// persist runs fn and the version-checked instance write in one
// transaction. It is detached from ctx cancellation so that a step whose
// side effect already happened still gets recorded.
func (o *Orchestrator[T]) persist(ctx context.Context, inst *domain.SagaInstance, data *T, fn func(ctx context.Context, s *uow.Scope) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()

	return o.tx.Do(ctx, func(ctx context.Context, s *uow.Scope) error {
		if err := fn(ctx, s); err != nil {
			return err
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode saga payload: %w", err)
		}
		inst.Payload = raw
		inst.Touch()
		return o.store.Update(ctx, s.Executor(), inst)
	})
}

// retry runs fn until it succeeds, fails with a non-transient error or
// exhausts MaxAttempts.
func (o *Orchestrator[T]) retry(ctx context.Context, stepName string, fn func() error) error {
	attempt := 0
	var lastErr error
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			StepRetries.WithLabelValues(o.def.Type, stepName).Inc()
		}
		err := fn()
		lastErr = err
		if err == nil || apperrors.IsTransient(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxTries(uint(o.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			o.logger.WarnContext(ctx, "retrying saga step",
				slog.String("step", stepName),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		}),
	)
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	// Retry gave up on the context; keep the collaborator's error visible.
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil && !errors.Is(lastErr, ctxErr) {
		return fmt.Errorf("%w: %w", ctxErr, lastErr)
	}
	return err
}

func (o *Orchestrator[T]) stepTimeout(step Step[T]) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return o.cfg.StepTimeout
}

func (o *Orchestrator[T]) stopped(ctx context.Context, span trace.Span, inst *domain.SagaInstance, err error) (Result, error) {
	tracing.Fail(span, err)

	if errors.Is(err, apperrors.ErrConflict) {
		PersistConflicts.WithLabelValues(o.def.Type).Inc()
		o.logger.WarnContext(ctx, "saga modified concurrently, abandoning this drive",
			slog.String("saga_id", inst.ID),
			slog.String("error", err.Error()),
		)
	} else {
		o.logger.ErrorContext(ctx, "saga progress could not be recorded",
			slog.String("saga_id", inst.ID),
			slog.String("status", string(inst.Status)),
			slog.String("error", err.Error()),
		)
	}
	return Result{SagaID: inst.ID, BusinessKey: inst.BusinessKey, Status: inst.Status, FailedStep: inst.FailedStep}, err
}

func publishStep(s *uow.Scope, inst *domain.SagaInstance, i int, eventName string) error {
	return s.Publish(domain.NewEvent(eventName, inst.ID, inst.EventData(&inst.Steps[i])))
}

func terminalEvent(status domain.SagaStatus) string {
	switch status {
	case domain.SagaCompleted:
		return domain.EventSagaCompleted
	case domain.SagaCompensated:
		return domain.EventSagaCompensated
	default:
		return domain.EventSagaCompensationFailed
	}
}
