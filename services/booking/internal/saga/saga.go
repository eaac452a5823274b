// Package saga drives a named sequence of steps against remote collaborators,
// persisting progress after every step and compensating completed steps in
// reverse order when a step fails for good.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/uow"
)

// ErrCompensationFailed marks a saga that could not undo every completed step.
var ErrCompensationFailed = errors.New("saga compensation failed")

// Execution identifies the call an Action or Compensate is serving.
// Collaborators derive idempotency keys from it.
type Execution struct {
	SagaID      string
	BusinessKey string
	Step        string
	Attempt     int
}

// Step is one unit of a workflow over payload T.
//
// Action must be safe to repeat: a crash between the call and the step
// record commit re-runs it on resume. Compensate must be idempotent for the
// same reason. OnDone and OnCompensated run inside the transaction that
// records the step transition.
type Step[T any] struct {
	Name    string
	Timeout time.Duration

	Action        func(ctx context.Context, exec Execution, data *T) error
	OnDone        func(ctx context.Context, s *uow.Scope, data *T) error
	Compensate    func(ctx context.Context, exec Execution, data *T) error
	OnCompensated func(ctx context.Context, s *uow.Scope, data *T) error
}

// Outcome is handed to Definition.OnTerminal.
type Outcome struct {
	Status     domain.SagaStatus
	FailedStep string
	Reason     string
}

// Definition is a workflow: its type tag, its ordered steps and an optional
// hook committed together with the terminal transition.
type Definition[T any] struct {
	Type       string
	Steps      []Step[T]
	OnTerminal func(ctx context.Context, s *uow.Scope, data *T, out Outcome) error
}

func (d Definition[T]) validate() error {
	if d.Type == "" {
		return errors.New("saga definition needs a type")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s has no steps", d.Type)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("saga %s has an unnamed step", d.Type)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("saga %s declares step %s twice", d.Type, s.Name)
		}
		if s.Action == nil {
			return fmt.Errorf("saga %s step %s has no action", d.Type, s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

func (d Definition[T]) stepNames() []string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name
	}
	return names
}

// Result summarises a saga run. Err carries the business failure; the error
// returned next to a Result is reserved for failures to drive the saga.
type Result struct {
	Success     bool
	SagaID      string
	BusinessKey string
	Status      domain.SagaStatus
	FailedStep  string
	Err         error
}

// StepError is the failure that sent a saga into compensation.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// resultOf builds the Result of an instance as persisted.
func resultOf(inst *domain.SagaInstance, cause error) Result {
	r := Result{
		Success:     inst.Status == domain.SagaCompleted,
		SagaID:      inst.ID,
		BusinessKey: inst.BusinessKey,
		Status:      inst.Status,
		FailedStep:  inst.FailedStep,
	}
	if r.Success || inst.FailedStep == "" {
		return r
	}
	if cause == nil {
		cause = errors.New(inst.FailureReason)
	}
	stepErr := &StepError{Step: inst.FailedStep, Err: cause}
	if inst.Status == domain.SagaCompensationFailed {
		r.Err = fmt.Errorf("%w: %w", ErrCompensationFailed, stepErr)
	} else {
		r.Err = stepErr
	}
	return r
}
