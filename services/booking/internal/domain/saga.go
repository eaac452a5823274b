package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
)

// SagaStatus is the lifecycle state of a saga instance.
type SagaStatus string

const (
	SagaRunning            SagaStatus = "running"
	SagaCompleted          SagaStatus = "completed"
	SagaCompensating       SagaStatus = "compensating"
	SagaCompensated        SagaStatus = "compensated"
	SagaFailed             SagaStatus = "failed"
	SagaCompensationFailed SagaStatus = "compensation_failed"
)

// IsTerminal reports whether no further transition is possible.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaCompleted, SagaCompensated, SagaFailed, SagaCompensationFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces the monotonic lifecycle:
// running -> completed | compensating, compensating -> compensated | compensation_failed.
func (s SagaStatus) CanTransitionTo(next SagaStatus) bool {
	switch s {
	case SagaRunning:
		return next == SagaCompleted || next == SagaCompensating
	case SagaCompensating:
		return next == SagaCompensated || next == SagaCompensationFailed
	default:
		return false
	}
}

// StepStatus is the state of one saga step.
type StepStatus string

// Saga step status constants.
const (
	StepPending     StepStatus = "pending"
	StepDone        StepStatus = "done"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// StepRecord tracks the execution of a single step in a saga instance.
type StepRecord struct {
	Name          string     `json:"name"`
	Status        StepStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CompensatedAt *time.Time `json:"compensated_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// SagaInstance is the persisted progress of one workflow execution.
type SagaInstance struct {
	ID            string          `json:"id"`
	WorkflowType  string          `json:"workflow_type"`
	BusinessKey   string          `json:"business_key"`
	Status        SagaStatus      `json:"status"`
	Steps         []StepRecord    `json:"steps"`
	FailedStep    string          `json:"failed_step,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewSagaInstance creates a running instance with every step pending.
func NewSagaInstance(workflowType, businessKey string, stepNames []string, payload json.RawMessage) *SagaInstance {
	now := time.Now().UTC()
	steps := make([]StepRecord, len(stepNames))
	for i, name := range stepNames {
		steps[i] = StepRecord{Name: name, Status: StepPending}
	}
	return &SagaInstance{
		ID:           uuid.New().String(),
		WorkflowType: workflowType,
		BusinessKey:  businessKey,
		Status:       SagaRunning,
		Steps:        steps,
		Payload:      payload,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Step returns the record for name, or nil.
func (s *SagaInstance) Step(name string) *StepRecord {
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return &s.Steps[i]
		}
	}
	return nil
}

// NextPendingStep returns the index of the first pending step, or -1.
func (s *SagaInstance) NextPendingStep() int {
	for i := range s.Steps {
		if s.Steps[i].Status == StepPending {
			return i
		}
	}
	return -1
}

// StepsToCompensate returns the indexes of Done steps, last first.
func (s *SagaInstance) StepsToCompensate() []int {
	var idx []int
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if s.Steps[i].Status == StepDone {
			idx = append(idx, i)
		}
	}
	return idx
}

// StartStep records an attempt against a pending step.
func (s *SagaInstance) StartStep(i int) {
	step := &s.Steps[i]
	if step.StartedAt == nil {
		now := time.Now().UTC()
		step.StartedAt = &now
	}
	step.Attempts++
}

// CompleteStep moves a pending step to Done.
func (s *SagaInstance) CompleteStep(i int) error {
	step := &s.Steps[i]
	if step.Status != StepPending {
		return s.invalidStep(step, StepDone)
	}
	now := time.Now().UTC()
	step.Status = StepDone
	step.CompletedAt = &now
	step.Error = ""
	return nil
}

// FailStep moves a pending step to Failed, records the reason on the
// instance and starts compensation.
func (s *SagaInstance) FailStep(i int, reason string) error {
	step := &s.Steps[i]
	if step.Status != StepPending {
		return s.invalidStep(step, StepFailed)
	}
	if err := s.Transition(SagaCompensating); err != nil {
		return err
	}
	step.Status = StepFailed
	step.Error = reason
	s.FailedStep = step.Name
	s.FailureReason = reason
	return nil
}

// CompensateStep moves a Done step to Compensated.
func (s *SagaInstance) CompensateStep(i int) error {
	step := &s.Steps[i]
	if step.Status != StepDone {
		return s.invalidStep(step, StepCompensated)
	}
	now := time.Now().UTC()
	step.Status = StepCompensated
	step.CompensatedAt = &now
	step.Error = ""
	return nil
}

// RecordCompensationFailure keeps the step Done and stores why its
// compensation failed.
func (s *SagaInstance) RecordCompensationFailure(i int, reason string) {
	s.Steps[i].Error = "compensation: " + reason
}

// HasCompensationFailures reports whether any Done step carries a
// compensation error.
func (s *SagaInstance) HasCompensationFailures() bool {
	for _, step := range s.Steps {
		if step.Status == StepDone && step.Error != "" {
			return true
		}
	}
	return false
}

// Transition moves the instance to next if the lifecycle allows it.
func (s *SagaInstance) Transition(next SagaStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return apperrors.Conflict(fmt.Sprintf("saga %s cannot move from %s to %s", s.ID, s.Status, next))
	}
	s.Status = next
	return nil
}

// Touch stamps the instance before a write.
func (s *SagaInstance) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// EventData builds the saga.* payload, optionally scoped to a step.
func (s *SagaInstance) EventData(step *StepRecord) SagaEventData {
	data := SagaEventData{
		SagaID:       s.ID,
		WorkflowType: s.WorkflowType,
		BusinessKey:  s.BusinessKey,
		Status:       string(s.Status),
	}
	if step != nil {
		data.Step = step.Name
		data.Attempts = step.Attempts
		data.Error = step.Error
	} else if s.FailedStep != "" {
		data.Step = s.FailedStep
		data.Error = s.FailureReason
	}
	return data
}

func (s *SagaInstance) invalidStep(step *StepRecord, to StepStatus) error {
	return apperrors.Conflict(fmt.Sprintf("saga %s step %s cannot move from %s to %s", s.ID, step.Name, step.Status, to))
}
