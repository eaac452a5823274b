package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Standard sentinel errors for common cases.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrConflict      = errors.New("conflict")
	ErrGone          = errors.New("gone")
	ErrPaymentFailed = errors.New("payment failed")

	// Saga failure taxonomy.
	ErrValidation = errors.New("business rule violation")
	ErrTransient  = errors.New("transient failure")
	ErrFatal      = errors.New("fatal failure")
)

// Kind is the retry classification of an error raised by a saga step or
// collaborator call.
type Kind int

const (
	// KindFatal is an unexpected or unclassified failure. Never retried.
	KindFatal Kind = iota
	// KindValidation is a business-rule violation. Never retried.
	KindValidation
	// KindTransient is a timeout, network or availability failure. Retried.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// AppError represents a structured application error with HTTP status mapping.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// AlreadyExists creates a 409 error.
func AlreadyExists(resource, field, value string) *AppError {
	return &AppError{
		Code:    "ALREADY_EXISTS",
		Message: fmt.Sprintf("%s with %s %q already exists", resource, field, value),
		Status:  http.StatusConflict,
		Err:     ErrAlreadyExists,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Conflict creates a 409 error, used for optimistic concurrency and lock contention.
func Conflict(message string) *AppError {
	return &AppError{
		Code:    "CONFLICT",
		Message: message,
		Status:  http.StatusConflict,
		Err:     ErrConflict,
	}
}

// Gone creates a 410 error.
func Gone(message string) *AppError {
	return &AppError{
		Code:    "GONE",
		Message: message,
		Status:  http.StatusGone,
		Err:     ErrGone,
	}
}

// PaymentFailed creates a 422 error for a declined charge.
func PaymentFailed(message string) *AppError {
	return &AppError{
		Code:    "PAYMENT_FAILED",
		Message: message,
		Status:  http.StatusUnprocessableEntity,
		Err:     ErrPaymentFailed,
	}
}

// BusinessRule creates a 422 validation error. Saga steps failing with it are
// compensated without retry.
func BusinessRule(message string) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Message: message,
		Status:  http.StatusUnprocessableEntity,
		Err:     ErrValidation,
	}
}

// Transient creates a 503 error for a retryable failure. cause is kept in the
// chain so errors.Is still reaches it.
func Transient(message string, cause error) *AppError {
	return &AppError{
		Code:    "TRANSIENT_FAILURE",
		Message: message,
		Status:  http.StatusServiceUnavailable,
		Err:     errors.Join(ErrTransient, cause),
	}
}

// Fatal creates a 500 error for an unrecoverable failure.
func Fatal(message string, cause error) *AppError {
	return &AppError{
		Code:    "FATAL_FAILURE",
		Message: message,
		Status:  http.StatusInternalServerError,
		Err:     errors.Join(ErrFatal, cause),
	}
}

// Classify returns the retry classification of err. Explicit taxonomy
// sentinels win over inferred ones.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}

	switch {
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrGone),
		errors.Is(err, ErrPaymentFailed):
		return KindValidation
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindFatal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == KindTransient
}

// IsValidation reports whether err is a business-rule violation.
func IsValidation(err error) bool {
	return err != nil && Classify(err) == KindValidation
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrGone):
		return http.StatusGone
	case errors.Is(err, ErrPaymentFailed), errors.Is(err, ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
