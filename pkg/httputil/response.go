package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/pkg/logger"
	"github.com/MidhunGopi/AeroLux/pkg/validator"
)

// RetryAfterSeconds is advertised on 503 responses. Saturation and open
// circuits clear on this order of time.
const RetryAfterSeconds = 1

// Response is the JSON envelope used by every AeroLux endpoint.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse is the error half of Response.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes v with status. Encoding failures are dropped since the
// header is already on the wire.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as an error envelope. AppErrors keep their code and
// status. Bare sentinels are mapped to a code here and anything unrecognised
// becomes a 500 whose message is not leaked. 5xx responses are logged with
// the request-scoped logger, or fallback when none is mounted.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	status, body := classify(err)
	body.RequestID = logger.CorrelationIDFromContext(r.Context())

	if status >= http.StatusInternalServerError {
		l := logger.FromContext(r.Context())
		if l == slog.Default() && fallback != nil {
			l = fallback
		}
		l.ErrorContext(r.Context(), "request failed",
			slog.String("error", err.Error()),
			slog.Int("status", status),
			slog.String("code", body.Code),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}

	WriteJSON(w, status, Response{Error: body})
}

func classify(err error) (int, *ErrorResponse) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Status, &ErrorResponse{Code: appErr.Code, Message: appErr.Message}
	}

	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		return http.StatusBadRequest, &ErrorResponse{
			Code:    "VALIDATION_ERROR",
			Message: "request validation failed",
			Fields:  valErr.Fields(),
		}
	}

	status := apperrors.HTTPStatus(err)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return status, &ErrorResponse{Code: "NOT_FOUND", Message: "resource not found"}
	case errors.Is(err, apperrors.ErrAlreadyExists):
		return status, &ErrorResponse{Code: "ALREADY_EXISTS", Message: "resource already exists"}
	case errors.Is(err, apperrors.ErrInvalidInput):
		return status, &ErrorResponse{Code: "INVALID_INPUT", Message: err.Error()}
	case errors.Is(err, apperrors.ErrConflict):
		return status, &ErrorResponse{Code: "CONFLICT", Message: err.Error()}
	case errors.Is(err, apperrors.ErrValidation):
		return status, &ErrorResponse{Code: "VALIDATION_FAILED", Message: err.Error()}
	case apperrors.IsTransient(err):
		return http.StatusServiceUnavailable, &ErrorResponse{
			Code:    "SERVICE_UNAVAILABLE",
			Message: "a dependency is temporarily unavailable",
		}
	case status < http.StatusInternalServerError:
		return status, &ErrorResponse{Code: "REQUEST_FAILED", Message: err.Error()}
	default:
		return http.StatusInternalServerError, &ErrorResponse{
			Code:    "INTERNAL_ERROR",
			Message: "an internal error occurred",
		}
	}
}

// WriteValidationError answers a request body that failed decoding or
// validation. Oversized bodies get 413, field failures list each field.
func WriteValidationError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := logger.CorrelationIDFromContext(r.Context())

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteJSON(w, http.StatusRequestEntityTooLarge, Response{Error: &ErrorResponse{
			Code:      "BODY_TOO_LARGE",
			Message:   "request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
			RequestID: requestID,
		}})
		return
	}

	status, body := http.StatusBadRequest, &ErrorResponse{Code: "INVALID_INPUT", Message: err.Error()}
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		status, body = classify(valErr)
	}
	body.RequestID = requestID
	WriteJSON(w, status, Response{Error: body})
}

// WriteInvalidParameter answers a malformed path or query parameter.
func WriteInvalidParameter(w http.ResponseWriter, r *http.Request, message string) {
	WriteJSON(w, http.StatusBadRequest, Response{Error: &ErrorResponse{
		Code:      "INVALID_PARAMETER",
		Message:   message,
		RequestID: logger.CorrelationIDFromContext(r.Context()),
	}})
}

// ParseUUID parses a path id. On failure it writes a 400 INVALID_PARAMETER
// and returns false so the handler can return straight away.
func ParseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(param)
	if err != nil {
		WriteInvalidParameter(w, r, "invalid id: "+strconv.Quote(param))
		return uuid.Nil, false
	}
	return id, true
}
