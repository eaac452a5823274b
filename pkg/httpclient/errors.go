package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
)

// maxErrorBody caps how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// errorEnvelope is the error half of the AeroLux JSON envelope, which the
// saga collaborators also speak.
type errorEnvelope struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseResponseError consumes and closes a non-2xx response and returns an
// AppError in the saga failure taxonomy:
//
//	400 404 409 410 402 422   rejection, the step fails and compensates
//	408 429 5xx               transient, safe to retry later
//	anything else (401, 403)  fatal, a misconfiguration
//
// A structured body keeps the collaborator's code and message. Otherwise
// the raw body or the status text is used.
func ParseResponseError(resp *http.Response, collaborator string) error {
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return apperrors.Transient(
			fmt.Sprintf("%s returned status %d", collaborator, resp.StatusCode),
			fmt.Errorf("read body: %w", err),
		)
	}

	code, message := "", strings.TrimSpace(string(raw))
	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error != nil {
		code, message = env.Error.Code, env.Error.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return classifyStatus(resp.StatusCode, code, collaborator, message)
}

func classifyStatus(status int, code, collaborator, message string) error {
	msg := collaborator + ": " + message

	switch status {
	case http.StatusNotFound:
		return apperrors.NotFound(collaborator, message)
	case http.StatusBadRequest:
		return apperrors.InvalidInput(msg)
	case http.StatusConflict:
		return apperrors.Conflict(msg)
	case http.StatusGone:
		return apperrors.Gone(msg)
	case http.StatusPaymentRequired:
		return apperrors.PaymentFailed(msg)
	case http.StatusUnprocessableEntity:
		if code == "PAYMENT_FAILED" {
			return apperrors.PaymentFailed(msg)
		}
		return apperrors.BusinessRule(msg)
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return transientStatus(status, code, msg)
	}
	if status >= http.StatusInternalServerError {
		return transientStatus(status, code, msg)
	}
	return &apperrors.AppError{
		Code:    orDefault(code, "DOWNSTREAM_ERROR"),
		Message: msg,
		Status:  status,
		Err:     fmt.Errorf("%w: status %d", apperrors.ErrFatal, status),
	}
}

func transientStatus(status int, code, msg string) error {
	return &apperrors.AppError{
		Code:    orDefault(code, "TRANSIENT_FAILURE"),
		Message: msg,
		Status:  http.StatusServiceUnavailable,
		Err:     fmt.Errorf("%w: status %d", apperrors.ErrTransient, status),
	}
}

func orDefault(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}
