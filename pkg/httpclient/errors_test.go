package httpclient

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeResponse creates an *http.Response with the given status code and body string.
func makeResponse(statusCode int, body string) *http.Response {
	return &http.Response{
		StatusCode: statusCode,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// structuredError builds a standard JSON error body.
func structuredError(code, message string) string {
	return `{"error":{"code":"` + code + `","message":"` + message + `"}}`
}

func TestParseResponseError_StructuredError_NotFound(t *testing.T) {
	resp := makeResponse(http.StatusNotFound, structuredError("NOT_FOUND", "reservation not found"))
	err := ParseResponseError(resp, "aircraft")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %T: %v", err, err)
	assert.Equal(t, http.StatusNotFound, appErr.Status)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Equal(t, apperrors.KindValidation, apperrors.Classify(err))
}

func TestParseResponseError_StructuredError_BadRequest(t *testing.T) {
	resp := makeResponse(http.StatusBadRequest, structuredError("INVALID_INPUT", "flight id is required"))
	err := ParseResponseError(resp, "aircraft")

	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
	assert.Contains(t, err.Error(), "aircraft: flight id is required")
	assert.Equal(t, apperrors.KindValidation, apperrors.Classify(err))
}

func TestParseResponseError_StructuredError_Conflict(t *testing.T) {
	resp := makeResponse(http.StatusConflict, structuredError("CONFLICT", "seat already held"))
	err := ParseResponseError(resp, "aircraft")

	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.Equal(t, http.StatusConflict, apperrors.HTTPStatus(err))
}

func TestParseResponseError_StructuredError_Gone(t *testing.T) {
	resp := makeResponse(http.StatusGone, structuredError("GONE", "flight departed"))
	err := ParseResponseError(resp, "aircraft")

	assert.True(t, errors.Is(err, apperrors.ErrGone))
}

func TestParseResponseError_StructuredError_PaymentDeclined(t *testing.T) {
	resp := makeResponse(http.StatusUnprocessableEntity, structuredError("PAYMENT_FAILED", "card declined"))
	err := ParseResponseError(resp, "payment")

	assert.True(t, errors.Is(err, apperrors.ErrPaymentFailed))
	assert.Equal(t, apperrors.KindValidation, apperrors.Classify(err))
}

func TestParseResponseError_PaymentRequired(t *testing.T) {
	resp := makeResponse(http.StatusPaymentRequired, structuredError("DECLINED", "insufficient funds"))
	err := ParseResponseError(resp, "payment")

	assert.True(t, errors.Is(err, apperrors.ErrPaymentFailed))
}

func TestParseResponseError_StructuredError_BusinessRule(t *testing.T) {
	resp := makeResponse(http.StatusUnprocessableEntity, structuredError("NO_CAPACITY", "aircraft fully booked"))
	err := ParseResponseError(resp, "aircraft")

	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.True(t, apperrors.IsValidation(err))
}

func TestParseResponseError_StructuredError_ServiceUnavailable(t *testing.T) {
	resp := makeResponse(http.StatusServiceUnavailable, structuredError("MAINTENANCE", "down for maintenance"))
	err := ParseResponseError(resp, "payment")

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "MAINTENANCE", appErr.Code)
	assert.True(t, apperrors.IsTransient(err))
}

func TestParseResponseError_ServerErrorsAreTransient(t *testing.T) {
	for _, status := range []int{
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests,
		http.StatusRequestTimeout,
	} {
		err := ParseResponseError(makeResponse(status, "boom"), "payment")
		assert.True(t, apperrors.IsTransient(err), "status %d should be transient", status)
	}
}

func TestParseResponseError_AuthFailuresAreFatal(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		err := ParseResponseError(makeResponse(status, structuredError("DENIED", "bad token")), "payment")

		var appErr *apperrors.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, status, appErr.Status)
		assert.Equal(t, apperrors.KindFatal, apperrors.Classify(err))
	}
}

func TestParseResponseError_UnstructuredBody(t *testing.T) {
	err := ParseResponseError(makeResponse(http.StatusBadGateway, "upstream timeout"), "aircraft")

	assert.Contains(t, err.Error(), "upstream timeout")
	assert.True(t, apperrors.IsTransient(err))
}

func TestParseResponseError_EmptyBody(t *testing.T) {
	err := ParseResponseError(makeResponse(http.StatusBadRequest, ""), "aircraft")

	assert.Contains(t, err.Error(), "Bad Request")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

func TestParseResponseError_StructuredButNullError(t *testing.T) {
	err := ParseResponseError(makeResponse(http.StatusTeapot, `{"error":null}`), "aircraft")

	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "DOWNSTREAM_ERROR", appErr.Code)
	assert.Equal(t, http.StatusTeapot, appErr.Status)
}

func TestParseResponseError_ClosesAndCapsBody(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader(strings.Repeat("x", 2*maxErrorBody))}
	err := ParseResponseError(&http.Response{StatusCode: http.StatusBadGateway, Body: body}, "aircraft")

	assert.True(t, body.closed)
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Len(t, appErr.Message, maxErrorBody+len("aircraft: "))
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}
