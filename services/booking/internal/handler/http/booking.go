package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/MidhunGopi/AeroLux/pkg/httputil"
	"github.com/MidhunGopi/AeroLux/pkg/validator"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/service"
)

// BookingSagaService is the booking workflow as seen by the HTTP layer.
type BookingSagaService interface {
	ExecuteSaga(ctx context.Context, input *service.ExecuteSagaInput) (*service.SagaResult, error)
	ResumeSaga(ctx context.Context, sagaID string) (*service.SagaResult, error)
	GetBooking(ctx context.Context, id string) (*domain.Booking, error)
	GetSaga(ctx context.Context, id string) (*domain.SagaInstance, error)
}

// AuditTrail reads the consumed-event history of a booking.
type AuditTrail interface {
	Trail(ctx context.Context, bookingID string) ([]domain.AuditEntry, error)
}

// BookingHandler handles HTTP requests for booking and saga endpoints.
type BookingHandler struct {
	bookings BookingSagaService
	audit    AuditTrail
	logger   *slog.Logger
}

// NewBookingHandler creates a new booking HTTP handler.
func NewBookingHandler(bookings BookingSagaService, audit AuditTrail, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{
		bookings: bookings,
		audit:    audit,
		logger:   logger,
	}
}

// --- Request DTOs ---

// ExecuteSagaRequest is the JSON request body for booking a flight.
type ExecuteSagaRequest struct {
	BookingID  string          `json:"booking_id" validate:"omitempty,uuid"`
	CustomerID string          `json:"customer_id" validate:"required,notblank,max=64"`
	FlightID   string          `json:"flight_id" validate:"required,max=64,ident"`
	Amount     decimal.Decimal `json:"amount" validate:"money"`
}

// --- Handlers ---

// ExecuteSaga handles POST /api/v1/bookings/saga
// @Summary Book a flight
// @Description Runs the booking saga: validate, reserve an aircraft, charge and confirm. A failed run is compensated.
// @Tags bookings
// @Accept json
// @Produce json
// @Param request body ExecuteSagaRequest true "Booking request"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Failure 422 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Failure 500 {object} map[string]interface{}
// @Router /api/v1/bookings/saga [post]
func (h *BookingHandler) ExecuteSaga(w http.ResponseWriter, r *http.Request) {
	var req ExecuteSagaRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, r, err)
		return
	}

	result, err := h.bookings.ExecuteSaga(r.Context(), &service.ExecuteSagaInput{
		BookingID:  req.BookingID,
		CustomerID: req.CustomerID,
		FlightID:   req.FlightID,
		Amount:     req.Amount,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, sagaResultStatus(result), httputil.Response{Data: result})
}

// GetBooking handles GET /api/v1/bookings/{id}
// @Summary Get booking
// @Tags bookings
// @Produce json
// @Param id path string true "Booking UUID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/v1/bookings/{id} [get]
func (h *BookingHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	booking, err := h.bookings.GetBooking(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: booking})
}

// GetAuditTrail handles GET /api/v1/bookings/{id}/events
// @Summary List the integration events recorded for a booking
// @Tags bookings
// @Produce json
// @Param id path string true "Booking UUID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /api/v1/bookings/{id}/events [get]
func (h *BookingHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	entries, err := h.audit.Trail(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: entries})
}

// GetSaga handles GET /api/v1/sagas/{id}
// @Summary Get saga instance
// @Description Returns the persisted state of a saga including every step record.
// @Tags sagas
// @Produce json
// @Param id path string true "Saga UUID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/v1/sagas/{id} [get]
func (h *BookingHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	inst, err := h.bookings.GetSaga(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: inst})
}

// ResumeSaga handles POST /api/v1/sagas/{id}/resume
// @Summary Resume an interrupted saga
// @Description Continues a saga left running or compensating. A finished saga reports its outcome.
// @Tags sagas
// @Produce json
// @Param id path string true "Saga UUID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /api/v1/sagas/{id}/resume [post]
func (h *BookingHandler) ResumeSaga(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	result, err := h.bookings.ResumeSaga(r.Context(), id.String())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, sagaResultStatus(result), httputil.Response{Data: result})
}

// --- Helpers ---

// sagaResultStatus maps a saga outcome to an HTTP status. A compensated run
// was rejected by a business rule or collaborator; a failed compensation
// needs an operator.
func sagaResultStatus(res *service.SagaResult) int {
	switch res.Status {
	case domain.SagaCompensated:
		return http.StatusUnprocessableEntity
	case domain.SagaCompensationFailed:
		return http.StatusInternalServerError
	case domain.SagaRunning, domain.SagaCompensating:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}
