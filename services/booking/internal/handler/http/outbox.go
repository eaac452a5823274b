package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MidhunGopi/AeroLux/pkg/httputil"
	"github.com/MidhunGopi/AeroLux/pkg/pagination"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

const (
	defaultPendingLimit = 100
	maxPendingLimit     = 500
)

// OutboxAdmin is the operator view of the transactional outbox.
type OutboxAdmin interface {
	ListPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	ListParked(ctx context.Context, eventType string, params pagination.Params) (pagination.Result[domain.OutboxMessage], error)
	Requeue(ctx context.Context, id string) error
}

// OutboxHandler handles HTTP requests for outbox inspection.
type OutboxHandler struct {
	outbox OutboxAdmin
	logger *slog.Logger
}

// NewOutboxHandler creates a new outbox HTTP handler.
func NewOutboxHandler(outbox OutboxAdmin, logger *slog.Logger) *OutboxHandler {
	return &OutboxHandler{outbox: outbox, logger: logger}
}

// ListPending handles GET /api/v1/outbox/pending
// @Summary List unpublished outbox messages
// @Tags outbox
// @Produce json
// @Param limit query int false "Maximum messages to return (default 100, max 500)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /api/v1/outbox/pending [get]
func (h *OutboxHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, err := pagination.Limit(r, "limit", defaultPendingLimit, maxPendingLimit)
	if err != nil {
		httputil.WriteInvalidParameter(w, r, err.Error())
		return
	}

	msgs, err := h.outbox.ListPending(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if msgs == nil {
		msgs = []domain.OutboxMessage{}
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: msgs})
}

// ListParked handles GET /api/v1/outbox/parked
// @Summary List outbox messages that exhausted their retries
// @Tags outbox
// @Produce json
// @Param event_type query string false "Filter by event type"
// @Param page query int false "Page number"
// @Param per_page query int false "Items per page (max 100)"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/outbox/parked [get]
func (h *OutboxHandler) ListParked(w http.ResponseWriter, r *http.Request) {
	params, err := pagination.FromRequest(r)
	if err != nil {
		httputil.WriteInvalidParameter(w, r, err.Error())
		return
	}

	result, err := h.outbox.ListParked(r.Context(), r.URL.Query().Get("event_type"), params)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, result)
}

// Requeue handles POST /api/v1/outbox/{id}/requeue
// @Summary Requeue a parked outbox message
// @Tags outbox
// @Produce json
// @Param id path string true "Outbox message UUID"
// @Success 204
// @Failure 400 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/v1/outbox/{id}/requeue [post]
func (h *OutboxHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParseUUID(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	if err := h.outbox.Requeue(r.Context(), id.String()); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
