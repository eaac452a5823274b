package event

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

// BookingTransitions counts booking status changes by edge.
var BookingTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "booking_status_transitions_total",
		Help: "Total number of booking status transitions",
	},
	[]string{"from", "to"},
)

// LogBookingEvent writes a structured line for every booking event.
func LogBookingEvent(logger *slog.Logger) HandlerFunc {
	return func(ctx context.Context, e domain.Event) error {
		attrs := []any{
			slog.String("event", e.Name),
			slog.String("booking_id", e.AggregateID),
		}
		if data, ok := e.Data.(domain.BookingEventData); ok {
			attrs = append(attrs,
				slog.String("booking_number", data.BookingNumber),
				slog.String("customer_id", data.CustomerID),
				slog.String("status", data.Status),
			)
			if data.Reason != "" {
				attrs = append(attrs, slog.String("reason", data.Reason))
			}
		}
		logger.InfoContext(ctx, "booking event", attrs...)
		return nil
	}
}

// CountBookingTransition feeds BookingTransitions.
func CountBookingTransition(_ context.Context, e domain.Event) error {
	data, ok := e.Data.(domain.BookingEventData)
	if !ok {
		return nil
	}
	from := data.PreviousState
	if from == "" {
		from = "none"
	}
	BookingTransitions.WithLabelValues(from, data.Status).Inc()
	return nil
}

// DefaultRegistrations are the handlers the service wires at startup.
func DefaultRegistrations(logger *slog.Logger) []Registration {
	return []Registration{
		{EventName: "booking.*", Handler: LogBookingEvent(logger)},
		{EventName: "booking.*", Handler: CountBookingTransition},
	}
}
