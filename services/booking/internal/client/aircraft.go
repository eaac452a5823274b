package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
)

// Reservation is the fleet service's hold on an aircraft for one booking.
type Reservation struct {
	ReservationID string `json:"reservation_id"`
	AircraftID    string `json:"aircraft_id"`
}

// AircraftClient reserves and releases aircraft in the fleet service.
type AircraftClient struct {
	caller
}

// NewAircraftClient creates an aircraft client rooted at baseURL.
func NewAircraftClient(doer HTTPDoer, baseURL string, logger *slog.Logger) *AircraftClient {
	return &AircraftClient{caller{http: doer, baseURL: baseURL, service: "aircraft", logger: logger}}
}

// Reserve holds an aircraft for the booking's flight. Reserving twice for the
// same booking returns the existing reservation.
func (c *AircraftClient) Reserve(ctx context.Context, bookingID, flightID string) (*Reservation, error) {
	req := struct {
		BookingID string `json:"booking_id"`
		FlightID  string `json:"flight_id"`
	}{BookingID: bookingID, FlightID: flightID}

	var res Reservation
	if err := c.call(ctx, http.MethodPost, "/api/v1/reservations", req, nil, &res); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "aircraft reserved",
		slog.String("booking_id", bookingID),
		slog.String("flight_id", flightID),
		slog.String("reservation_id", res.ReservationID),
	)
	return &res, nil
}

// Release drops the booking's reservation. An unknown reservation counts as
// released.
func (c *AircraftClient) Release(ctx context.Context, bookingID string) error {
	err := c.call(ctx, http.MethodDelete, "/api/v1/reservations/"+url.PathEscape(bookingID), nil, nil, nil)
	if err = ignoreNotFound(err); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "aircraft reservation released", slog.String("booking_id", bookingID))
	return nil
}
