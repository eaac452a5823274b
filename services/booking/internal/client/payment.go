package client

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
)

// IdempotencyKeyHeader carries the caller's de-duplication key. The billing
// service returns the original outcome for a repeated key.
const IdempotencyKeyHeader = "Idempotency-Key"

// Charge is a captured payment.
type Charge struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// PaymentClient charges and refunds bookings in the billing service.
type PaymentClient struct {
	caller
}

// NewPaymentClient creates a payment client rooted at baseURL.
func NewPaymentClient(doer HTTPDoer, baseURL string, logger *slog.Logger) *PaymentClient {
	return &PaymentClient{caller{http: doer, baseURL: baseURL, service: "payment", logger: logger}}
}

// Charge captures amount for the booking. A declined card surfaces as
// apperrors.ErrPaymentFailed.
func (c *PaymentClient) Charge(ctx context.Context, bookingID string, amount decimal.Decimal, idempotencyKey string) (*Charge, error) {
	req := struct {
		BookingID string          `json:"booking_id"`
		Amount    decimal.Decimal `json:"amount"`
	}{BookingID: bookingID, Amount: amount}

	var charge Charge
	header := http.Header{IdempotencyKeyHeader: []string{idempotencyKey}}
	if err := c.call(ctx, http.MethodPost, "/api/v1/payments/charges", req, header, &charge); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "payment charged",
		slog.String("booking_id", bookingID),
		slog.String("payment_id", charge.PaymentID),
		slog.String("amount", amount.StringFixed(2)),
	)
	return &charge, nil
}

// Refund returns the booking's charge. A booking without a charge counts as
// refunded.
func (c *PaymentClient) Refund(ctx context.Context, bookingID, idempotencyKey string) error {
	req := struct {
		BookingID string `json:"booking_id"`
	}{BookingID: bookingID}

	header := http.Header{IdempotencyKeyHeader: []string{idempotencyKey}}
	err := c.call(ctx, http.MethodPost, "/api/v1/payments/refunds", req, header, nil)
	if err = ignoreNotFound(err); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "payment refunded", slog.String("booking_id", bookingID))
	return nil
}
