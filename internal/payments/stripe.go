package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
)

// StripeGateway holds funds with a manual-capture PaymentIntent, then
// captures, cancels or refunds it.
type StripeGateway struct{}

// NewStripeGateway initializes the stripe client with apiKey.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

func (s *StripeGateway) Name() string { return "stripe" }

func (s *StripeGateway) Authorize(ctx context.Context, req ChargeRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(ToMinor(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}
	if req.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(req.PaymentMethod)
		params.Confirm = stripe.Bool(true)
	}
	if req.Reference != "" {
		params.AddMetadata("booking_id", req.Reference)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", mapStripeErr(err)
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeGateway) Capture(ctx context.Context, txID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(txID, params)
	return mapStripeErr(err)
}

// Void releases the hold on a PaymentIntent.
func (s *StripeGateway) Void(ctx context.Context, txID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(txID, params)
	return mapStripeErr(err)
}

func (s *StripeGateway) Refund(ctx context.Context, txID string, amount float64, _ string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(txID),
		Amount:        stripe.Int64(ToMinor(amount)),
	}
	params.Context = ctx
	r, err := refund.New(params)
	if err != nil {
		return "", mapStripeErr(err)
	}
	return r.ID, nil
}

func mapStripeErr(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
		return fmt.Errorf("%w: %s", ErrDeclined, se.Msg)
	}
	return err
}
