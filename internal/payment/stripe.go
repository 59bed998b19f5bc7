package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/stripe/stripe-go/v82"
)

// StripeGateway authorizes with manual-capture PaymentIntents, voids by
// cancelling the intent and refunds through the Refunds API.
type StripeGateway struct {
	client *stripe.Client
}

func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{client: stripe.NewClient(secretKey)}
}

func (g *StripeGateway) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	params := &stripe.PaymentIntentCreateParams{
		Amount:             stripe.Int64(req.Amount),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:            stripe.Bool(true),
		PaymentMethod:      stripe.String(req.PaymentMethod),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.AddMetadata("booking_id", req.BookingID.String())
	params.AddMetadata("saga_id", req.SagaID.String())
	params.AddMetadata("customer_ref", req.CustomerRef)
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := g.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return "", authorizeError(err)
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		return "", fmt.Errorf("payment intent %s is %s: %w", pi.ID, pi.Status, domain.ErrPaymentDeclined)
	}
	return pi.ID, nil
}

func (g *StripeGateway) Capture(ctx context.Context, paymentRef, idempotencyKey string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.SetIdempotencyKey(idempotencyKey)
	if _, err := g.client.V1PaymentIntents.Capture(ctx, paymentRef, params); err != nil {
		var se *stripe.Error
		if errors.As(err, &se) {
			return fmt.Errorf("capture %s: %s: %w", paymentRef, se.Msg, domain.ErrPaymentCaptureFailed)
		}
		return err
	}
	return nil
}

func (g *StripeGateway) Void(ctx context.Context, paymentRef, idempotencyKey string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.SetIdempotencyKey(idempotencyKey)
	_, err := g.client.V1PaymentIntents.Cancel(ctx, paymentRef, params)
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Code == stripe.ErrorCodeResourceMissing {
			return nil
		}
		if se.Code == stripe.ErrorCodePaymentIntentUnexpectedState && se.PaymentIntent != nil &&
			se.PaymentIntent.Status == stripe.PaymentIntentStatusCanceled {
			return nil
		}
		if se.Code == stripe.ErrorCodePaymentIntentUnexpectedState && se.PaymentIntent != nil &&
			se.PaymentIntent.Status == stripe.PaymentIntentStatusSucceeded {
			return fmt.Errorf("void %s: %w", paymentRef, domain.ErrPaymentCaptured)
		}
	}
	return fmt.Errorf("void %s: %w", paymentRef, err)
}

func (g *StripeGateway) Refund(ctx context.Context, paymentRef string, amount *int64, idempotencyKey string) (string, error) {
	params := &stripe.RefundCreateParams{PaymentIntent: stripe.String(paymentRef)}
	if amount != nil {
		params.Amount = stripe.Int64(*amount)
	}
	params.SetIdempotencyKey(idempotencyKey)
	refund, err := g.client.V1Refunds.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("refund %s: %w", paymentRef, err)
	}
	return refund.ID, nil
}

func authorizeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
		return fmt.Errorf("%s (%s): %w", se.Msg, se.DeclineCode, domain.ErrPaymentDeclined)
	}
	return err
}

var _ Gateway = (*StripeGateway)(nil)
