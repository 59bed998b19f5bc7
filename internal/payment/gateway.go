package payment

import (
	"context"

	"github.com/google/uuid"
)

type AuthorizeRequest struct {
	BookingID      uuid.UUID
	SagaID         uuid.UUID
	Amount         int64
	Currency       string
	CustomerRef    string
	PaymentMethod  string
	IdempotencyKey string
}

// Gateway is the payment collaborator. Calls carrying the same idempotency
// key are deduplicated by the gateway. Void of an already voided payment
// succeeds.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (string, error)
	Capture(ctx context.Context, paymentRef, idempotencyKey string) error
	Void(ctx context.Context, paymentRef, idempotencyKey string) error
	// Refund returns the refund reference. A nil amount refunds whatever is
	// left of the captured payment.
	Refund(ctx context.Context, paymentRef string, amount *int64, idempotencyKey string) (string, error)
}
