package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/Domenick1991/tripsaga/internal/payment"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PaymentUseCase interface {
	Authorize(ctx context.Context, booking *domain.Booking) (string, error)
	Capture(ctx context.Context, sagaID uuid.UUID, paymentRef string) error
	Void(ctx context.Context, sagaID uuid.UUID, paymentRef string) error
	Refund(ctx context.Context, sagaID uuid.UUID, paymentRef string, amount *int64, refundKey string) (string, error)
}

// Coordinator puts a deadline on every gateway call and derives idempotency
// keys from the saga id, so a retried step is recognised by the gateway.
type Coordinator struct {
	gateway  payment.Gateway
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

type CoordinatorOption func(*Coordinator)

// WithRetry sets how many times authorize and capture are tried when the
// gateway fails for an infrastructure reason. Declines, failed captures and
// timeouts are returned at once.
func WithRetry(attempts int, backoff time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.backoff = backoff
	}
}

func NewCoordinator(gateway payment.Gateway, timeout time.Duration, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{gateway: gateway, timeout: timeout, attempts: 3, backoff: 100 * time.Millisecond, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func IdempotencyKey(sagaID uuid.UUID, step string) string {
	return fmt.Sprintf("%s:%s", sagaID, step)
}

func (c *Coordinator) Authorize(ctx context.Context, booking *domain.Booking) (string, error) {
	var ref string
	err := c.retry(ctx, "authorize", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		ref, err = c.gateway.Authorize(callCtx, payment.AuthorizeRequest{
			BookingID:      booking.ID,
			SagaID:         booking.SagaID,
			Amount:         booking.TotalAmount,
			Currency:       booking.Currency,
			CustomerRef:    booking.UserID,
			PaymentMethod:  booking.PaymentMethod,
			IdempotencyKey: IdempotencyKey(booking.SagaID, "authorize"),
		})
		if err != nil {
			return classify(callCtx, "authorize", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("payment authorized", zap.String("booking_id", booking.ID.String()), zap.String("payment_ref", ref))
	return ref, nil
}

func (c *Coordinator) Capture(ctx context.Context, sagaID uuid.UUID, paymentRef string) error {
	return c.retry(ctx, "capture", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		if err := c.gateway.Capture(callCtx, paymentRef, IdempotencyKey(sagaID, "capture")); err != nil {
			return classify(callCtx, "capture", err)
		}
		return nil
	})
}

// retry repeats call while it fails for reasons other than a domain failure.
// Every attempt reuses the same idempotency key.
func (c *Coordinator) retry(ctx context.Context, op string, call func(context.Context) error) error {
	delay := c.backoff
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		err = call(ctx)
		if err == nil || domain.IsDomainFailure(err) || ctx.Err() != nil {
			return err
		}
		if attempt == c.attempts {
			break
		}
		c.logger.Warn("payment attempt failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func (c *Coordinator) Void(ctx context.Context, sagaID uuid.UUID, paymentRef string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.gateway.Void(callCtx, paymentRef, IdempotencyKey(sagaID, "void")); err != nil {
		return classify(callCtx, "void", err)
	}
	return nil
}

// Refund issues a full (amount == nil) or partial refund. refundKey must be
// unique per logical refund; reusing it returns the original refund.
func (c *Coordinator) Refund(ctx context.Context, sagaID uuid.UUID, paymentRef string, amount *int64, refundKey string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ref, err := c.gateway.Refund(callCtx, paymentRef, amount, IdempotencyKey(sagaID, "refund:"+refundKey))
	if err != nil {
		return "", classify(callCtx, "refund", err)
	}
	return ref, nil
}

func classify(callCtx context.Context, op string, err error) error {
	if errors.Is(err, domain.ErrPaymentDeclined) || errors.Is(err, domain.ErrPaymentCaptureFailed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, domain.ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ PaymentUseCase = (*Coordinator)(nil)
