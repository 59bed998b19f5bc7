package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/google/uuid"
)

// BookingRepository is the durable home of the booking aggregate. Every
// status change goes through CompareAndTransition.
type BookingRepository interface {
	Create(ctx context.Context, booking *domain.Booking) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	GetByReference(ctx context.Context, reference string) (*domain.Booking, error)
	GetBySagaID(ctx context.Context, sagaID uuid.UUID) (*domain.Booking, error)
	CompareAndTransition(ctx context.Context, id uuid.UUID, t domain.Transition) (*domain.Booking, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error)
	ListByStatus(ctx context.Context, statuses []domain.BookingStatus, limit int) ([]domain.Booking, error)
}

type RefundRepository interface {
	// CreateRefund stores a PENDING refund as long as pending and issued
	// refunds for the booking stay within limit.
	CreateRefund(ctx context.Context, refund *domain.Refund, limit int64) error
	MarkRefundIssued(ctx context.Context, id uuid.UUID, refundRef string) error
	MarkRefundFailed(ctx context.Context, id uuid.UUID, reason string) error
	ListRefunds(ctx context.Context, bookingID uuid.UUID) ([]domain.Refund, error)
}

type DeadLetterRepository interface {
	SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	ListUnresolved(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	Resolve(ctx context.Context, id uuid.UUID, at time.Time) error
}

// DecideFunc looks at the freshly read booking and returns the transition to
// attempt. An error aborts the retry loop and is returned as is.
type DecideFunc func(current *domain.Booking) (domain.Transition, error)

// TransitionWithRetry re-reads the booking and retries the CAS while it
// keeps losing to concurrent writers, at most attempts times.
func TransitionWithRetry(ctx context.Context, repo BookingRepository, id uuid.UUID, attempts int, decide DecideFunc) (*domain.Booking, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		current, err := repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		t, err := decide(current)
		if err != nil {
			return current, err
		}
		t.ExpectedVersion = current.Version

		updated, err := repo.CompareAndTransition(ctx, id, t)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("transition booking %s after %d attempts: %w", id, attempts, lastErr)
}
