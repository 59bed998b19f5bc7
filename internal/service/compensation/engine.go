package compensation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/Domenick1991/tripsaga/internal/logger"
	"github.com/Domenick1991/tripsaga/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type HoldReleaser interface {
	Release(ctx context.Context, token domain.HoldToken) error
}

type PaymentReverser interface {
	Void(ctx context.Context, sagaID uuid.UUID, paymentRef string) error
	Refund(ctx context.Context, sagaID uuid.UUID, paymentRef string, amount *int64, refundKey string) (string, error)
}

type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl *domain.DeadLetter) error
}

type CompensationUseCase interface {
	Compensate(ctx context.Context, booking *domain.Booking) (*domain.Booking, error)
}

type Engine struct {
	bookings    repository.BookingRepository
	holds       HoldReleaser
	payments    PaymentReverser
	deadLetters DeadLetterSink
	attempts    int
	backoff     time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *zap.Logger
}

type EngineOption func(*Engine)

// WithRetry sets how many times each inverse operation is tried and the
// delay before the second try; the delay doubles after every failure.
func WithRetry(attempts int, backoff time.Duration) EngineOption {
	return func(e *Engine) {
		if attempts > 0 {
			e.attempts = attempts
		}
		e.backoff = backoff
	}
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

func NewEngine(bookings repository.BookingRepository, holds HoldReleaser, payments PaymentReverser, deadLetters DeadLetterSink, logger *zap.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		bookings:    bookings,
		holds:       holds,
		payments:    payments,
		deadLetters: deadLetters,
		attempts:    3,
		backoff:     100 * time.Millisecond,
		sleep:       sleepContext,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compensate undoes every pending step of a COMPENSATING booking, newest
// first, and moves it to CANCELLED in a single transition. Steps that keep
// failing are dead-lettered instead of blocking the booking; in that case
// the CANCELLED booking is returned together with a *CompensationFailure.
func (e *Engine) Compensate(ctx context.Context, booking *domain.Booking) (*domain.Booking, error) {
	switch booking.Status {
	case domain.BookingStatusCancelled:
		return booking, nil
	case domain.BookingStatusCompensating:
	default:
		return nil, &domain.TransitionError{From: booking.Status, To: domain.BookingStatusCancelled}
	}

	var (
		reversals []domain.CompensationEntry
		failed    []domain.DeadLetter
	)
	for _, entry := range booking.CompensationLog.Pending() {
		kind, detail, attempts, err := e.undoWithRetry(ctx, booking, entry)
		if err == nil {
			reversals = append(reversals, domain.Reversal(kind, entry, detail))
			continue
		}

		dl := domain.DeadLetter{
			ID:        uuid.NewSHA1(booking.SagaID, []byte("dead-letter:"+strconv.Itoa(entry.Seq))),
			BookingID: booking.ID,
			SagaID:    booking.SagaID,
			Entry:     entry,
			Error:     err.Error(),
			Attempts:  attempts,
		}
		if sinkErr := e.deadLetters.DeadLetter(ctx, &dl); sinkErr != nil {
			e.logger.Error("record dead letter", append(logger.Booking(booking), zap.Int("seq", entry.Seq), zap.Error(sinkErr))...)
		}
		reversals = append(reversals, domain.Reversal(domain.StepDeadLettered, entry, err.Error()))
		failed = append(failed, dl)
	}

	updated, err := e.bookings.CompareAndTransition(ctx, booking.ID, domain.Transition{
		ExpectedVersion: booking.Version,
		To:              domain.BookingStatusCancelled,
		Append:          reversals,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil, fmt.Errorf("cancel booking %s: %w", booking.ID, err)
		}
		current, getErr := e.bookings.Get(ctx, booking.ID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == domain.BookingStatusCancelled {
			return current, nil
		}
		return current, err
	}

	if len(failed) > 0 {
		failure := &domain.CompensationFailure{BookingID: booking.ID.String(), Failed: failed}
		e.logger.Error("compensation incomplete, operator action required", append(logger.Booking(updated), zap.Error(failure))...)
		return updated, failure
	}
	e.logger.Info("booking compensated", append(logger.Booking(updated), zap.Int("reversed", len(reversals)))...)
	return updated, nil
}

func (e *Engine) undoWithRetry(ctx context.Context, booking *domain.Booking, entry domain.CompensationEntry) (domain.StepKind, string, int, error) {
	delay := e.backoff
	var lastErr error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		kind, detail, err := e.undo(ctx, booking, entry)
		if err == nil {
			return kind, detail, attempt, nil
		}
		lastErr = err
		e.logger.Warn("inverse operation failed",
			append(logger.Booking(booking), zap.Int("seq", entry.Seq), zap.String("kind", string(entry.Kind)), zap.Int("attempt", attempt), zap.Error(err))...)
		if attempt == e.attempts {
			break
		}
		if err := e.sleep(ctx, delay); err != nil {
			return "", "", attempt, fmt.Errorf("%w (gave up: %v)", lastErr, err)
		}
		delay *= 2
	}
	return "", "", e.attempts, lastErr
}

func (e *Engine) undo(ctx context.Context, booking *domain.Booking, entry domain.CompensationEntry) (domain.StepKind, string, error) {
	switch entry.Kind {
	case domain.StepHoldAcquired:
		return domain.StepHoldReleased, "", e.holds.Release(ctx, entry.HoldToken())
	case domain.StepPaymentAuthorized:
		if !booking.CompensationLog.Captured(entry.Ref) {
			err := e.payments.Void(ctx, booking.SagaID, entry.Ref)
			if !errors.Is(err, domain.ErrPaymentCaptured) {
				return domain.StepPaymentVoided, "", err
			}
			// Captured by a saga that never got to record it.
			e.logger.Warn("authorization was captured, refunding", append(logger.Booking(booking), zap.String("payment_ref", entry.Ref))...)
		}
		ref, err := e.payments.Refund(ctx, booking.SagaID, entry.Ref, nil, "compensation:"+strconv.Itoa(entry.Seq))
		return domain.StepPaymentRefunded, ref, err
	default:
		return "", "", fmt.Errorf("entry %d of kind %s is not reversible", entry.Seq, entry.Kind)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ CompensationUseCase = (*Engine)(nil)
