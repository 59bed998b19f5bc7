package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/Domenick1991/tripsaga/internal/logger"
	"github.com/Domenick1991/tripsaga/internal/repository"
	"github.com/Domenick1991/tripsaga/internal/service/compensation"
	"github.com/Domenick1991/tripsaga/internal/service/hold"
	"github.com/Domenick1991/tripsaga/internal/service/payments"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	referenceAttempts = 5
	resumeBatch       = 1000
	reasonCancelled   = "cancelled by customer"
	reasonOverloaded  = "no saga worker available"
	reasonAbandoned   = "saga superseded after payment capture"
)

type CustomerDirectory interface {
	GetCustomer(ctx context.Context, userID string) (*domain.Customer, error)
}

type BookingUseCase interface {
	CreateBooking(ctx context.Context, in domain.NewBookingInput) (*domain.Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	GetBookingByReference(ctx context.Context, reference string) (*domain.Booking, error)
	GetBookingBySaga(ctx context.Context, sagaID uuid.UUID) (*domain.Booking, error)
	CancelBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	RefundBooking(ctx context.Context, id uuid.UUID, amount *int64, reason string) (*domain.Refund, error)
	ListRefunds(ctx context.Context, id uuid.UUID) ([]domain.Refund, error)
}

type Config struct {
	HoldTTL               time.Duration
	CASRetries            int
	Pricing               domain.Pricing
	CustomerLookupTimeout time.Duration
	// SubmitTimeout bounds how long CreateBooking waits for a free worker.
	SubmitTimeout time.Duration
}

type Orchestrator struct {
	bookings    repository.BookingRepository
	refunds     repository.RefundRepository
	holds       hold.HoldUseCase
	payments    payments.PaymentUseCase
	compensator compensation.CompensationUseCase
	customers   CustomerDirectory
	events      *EventPublisher
	pool        *Pool
	cfg         Config
	now         func() time.Time
	logger      *zap.Logger
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func WithCustomerDirectory(customers CustomerDirectory) Option {
	return func(o *Orchestrator) {
		o.customers = customers
	}
}

func WithEvents(events *EventPublisher) Option {
	return func(o *Orchestrator) {
		o.events = events
	}
}

// WithPool makes CreateBooking and Resume run sagas in the background. Without
// a pool the caller drives sagas through Execute.
func WithPool(pool *Pool) Option {
	return func(o *Orchestrator) {
		o.pool = pool
	}
}

func NewOrchestrator(
	bookings repository.BookingRepository,
	refunds repository.RefundRepository,
	holds hold.HoldUseCase,
	payments payments.PaymentUseCase,
	compensator compensation.CompensationUseCase,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = 15 * time.Minute
	}
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = 3
	}
	if cfg.CustomerLookupTimeout <= 0 {
		cfg.CustomerLookupTimeout = 500 * time.Millisecond
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 2 * time.Second
	}
	o := &Orchestrator{
		bookings:    bookings,
		refunds:     refunds,
		holds:       holds,
		payments:    payments,
		compensator: compensator,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateBooking validates and persists a new CREATED booking and hands it to
// the worker pool. The returned booking is the persisted CREATED snapshot.
// If no worker frees up within SubmitTimeout the booking is cancelled and
// ErrOverloaded is returned with it.
func (o *Orchestrator) CreateBooking(ctx context.Context, in domain.NewBookingInput) (*domain.Booking, error) {
	if in.ContactEmail == "" {
		in.ContactEmail = o.lookupEmail(ctx, in.UserID)
	}
	booking, err := domain.NewBooking(in, o.cfg.Pricing, o.now(), o.cfg.HoldTTL)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		err = o.bookings.Create(ctx, booking)
		if !errors.Is(err, domain.ErrDuplicateReference) || attempt == referenceAttempts {
			break
		}
		booking.Reference = domain.NewReference()
	}
	if err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	o.logger.Info("booking created", logger.Booking(booking)...)
	o.events.Publish(ctx, eventBookingCreated, booking, 0)

	if o.pool != nil {
		submitCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
		err := o.submit(submitCtx, booking.ID)
		cancel()
		if err != nil {
			return o.reject(ctx, booking, err)
		}
	}
	return booking, nil
}

// reject cancels a booking no worker could take. Nothing has been held or
// charged yet, so the compensation only records the cancellation.
func (o *Orchestrator) reject(ctx context.Context, b *domain.Booking, cause error) (*domain.Booking, error) {
	o.logger.Warn("saga not started, cancelling booking", append(logger.Booking(b), zap.Error(cause))...)
	ctx = context.WithoutCancel(ctx)
	claimed, err := o.bookings.CompareAndTransition(ctx, b.ID, domain.Transition{
		ExpectedVersion: b.Version,
		To:              domain.BookingStatusCompensating,
		FailureReason:   reasonOverloaded,
	})
	if err != nil {
		return nil, fmt.Errorf("cancel unstarted booking %s: %w", b.ID, err)
	}
	cancelled, err := o.compensate(ctx, claimed)
	if err != nil {
		return nil, err
	}
	return cancelled, fmt.Errorf("start saga for booking %s: %w (%v)", b.ID, domain.ErrOverloaded, cause)
}

func (o *Orchestrator) lookupEmail(ctx context.Context, userID string) string {
	if o.customers == nil || userID == "" {
		return ""
	}
	lookupCtx, cancel := context.WithTimeout(ctx, o.cfg.CustomerLookupTimeout)
	defer cancel()
	customer, err := o.customers.GetCustomer(lookupCtx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			o.logger.Debug("customer lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return ""
	}
	return customer.Email
}

func (o *Orchestrator) submit(ctx context.Context, id uuid.UUID) error {
	return o.pool.Submit(ctx, func(ctx context.Context) {
		if _, err := o.Execute(ctx, id); err != nil {
			o.logger.Warn("saga finished with error", zap.String("booking_id", id.String()), zap.Error(err))
		}
	})
}

// Resume submits every booking that is still in flight. It is meant to run
// once on startup, before new bookings are accepted.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	statuses := append(domain.ActiveStatuses(), domain.BookingStatusCompensating)
	bookings, err := o.bookings.ListByStatus(ctx, statuses, resumeBatch)
	if err != nil {
		return 0, fmt.Errorf("list in-flight bookings: %w", err)
	}
	submitted := 0
	for _, b := range bookings {
		if o.pool == nil {
			if _, err := o.Execute(ctx, b.ID); err != nil {
				o.logger.Warn("resume saga", append(logger.Booking(&b), zap.Error(err))...)
			}
			submitted++
			continue
		}
		if err := o.submit(ctx, b.ID); err != nil {
			return submitted, err
		}
		submitted++
	}
	o.logger.Info("resumed in-flight sagas", zap.Int("count", submitted))
	return submitted, nil
}

// Execute drives the booking from whatever state it is stored in until it is
// terminal or another actor takes it over. It is safe to call repeatedly for
// the same booking.
func (o *Orchestrator) Execute(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	booking, err := o.bookings.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	for {
		var (
			next *domain.Booking
			done bool
		)
		switch booking.Status {
		case domain.BookingStatusCreated:
			next, done, err = o.acquireHolds(ctx, booking)
		case domain.BookingStatusInventoryHeld:
			next, done, err = o.beginPayment(ctx, booking)
		case domain.BookingStatusPaymentPending:
			next, done, err = o.settlePayment(ctx, booking)
		case domain.BookingStatusCompensating:
			next, err = o.compensate(ctx, booking)
			return next, err
		default:
			return booking, nil
		}
		if err != nil || done {
			return next, err
		}
		booking = next
	}
}

func (o *Orchestrator) acquireHolds(ctx context.Context, b *domain.Booking) (*domain.Booking, bool, error) {
	tokens, err := o.holds.HoldAll(ctx, b, o.cfg.HoldTTL)
	if err != nil {
		return o.fail(ctx, b, err, nil, nil)
	}

	entries := make([]domain.CompensationEntry, 0, len(tokens))
	for _, token := range tokens {
		entries = append(entries, domain.HoldAcquired(token))
	}
	expires := o.now().Add(o.cfg.HoldTTL)
	next, err := o.bookings.CompareAndTransition(ctx, b.ID, domain.Transition{
		ExpectedVersion: b.Version,
		To:              domain.BookingStatusInventoryHeld,
		Append:          entries,
		ExpiresAt:       &expires,
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			o.holds.ReleaseAll(ctx, tokens)
		}
		return o.lost(ctx, b, err)
	}
	o.logger.Debug("inventory held", append(logger.Booking(next), zap.Int("holds", len(tokens)))...)
	return next, false, nil
}

// beginPayment authorizes and records the authorization in the same
// transition that enters PAYMENT_PENDING. From then on every path out of
// PAYMENT_PENDING knows which payment to capture or reverse.
func (o *Orchestrator) beginPayment(ctx context.Context, b *domain.Booking) (*domain.Booking, bool, error) {
	ref, err := o.payments.Authorize(ctx, b)
	if err != nil {
		return o.fail(ctx, b, err, nil, nil)
	}
	next, err := o.bookings.CompareAndTransition(ctx, b.ID, domain.Transition{
		ExpectedVersion: b.Version,
		To:              domain.BookingStatusPaymentPending,
		Append:          []domain.CompensationEntry{domain.PaymentAuthorized(ref, b.TotalAmount, b.Currency)},
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			o.voidUnrecorded(context.WithoutCancel(ctx), b, ref)
		}
		return o.lost(ctx, b, err)
	}
	return next, false, nil
}

// settlePayment captures the recorded authorization. Capture is idempotent on
// the saga id, so running this again after a crash finds the same payment.
// A capture that lands after another actor took the booking over is undone
// by that actor's compensation, which refunds it.
func (o *Orchestrator) settlePayment(ctx context.Context, b *domain.Booking) (*domain.Booking, bool, error) {
	var appended []domain.CompensationEntry
	authorized, ok := b.CompensationLog.Authorization()
	if !ok {
		// No authorization on record; it is logged together with the capture.
		ref, err := o.payments.Authorize(ctx, b)
		if err != nil {
			return o.fail(ctx, b, err, nil, nil)
		}
		authorized = domain.PaymentAuthorized(ref, b.TotalAmount, b.Currency)
		appended = append(appended, authorized)
	}
	ref := authorized.Ref

	if err := o.payments.Capture(ctx, b.SagaID, ref); err != nil {
		var undo func(context.Context)
		if len(appended) > 0 {
			undo = func(ctx context.Context) { o.voidUnrecorded(ctx, b, ref) }
		}
		return o.fail(ctx, b, err, appended, undo)
	}

	next, err := o.bookings.CompareAndTransition(ctx, b.ID, domain.Transition{
		ExpectedVersion: b.Version,
		To:              domain.BookingStatusConfirmed,
		Append:          append(appended, domain.PaymentCaptured(ref, b.TotalAmount, b.Currency)),
	})
	if err != nil {
		if len(appended) > 0 && errors.Is(err, domain.ErrConcurrencyConflict) {
			if current, getErr := o.bookings.Get(ctx, b.ID); getErr == nil && !current.CompensationLog.Captured(ref) {
				o.refundAbandoned(context.WithoutCancel(ctx), b, ref)
			}
		}
		return o.lost(ctx, b, err)
	}

	if err := o.holds.ConfirmAll(ctx, next.CompensationLog.Holds()); err != nil {
		o.logger.Warn("confirm holds", append(logger.Booking(next), zap.Error(err))...)
	}
	o.logger.Info("booking confirmed", logger.Booking(next)...)
	o.events.Publish(ctx, eventBookingConfirmed, next, 0)
	return next, true, nil
}

func (o *Orchestrator) voidUnrecorded(ctx context.Context, b *domain.Booking, ref string) {
	if err := o.payments.Void(ctx, b.SagaID, ref); err != nil {
		o.logger.Error("void unrecorded authorization", append(logger.Booking(b), zap.String("payment_ref", ref), zap.Error(err))...)
	}
}

// fail moves the booking to COMPENSATING because of cause. appended records
// side effects performed in this step; if the move loses the race, undo
// reverses them instead since no log will ever mention them.
func (o *Orchestrator) fail(ctx context.Context, b *domain.Booking, cause error, appended []domain.CompensationEntry, undo func(context.Context)) (*domain.Booking, bool, error) {
	if !domain.IsDomainFailure(cause) {
		o.logger.Warn("saga step failed", append(logger.Booking(b), zap.Error(cause))...)
	} else {
		o.logger.Info("saga step failed", append(logger.Booking(b), zap.Error(cause))...)
	}
	next, err := o.bookings.CompareAndTransition(ctx, b.ID, domain.Transition{
		ExpectedVersion: b.Version,
		To:              domain.BookingStatusCompensating,
		Append:          appended,
		FailureReason:   cause.Error(),
	})
	if err != nil {
		if undo != nil && errors.Is(err, domain.ErrConcurrencyConflict) {
			undo(context.WithoutCancel(ctx))
		}
		return o.lost(ctx, b, err)
	}
	return next, false, nil
}

// lost handles a failed CAS. On a version conflict another actor owns the
// booking now, so the saga stops and reports the winner's state.
func (o *Orchestrator) lost(ctx context.Context, b *domain.Booking, err error) (*domain.Booking, bool, error) {
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		return b, true, err
	}
	current, getErr := o.bookings.Get(ctx, b.ID)
	if getErr != nil {
		return b, true, getErr
	}
	o.logger.Info("saga superseded", append(logger.Booking(current), zap.String("expected_status", string(b.Status)))...)
	return current, true, nil
}

func (o *Orchestrator) compensate(ctx context.Context, b *domain.Booking) (*domain.Booking, error) {
	next, err := o.compensator.Compensate(context.WithoutCancel(ctx), b)
	if next != nil && next.Status == domain.BookingStatusCancelled && b.Status != domain.BookingStatusCancelled {
		o.events.Publish(ctx, eventBookingCancelled, next, 0)
	}
	if err != nil && errors.Is(err, domain.ErrConcurrencyConflict) && next != nil {
		return next, nil
	}
	return next, err
}

// refundAbandoned returns money captured by a saga that then lost its
// booking to another actor. It is recorded as an ordinary refund.
func (o *Orchestrator) refundAbandoned(ctx context.Context, b *domain.Booking, paymentRef string) {
	refund := &domain.Refund{
		ID:         uuid.NewSHA1(b.SagaID, []byte("abandoned:"+paymentRef)),
		BookingID:  b.ID,
		PaymentRef: paymentRef,
		Amount:     b.TotalAmount,
		Currency:   b.Currency,
		Reason:     reasonAbandoned,
	}
	if err := o.refunds.CreateRefund(ctx, refund, b.TotalAmount); err != nil {
		o.logger.Error("record abandoned capture refund", append(logger.Booking(b), zap.String("payment_ref", paymentRef), zap.Error(err))...)
	}
	refundRef, err := o.payments.Refund(ctx, b.SagaID, paymentRef, nil, refund.ID.String())
	if err != nil {
		o.logger.Error("refund abandoned capture", append(logger.Booking(b), zap.String("payment_ref", paymentRef), zap.Error(err))...)
		_ = o.refunds.MarkRefundFailed(ctx, refund.ID, err.Error())
		return
	}
	if err := o.refunds.MarkRefundIssued(ctx, refund.ID, refundRef); err != nil {
		o.logger.Warn("mark refund issued", append(logger.Booking(b), zap.Error(err))...)
	}
}

var errNothingToCancel = errors.New("booking already cancelling")

// CancelBooking cancels a booking that has not been confirmed yet and runs
// the compensation on the caller's goroutine.
func (o *Orchestrator) CancelBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	attempt := 0
	booking, err := repository.TransitionWithRetry(ctx, o.bookings, id, o.cfg.CASRetries, func(current *domain.Booking) (domain.Transition, error) {
		attempt++
		switch {
		case current.Status == domain.BookingStatusCompensating,
			current.Status == domain.BookingStatusCancelled:
			return domain.Transition{}, errNothingToCancel
		case attempt > 1 && current.Status == domain.BookingStatusConfirmed:
			return domain.Transition{}, fmt.Errorf("booking %s became %s: %w", id, current.Status, domain.ErrConcurrencyConflict)
		case current.Status == domain.BookingStatusConfirmed:
			return domain.Transition{}, domain.ErrAlreadyConfirmed
		}
		return domain.Transition{To: domain.BookingStatusCompensating, FailureReason: reasonCancelled}, nil
	})
	switch {
	case errors.Is(err, errNothingToCancel):
		return booking, nil
	case err != nil:
		return booking, err
	}
	o.logger.Info("booking cancellation requested", logger.Booking(booking)...)
	return o.compensate(ctx, booking)
}

// RefundBooking refunds all (amount == nil) or part of a confirmed booking.
// Refunds for one booking never add up to more than its total.
func (o *Orchestrator) RefundBooking(ctx context.Context, id uuid.UUID, amount *int64, reason string) (*domain.Refund, error) {
	booking, err := o.bookings.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if booking.Status != domain.BookingStatusConfirmed {
		return nil, fmt.Errorf("refund booking in %s: %w", booking.Status, domain.ErrNotConfirmed)
	}
	captured, ok := booking.CompensationLog.CapturedPayment()
	if !ok {
		return nil, fmt.Errorf("booking %s has no captured payment: %w", id, domain.ErrNotConfirmed)
	}

	value := booking.TotalAmount
	if amount != nil {
		if *amount <= 0 {
			return nil, domain.NewValidationError("amount", "must be positive")
		}
		value = *amount
	}

	refund := &domain.Refund{
		ID:         uuid.New(),
		BookingID:  booking.ID,
		PaymentRef: captured.Ref,
		Amount:     value,
		Currency:   booking.Currency,
		Reason:     reason,
	}
	if err := o.refunds.CreateRefund(ctx, refund, booking.TotalAmount); err != nil {
		return nil, err
	}

	refundRef, err := o.payments.Refund(ctx, booking.SagaID, captured.Ref, &value, refund.ID.String())
	if err != nil {
		if markErr := o.refunds.MarkRefundFailed(context.WithoutCancel(ctx), refund.ID, err.Error()); markErr != nil {
			o.logger.Error("mark refund failed", append(logger.Booking(booking), zap.Error(markErr))...)
		}
		refund.Status = domain.RefundStatusFailed
		return refund, fmt.Errorf("refund booking %s: %w", id, err)
	}
	if err := o.refunds.MarkRefundIssued(ctx, refund.ID, refundRef); err != nil {
		return nil, err
	}
	refund.Status = domain.RefundStatusIssued
	refund.RefundRef = refundRef

	o.logger.Info("booking refunded", append(logger.Booking(booking), zap.Int64("amount", value), zap.String("refund_ref", refundRef))...)
	o.events.Publish(ctx, eventBookingRefunded, booking, value)
	return refund, nil
}

func (o *Orchestrator) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return o.bookings.Get(ctx, id)
}

func (o *Orchestrator) GetBookingByReference(ctx context.Context, reference string) (*domain.Booking, error) {
	return o.bookings.GetByReference(ctx, reference)
}

// GetBookingBySaga resolves the saga id carried by dead letters, events and
// gateway idempotency keys back to its booking.
func (o *Orchestrator) GetBookingBySaga(ctx context.Context, sagaID uuid.UUID) (*domain.Booking, error) {
	return o.bookings.GetBySagaID(ctx, sagaID)
}

func (o *Orchestrator) ListRefunds(ctx context.Context, id uuid.UUID) ([]domain.Refund, error) {
	if _, err := o.bookings.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.refunds.ListRefunds(ctx, id)
}

var _ BookingUseCase = (*Orchestrator)(nil)
