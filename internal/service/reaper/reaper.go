package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/Domenick1991/tripsaga/internal/kafka"
	"github.com/Domenick1991/tripsaga/internal/logger"
	"github.com/Domenick1991/tripsaga/internal/repository"
	"github.com/Domenick1991/tripsaga/internal/service/compensation"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const ReasonExpired = "reservation expired"

type Notifier interface {
	Publish(ctx context.Context, eventType string, b *domain.Booking, refundAmount int64)
}

type Result struct {
	Expired      int
	Claimed      int
	Skipped      int
	Stale        int
	Compensated  int
	DeadLettered int
}

// Reaper cancels bookings whose reservation window has lapsed. It claims
// each booking with a single CAS and walks away from any booking another
// actor changed in the meantime.
type Reaper struct {
	bookings    repository.BookingRepository
	compensator compensation.CompensationUseCase
	notifier    Notifier
	limiter     *rate.Limiter
	interval    time.Duration
	batch       int
	staleAfter  time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

type Option func(*Reaper)

func WithClock(clock func() time.Time) Option {
	return func(r *Reaper) {
		r.clock = clock
	}
}

func WithNotifier(n Notifier) Option {
	return func(r *Reaper) {
		r.notifier = n
	}
}

// WithRate caps compensations at perSecond; zero or less disables pacing.
func WithRate(perSecond float64) Option {
	return func(r *Reaper) {
		if perSecond <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithStaleAfter makes the sweep also finish COMPENSATING bookings that have
// not moved for d, such as ones whose compensating actor died.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Reaper) {
		r.staleAfter = d
	}
}

func New(bookings repository.BookingRepository, compensator compensation.CompensationUseCase, interval time.Duration, batch int, logger *zap.Logger, opts ...Option) *Reaper {
	if batch <= 0 {
		batch = 100
	}
	r := &Reaper{
		bookings:    bookings,
		compensator: compensator,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		interval:    interval,
		batch:       batch,
		clock:       func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce performs a single sweep as of now.
func (r *Reaper) RunOnce(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	expired, err := r.bookings.ListExpired(ctx, now, r.batch)
	if err != nil {
		return res, fmt.Errorf("list expired bookings: %w", err)
	}
	res.Expired = len(expired)

	for i := range expired {
		b := &expired[i]
		claimed, err := r.bookings.CompareAndTransition(ctx, b.ID, domain.Transition{
			ExpectedVersion: b.Version,
			To:              domain.BookingStatusCompensating,
			FailureReason:   ReasonExpired,
		})
		if err != nil {
			if errors.Is(err, domain.ErrConcurrencyConflict) || errors.Is(err, domain.ErrInvalidTransition) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("claim booking %s: %w", b.ID, err)
		}
		res.Claimed++
		r.logger.Info("reservation expired", logger.Booking(claimed)...)
		if err := r.compensate(ctx, claimed, &res); err != nil {
			return res, err
		}
	}

	if r.staleAfter > 0 {
		if err := r.finishStale(ctx, now, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (r *Reaper) finishStale(ctx context.Context, now time.Time, res *Result) error {
	compensating, err := r.bookings.ListByStatus(ctx, []domain.BookingStatus{domain.BookingStatusCompensating}, r.batch)
	if err != nil {
		return fmt.Errorf("list compensating bookings: %w", err)
	}
	for i := range compensating {
		b := &compensating[i]
		if now.Sub(b.UpdatedAt) < r.staleAfter {
			continue
		}
		res.Stale++
		if err := r.compensate(ctx, b, res); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reaper) compensate(ctx context.Context, b *domain.Booking, res *Result) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	cancelled, err := r.compensator.Compensate(ctx, b)
	var failure *domain.CompensationFailure
	switch {
	case errors.As(err, &failure):
		res.DeadLettered += len(failure.Failed)
	case err != nil:
		r.logger.Warn("compensate expired booking", append(logger.Booking(b), zap.Error(err))...)
		return nil
	}
	if cancelled != nil && cancelled.Status == domain.BookingStatusCancelled {
		res.Compensated++
		if r.notifier != nil {
			r.notifier.Publish(ctx, kafka.EventBookingCancelled, cancelled, 0)
		}
	}
	return nil
}

// Start runs RunOnce every interval until ctx is done. Sweeps never
// overlap; a sweep that overruns delays the next one.
func (r *Reaper) Start(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			res, err := r.RunOnce(ctx, r.clock())
			if err != nil {
				r.logger.Error("expiry sweep", zap.Error(err))
				return
			}
			if res.Expired > 0 || res.Stale > 0 {
				r.logger.Info("expiry sweep",
					zap.Int("expired", res.Expired), zap.Int("claimed", res.Claimed), zap.Int("skipped", res.Skipped),
					zap.Int("stale", res.Stale), zap.Int("compensated", res.Compensated), zap.Int("dead_lettered", res.DeadLettered))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}

	s.Start()
	r.logger.Info("expiry reaper started", zap.Duration("interval", r.interval), zap.Int("batch", r.batch))
	<-ctx.Done()
	return s.Shutdown()
}
