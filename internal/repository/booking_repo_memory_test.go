package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newHotelBooking(t *testing.T, createdAt time.Time, ttl time.Duration) *domain.Booking {
	t.Helper()
	b, err := domain.NewBooking(domain.NewBookingInput{
		UserID:        "user-1",
		PaymentMethod: "pm_card_visa",
		Type:          domain.BookingTypeHotel,
		Product: domain.ProductDetails{Hotel: &domain.HotelProduct{
			HotelID: 3, RoomType: "double", RoomNumbers: []int{101},
			CheckIn: testNow.Add(48 * time.Hour), CheckOut: testNow.Add(72 * time.Hour),
			NightlyRateCents: 8_000, Currency: "EUR",
		}},
	}, domain.Pricing{}, createdAt, ttl)
	require.NoError(t, err)
	return b
}

func fixedClock() time.Time { return testNow }

func TestMemoryRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(fixedClock)
	b := newHotelBooking(t, testNow, 15*time.Minute)

	require.NoError(t, repo.Create(ctx, b))
	assert.ErrorIs(t, repo.Create(ctx, b), domain.ErrDuplicateReference)

	got, err := repo.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Reference, got.Reference)

	byRef, err := repo.GetByReference(ctx, b.Reference)
	require.NoError(t, err)
	assert.Equal(t, b.ID, byRef.ID)

	bySaga, err := repo.GetBySagaID(ctx, b.SagaID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, bySaga.ID)

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = repo.GetByReference(ctx, "NOPE00")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepository_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(fixedClock)
	b := newHotelBooking(t, testNow, time.Minute)
	require.NoError(t, repo.Create(ctx, b))

	got, err := repo.Get(ctx, b.ID)
	require.NoError(t, err)
	got.Status = domain.BookingStatusConfirmed

	again, err := repo.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusCreated, again.Status)
}

func TestMemoryRepository_CompareAndTransition(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(fixedClock)
	b := newHotelBooking(t, testNow, time.Minute)
	require.NoError(t, repo.Create(ctx, b))

	updated, err := repo.CompareAndTransition(ctx, b.ID, domain.Transition{
		ExpectedVersion: b.Version,
		To:              domain.BookingStatusCompensating,
		FailureReason:   "cancelled",
	})
	require.NoError(t, err)
	assert.Equal(t, b.Version+1, updated.Version)

	_, err = repo.CompareAndTransition(ctx, b.ID, domain.Transition{
		ExpectedVersion: b.Version,
		To:              domain.BookingStatusCancelled,
	})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	_, err = repo.CompareAndTransition(ctx, b.ID, domain.Transition{
		ExpectedVersion: updated.Version,
		To:              domain.BookingStatusConfirmed,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = repo.CompareAndTransition(ctx, uuid.New(), domain.Transition{ExpectedVersion: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepository_ConcurrentCASHasOneWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(fixedClock)
	b := newHotelBooking(t, testNow, time.Minute)
	require.NoError(t, repo.Create(ctx, b))

	var (
		wg        sync.WaitGroup
		winners   atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.CompareAndTransition(ctx, b.ID, domain.Transition{
				ExpectedVersion: b.Version,
				To:              domain.BookingStatusCompensating,
			})
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, domain.ErrConcurrencyConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(31), conflicts.Load())
}

func TestMemoryRepository_ListExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(fixedClock)

	late := newHotelBooking(t, testNow.Add(-time.Minute), 30*time.Second)
	early := newHotelBooking(t, testNow.Add(-time.Hour), time.Minute)
	fresh := newHotelBooking(t, testNow, time.Hour)
	cancelled := newHotelBooking(t, testNow.Add(-time.Hour), time.Minute)
	for _, b := range []*domain.Booking{late, early, fresh, cancelled} {
		require.NoError(t, repo.Create(ctx, b))
	}
	_, err := repo.CompareAndTransition(ctx, cancelled.ID, domain.Transition{
		ExpectedVersion: cancelled.Version,
		To:              domain.BookingStatusCompensating,
	})
	require.NoError(t, err)

	expired, err := repo.ListExpired(ctx, testNow, 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, early.ID, expired[0].ID)
	assert.Equal(t, late.ID, expired[1].ID)

	limited, err := repo.ListExpired(ctx, testNow, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, early.ID, limited[0].ID)
}

func TestMemoryRepository_RefundCap(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(fixedClock)
	bookingID := uuid.New()

	first := &domain.Refund{ID: uuid.New(), BookingID: bookingID, Amount: 6_000, Currency: "EUR"}
	require.NoError(t, repo.CreateRefund(ctx, first, 10_000))
	assert.Equal(t, domain.RefundStatusPending, first.Status)

	second := &domain.Refund{ID: uuid.New(), BookingID: bookingID, Amount: 5_000, Currency: "EUR"}
	assert.ErrorIs(t, repo.CreateRefund(ctx, second, 10_000), domain.ErrRefundExceedsTotal)

	require.NoError(t, repo.MarkRefundFailed(ctx, first.ID, "gateway down"))
	require.NoError(t, repo.CreateRefund(ctx, second, 10_000))
	require.NoError(t, repo.MarkRefundIssued(ctx, second.ID, "re_1"))

	refunds, err := repo.ListRefunds(ctx, bookingID)
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	assert.Equal(t, domain.RefundStatusFailed, refunds[0].Status)
	assert.Equal(t, domain.RefundStatusIssued, refunds[1].Status)
	assert.Equal(t, "re_1", refunds[1].RefundRef)

	assert.ErrorIs(t, repo.MarkRefundIssued(ctx, uuid.New(), "re_x"), domain.ErrNotFound)
}

func TestMemoryRepository_DeadLetters(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository(fixedClock)
	dl := &domain.DeadLetter{ID: uuid.New(), BookingID: uuid.New(), Error: "void failed", Attempts: 3}

	require.NoError(t, repo.SaveDeadLetter(ctx, dl))
	require.NoError(t, repo.SaveDeadLetter(ctx, dl))
	assert.Equal(t, testNow, dl.CreatedAt)

	open, err := repo.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, repo.Resolve(ctx, dl.ID, testNow))
	open, err = repo.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.ErrorIs(t, repo.Resolve(ctx, uuid.New(), testNow), domain.ErrNotFound)
}

func TestMemoryRepository_Customers(t *testing.T) {
	repo := NewMemoryRepository(fixedClock)
	repo.PutCustomer(domain.Customer{UserID: "user-1", Email: "a@example.com"})

	c, err := repo.GetCustomer(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", c.Email)

	_, err = repo.GetCustomer(context.Background(), "user-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransitionWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("retries after losing a race", func(t *testing.T) {
		repo := NewMemoryRepository(fixedClock)
		b := newHotelBooking(t, testNow, time.Minute)
		require.NoError(t, repo.Create(ctx, b))

		calls := 0
		updated, err := TransitionWithRetry(ctx, repo, b.ID, 3, func(current *domain.Booking) (domain.Transition, error) {
			calls++
			if calls == 1 {
				// a concurrent writer bumps the version between read and CAS
				_, err := repo.CompareAndTransition(ctx, b.ID, domain.Transition{
					ExpectedVersion: current.Version,
					To:              domain.BookingStatusInventoryHeld,
				})
				require.NoError(t, err)
			}
			return domain.Transition{To: domain.BookingStatusCompensating}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, domain.BookingStatusCompensating, updated.Status)
		assert.Equal(t, int64(3), updated.Version)
	})

	t.Run("decide error stops the loop", func(t *testing.T) {
		repo := NewMemoryRepository(fixedClock)
		b := newHotelBooking(t, testNow, time.Minute)
		require.NoError(t, repo.Create(ctx, b))

		stop := errors.New("stop")
		current, err := TransitionWithRetry(ctx, repo, b.ID, 3, func(*domain.Booking) (domain.Transition, error) {
			return domain.Transition{}, stop
		})
		assert.ErrorIs(t, err, stop)
		require.NotNil(t, current)
		assert.Equal(t, b.ID, current.ID)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		repo := &alwaysConflicting{NewMemoryRepository(fixedClock)}
		b := newHotelBooking(t, testNow, time.Minute)
		require.NoError(t, repo.Create(ctx, b))

		calls := 0
		_, err := TransitionWithRetry(ctx, repo, b.ID, 2, func(*domain.Booking) (domain.Transition, error) {
			calls++
			return domain.Transition{To: domain.BookingStatusCompensating}, nil
		})
		assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
		assert.Equal(t, 2, calls)
	})
}

type alwaysConflicting struct {
	*MemoryRepository
}

func (r *alwaysConflicting) CompareAndTransition(context.Context, uuid.UUID, domain.Transition) (*domain.Booking, error) {
	return nil, domain.ErrConcurrencyConflict
}
