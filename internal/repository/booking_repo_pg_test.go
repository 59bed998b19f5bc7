package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func bookingRow(t *testing.T, b *domain.Booking) *pgxmock.Rows {
	t.Helper()
	product, err := json.Marshal(b.Product)
	require.NoError(t, err)
	log, err := json.Marshal(b.CompensationLog)
	require.NoError(t, err)
	return pgxmock.NewRows([]string{
		"id", "reference", "saga_id", "user_id", "contact_email", "payment_method", "booking_type", "status", "product_details",
		"total_amount", "currency", "reservation_expires_at", "compensation_log", "failure_reason", "version", "created_at", "updated_at",
	}).AddRow(b.ID, b.Reference, b.SagaID, b.UserID, b.ContactEmail, b.PaymentMethod, b.Type, b.Status, product,
		b.TotalAmount, b.Currency, b.ReservationExpiresAt, log, b.FailureReason, b.Version, b.CreatedAt, b.UpdatedAt)
}

func TestPGBookingRepository_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts", func(t *testing.T) {
		mock := newMockPool(t)
		repo := NewBookingRepository(mock)
		b := newHotelBooking(t, testNow, time.Minute)

		mock.ExpectExec("INSERT INTO bookings").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Create(ctx, b))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate reference", func(t *testing.T) {
		mock := newMockPool(t)
		repo := NewBookingRepository(mock)
		b := newHotelBooking(t, testNow, time.Minute)

		mock.ExpectExec("INSERT INTO bookings").
			WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "bookings_reference_key"})

		assert.ErrorIs(t, repo.Create(ctx, b), domain.ErrDuplicateReference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid product never reaches the database", func(t *testing.T) {
		mock := newMockPool(t)
		repo := NewBookingRepository(mock)
		b := newHotelBooking(t, testNow, time.Minute)
		b.Product.Hotel.RoomNumbers = nil

		assert.ErrorIs(t, repo.Create(ctx, b), domain.ErrValidation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPGBookingRepository_Get(t *testing.T) {
	ctx := context.Background()
	mock := newMockPool(t)
	repo := NewBookingRepository(mock)
	b := newHotelBooking(t, testNow, time.Minute)

	mock.ExpectQuery("SELECT .+ FROM bookings WHERE id=\\$1").
		WithArgs(b.ID).
		WillReturnRows(bookingRow(t, b))
	mock.ExpectQuery("SELECT .+ FROM bookings WHERE reference=\\$1").
		WithArgs("MISSING").
		WillReturnError(pgx.ErrNoRows)

	got, err := repo.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Reference, got.Reference)
	assert.Equal(t, b.Product.Hotel.RoomNumbers, got.Product.Hotel.RoomNumbers)

	_, err = repo.GetByReference(ctx, "MISSING")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGBookingRepository_CompareAndTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("lost race", func(t *testing.T) {
		mock := newMockPool(t)
		repo := NewBookingRepository(mock)
		b := newHotelBooking(t, testNow, time.Minute)

		mock.ExpectQuery("SELECT .+ FROM bookings WHERE id=\\$1").
			WithArgs(b.ID).
			WillReturnRows(bookingRow(t, b))
		mock.ExpectExec("UPDATE bookings").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		_, err := repo.CompareAndTransition(ctx, b.ID, domain.Transition{
			ExpectedVersion: b.Version,
			To:              domain.BookingStatusCompensating,
		})
		assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version is rejected before the update", func(t *testing.T) {
		mock := newMockPool(t)
		repo := NewBookingRepository(mock)
		b := newHotelBooking(t, testNow, time.Minute)

		mock.ExpectQuery("SELECT .+ FROM bookings WHERE id=\\$1").
			WithArgs(b.ID).
			WillReturnRows(bookingRow(t, b))

		_, err := repo.CompareAndTransition(ctx, b.ID, domain.Transition{
			ExpectedVersion: b.Version + 1,
			To:              domain.BookingStatusCompensating,
		})
		assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("applies", func(t *testing.T) {
		mock := newMockPool(t)
		repo := NewBookingRepository(mock)
		repo.now = func() time.Time { return testNow }
		b := newHotelBooking(t, testNow, time.Minute)

		mock.ExpectQuery("SELECT .+ FROM bookings WHERE id=\\$1").
			WithArgs(b.ID).
			WillReturnRows(bookingRow(t, b))
		mock.ExpectExec("UPDATE bookings").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		updated, err := repo.CompareAndTransition(ctx, b.ID, domain.Transition{
			ExpectedVersion: b.Version,
			To:              domain.BookingStatusCompensating,
			FailureReason:   "expired",
		})
		require.NoError(t, err)
		assert.Equal(t, domain.BookingStatusCompensating, updated.Status)
		assert.Equal(t, b.Version+1, updated.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPGRefundRepository_CreateRefund(t *testing.T) {
	ctx := context.Background()

	t.Run("over the cap", func(t *testing.T) {
		mock := newMockPool(t)
		repo := NewRefundRepository(mock)
		refund := &domain.Refund{ID: uuid.New(), BookingID: uuid.New(), Amount: 5_000, Currency: "EUR"}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT 1 FROM bookings WHERE id=\\$1 FOR UPDATE").
			WithArgs(refund.BookingID).
			WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM booking_refunds").
			WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(6_000)))
		mock.ExpectRollback()

		assert.ErrorIs(t, repo.CreateRefund(ctx, refund, 10_000), domain.ErrRefundExceedsTotal)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("within the cap", func(t *testing.T) {
		mock := newMockPool(t)
		repo := NewRefundRepository(mock)
		refund := &domain.Refund{ID: uuid.New(), BookingID: uuid.New(), Amount: 4_000, Currency: "EUR"}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT 1 FROM bookings WHERE id=\\$1 FOR UPDATE").
			WithArgs(refund.BookingID).
			WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
		mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM booking_refunds").
			WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(6_000)))
		mock.ExpectExec("INSERT INTO booking_refunds").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, repo.CreateRefund(ctx, refund, 10_000))
		assert.Equal(t, domain.RefundStatusPending, refund.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown booking", func(t *testing.T) {
		mock := newMockPool(t)
		repo := NewRefundRepository(mock)
		refund := &domain.Refund{ID: uuid.New(), BookingID: uuid.New(), Amount: 1}

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT 1 FROM bookings").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		assert.ErrorIs(t, repo.CreateRefund(ctx, refund, 10), domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPGRefundRepository_MarkRefundIssued(t *testing.T) {
	mock := newMockPool(t)
	repo := NewRefundRepository(mock)
	id := uuid.New()

	mock.ExpectExec("UPDATE booking_refunds").
		WithArgs(domain.RefundStatusIssued, "re_1", id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.ErrorIs(t, repo.MarkRefundIssued(context.Background(), id, "re_1"), domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGDeadLetterRepository(t *testing.T) {
	ctx := context.Background()
	mock := newMockPool(t)
	repo := NewDeadLetterRepository(mock)
	dl := &domain.DeadLetter{ID: uuid.New(), BookingID: uuid.New(), SagaID: uuid.New(), Error: "void failed", Attempts: 3}

	mock.ExpectExec("INSERT INTO dead_letters").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE dead_letters SET resolved_at").
		WithArgs(testNow, dl.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.SaveDeadLetter(ctx, dl))
	assert.False(t, dl.CreatedAt.IsZero())
	assert.ErrorIs(t, repo.Resolve(ctx, dl.ID, testNow), domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCustomerRepository_GetCustomer(t *testing.T) {
	ctx := context.Background()
	mock := newMockPool(t)
	repo := NewCustomerRepository(mock)

	mock.ExpectQuery("SELECT user_id, full_name, email, phone FROM customers").
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "full_name", "email", "phone"}).
			AddRow("user-1", "Ada Lovelace", "ada@example.com", "+100"))
	mock.ExpectQuery("SELECT user_id, full_name, email, phone FROM customers").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	c, err := repo.GetCustomer(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", c.Email)

	_, err = repo.GetCustomer(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGFlightInventory_Hold(t *testing.T) {
	ctx := context.Background()
	ref := domain.ProductRef{Kind: domain.InventoryFlight, ResourceID: 7, Units: []string{"1", "2"}}

	t.Run("seat taken", func(t *testing.T) {
		mock := newMockPool(t)
		inv := NewFlightInventory(mock)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO flight_seat_holds").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO flight_seat_holds").
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mock.ExpectRollback()

		err := inv.Hold(ctx, uuid.New(), "tok", ref, time.Minute)
		assert.ErrorIs(t, err, domain.ErrInventoryUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("all seats held", func(t *testing.T) {
		mock := newMockPool(t)
		inv := NewFlightInventory(mock)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO flight_seat_holds").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO flight_seat_holds").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		require.NoError(t, inv.Hold(ctx, uuid.New(), "tok", ref, time.Minute))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong kind", func(t *testing.T) {
		inv := NewFlightInventory(newMockPool(t))
		err := inv.Hold(ctx, uuid.New(), "tok", domain.ProductRef{Kind: domain.InventoryHotel}, time.Minute)
		assert.Error(t, err)
	})
}

func TestPGFlightInventory_ReleaseAndConfirm(t *testing.T) {
	ctx := context.Background()
	mock := newMockPool(t)
	inv := NewFlightInventory(mock)

	mock.ExpectExec("DELETE FROM flight_seat_holds WHERE token=\\$1").
		WithArgs("tok").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("UPDATE flight_seat_holds SET expires_at='infinity'").
		WithArgs("tok").
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.NoError(t, inv.Release(ctx, "tok"))
	require.NoError(t, inv.Confirm(ctx, "tok"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
