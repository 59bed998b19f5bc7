package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schemaSQL string

// DB is the subset of *pgxpool.Pool the repositories use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const bookingColumns = `id, reference, saga_id, user_id, contact_email, payment_method, booking_type, status, product_details,
	total_amount, currency, reservation_expires_at, compensation_log, failure_reason, version, created_at, updated_at`

const uniqueViolation = "23505"

type PGBookingRepository struct {
	db  DB
	now func() time.Time
}

func NewBookingRepository(db DB) *PGBookingRepository {
	return &PGBookingRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *PGBookingRepository) Create(ctx context.Context, booking *domain.Booking) error {
	if err := booking.Product.Validate(booking.Type); err != nil {
		return err
	}
	product, err := json.Marshal(booking.Product)
	if err != nil {
		return fmt.Errorf("encode product details: %w", err)
	}
	log := booking.CompensationLog
	if log == nil {
		log = domain.CompensationLog{}
	}
	logJSON, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode compensation log: %w", err)
	}

	_, err = r.db.Exec(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		booking.ID, booking.Reference, booking.SagaID, booking.UserID, booking.ContactEmail, booking.PaymentMethod, booking.Type, booking.Status,
		product, booking.TotalAmount, booking.Currency, booking.ReservationExpiresAt, logJSON, booking.FailureReason,
		booking.Version, booking.CreatedAt, booking.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "bookings_reference_key" {
			return domain.ErrDuplicateReference
		}
		return err
	}
	return nil
}

func (r *PGBookingRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return scanBooking(r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id))
}

func (r *PGBookingRepository) GetByReference(ctx context.Context, reference string) (*domain.Booking, error) {
	return scanBooking(r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE reference=$1`, reference))
}

func (r *PGBookingRepository) GetBySagaID(ctx context.Context, sagaID uuid.UUID) (*domain.Booking, error) {
	return scanBooking(r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE saga_id=$1`, sagaID))
}

// CompareAndTransition validates the edge against the stored row and then
// applies it with a version-guarded UPDATE. New log entries are appended in
// SQL so existing entries are never rewritten.
func (r *PGBookingRepository) CompareAndTransition(ctx context.Context, id uuid.UUID, t domain.Transition) (*domain.Booking, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := current.Apply(t, r.now())
	if err != nil {
		return nil, err
	}

	appended := next.CompensationLog[len(current.CompensationLog):]
	if appended == nil {
		appended = domain.CompensationLog{}
	}
	appendJSON, err := json.Marshal(appended)
	if err != nil {
		return nil, fmt.Errorf("encode compensation entries: %w", err)
	}

	cmd, err := r.db.Exec(ctx, `UPDATE bookings
		SET status=$1, version=version+1, reservation_expires_at=$2,
			compensation_log = compensation_log || $3::jsonb, failure_reason=$4, updated_at=$5
		WHERE id=$6 AND version=$7`,
		next.Status, next.ReservationExpiresAt, appendJSON, next.FailureReason, next.UpdatedAt, id, t.ExpectedVersion)
	if err != nil {
		return nil, err
	}
	if cmd.RowsAffected() == 0 {
		return nil, domain.ErrConcurrencyConflict
	}
	return next, nil
}

func (r *PGBookingRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	rows, err := r.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = ANY($1) AND reservation_expires_at < $2
		ORDER BY reservation_expires_at
		LIMIT $3`, statusStrings(domain.ActiveStatuses()), now, limit)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *PGBookingRepository) ListByStatus(ctx context.Context, statuses []domain.BookingStatus, limit int) ([]domain.Booking, error) {
	rows, err := r.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = ANY($1)
		ORDER BY created_at
		LIMIT $2`, statusStrings(statuses), limit)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func collectBookings(rows pgx.Rows) ([]domain.Booking, error) {
	defer rows.Close()
	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var (
		b       domain.Booking
		product []byte
		log     []byte
	)
	err := row.Scan(&b.ID, &b.Reference, &b.SagaID, &b.UserID, &b.ContactEmail, &b.PaymentMethod, &b.Type, &b.Status, &product,
		&b.TotalAmount, &b.Currency, &b.ReservationExpiresAt, &log, &b.FailureReason, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(product, &b.Product); err != nil {
		return nil, fmt.Errorf("decode product details of %s: %w", b.ID, err)
	}
	if err := json.Unmarshal(log, &b.CompensationLog); err != nil {
		return nil, fmt.Errorf("decode compensation log of %s: %w", b.ID, err)
	}
	return &b, nil
}

func statusStrings(statuses []domain.BookingStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var _ BookingRepository = (*PGBookingRepository)(nil)
