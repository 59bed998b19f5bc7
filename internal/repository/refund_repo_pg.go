package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type PGRefundRepository struct {
	db DB
}

func NewRefundRepository(db DB) *PGRefundRepository {
	return &PGRefundRepository{db: db}
}

// CreateRefund locks the booking row for the duration of the cap check so
// two partial refunds cannot both squeeze under the limit.
func (r *PGRefundRepository) CreateRefund(ctx context.Context, refund *domain.Refund, limit int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var locked int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM bookings WHERE id=$1 FOR UPDATE`, refund.BookingID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}

	var committed int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM booking_refunds WHERE booking_id=$1 AND status <> $2`,
		refund.BookingID, domain.RefundStatusFailed).Scan(&committed); err != nil {
		return err
	}
	if committed+refund.Amount > limit {
		return domain.ErrRefundExceedsTotal
	}

	now := time.Now().UTC()
	refund.Status = domain.RefundStatusPending
	refund.CreatedAt = now
	refund.UpdatedAt = now
	if _, err := tx.Exec(ctx, `INSERT INTO booking_refunds (id, booking_id, payment_ref, refund_ref, amount, currency, reason, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		refund.ID, refund.BookingID, refund.PaymentRef, refund.RefundRef, refund.Amount, refund.Currency, refund.Reason,
		refund.Status, refund.CreatedAt, refund.UpdatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *PGRefundRepository) MarkRefundIssued(ctx context.Context, id uuid.UUID, refundRef string) error {
	return r.update(ctx, `UPDATE booking_refunds SET status=$1, refund_ref=$2, updated_at=now() WHERE id=$3`,
		domain.RefundStatusIssued, refundRef, id)
}

func (r *PGRefundRepository) MarkRefundFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.update(ctx, `UPDATE booking_refunds SET status=$1, reason=$2, updated_at=now() WHERE id=$3`,
		domain.RefundStatusFailed, reason, id)
}

func (r *PGRefundRepository) update(ctx context.Context, sql string, args ...any) error {
	cmd, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PGRefundRepository) ListRefunds(ctx context.Context, bookingID uuid.UUID) ([]domain.Refund, error) {
	rows, err := r.db.Query(ctx, `SELECT id, booking_id, payment_ref, refund_ref, amount, currency, reason, status, created_at, updated_at
		FROM booking_refunds WHERE booking_id=$1 ORDER BY created_at`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]domain.Refund, 0)
	for rows.Next() {
		var rf domain.Refund
		if err := rows.Scan(&rf.ID, &rf.BookingID, &rf.PaymentRef, &rf.RefundRef, &rf.Amount, &rf.Currency, &rf.Reason,
			&rf.Status, &rf.CreatedAt, &rf.UpdatedAt); err != nil {
			return nil, err
		}
		refunds = append(refunds, rf)
	}
	return refunds, rows.Err()
}

var _ RefundRepository = (*PGRefundRepository)(nil)
