package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/google/uuid"
)

type PGDeadLetterRepository struct {
	db DB
}

func NewDeadLetterRepository(db DB) *PGDeadLetterRepository {
	return &PGDeadLetterRepository{db: db}
}

func (r *PGDeadLetterRepository) SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	entry, err := json.Marshal(dl.Entry)
	if err != nil {
		return fmt.Errorf("encode dead letter entry: %w", err)
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	_, err = r.db.Exec(ctx, `INSERT INTO dead_letters (id, booking_id, saga_id, entry, error, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		dl.ID, dl.BookingID, dl.SagaID, entry, dl.Error, dl.Attempts, dl.CreatedAt)
	return err
}

func (r *PGDeadLetterRepository) ListUnresolved(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := r.db.Query(ctx, `SELECT id, booking_id, saga_id, entry, error, attempts, created_at
		FROM dead_letters WHERE resolved_at IS NULL ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var (
			dl    domain.DeadLetter
			entry []byte
		)
		if err := rows.Scan(&dl.ID, &dl.BookingID, &dl.SagaID, &entry, &dl.Error, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(entry, &dl.Entry); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", dl.ID, err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (r *PGDeadLetterRepository) Resolve(ctx context.Context, id uuid.UUID, at time.Time) error {
	cmd, err := r.db.Exec(ctx, `UPDATE dead_letters SET resolved_at=$1 WHERE id=$2 AND resolved_at IS NULL`, at, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ DeadLetterRepository = (*PGDeadLetterRepository)(nil)
