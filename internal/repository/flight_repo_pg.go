package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/google/uuid"
)

// PGFlightInventory holds flight seats in Postgres. A seat row whose hold
// has lapsed can be taken over by another booking, so a forgotten hold
// frees itself without any sweep.
type PGFlightInventory struct {
	db  DB
	now func() time.Time
}

func NewFlightInventory(db DB) *PGFlightInventory {
	return &PGFlightInventory{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *PGFlightInventory) Hold(ctx context.Context, bookingID uuid.UUID, token string, ref domain.ProductRef, ttl time.Duration) error {
	if ref.Kind != domain.InventoryFlight {
		return fmt.Errorf("flight inventory cannot hold %s", ref.Kind)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := r.now()
	expires := now.Add(ttl)
	for _, seat := range ref.Units {
		cmd, err := tx.Exec(ctx, `INSERT INTO flight_seat_holds (flight_id, seat, token, booking_id, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (flight_id, seat) DO UPDATE
				SET token = EXCLUDED.token, booking_id = EXCLUDED.booking_id, expires_at = EXCLUDED.expires_at
				WHERE flight_seat_holds.expires_at < $6 OR flight_seat_holds.token = EXCLUDED.token`,
			ref.ResourceID, seat, token, bookingID, expires, now)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return fmt.Errorf("flight %d seat %s: %w", ref.ResourceID, seat, domain.ErrInventoryUnavailable)
		}
	}
	return tx.Commit(ctx)
}

// Release drops every seat held under token. Unknown tokens are a no-op.
func (r *PGFlightInventory) Release(ctx context.Context, token string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM flight_seat_holds WHERE token=$1`, token)
	return err
}

// Confirm turns the hold into a sale by removing its expiry.
func (r *PGFlightInventory) Confirm(ctx context.Context, token string) error {
	_, err := r.db.Exec(ctx, `UPDATE flight_seat_holds SET expires_at='infinity' WHERE token=$1`, token)
	return err
}
