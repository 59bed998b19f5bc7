package repository

import (
	"context"
	"errors"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/jackc/pgx/v5"
)

type CustomerRepository interface {
	GetCustomer(ctx context.Context, userID string) (*domain.Customer, error)
}

type PGCustomerRepository struct {
	db DB
}

func NewCustomerRepository(db DB) *PGCustomerRepository {
	return &PGCustomerRepository{db: db}
}

func (r *PGCustomerRepository) GetCustomer(ctx context.Context, userID string) (*domain.Customer, error) {
	var c domain.Customer
	err := r.db.QueryRow(ctx, `SELECT user_id, full_name, email, phone FROM customers WHERE user_id=$1`, userID).
		Scan(&c.UserID, &c.FullName, &c.Email, &c.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

var _ CustomerRepository = (*PGCustomerRepository)(nil)
