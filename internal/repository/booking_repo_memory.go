package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepository keeps bookings, refunds and dead letters in process. It
// backs local runs without Postgres and the saga tests.
type MemoryRepository struct {
	mu          sync.RWMutex
	now         func() time.Time
	bookings    map[uuid.UUID]*domain.Booking
	references  map[string]uuid.UUID
	refunds     map[uuid.UUID][]domain.Refund
	deadLetters []domain.DeadLetter
	customers   map[string]domain.Customer
}

func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{
		now:        now,
		bookings:   make(map[uuid.UUID]*domain.Booking),
		references: make(map[string]uuid.UUID),
		refunds:    make(map[uuid.UUID][]domain.Refund),
		customers:  make(map[string]domain.Customer),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, booking *domain.Booking) error {
	if err := booking.Product.Validate(booking.Type); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.references[booking.Reference]; exists {
		return domain.ErrDuplicateReference
	}
	r.bookings[booking.ID] = booking.Clone()
	r.references[booking.Reference] = booking.ID
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b.Clone(), nil
}

func (r *MemoryRepository) GetByReference(ctx context.Context, reference string) (*domain.Booking, error) {
	r.mu.RLock()
	id, ok := r.references[reference]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *MemoryRepository) GetBySagaID(ctx context.Context, sagaID uuid.UUID) (*domain.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bookings {
		if b.SagaID == sagaID {
			return b.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MemoryRepository) CompareAndTransition(ctx context.Context, id uuid.UUID, t domain.Transition) (*domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.bookings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	next, err := current.Apply(t, r.now())
	if err != nil {
		return nil, err
	}
	r.bookings[id] = next
	return next.Clone(), nil
}

func (r *MemoryRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var expired []domain.Booking
	for _, b := range r.bookings {
		if b.Status.Active() && b.ReservationExpiresAt != nil && b.ReservationExpiresAt.Before(now) {
			expired = append(expired, *b.Clone())
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ReservationExpiresAt.Before(*expired[j].ReservationExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (r *MemoryRepository) ListByStatus(ctx context.Context, statuses []domain.BookingStatus, limit int) ([]domain.Booking, error) {
	want := make(map[domain.BookingStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Booking
	for _, b := range r.bookings {
		if want[b.Status] {
			out = append(out, *b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CreateRefund(ctx context.Context, refund *domain.Refund, limit int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var committed int64
	for _, existing := range r.refunds[refund.BookingID] {
		if existing.Status != domain.RefundStatusFailed {
			committed += existing.Amount
		}
	}
	if committed+refund.Amount > limit {
		return domain.ErrRefundExceedsTotal
	}
	now := r.now()
	refund.Status = domain.RefundStatusPending
	refund.CreatedAt = now
	refund.UpdatedAt = now
	r.refunds[refund.BookingID] = append(r.refunds[refund.BookingID], *refund)
	return nil
}

func (r *MemoryRepository) MarkRefundIssued(ctx context.Context, id uuid.UUID, refundRef string) error {
	return r.updateRefund(id, func(rf *domain.Refund) {
		rf.Status = domain.RefundStatusIssued
		rf.RefundRef = refundRef
	})
}

func (r *MemoryRepository) MarkRefundFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return r.updateRefund(id, func(rf *domain.Refund) {
		rf.Status = domain.RefundStatusFailed
		rf.Reason = reason
	})
}

func (r *MemoryRepository) updateRefund(id uuid.UUID, fn func(*domain.Refund)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for bookingID, list := range r.refunds {
		for i := range list {
			if list[i].ID == id {
				fn(&list[i])
				list[i].UpdatedAt = r.now()
				r.refunds[bookingID] = list
				return nil
			}
		}
	}
	return domain.ErrNotFound
}

func (r *MemoryRepository) ListRefunds(ctx context.Context, bookingID uuid.UUID) ([]domain.Refund, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Refund(nil), r.refunds[bookingID]...), nil
}

func (r *MemoryRepository) SaveDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.deadLetters {
		if existing.ID == dl.ID {
			return nil
		}
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = r.now()
	}
	r.deadLetters = append(r.deadLetters, *dl)
	return nil
}

func (r *MemoryRepository) ListUnresolved(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.DeadLetter
	for _, dl := range r.deadLetters {
		if dl.ResolvedAt == nil {
			out = append(out, dl)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) Resolve(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.deadLetters {
		if r.deadLetters[i].ID == id {
			r.deadLetters[i].ResolvedAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *MemoryRepository) PutCustomer(c domain.Customer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customers[c.UserID] = c
}

func (r *MemoryRepository) GetCustomer(ctx context.Context, userID string) (*domain.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.customers[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

var (
	_ BookingRepository    = (*MemoryRepository)(nil)
	_ RefundRepository     = (*MemoryRepository)(nil)
	_ DeadLetterRepository = (*MemoryRepository)(nil)
	_ CustomerRepository   = (*MemoryRepository)(nil)
)
