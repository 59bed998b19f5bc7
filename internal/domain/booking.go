package domain

import (
	"time"

	"github.com/google/uuid"
)

type BookingType string

const (
	BookingTypeFlight BookingType = "FLIGHT"
	BookingTypeHotel  BookingType = "HOTEL"
	BookingTypeCombo  BookingType = "COMBO"
)

func (t BookingType) Valid() bool {
	switch t {
	case BookingTypeFlight, BookingTypeHotel, BookingTypeCombo:
		return true
	default:
		return false
	}
}

type BookingStatus string

const (
	BookingStatusCreated        BookingStatus = "CREATED"
	BookingStatusInventoryHeld  BookingStatus = "INVENTORY_HELD"
	BookingStatusPaymentPending BookingStatus = "PAYMENT_PENDING"
	BookingStatusConfirmed      BookingStatus = "CONFIRMED"
	BookingStatusCompensating   BookingStatus = "COMPENSATING"
	BookingStatusCancelled      BookingStatus = "CANCELLED"
)

// transitions is the complete saga state graph. Anything not listed here is
// rejected by the store.
var transitions = map[BookingStatus][]BookingStatus{
	BookingStatusCreated:        {BookingStatusInventoryHeld, BookingStatusCompensating},
	BookingStatusInventoryHeld:  {BookingStatusPaymentPending, BookingStatusCompensating},
	BookingStatusPaymentPending: {BookingStatusConfirmed, BookingStatusCompensating},
	BookingStatusCompensating:   {BookingStatusCancelled},
}

func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s BookingStatus) Terminal() bool {
	return s == BookingStatusConfirmed || s == BookingStatusCancelled
}

// Active reports whether a booking in this status still owns a reservation
// window and is therefore visible to the expiry sweep.
func (s BookingStatus) Active() bool {
	switch s {
	case BookingStatusCreated, BookingStatusInventoryHeld, BookingStatusPaymentPending:
		return true
	default:
		return false
	}
}

// ActiveStatuses lists the statuses that carry a reservation expiry.
func ActiveStatuses() []BookingStatus {
	return []BookingStatus{BookingStatusCreated, BookingStatusInventoryHeld, BookingStatusPaymentPending}
}

type Booking struct {
	ID                   uuid.UUID
	Reference            string
	SagaID               uuid.UUID
	UserID               string
	ContactEmail         string
	PaymentMethod        string
	Type                 BookingType
	Status               BookingStatus
	Product              ProductDetails
	TotalAmount          int64
	Currency             string
	ReservationExpiresAt *time.Time
	CompensationLog      CompensationLog
	FailureReason        string
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Clone returns a deep copy so callers never share the log slice with the
// store.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	if b.ReservationExpiresAt != nil {
		t := *b.ReservationExpiresAt
		c.ReservationExpiresAt = &t
	}
	c.CompensationLog = append(CompensationLog(nil), b.CompensationLog...)
	c.Product = b.Product.clone()
	return &c
}

// Transition is a single compare-and-swap request against a booking.
// ExpiresAt is only honoured when To is an active status; leaving a
// reservation window always clears the expiry.
type Transition struct {
	ExpectedVersion int64
	To              BookingStatus
	Append          []CompensationEntry
	ExpiresAt       *time.Time
	FailureReason   string
}

// Apply validates the transition against b and returns the resulting
// aggregate. b itself is not modified.
func (b *Booking) Apply(t Transition, now time.Time) (*Booking, error) {
	if b.Version != t.ExpectedVersion {
		return nil, ErrConcurrencyConflict
	}
	if !b.Status.CanTransitionTo(t.To) {
		return nil, &TransitionError{From: b.Status, To: t.To}
	}

	next := b.Clone()
	next.Status = t.To
	next.Version++
	next.UpdatedAt = now
	if t.FailureReason != "" && next.FailureReason == "" {
		next.FailureReason = t.FailureReason
	}

	switch {
	case !t.To.Active():
		next.ReservationExpiresAt = nil
	case t.ExpiresAt != nil:
		exp := *t.ExpiresAt
		next.ReservationExpiresAt = &exp
	}

	next.CompensationLog = next.CompensationLog.Append(now, t.Append...)
	return next, nil
}

type NewBookingInput struct {
	UserID        string
	ContactEmail  string
	PaymentMethod string
	Type          BookingType
	Product       ProductDetails
}

// NewBooking validates and prices the request and returns a CREATED
// aggregate with a fresh saga id and an acquisition window of holdTTL.
func NewBooking(in NewBookingInput, pricing Pricing, now time.Time, holdTTL time.Duration) (*Booking, error) {
	if in.UserID == "" {
		return nil, NewValidationError("user_id", "is required")
	}
	if in.PaymentMethod == "" {
		return nil, NewValidationError("payment_method", "is required")
	}
	if !in.Type.Valid() {
		return nil, NewValidationError("booking_type", "must be one of FLIGHT, HOTEL, COMBO")
	}
	if err := in.Product.Validate(in.Type); err != nil {
		return nil, err
	}
	total, currency, err := pricing.Total(in.Type, in.Product)
	if err != nil {
		return nil, err
	}

	expires := now.Add(holdTTL)
	return &Booking{
		ID:                   uuid.New(),
		Reference:            NewReference(),
		SagaID:               uuid.New(),
		UserID:               in.UserID,
		ContactEmail:         in.ContactEmail,
		PaymentMethod:        in.PaymentMethod,
		Type:                 in.Type,
		Status:               BookingStatusCreated,
		Product:              in.Product,
		TotalAmount:          total,
		Currency:             currency,
		ReservationExpiresAt: &expires,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

type RefundStatus string

const (
	RefundStatusPending RefundStatus = "PENDING"
	RefundStatusIssued  RefundStatus = "ISSUED"
	RefundStatusFailed  RefundStatus = "FAILED"
)

// Refund is a post-confirmation money movement. It is recorded on its own
// and never touches the compensation log.
type Refund struct {
	ID         uuid.UUID
	BookingID  uuid.UUID
	PaymentRef string
	RefundRef  string
	Amount     int64
	Currency   string
	Reason     string
	Status     RefundStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type DeadLetter struct {
	ID         uuid.UUID
	BookingID  uuid.UUID
	SagaID     uuid.UUID
	Entry      CompensationEntry
	Error      string
	Attempts   int
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
