package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("booking not found")
	ErrConcurrencyConflict  = errors.New("concurrent modification")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInventoryUnavailable = errors.New("inventory unavailable")
	ErrPaymentDeclined      = errors.New("payment declined")
	ErrPaymentCaptureFailed = errors.New("payment capture failed")
	ErrTimeout              = errors.New("downstream call timed out")
	ErrCompensationFailure  = errors.New("compensation failed")
	ErrAlreadyConfirmed     = errors.New("booking already confirmed")
	ErrNotConfirmed         = errors.New("booking is not confirmed")
	ErrRefundExceedsTotal   = errors.New("refund exceeds refundable amount")
	ErrDuplicateReference   = errors.New("booking reference already exists")
	ErrPaymentCaptured      = errors.New("payment already captured")
	ErrOverloaded           = errors.New("booking capacity exhausted")
)

type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type TransitionError struct {
	From BookingStatus
	To   BookingStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move booking from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CompensationFailure lists the log entries that could not be reversed and
// were handed to the dead-letter sink instead.
type CompensationFailure struct {
	BookingID string
	Failed    []DeadLetter
}

func (e *CompensationFailure) Error() string {
	kinds := make([]string, 0, len(e.Failed))
	for _, dl := range e.Failed {
		kinds = append(kinds, fmt.Sprintf("%s#%d: %s", dl.Entry.Kind, dl.Entry.Seq, dl.Error))
	}
	return fmt.Sprintf("compensation of booking %s incomplete: %s", e.BookingID, strings.Join(kinds, "; "))
}

func (e *CompensationFailure) Unwrap() error { return ErrCompensationFailure }

// IsDomainFailure reports whether err is an expected business outcome of a
// saga step rather than an infrastructure problem.
func IsDomainFailure(err error) bool {
	return errors.Is(err, ErrInventoryUnavailable) ||
		errors.Is(err, ErrPaymentDeclined) ||
		errors.Is(err, ErrPaymentCaptureFailed) ||
		errors.Is(err, ErrTimeout)
}
