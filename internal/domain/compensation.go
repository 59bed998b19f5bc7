package domain

import "time"

type StepKind string

const (
	StepHoldAcquired      StepKind = "HOLD_ACQUIRED"
	StepPaymentAuthorized StepKind = "PAYMENT_AUTHORIZED"
	StepPaymentCaptured   StepKind = "PAYMENT_CAPTURED"

	StepHoldReleased    StepKind = "HOLD_RELEASED"
	StepPaymentVoided   StepKind = "PAYMENT_VOIDED"
	StepPaymentRefunded StepKind = "PAYMENT_REFUNDED"
	StepDeadLettered    StepKind = "DEAD_LETTERED"
)

// Reversible reports whether an entry of this kind must be undone when the
// booking is compensated.
func (k StepKind) Reversible() bool {
	return k == StepHoldAcquired || k == StepPaymentAuthorized
}

func (k StepKind) reversal() bool {
	switch k {
	case StepHoldReleased, StepPaymentVoided, StepPaymentRefunded, StepDeadLettered:
		return true
	default:
		return false
	}
}

// HoldToken is the handle returned by an inventory hold. The token is opaque
// to everyone except the inventory that issued it.
type HoldToken struct {
	Token     string     `json:"token"`
	Product   ProductRef `json:"product"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// CompensationEntry is one immutable record in a booking's compensation log.
// Reversal entries point at the forward entry they undo through Reverses.
type CompensationEntry struct {
	Seq        int         `json:"seq"`
	Kind       StepKind    `json:"kind"`
	Ref        string      `json:"ref"`
	Product    *ProductRef `json:"product,omitempty"`
	Amount     int64       `json:"amount,omitempty"`
	Currency   string      `json:"currency,omitempty"`
	Reverses   int         `json:"reverses,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

func HoldAcquired(token HoldToken) CompensationEntry {
	product := token.Product
	return CompensationEntry{Kind: StepHoldAcquired, Ref: token.Token, Product: &product}
}

func PaymentAuthorized(paymentRef string, amount int64, currency string) CompensationEntry {
	return CompensationEntry{Kind: StepPaymentAuthorized, Ref: paymentRef, Amount: amount, Currency: currency}
}

func PaymentCaptured(paymentRef string, amount int64, currency string) CompensationEntry {
	return CompensationEntry{Kind: StepPaymentCaptured, Ref: paymentRef, Amount: amount, Currency: currency}
}

// Reversal builds the entry that marks forward as undone.
func Reversal(kind StepKind, forward CompensationEntry, detail string) CompensationEntry {
	return CompensationEntry{
		Kind:     kind,
		Ref:      forward.Ref,
		Product:  forward.Product,
		Amount:   forward.Amount,
		Currency: forward.Currency,
		Reverses: forward.Seq,
		Detail:   detail,
	}
}

// HoldToken rebuilds the hold handle recorded by a HOLD_ACQUIRED entry.
func (e CompensationEntry) HoldToken() HoldToken {
	t := HoldToken{Token: e.Ref}
	if e.Product != nil {
		t.Product = *e.Product
	}
	return t
}

type CompensationLog []CompensationEntry

// Append returns a new log with entries numbered after the current tail.
// The receiver is never modified.
func (l CompensationLog) Append(now time.Time, entries ...CompensationEntry) CompensationLog {
	out := make(CompensationLog, len(l), len(l)+len(entries))
	copy(out, l)
	for _, e := range entries {
		e.Seq = len(out) + 1
		if e.RecordedAt.IsZero() {
			e.RecordedAt = now
		}
		out = append(out, e)
	}
	return out
}

// Pending returns the reversible entries that have no reversal yet, newest
// first.
func (l CompensationLog) Pending() []CompensationEntry {
	reversed := make(map[int]bool)
	for _, e := range l {
		if e.Kind.reversal() {
			reversed[e.Reverses] = true
		}
	}
	var pending []CompensationEntry
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Kind.Reversible() && !reversed[l[i].Seq] {
			pending = append(pending, l[i])
		}
	}
	return pending
}

func (l CompensationLog) Drained() bool {
	return len(l.Pending()) == 0
}

func (l CompensationLog) Captured(paymentRef string) bool {
	for _, e := range l {
		if e.Kind == StepPaymentCaptured && e.Ref == paymentRef {
			return true
		}
	}
	return false
}

// CapturedPayment returns the capture entry of a confirmed booking.
func (l CompensationLog) CapturedPayment() (CompensationEntry, bool) {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Kind == StepPaymentCaptured {
			return l[i], true
		}
	}
	return CompensationEntry{}, false
}

// Authorization returns the newest PAYMENT_AUTHORIZED entry.
func (l CompensationLog) Authorization() (CompensationEntry, bool) {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Kind == StepPaymentAuthorized {
			return l[i], true
		}
	}
	return CompensationEntry{}, false
}

func (l CompensationLog) Holds() []HoldToken {
	var tokens []HoldToken
	for _, e := range l {
		if e.Kind == StepHoldAcquired {
			tokens = append(tokens, e.HoldToken())
		}
	}
	return tokens
}
