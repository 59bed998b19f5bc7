package payment

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/google/uuid"
)

// Test payment methods understood by the sandbox, named after the Stripe
// test cards they imitate.
const (
	SandboxCardOK            = "pm_card_visa"
	SandboxCardDeclined      = "pm_card_chargeDeclined"
	SandboxCardCaptureFails  = "pm_card_captureFails"
	SandboxCardVoidFails     = "pm_card_voidFails"
	sandboxStatusAuthorized  = "authorized"
	sandboxStatusCaptured    = "captured"
	sandboxStatusVoided      = "voided"
	sandboxStatusRefundedAll = "refunded"
)

type sandboxPayment struct {
	method   string
	amount   int64
	refunded int64
	status   string
}

// SandboxGateway is an in-process payment gateway for local runs and tests.
// It deduplicates by idempotency key the way a real gateway does.
type SandboxGateway struct {
	mu        sync.Mutex
	payments  map[string]*sandboxPayment
	keys      map[string]string
	calls     map[string]int
	refundSeq int
}

func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{
		payments: make(map[string]*sandboxPayment),
		keys:     make(map[string]string),
		calls:    make(map[string]int),
	}
}

func (g *SandboxGateway) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["authorize"]++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ref, ok := g.keys[req.IdempotencyKey]; ok {
		return ref, nil
	}
	if req.PaymentMethod == SandboxCardDeclined {
		return "", fmt.Errorf("card declined: %w", domain.ErrPaymentDeclined)
	}
	ref := "pi_sbx_" + uuid.NewString()
	g.payments[ref] = &sandboxPayment{method: req.PaymentMethod, amount: req.Amount, status: sandboxStatusAuthorized}
	g.keys[req.IdempotencyKey] = ref
	return ref, nil
}

func (g *SandboxGateway) Capture(ctx context.Context, paymentRef, idempotencyKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["capture"]++
	p, ok := g.payments[paymentRef]
	if !ok {
		return fmt.Errorf("unknown payment %s: %w", paymentRef, domain.ErrPaymentCaptureFailed)
	}
	switch {
	case p.status == sandboxStatusCaptured:
		return nil
	case p.status != sandboxStatusAuthorized, p.method == SandboxCardCaptureFails:
		return fmt.Errorf("payment %s is %s: %w", paymentRef, p.status, domain.ErrPaymentCaptureFailed)
	}
	p.status = sandboxStatusCaptured
	return nil
}

func (g *SandboxGateway) Void(ctx context.Context, paymentRef, idempotencyKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["void"]++
	p, ok := g.payments[paymentRef]
	if !ok || p.status == sandboxStatusVoided {
		return nil
	}
	if p.method == SandboxCardVoidFails {
		return fmt.Errorf("void %s rejected by issuer", paymentRef)
	}
	if p.status == sandboxStatusCaptured {
		return fmt.Errorf("void %s: %w", paymentRef, domain.ErrPaymentCaptured)
	}
	if p.status != sandboxStatusAuthorized {
		return fmt.Errorf("cannot void %s payment %s", p.status, paymentRef)
	}
	p.status = sandboxStatusVoided
	return nil
}

func (g *SandboxGateway) Refund(ctx context.Context, paymentRef string, amount *int64, idempotencyKey string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls["refund"]++
	if ref, ok := g.keys[idempotencyKey]; ok {
		return ref, nil
	}
	p, ok := g.payments[paymentRef]
	if !ok || (p.status != sandboxStatusCaptured && p.status != sandboxStatusRefundedAll) {
		return "", fmt.Errorf("payment %s is not captured", paymentRef)
	}
	remaining := p.amount - p.refunded
	value := remaining
	if amount != nil {
		value = *amount
	}
	if value <= 0 || value > remaining {
		return "", fmt.Errorf("refund of %d exceeds remaining %d on %s", value, remaining, paymentRef)
	}
	p.refunded += value
	if p.refunded == p.amount {
		p.status = sandboxStatusRefundedAll
	}
	g.refundSeq++
	ref := fmt.Sprintf("re_sbx_%d", g.refundSeq)
	g.keys[idempotencyKey] = ref
	return ref, nil
}

// Calls reports how many times op was invoked.
func (g *SandboxGateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// Status reports the sandbox state of a payment, or "" if unknown.
func (g *SandboxGateway) Status(paymentRef string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.payments[paymentRef]; ok {
		return p.status
	}
	return ""
}

func (g *SandboxGateway) Refunded(paymentRef string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.payments[paymentRef]; ok {
		return p.refunded
	}
	return 0
}

// Outstanding lists payments that still hold customer money: authorized
// ones, and captured ones not refunded in full.
func (g *SandboxGateway) Outstanding() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var refs []string
	for ref, p := range g.payments {
		if p.status == sandboxStatusAuthorized || p.status == sandboxStatusCaptured {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs
}

var _ Gateway = (*SandboxGateway)(nil)
