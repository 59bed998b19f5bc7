package hold

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Inventory is a flight or hotel inventory collaborator. Holding the same
// token twice must be a no-op, as must releasing an unknown token.
type Inventory interface {
	Hold(ctx context.Context, bookingID uuid.UUID, token string, ref domain.ProductRef, ttl time.Duration) error
	Release(ctx context.Context, token string) error
	Confirm(ctx context.Context, token string) error
}

type HoldUseCase interface {
	Hold(ctx context.Context, bookingID uuid.UUID, ref domain.ProductRef, ttl time.Duration) (domain.HoldToken, error)
	HoldAll(ctx context.Context, booking *domain.Booking, ttl time.Duration) ([]domain.HoldToken, error)
	Release(ctx context.Context, token domain.HoldToken) error
	ReleaseAll(ctx context.Context, tokens []domain.HoldToken)
	ConfirmAll(ctx context.Context, tokens []domain.HoldToken) error
}

type HoldService struct {
	inventories map[domain.InventoryKind]Inventory
	timeout     time.Duration
	attempts    int
	backoff     time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

type HoldServiceOption func(*HoldService)

func WithClock(now func() time.Time) HoldServiceOption {
	return func(s *HoldService) {
		s.now = now
	}
}

// WithRetry sets how many times a hold that failed for an infrastructure
// reason is tried. Refused holds and timeouts are never retried.
func WithRetry(attempts int, backoff time.Duration) HoldServiceOption {
	return func(s *HoldService) {
		if attempts > 0 {
			s.attempts = attempts
		}
		s.backoff = backoff
	}
}

func NewHoldService(flights, hotels Inventory, timeout time.Duration, logger *zap.Logger, opts ...HoldServiceOption) *HoldService {
	s := &HoldService{
		inventories: map[domain.InventoryKind]Inventory{
			domain.InventoryFlight: flights,
			domain.InventoryHotel:  hotels,
		},
		timeout:  timeout,
		attempts: 3,
		backoff:  50 * time.Millisecond,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TokenFor derives the hold token for one product line of a booking. The
// same booking and line always produce the same token, which lets a resumed
// saga re-acquire its own hold.
func TokenFor(bookingID uuid.UUID, ref domain.ProductRef) string {
	return uuid.NewSHA1(bookingID, []byte(ref.String())).String()
}

func (s *HoldService) Hold(ctx context.Context, bookingID uuid.UUID, ref domain.ProductRef, ttl time.Duration) (domain.HoldToken, error) {
	inv, err := s.inventory(ref.Kind)
	if err != nil {
		return domain.HoldToken{}, err
	}
	token := domain.HoldToken{
		Token:     TokenFor(bookingID, ref),
		Product:   ref,
		ExpiresAt: s.now().Add(ttl),
	}

	err = s.retry(ctx, bookingID, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := inv.Hold(callCtx, bookingID, token.Token, ref, ttl); err != nil {
			return classify(callCtx, fmt.Sprintf("hold %s", ref), err)
		}
		return nil
	})
	if err != nil {
		return domain.HoldToken{}, err
	}
	return token, nil
}

func (s *HoldService) retry(ctx context.Context, bookingID uuid.UUID, call func(context.Context) error) error {
	delay := s.backoff
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err = call(ctx)
		if err == nil || domain.IsDomainFailure(err) || ctx.Err() != nil {
			return err
		}
		if attempt == s.attempts {
			break
		}
		s.logger.Warn("hold attempt failed",
			zap.String("booking_id", bookingID.String()), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// HoldAll places one hold per product line in parallel. Either every hold
// succeeds, or the token of every line is released before returning,
// including lines whose call failed or timed out.
func (s *HoldService) HoldAll(ctx context.Context, booking *domain.Booking, ttl time.Duration) ([]domain.HoldToken, error) {
	lines := booking.Product.Lines(booking.Type)
	tokens := make([]domain.HoldToken, len(lines))

	var g errgroup.Group
	for i, ref := range lines {
		g.Go(func() error {
			token, err := s.Hold(ctx, booking.ID, ref, ttl)
			if err != nil {
				return err
			}
			tokens[i] = token
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		return tokens, nil
	}

	all := make([]domain.HoldToken, 0, len(lines))
	for _, ref := range lines {
		all = append(all, domain.HoldToken{Token: TokenFor(booking.ID, ref), Product: ref})
	}
	s.logger.Info("hold failed, releasing every line",
		zap.String("booking_id", booking.ID.String()), zap.Int("lines", len(all)), zap.Error(err))
	s.ReleaseAll(ctx, all)
	return nil, err
}

func (s *HoldService) Release(ctx context.Context, token domain.HoldToken) error {
	inv, err := s.inventory(token.Product.Kind)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := inv.Release(callCtx, token.Token); err != nil {
		return classify(callCtx, "release hold "+token.Token, err)
	}
	return nil
}

// ReleaseAll is a best-effort release of holds the caller never recorded. It
// survives cancellation of ctx; anything it misses expires on the inventory
// side.
func (s *HoldService) ReleaseAll(ctx context.Context, tokens []domain.HoldToken) {
	ctx = context.WithoutCancel(ctx)
	for _, token := range tokens {
		if err := s.Release(ctx, token); err != nil {
			s.logger.Warn("release hold", zap.String("token", token.Token), zap.String("product", token.Product.String()), zap.Error(err))
		}
	}
}

func (s *HoldService) ConfirmAll(ctx context.Context, tokens []domain.HoldToken) error {
	var errs []error
	for _, token := range tokens {
		inv, err := s.inventory(token.Product.Kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		if err := inv.Confirm(callCtx, token.Token); err != nil {
			errs = append(errs, classify(callCtx, "confirm hold "+token.Token, err))
		}
		cancel()
	}
	return errors.Join(errs...)
}

func (s *HoldService) inventory(kind domain.InventoryKind) (Inventory, error) {
	inv, ok := s.inventories[kind]
	if !ok || inv == nil {
		return nil, fmt.Errorf("no inventory configured for %q", kind)
	}
	return inv, nil
}

// classify turns a blown deadline into ErrTimeout so callers treat it like
// any other failed step.
func classify(callCtx context.Context, op string, err error) error {
	if errors.Is(err, domain.ErrInventoryUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, domain.ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ HoldUseCase = (*HoldService)(nil)
