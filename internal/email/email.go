package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/Domenick1991/tripsaga/config"
	"github.com/Domenick1991/tripsaga/internal/kafka"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

type Mailer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

func NewSMTPClient(cfg config.SMTPConfig) (*mail.Client, error) {
	opts := []mail.Option{mail.WithTLSPolicy(mail.TLSOpportunistic)}
	if cfg.Port != 0 {
		opts = append(opts, mail.WithPort(cfg.Port))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("init smtp client: %w", err)
	}
	return c, nil
}

// Sender turns booking events into customer emails.
type Sender struct {
	mailer Mailer
	from   string
	logger *zap.Logger
}

func NewSender(mailer Mailer, from string, logger *zap.Logger) *Sender {
	return &Sender{mailer: mailer, from: from, logger: logger}
}

// Send emails the booking contact about event. Events without a contact
// address or without a customer-facing message are skipped.
func (s *Sender) Send(ctx context.Context, event kafka.BookingEvent) error {
	if event.Email == "" {
		s.logger.Debug("no contact email, skipping notification", zap.String("booking_id", event.BookingID.String()), zap.String("type", event.Type))
		return nil
	}
	subject, body, ok := Compose(event)
	if !ok {
		return nil
	}

	msg := mail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return fmt.Errorf("set from address: %w", err)
	}
	if err := msg.To(event.Email); err != nil {
		return fmt.Errorf("set to address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := s.mailer.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send %s email for %s: %w", event.Type, event.Reference, err)
	}
	s.logger.Info("notification sent", zap.String("booking_id", event.BookingID.String()), zap.String("type", event.Type))
	return nil
}

// Compose renders the subject and plain-text body for event.
func Compose(event kafka.BookingEvent) (string, string, bool) {
	amount := formatAmount(event.TotalAmount, event.Currency)
	switch event.Type {
	case kafka.EventBookingCreated:
		return fmt.Sprintf("Booking %s received", event.Reference),
			fmt.Sprintf("We received your %s booking %s for %s and are confirming it now.", strings.ToLower(event.BookingType), event.Reference, amount), true
	case kafka.EventBookingConfirmed:
		return fmt.Sprintf("Booking %s confirmed", event.Reference),
			fmt.Sprintf("Your booking %s is confirmed. %s has been charged.", event.Reference, amount), true
	case kafka.EventBookingCancelled:
		body := fmt.Sprintf("Your booking %s has been cancelled and any reserved items were released.", event.Reference)
		if event.FailureReason != "" {
			body += "\nReason: " + event.FailureReason
		}
		return fmt.Sprintf("Booking %s cancelled", event.Reference), body, true
	case kafka.EventBookingRefunded:
		return fmt.Sprintf("Refund for booking %s", event.Reference),
			fmt.Sprintf("We refunded %s for booking %s.", formatAmount(event.RefundAmount, event.Currency), event.Reference), true
	default:
		return "", "", false
	}
}

func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, currency)
}
