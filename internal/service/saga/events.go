package saga

import (
	"context"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/Domenick1991/tripsaga/internal/kafka"
	"go.uber.org/zap"
)

const (
	eventBookingCreated   = kafka.EventBookingCreated
	eventBookingConfirmed = kafka.EventBookingConfirmed
	eventBookingCancelled = kafka.EventBookingCancelled
	eventBookingRefunded  = kafka.EventBookingRefunded

	publishRetries = 3
)

type Publisher interface {
	PublishWithRetry(ctx context.Context, topic, key string, payload any, maxRetries int) error
}

// EventPublisher fans booking events out to the booking events topic and,
// when configured, the notifications topic. Publishing never fails a saga;
// errors are logged. A nil *EventPublisher drops every event.
type EventPublisher struct {
	publisher Publisher
	topics    []string
	logger    *zap.Logger
}

func NewEventPublisher(publisher Publisher, logger *zap.Logger, topics ...string) *EventPublisher {
	var nonEmpty []string
	for _, t := range topics {
		if t != "" {
			nonEmpty = append(nonEmpty, t)
		}
	}
	return &EventPublisher{publisher: publisher, topics: nonEmpty, logger: logger}
}

func (p *EventPublisher) Publish(ctx context.Context, eventType string, b *domain.Booking, refundAmount int64) {
	if p == nil || p.publisher == nil {
		return
	}
	event := kafka.BookingEvent{
		Type:          eventType,
		BookingID:     b.ID,
		Reference:     b.Reference,
		SagaID:        b.SagaID,
		UserID:        b.UserID,
		Email:         b.ContactEmail,
		BookingType:   string(b.Type),
		Status:        string(b.Status),
		TotalAmount:   b.TotalAmount,
		Currency:      b.Currency,
		RefundAmount:  refundAmount,
		FailureReason: b.FailureReason,
		OccurredAt:    b.UpdatedAt,
	}
	ctx = context.WithoutCancel(ctx)
	for _, topic := range p.topics {
		if err := p.publisher.PublishWithRetry(ctx, topic, b.ID.String(), event, publishRetries); err != nil {
			p.logger.Warn("publish booking event",
				zap.String("topic", topic), zap.String("type", eventType), zap.String("booking_id", b.ID.String()), zap.Error(err))
		}
	}
}
