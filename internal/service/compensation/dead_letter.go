package compensation

import (
	"context"
	"errors"

	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/Domenick1991/tripsaga/internal/kafka"
	"github.com/Domenick1991/tripsaga/internal/repository"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Sink persists dead letters and raises an alert on the dead-letter topic.
// Either half may be nil.
type Sink struct {
	repo      repository.DeadLetterRepository
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

func NewSink(repo repository.DeadLetterRepository, publisher Publisher, topic string, logger *zap.Logger) *Sink {
	return &Sink{repo: repo, publisher: publisher, topic: topic, logger: logger}
}

func (s *Sink) DeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	var errs []error
	if s.repo != nil {
		if err := s.repo.SaveDeadLetter(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	if s.publisher != nil {
		event := kafka.DeadLetterEvent{
			Type:      kafka.EventDeadLetter,
			ID:        dl.ID,
			BookingID: dl.BookingID,
			SagaID:    dl.SagaID,
			EntrySeq:  dl.Entry.Seq,
			EntryKind: string(dl.Entry.Kind),
			EntryRef:  dl.Entry.Ref,
			Error:     dl.Error,
			Attempts:  dl.Attempts,
		}
		if err := s.publisher.Publish(ctx, s.topic, dl.BookingID.String(), event); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Error("compensation step dead-lettered",
		zap.String("booking_id", dl.BookingID.String()),
		zap.String("saga_id", dl.SagaID.String()),
		zap.Int("seq", dl.Entry.Seq),
		zap.String("kind", string(dl.Entry.Kind)),
		zap.String("error", dl.Error))
	return errors.Join(errs...)
}

var _ DeadLetterSink = (*Sink)(nil)
