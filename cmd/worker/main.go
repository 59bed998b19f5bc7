package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Domenick1991/tripsaga/config"
	"github.com/Domenick1991/tripsaga/internal/bootstrap"
	"github.com/Domenick1991/tripsaga/internal/email"
	"github.com/Domenick1991/tripsaga/internal/kafka"
	"github.com/Domenick1991/tripsaga/internal/logger"
	kafkaGo "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Build(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("build dependencies", zap.Error(err))
	}
	defer deps.Close()

	smtpClient, err := email.NewSMTPClient(cfg.SMTP)
	if err != nil {
		lg.Fatal("init smtp", zap.Error(err))
	}
	sender := email.NewSender(smtpClient, cfg.SMTP.From, lg)

	notifications := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.NotificationsTopic, lg)
	defer notifications.Close()
	deadLetters := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID+"-dead-letters", cfg.Kafka.DeadLetterTopic, lg)
	defer deadLetters.Close()

	if unresolved, err := deps.DeadLetters.ListUnresolved(ctx, 100); err != nil {
		lg.Warn("list dead letters", zap.Error(err))
	} else if len(unresolved) > 0 {
		lg.Error("unresolved dead letters waiting for an operator", zap.Int("count", len(unresolved)))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deps.Reaper.Start(ctx)
	})
	g.Go(func() error {
		return notifications.Consume(ctx, func(ctx context.Context, msg kafkaGo.Message) error {
			var event kafka.BookingEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				lg.Warn("decode booking event", zap.Error(err))
				return nil
			}
			return sender.Send(ctx, event)
		})
	})
	g.Go(func() error {
		return deadLetters.Consume(ctx, func(ctx context.Context, msg kafkaGo.Message) error {
			var event kafka.DeadLetterEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				lg.Warn("decode dead letter event", zap.Error(err))
				return nil
			}
			lg.Error("OPERATOR ACTION REQUIRED: compensation step dead-lettered",
				zap.String("dead_letter_id", event.ID.String()),
				zap.String("booking_id", event.BookingID.String()),
				zap.String("saga_id", event.SagaID.String()),
				zap.String("kind", event.EntryKind),
				zap.String("ref", event.EntryRef),
				zap.Int("attempts", event.Attempts),
				zap.String("error", event.Error))
			return nil
		})
	})

	lg.Info("worker started")
	if err := g.Wait(); err != nil {
		lg.Error("worker stopped", zap.Error(err))
	}
}
