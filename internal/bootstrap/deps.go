package bootstrap

import (
	"context"
	"fmt"

	"github.com/Domenick1991/tripsaga/config"
	"github.com/Domenick1991/tripsaga/internal/cache"
	"github.com/Domenick1991/tripsaga/internal/domain"
	"github.com/Domenick1991/tripsaga/internal/kafka"
	"github.com/Domenick1991/tripsaga/internal/payment"
	"github.com/Domenick1991/tripsaga/internal/repository"
	"github.com/Domenick1991/tripsaga/internal/service/compensation"
	"github.com/Domenick1991/tripsaga/internal/service/hold"
	"github.com/Domenick1991/tripsaga/internal/service/payments"
	"github.com/Domenick1991/tripsaga/internal/service/reaper"
	"github.com/Domenick1991/tripsaga/internal/service/saga"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Deps is the saga stack shared by the API and worker binaries.
type Deps struct {
	Orchestrator *saga.Orchestrator
	Reaper       *reaper.Reaper
	Pool         *saga.Pool
	Producer     *kafka.Producer
	DeadLetters  repository.DeadLetterRepository
	Probes       map[string]Probe

	closers []func()
}

func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Deps, error) {
	d := &Deps{Probes: make(map[string]Probe)}

	redisClient := cache.NewRedisClient(cfg.Redis)
	d.closers = append(d.closers, func() { _ = redisClient.Close() })
	d.Probes["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }

	var (
		bookings    repository.BookingRepository
		refunds     repository.RefundRepository
		deadLetters repository.DeadLetterRepository
		customers   repository.CustomerRepository
		flights     hold.Inventory
	)
	if cfg.Database.Memory {
		mem := repository.NewMemoryRepository(nil)
		bookings, refunds, deadLetters, customers = mem, mem, mem, mem
		flights = cache.NewRedisInventory(redisClient, domain.InventoryFlight)
		logger.Warn("using in-memory booking store")
	} else {
		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		d.closers = append(d.closers, pool.Close)
		if err := repository.EnsureSchema(ctx, pool); err != nil {
			d.Close()
			return nil, err
		}
		d.Probes["postgres"] = pool.Ping
		bookings = repository.NewBookingRepository(pool)
		refunds = repository.NewRefundRepository(pool)
		deadLetters = repository.NewDeadLetterRepository(pool)
		customers = repository.NewCustomerRepository(pool)
		flights = repository.NewFlightInventory(pool)
	}
	d.DeadLetters = deadLetters

	d.Producer = kafka.NewProducer(cfg.Kafka.Brokers, logger)
	d.closers = append(d.closers, func() { _ = d.Producer.Close() })
	if err := d.Producer.CheckConnection(ctx); err != nil {
		logger.Warn("kafka not reachable, events will be retried per publish", zap.Error(err))
	}

	var gateway payment.Gateway
	switch cfg.Payment.Provider {
	case "stripe":
		gateway = payment.NewStripeGateway(cfg.Payment.StripeSecretKey)
	default:
		gateway = payment.NewSandboxGateway()
		logger.Warn("using sandbox payment gateway")
	}

	holds := hold.NewHoldService(flights, cache.NewHotelInventory(redisClient), cfg.Saga.StepTimeout.Duration, logger,
		hold.WithRetry(cfg.Saga.StepAttempts, cfg.Saga.StepBackoff.Duration))
	coordinator := payments.NewCoordinator(gateway, cfg.Saga.StepTimeout.Duration, logger,
		payments.WithRetry(cfg.Saga.StepAttempts, cfg.Saga.StepBackoff.Duration))
	sink := compensation.NewSink(deadLetters, d.Producer, cfg.Kafka.DeadLetterTopic, logger)
	engine := compensation.NewEngine(bookings, holds, coordinator, sink, logger,
		compensation.WithRetry(cfg.Saga.CompensationAttempts, cfg.Saga.CompensationBackoff.Duration))
	events := saga.NewEventPublisher(d.Producer, logger, cfg.Kafka.BookingEventsTopic, cfg.Kafka.NotificationsTopic)

	d.Pool = saga.NewPool(ctx, cfg.Saga.Workers, logger)
	d.Orchestrator = saga.NewOrchestrator(bookings, refunds, holds, coordinator, engine,
		saga.Config{
			HoldTTL:               cfg.Saga.HoldTTL.Duration,
			CASRetries:            cfg.Saga.CASRetries,
			Pricing:               domain.Pricing{ComboDiscountBps: cfg.Saga.ComboDiscountBps},
			CustomerLookupTimeout: cfg.Saga.CustomerLookup.Duration,
			SubmitTimeout:         cfg.Saga.SubmitTimeout.Duration,
		},
		logger,
		saga.WithCustomerDirectory(customers),
		saga.WithEvents(events),
		saga.WithPool(d.Pool),
	)
	d.Reaper = reaper.New(bookings, engine, cfg.Reaper.Interval.Duration, cfg.Reaper.BatchSize, logger,
		reaper.WithRate(cfg.Reaper.PerSecond),
		reaper.WithStaleAfter(cfg.Reaper.StaleAfter.Duration),
		reaper.WithNotifier(events),
	)
	return d, nil
}
