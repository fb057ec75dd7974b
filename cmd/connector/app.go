package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/alphagov-mirror/pay-connector/internal/availability"
	"github.com/alphagov-mirror/pay-connector/internal/capture"
	"github.com/alphagov-mirror/pay-connector/internal/clock"
	"github.com/alphagov-mirror/pay-connector/internal/config"
	"github.com/alphagov-mirror/pay-connector/internal/dedup"
	"github.com/alphagov-mirror/pay-connector/internal/event"
	"github.com/alphagov-mirror/pay-connector/internal/gateway"
	"github.com/alphagov-mirror/pay-connector/internal/kafka"
	"github.com/alphagov-mirror/pay-connector/internal/ledger"
	"github.com/alphagov-mirror/pay-connector/internal/observability"
	"github.com/alphagov-mirror/pay-connector/internal/queue"
	"github.com/alphagov-mirror/pay-connector/internal/refund"
	"github.com/alphagov-mirror/pay-connector/internal/repository"
	"github.com/alphagov-mirror/pay-connector/internal/repository/memory"
	"github.com/alphagov-mirror/pay-connector/internal/repository/postgres"
	redisrepo "github.com/alphagov-mirror/pay-connector/internal/repository/redis"
	"github.com/alphagov-mirror/pay-connector/internal/resilience"
	"github.com/alphagov-mirror/pay-connector/internal/transition"
	"github.com/alphagov-mirror/pay-connector/internal/worker"
)

// app is the wired connector.
type app struct {
	config    config.Config
	logger    *zap.Logger
	metrics   *observability.Metrics
	health    *observability.HealthHandler
	queue     *queue.TransitionQueue
	worker    *worker.EmissionWorker
	processor *capture.Processor
	refunds   *refund.Service
	replay    *queue.TransitionService

	closers []func() error
}

type stores struct {
	charges repository.ChargeRepository
	refunds repository.RefundRepository
	emitted repository.EmittedEventRepository
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (a *app, err error) {
	a = &app{
		config:  cfg,
		logger:  logger,
		metrics: observability.NewMetrics("connector", prometheus.DefaultRegisterer),
		health:  observability.NewHealthHandler(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	clk := clock.RealClock{}

	st, err := a.openStores(ctx, clk)
	if err != nil {
		return nil, err
	}

	var semaphore resilience.Semaphore
	var rateLimiter resilience.RateLimiter = resilience.NewInMemoryRateLimiterAdapter(resilience.DefaultRateLimiterConfig())
	if cfg.Redis.URL != "" && !cfg.App.Sandbox {
		client, err := resilience.NewRedisClient(ctx, resilience.RedisConfig{
			URL:          cfg.Redis.URL,
			PoolSize:     cfg.Redis.PoolSize,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			logger.Warn("Redis not available, using uncached dedup and per-instance limits", zap.Error(err))
		} else {
			logger.Info("connected to Redis")
			a.closers = append(a.closers, client.Close)
			a.health.WithCheck("redis", observability.HealthCheckFunc(func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}))
			st.emitted = redisrepo.NewEmittedEventCache(client, st.emitted, cfg.Redis.DedupCacheTTL, logger)
			semaphore = resilience.NewRedisSemaphore(client, resilience.RedisSemaphoreConfig{
				Limit: cfg.Capture.FleetLimit,
			}, logger)
			rateLimiter = resilience.NewRedisRateLimiter(client, resilience.DefaultRedisRateLimiterConfig(), logger)
		}
	}

	table := transition.NewTable()
	calculator := availability.NewCalculator()
	deriver := event.NewDeriver(table, st.charges, st.refunds, calculator, logger)
	a.queue = queue.NewTransitionQueue()
	transitions := queue.NewTransitionService(a.queue, deriver, logger).
		WithMetrics(a.metrics).
		WithHistory(st.charges, deriver)
	a.replay = transitions

	publisher, deadLetters := a.openPublishers(clk, rateLimiter)

	a.worker = worker.NewEmissionWorker(
		cfg.WorkerConfig(),
		a.queue,
		dedup.NewLedger(st.emitted, clk),
		publisher,
		clk,
		cfg.RetryPolicy(),
		logger,
	).WithMetrics(a.metrics)
	if deadLetters != nil {
		a.worker.WithDeadLetters(deadLetters)
	}

	gatewayBreakers := resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig()).
		WithMetrics(a.metrics, logger)
	gateways := gateway.NewRegistry().
		Register(gateway.SandboxProvider, gateway.NewSandbox(false))

	service := capture.NewService(st.charges, gateways, transitions, table, clk, logger).
		WithCircuitBreakers(gatewayBreakers)
	a.processor = capture.NewProcessor(cfg.CaptureConfig(), st.charges, service, clk, logger).
		WithMetrics(a.metrics)
	if semaphore != nil {
		a.processor.WithSemaphore(semaphore)
	}

	a.refunds = refund.NewService(st.charges, st.refunds, gateways, transitions, calculator, logger).
		WithCircuitBreakers(gatewayBreakers)

	return a, nil
}

func (a *app) openStores(ctx context.Context, clk clock.Clock) (stores, error) {
	if a.config.App.Sandbox {
		a.logger.Info("sandbox mode, using in-memory stores")
		return stores{
			charges: memory.NewChargeStore(clk),
			refunds: memory.NewRefundStore(clk),
			emitted: memory.NewEmittedEventStore(),
		}, nil
	}

	if a.config.Postgres.Migrate {
		if err := postgres.Migrate(ctx, a.config.Postgres.URL); err != nil {
			return stores{}, err
		}
		a.logger.Info("database migrations applied")
	}

	poolConfig, err := pgxpool.ParseConfig(a.config.Postgres.URL)
	if err != nil {
		return stores{}, fmt.Errorf("failed to parse database URL: %w", err)
	}
	poolConfig.MaxConns = a.config.Postgres.MaxConns
	poolConfig.MinConns = a.config.Postgres.MaxConns / 4

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return stores{}, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	if err := pool.Ping(ctx); err != nil {
		return stores{}, fmt.Errorf("failed to ping database: %w", err)
	}
	a.logger.Info("connected to database")
	a.health.WithCheck("postgres", pool)

	return stores{
		charges: postgres.NewChargeRepository(pool, clk),
		refunds: postgres.NewRefundRepository(pool, clk),
		emitted: postgres.NewEmittedEventRepository(pool),
	}, nil
}

// openPublishers prefers Kafka, then the ledger's HTTP endpoint. Sandbox
// mode without either logs events instead. Dead letters need Kafka.
func (a *app) openPublishers(clk clock.Clock, rateLimiter resilience.RateLimiter) (worker.Publisher, worker.DeadLetterPublisher) {
	cfg := a.config

	if len(cfg.Kafka.Brokers) > 0 {
		producerCfg := kafka.DefaultProducerConfig()
		producerCfg.Brokers = cfg.Kafka.Brokers
		producerCfg.WriteTimeout = cfg.Kafka.WriteTimeout

		ledgerCfg := producerCfg
		ledgerCfg.Topic = cfg.Kafka.LedgerTopic
		publisher := kafka.NewLedgerPublisher(ledgerCfg, a.logger)

		dlqCfg := producerCfg
		dlqCfg.Topic = cfg.Kafka.DeadLetterTopic
		deadLetters := kafka.NewDeadLetterPublisher(dlqCfg, clk, a.logger)

		a.closers = append(a.closers, publisher.Close, deadLetters.Close)
		a.logger.Info("publishing events to Kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.LedgerTopic),
		)
		return publisher, deadLetters
	}

	if cfg.Ledger.URL != "" {
		breakers := resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig()).
			WithMetrics(a.metrics, a.logger)
		publisher := ledger.NewPublisher(ledger.Config{
			URL:       cfg.Ledger.URL,
			Secret:    cfg.Ledger.Secret,
			RateLimit: cfg.Ledger.RateLimit,
		}, &http.Client{Timeout: cfg.Ledger.Timeout}, clk, a.logger).
			WithMetrics(a.metrics).
			WithResilience(rateLimiter, breakers)
		a.logger.Info("publishing events to ledger over HTTP", zap.String("url", cfg.Ledger.URL))
		return publisher, nil
	}

	return &logPublisher{logger: a.logger}, nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close resource", zap.Error(err))
		}
	}
	a.closers = nil
}

// logPublisher stands in for the ledger in sandbox mode.
type logPublisher struct {
	logger *zap.Logger
}

func (p *logPublisher) Publish(ctx context.Context, ev event.Event) error {
	p.logger.Info("event emitted",
		zap.String("event_type", string(ev.Kind)),
		zap.String("resource_type", string(ev.ResourceType)),
		zap.String("resource_external_id", ev.ResourceExternalID),
		zap.Time("occurred_at", ev.OccurredAt),
	)
	return nil
}
