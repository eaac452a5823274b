package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/MidhunGopi/AeroLux/pkg/database"
	"github.com/MidhunGopi/AeroLux/pkg/health"
	"github.com/MidhunGopi/AeroLux/pkg/httpclient"
	pkgkafka "github.com/MidhunGopi/AeroLux/pkg/kafka"
	"github.com/MidhunGopi/AeroLux/pkg/middleware"
	"github.com/MidhunGopi/AeroLux/pkg/rabbitmq"
	"github.com/MidhunGopi/AeroLux/pkg/tracing"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/client"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/config"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/event"
	handler "github.com/MidhunGopi/AeroLux/services/booking/internal/handler/http"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/lock"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/outbox"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/repository/postgres"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/saga"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/service"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/uow"
	"github.com/MidhunGopi/AeroLux/services/booking/migrations"
)

const serviceName = "booking"

// worker is a background loop stopped by cancelling its context.
type worker struct {
	name string
	run  func(ctx context.Context) error
}

// App wires together all dependencies and runs the booking service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	redis          *redis.Client
	bus            event.Bus
	dlq            *pkgkafka.DLQProducer
	httpServer     *http.Server
	workers        []worker
	tracerShutdown func(context.Context) error

	stopWorkers context.CancelFunc
	workersDone sync.WaitGroup
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := &App{cfg: cfg, logger: logger}

	// Initialize OpenTelemetry tracing.
	tracerCfg := tracing.DefaultConfig(serviceName)
	tracerCfg.ServiceVersion = cfg.Version
	tracerCfg.Environment = cfg.Environment
	tracerCfg.OTLPEndpoint = cfg.OTELEndpoint
	tracerCfg.Insecure = cfg.OTELInsecure
	tracerCfg.SampleRate = cfg.OTELSampleRate
	tracerCfg.Enabled = cfg.OTELEnabled
	tracerShutdown, err := tracing.InitTracer(ctx, tracerCfg)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	a.tracerShutdown = tracerShutdown

	if err := a.initStorage(ctx); err != nil {
		a.closeResources()
		return nil, err
	}

	if err := a.initBus(ctx); err != nil {
		a.closeResources()
		return nil, err
	}

	// Build the dependency graph.
	bookings := postgres.NewBookingRepository()
	sagas := postgres.NewSagaRepository(a.pool)
	outboxRepo := postgres.NewOutboxRepository(a.pool, cfg.OutboxMaxRetries)
	auditRepo := postgres.NewAuditRepository(a.pool)

	dispatcher := event.NewDispatcher(logger, event.DefaultRegistrations(logger)...)
	unitOfWork := uow.New(a.pool, outboxRepo, dispatcher)

	aircraftClient, paymentClient := a.newCollaborators()

	var locker lock.Locker = lock.NopLocker{}
	if a.redis != nil {
		locker = lock.NewRedisLocker(a.redis, "aerolux:lock:")
	}

	bookingService, err := service.NewBookingService(
		bookings,
		sagas,
		a.pool,
		unitOfWork,
		aircraftClient,
		paymentClient,
		locker,
		logger,
		service.BookingConfig{
			Saga: saga.Config{
				StepTimeout:         cfg.SagaStepTimeout,
				Deadline:            cfg.SagaDeadline,
				CompensationTimeout: cfg.SagaCompensationTimeout,
				MaxAttempts:         cfg.SagaMaxAttempts,
				InitialBackoff:      cfg.SagaInitialBackoff,
				MaxBackoff:          cfg.SagaMaxBackoff,
			},
			Timeouts: service.SagaTimeouts{
				ValidateTimeout: cfg.SagaValidateTimeout,
				ReserveTimeout:  cfg.SagaReserveTimeout,
				PaymentTimeout:  cfg.SagaPaymentTimeout,
				ConfirmTimeout:  cfg.SagaConfirmTimeout,
			},
			MaxConcurrent: cfg.SagaMaxConcurrent,
			LockTTL:       cfg.SagaLockTTL,
		},
	)
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("create booking service: %w", err)
	}
	outboxService := service.NewOutboxService(outboxRepo, logger)
	auditService := service.NewAuditService(auditRepo)

	// Background workers.
	if cfg.OutboxEnabled {
		d := outbox.NewDispatcher(outboxRepo, a.bus, logger, outbox.Config{
			PollInterval: cfg.OutboxPollInterval,
			Lease:        cfg.OutboxLease,
			BatchSize:    cfg.OutboxBatchSize,
			MaxRetries:   cfg.OutboxMaxRetries,
			Concurrency:  cfg.OutboxConcurrency,

			RetryBackoff:    cfg.OutboxRetryBackoff,
			MaxRetryBackoff: cfg.OutboxMaxRetryBackoff,
		})
		a.workers = append(a.workers, worker{name: "outbox dispatcher", run: d.Run})
	}
	if cfg.RecoveryEnabled {
		sweeper := service.NewRecoverySweeper(sagas, bookingService, logger, service.RecoveryConfig{
			Interval:    cfg.RecoveryInterval,
			StaleAfter:  cfg.RecoveryStaleAfter,
			BatchSize:   cfg.RecoveryBatchSize,
			Parallelism: cfg.RecoveryParallelism,
		})
		a.workers = append(a.workers, worker{name: "saga recovery", run: sweeper.Run})
	}
	if cfg.AuditConsumerEnabled {
		a.workers = append(a.workers, a.newAuditConsumer(auditRepo))
	}

	// Health checks.
	healthHandler := health.NewHandlerWithTimeout(cfg.HealthTimeout)
	pool := a.pool
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	bus := a.bus
	healthHandler.RegisterNonCritical(cfg.BusDriver, func(ctx context.Context) error {
		return bus.Ping(ctx)
	})
	if a.redis != nil {
		rdb := a.redis
		healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	// HTTP router.
	operators := make(map[string]middleware.Principal, len(cfg.OperatorTokens))
	for token, subject := range cfg.OperatorTokens {
		operators[token] = middleware.Principal{Subject: subject, Role: middleware.RoleOperator}
	}
	cors := middleware.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.CORSOrigins
	router := handler.NewRouter(bookingService, auditService, outboxService, healthHandler, logger, handler.RouterConfig{
		CORS:           cors,
		OperatorTokens: operators,
		PprofCIDRs:     cfg.PprofAllowedCIDRs,
		RequestTimeout: cfg.RequestTimeout,
	})

	// A booking request holds the connection for a whole saga run.
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.SagaDeadline + cfg.SagaCompensationTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initStorage connects PostgreSQL and, when enabled, Redis.
func (a *App) initStorage(ctx context.Context) error {
	cfg := a.cfg

	pgCfg := database.PostgresConfig{
		URL:             cfg.PostgresURL,
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,

		ApplicationName:  "aerolux-" + serviceName,
		StatementTimeout: cfg.DBStatementTimeout,
	}

	pool, err := database.OpenPostgres(ctx, pgCfg, a.logger)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	a.pool = pool
	a.logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	if err := database.RegisterPoolMetrics(prometheus.DefaultRegisterer, pool, serviceName); err != nil {
		a.logger.Warn("pool metrics not registered", slog.String("error", err.Error()))
	}

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, a.logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	a.logger.Info("database migrations completed")

	// Configure slow query logging.
	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, a.logger)
	}

	if cfg.RedisEnabled {
		rcfg := database.DefaultRedisConfig()
		rcfg.Host, rcfg.Port = cfg.RedisHost, cfg.RedisPort
		rcfg.Password, rcfg.DB = cfg.RedisPass, cfg.RedisDB
		rcfg.PoolSize = cfg.RedisPoolSize
		rdb, err := database.NewRedisClient(ctx, rcfg)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = rdb
		a.logger.Info("connected to Redis",
			slog.String("host", cfg.RedisHost),
			slog.Int("port", cfg.RedisPort),
		)
	}
	return nil
}

// initBus opens the configured message bus.
func (a *App) initBus(ctx context.Context) error {
	cfg := a.cfg

	switch cfg.BusDriver {
	case config.BusRabbitMQ:
		pub, err := rabbitmq.Dial(rabbitmq.Config{
			URL:            cfg.AMQPURL,
			Exchange:       cfg.AMQPExchange,
			ConfirmTimeout: cfg.AMQPConfirm,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("connect to rabbitmq: %w", err)
		}
		a.bus = event.NewRabbitBus(pub)
		a.logger.Info("rabbitmq publisher initialized", slog.String("exchange", cfg.AMQPExchange))
	default:
		producer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers), a.logger)
		a.bus = event.NewKafkaBus(producer, cfg.KafkaTopicPrefix)
		a.logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	}
	return nil
}

// newCollaborators builds the aircraft and payment clients. Each gets its
// own breaker so one failing collaborator does not open the other's circuit.
// Retries are left to the saga, so the transport never retries.
func (a *App) newCollaborators() (*client.AircraftClient, *client.PaymentClient) {
	cfg := a.cfg

	baseClient := httpclient.New(httpclient.Config{
		Timeout:         cfg.ClientTimeout,
		MaxRetries:      0,
		MaxConnsPerHost: 100,
	})

	breaker := func(name string) *httpclient.CircuitBreakerClient {
		cbCfg := httpclient.CircuitBreakerConfig{
			Name:         name,
			MaxRequests:  cfg.CBMaxRequests,
			Interval:     time.Duration(cfg.CBInterval) * time.Second,
			Timeout:      time.Duration(cfg.CBTimeout) * time.Second,
			FailureRatio: cfg.CBFailureRatio,
			MinRequests:  cfg.CBMinRequests,
		}
		a.logger.Info("circuit breaker initialized",
			slog.String("name", cbCfg.Name),
			slog.Uint64("max_requests", uint64(cbCfg.MaxRequests)),
			slog.Int("timeout_seconds", cfg.CBTimeout),
			slog.Uint64("min_requests", uint64(cbCfg.MinRequests)),
		)
		return httpclient.NewCircuitBreakerClient(baseClient, cbCfg, a.logger).
			WithFallback(client.CircuitOpenFallback(name))
	}

	return client.NewAircraftClient(breaker("aircraft"), cfg.AircraftServiceURL, a.logger),
		client.NewPaymentClient(breaker("payment"), cfg.PaymentServiceURL, a.logger)
}

// newAuditConsumer subscribes the audit trail to the booking topics.
// Redeliveries are filtered through Redis when available.
func (a *App) newAuditConsumer(repo event.AuditRecorder) worker {
	cfg := a.cfg

	var store pkgkafka.IdempotencyStore
	if a.redis != nil {
		store = pkgkafka.NewRedisIdempotencyStore(a.redis, "aerolux:audit:seen:", cfg.AuditDedupTTL)
	} else {
		store = pkgkafka.NewMemoryIdempotencyStore(cfg.AuditDedupTTL)
	}

	a.dlq = pkgkafka.NewDLQProducer(cfg.KafkaBrokers, a.logger)
	audit := event.NewAuditConsumer(repo, a.logger)
	consumer := pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.AuditConsumerGroup,
		Topics:   event.AuditTopics(cfg.KafkaTopicPrefix),
		MinBytes: 1,
		MaxBytes: 10e6,
	}, audit.Handler(store), a.logger, pkgkafka.WithDLQ(a.dlq))

	return worker{name: "audit consumer", run: consumer.Start}
}

// Run starts the HTTP server and background workers and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1+len(a.workers))

	workerCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	a.stopWorkers = stop
	for _, w := range a.workers {
		a.workersDone.Add(1)
		go func() {
			defer a.workersDone.Done()
			a.logger.Info("starting worker", slog.String("worker", w.name))
			if err := w.run(workerCtx); err != nil && workerCtx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", w.name, err)
			}
		}()
	}

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("component failed, shutting down", slog.String("error", runErr.Error()))
	}

	return errors.Join(runErr, a.Shutdown())
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight saga runs)
// 2. Background workers (dispatcher, recovery, consumer)
// 3. Tracer (flush pending spans)
// 4. Bus, DLQ producer, Redis and PostgreSQL
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests. A saga run may still be compensating.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), a.cfg.SagaCompensationTimeout+5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Stop workers and wait for their current batch.
	if a.stopWorkers != nil {
		a.stopWorkers()
	}
	done := make(chan struct{})
	go func() {
		a.workersDone.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.logger.Warn("background workers did not stop in time")
	}

	// 3. Flush pending spans after the drain so in-flight spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 4. Close connections.
	errs = append(errs, a.closeResources())

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}

// closeResources releases connections opened by NewApp. It is safe on a
// partially built App.
func (a *App) closeResources() error {
	var errs []error
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Error("bus close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.dlq != nil {
		if err := a.dlq.Close(); err != nil {
			a.logger.Error("dlq producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return errors.Join(errs...)
}
