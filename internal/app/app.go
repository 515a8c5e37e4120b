package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/api/rest"
	"github.com/Dhoini/billing-sync/internal/api/rest/middleware"
	"github.com/Dhoini/billing-sync/internal/config"
	"github.com/Dhoini/billing-sync/internal/drift"
	stripeint "github.com/Dhoini/billing-sync/internal/integration/stripe"
	"github.com/Dhoini/billing-sync/internal/kafka"
	"github.com/Dhoini/billing-sync/internal/kafka/producer"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/internal/repository/postgres"
	"github.com/Dhoini/billing-sync/internal/retry"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry

	Store     repository.Store
	Ledger    repository.Ledger
	Admin     repository.AdminReader
	Publisher kafka.Publisher
	Remote    *stripeint.Client

	Metrics       metrics.SyncMetrics
	SystemMetrics metrics.SystemMetrics

	Upserter   *service.Upserter
	Scheduler  *retry.Scheduler
	Dispatcher *service.Dispatcher
	Processor  *service.Processor
	Ingestor   *service.Ingestor
	Queries    *service.Queries
	Scanner    *retry.Scanner
	Relay      *service.OutboxRelay
	Auditor    *drift.Auditor

	Router *gin.Engine
	Server *rest.Server

	closers []func() error
}

// New собирает приложение из конфигурации.
// При ошибке уже открытые ресурсы закрываются.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	a := &App{
		Config:   cfg,
		Logger:   log,
		Registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.NewSyncMetrics(a.Registry, log)
	a.SystemMetrics = metrics.NewSystemMetrics(a.Registry, log)
	httpMetrics := metrics.NewHTTPMetrics(a.Registry, log)

	if err = a.initStorage(ctx); err != nil {
		return nil, err
	}
	a.Store = repository.NewTimeoutStore(a.Store, cfg.Sync.DBTimeout)
	a.Ledger = repository.NewTimeoutLedger(a.Ledger, cfg.Sync.DBTimeout)
	a.Admin = repository.NewTimeoutAdminReader(a.Admin, cfg.Sync.DBTimeout)

	var cache repository.SubscriptionCache
	var reader repository.SubscriptionReader = a.Store
	if cfg.Redis.Enabled {
		redisCache, cacheErr := repository.NewRedisCacheRepository(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.CacheTTL, log)
		if cacheErr != nil {
			// Кеш необязателен: работаем напрямую с хранилищем
			log.Warnw("Redis cache disabled", "error", cacheErr)
		} else {
			cache = redisCache
			reader = repository.NewCachedSubscriptionReader(a.Store, redisCache, log)
			a.closers = append(a.closers, redisCache.Close)
		}
	}

	if err = a.initPublisher(); err != nil {
		return nil, err
	}

	topics := kafka.Topics{
		SubscriptionChanged: cfg.Kafka.Topics.SubscriptionChanged,
		DeadLetter:          cfg.Kafka.Topics.DeadLetter,
		DriftDetected:       cfg.Kafka.Topics.DriftDetected,
	}.WithDefaults()

	a.Remote = stripeint.NewClient(stripeint.Config{
		APIKey:  cfg.Stripe.APIKey,
		Timeout: cfg.Sync.RemoteTimeout,
	}, log)
	verifier := stripeint.NewWebhookVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.WebhookTolerance, log)
	alerter := service.NewAlerter(a.Publisher, topics, log)

	policy := retry.Policy{
		Base:       cfg.Sync.BackoffBase,
		Cap:        cfg.Sync.BackoffCap,
		Jitter:     cfg.Sync.BackoffJitter,
		MaxRetries: cfg.Sync.MaxRetries,
	}

	a.Upserter = service.NewUpserter(a.Store, cache, a.Metrics, log)
	a.Scheduler = retry.NewScheduler(a.Ledger, policy, alerter, a.Metrics, log)
	a.Processor = service.NewProcessor(a.Ledger, stripeint.Parse, a.Upserter, a.Remote, a.Scheduler, a.Metrics,
		service.ProcessorConfig{Lease: cfg.Sync.LeaseTimeout, Timeout: cfg.Sync.ProcessTimeout}, log)
	a.Dispatcher = service.NewDispatcher(cfg.Sync.Workers, cfg.Sync.QueueSize, a.Processor.Process, log)
	a.Ingestor = service.NewIngestor(verifier, stripeint.Parse, a.Ledger, a.Dispatcher, a.Metrics, log)
	a.Queries = service.NewQueries(reader, a.Ledger, a.Admin, a.Processor, log)
	a.Scanner = retry.NewScanner(a.Ledger, a.Scheduler, a.Dispatcher, a.Admin, a.Metrics, retry.ScannerConfig{
		Interval: cfg.Sync.ScanInterval,
		Batch:    cfg.Sync.ScanBatch,
		Lease:    cfg.Sync.LeaseTimeout,
	}, log)
	a.Relay = service.NewOutboxRelay(a.Store, a.Publisher, topics, a.Metrics, service.OutboxRelayConfig{
		Interval: cfg.Sync.OutboxInterval,
		Batch:    cfg.Sync.OutboxBatch,
	}, log)
	a.Auditor = drift.NewAuditor(a.Store, a.Remote, a.Upserter, alerter, a.Metrics, drift.Config{
		Interval:       cfg.Drift.Interval,
		BatchSize:      cfg.Drift.BatchSize,
		RatePerSecond:  cfg.Drift.RatePerSecond,
		Burst:          cfg.Drift.Burst,
		Concurrency:    cfg.Drift.Concurrency,
		AlertThreshold: cfg.Drift.AlertThreshold,
	}, log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	validator := &middleware.HMACTokenValidator{Secret: []byte(cfg.Auth.JWTSecret)}
	a.Router = rest.SetupRouter(rest.RouterDeps{
		Ingestor:     a.Ingestor,
		Accounts:     a.Queries,
		Provisioner:  a.Upserter,
		Admin:        a.Queries,
		Reconciler:   a.Auditor,
		Store:        a.Store,
		Auth:         middleware.NewJWTMiddleware(validator, log),
		Registry:     a.Registry,
		HTTPMetrics:  httpMetrics,
		MaxBodyBytes: cfg.Sync.MaxBodyBytes,
	}, log)
	a.Server = rest.NewServer(a.Router, rest.ServerConfig{
		Port:         cfg.App.Port,
		ReadTimeout:  cfg.App.ReadTimeout,
		WriteTimeout: cfg.App.WriteTimeout,
	}, log)

	return a, nil
}

// initStorage открывает хранилище выбранного драйвера
func (a *App) initStorage(ctx context.Context) error {
	cfg, log := a.Config, a.Logger

	if cfg.Database.Driver == "memory" {
		log.Warnw("Using in-memory storage, state is lost on restart")
		store := repository.NewInMemoryStore(log)
		ledger := repository.NewInMemoryLedger(log)
		a.Store = store
		a.Ledger = ledger
		a.Admin = repository.NewInMemoryAdminReader(ledger, store)
		return nil
	}

	if cfg.Database.RunMigrations {
		if err := Migrate(cfg.Database.DSN, log, func(m *postgres.Migrator) error { return m.Up() }); err != nil {
			return err
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pool, err := postgres.NewConnection(connectCtx, postgres.PoolConfig{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}, log)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	admin := postgres.NewAdminReader(pool, log)
	a.closers = append(a.closers, admin.Close)

	a.Store = postgres.NewStore(pool, cfg.Database.LockTimeout, log)
	a.Ledger = postgres.NewLedger(pool, log)
	a.Admin = admin
	return nil
}

// initPublisher выбирает драйвер Kafka; при выключенной Kafka сообщения только логируются
func (a *App) initPublisher() error {
	cfg, log := a.Config, a.Logger

	if !cfg.Kafka.Enabled {
		a.Publisher = kafka.NewNoopPublisher(log)
		return nil
	}

	if cfg.Kafka.EnsureTopics {
		topics := kafka.Topics{
			SubscriptionChanged: cfg.Kafka.Topics.SubscriptionChanged,
			DeadLetter:          cfg.Kafka.Topics.DeadLetter,
			DriftDetected:       cfg.Kafka.Topics.DriftDetected,
		}
		if err := kafka.EnsureKafkaTopics(cfg.Kafka.Brokers, topics, log); err != nil {
			// Топики могли быть созданы вручную без прав администратора
			log.Warnw("Failed to ensure Kafka topics", "error", err)
		}
	}

	kcfg := kafka.NewConfig(cfg.Kafka.Brokers)
	var (
		pub kafka.Publisher
		err error
	)
	switch cfg.Kafka.Driver {
	case kafka.DriverSarama:
		pub, err = producer.Dial(kcfg, log)
	default:
		pub, err = kafka.NewKafkaProducer(kcfg, log)
	}
	if err != nil {
		return fmt.Errorf("create kafka publisher (%s): %w", cfg.Kafka.Driver, err)
	}
	a.Publisher = pub
	a.closers = append(a.closers, pub.Close)
	return nil
}

// Migrate открывает мигратор, выполняет fn и закрывает его
func Migrate(dsn string, log *logger.Logger, fn func(m *postgres.Migrator) error) error {
	m, err := postgres.NewMigrator(dsn, log)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			log.Warnw("Failed to close migrator", "error", cerr)
		}
	}()
	return fn(m)
}

// Close освобождает ресурсы в обратном порядке открытия
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
