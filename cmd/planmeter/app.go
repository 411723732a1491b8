package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/planmeter/internal/config"
	"github.com/mihaimyh/planmeter/pkg/billing"
	billingmetrics "github.com/mihaimyh/planmeter/pkg/billing/metrics/prometheus"
	kafkanotify "github.com/mihaimyh/planmeter/pkg/billing/notify/kafka"
	"github.com/mihaimyh/planmeter/pkg/billing/stripe"
	"github.com/mihaimyh/planmeter/pkg/planmeter"
	zlog "github.com/mihaimyh/planmeter/pkg/planmeter/logger/zerolog"
	quotametrics "github.com/mihaimyh/planmeter/pkg/planmeter/metrics/prometheus"
	fsstore "github.com/mihaimyh/planmeter/storage/firestore"
	"github.com/mihaimyh/planmeter/storage/memory"
	"github.com/mihaimyh/planmeter/storage/postgres"
	redisstore "github.com/mihaimyh/planmeter/storage/redis"
	"github.com/mihaimyh/planmeter/storage/tiered"
)

const metricsNamespace = "planmeter"

// app holds the components shared by the server and the admin commands
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	logger *zlog.Logger

	storage     planmeter.Storage
	accounts    billing.AccountDirectory
	deadLetters billing.DeadLetterStore

	registry  *prometheus.Registry
	manager   *planmeter.Manager
	provider  *stripe.Provider
	publisher *kafkanotify.Publisher

	closers []func() error
}

// newLogger builds the process logger from the log section
func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	return logger.Level(level).With().Timestamp().Str("service", "planmeter").Logger()
}

// newApp opens storage and builds the manager, the billing provider and the
// plan-change publisher
func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		log:    log,
		logger: zlog.NewLogger(log),
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg
	if err := a.openStorage(ctx); err != nil {
		return err
	}

	var (
		quotaMetrics   planmeter.Metrics
		billingMetrics billing.Metrics
	)
	if cfg.Server.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		quotaMetrics = quotametrics.NewMetrics(a.registry, metricsNamespace)
		billingMetrics = billingmetrics.NewMetrics(a.registry, metricsNamespace)
	}

	loc, err := cfg.Quota.Location()
	if err != nil {
		return err
	}
	managerConfig := planmeter.Config{
		FreeLimits:   cfg.Quota.Limits(),
		Location:     loc,
		StoreTimeout: cfg.Quota.StoreTimeout,
		Metrics:      quotaMetrics,
		Logger:       a.logger.With("quota"),
	}
	if ts, ok := a.storage.(planmeter.TimeSource); ok {
		managerConfig.TimeSource = ts
	}
	a.manager, err = planmeter.NewManager(a.storage, managerConfig)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}

	var onChange billing.WebhookCallback
	if len(cfg.Kafka.Brokers) > 0 {
		a.publisher, err = kafkanotify.NewPublisher(kafkanotify.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Logger:  a.logger.With("kafka"),
		})
		if err != nil {
			return fmt.Errorf("failed to create plan-change publisher: %w", err)
		}
		a.closers = append(a.closers, a.publisher.Close)
		onChange = a.publisher.Callback()
	}

	if cfg.Stripe.Enabled() {
		if a.accounts == nil {
			return fmt.Errorf("the %s backend has no account directory; stripe needs memory, postgres or tiered storage", cfg.Storage.Backend)
		}
		a.provider, err = stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Records:         a.storage,
				Accounts:        a.accounts,
				DeadLetters:     a.deadLetters,
				Prices:          cfg.Stripe.Prices,
				WebhookSecret:   cfg.Stripe.WebhookSecret,
				APIKey:          cfg.Stripe.APIKey,
				SuccessURL:      cfg.Stripe.SuccessURL,
				CancelURL:       cfg.Stripe.CancelURL,
				PortalReturnURL: cfg.Stripe.PortalReturnURL,
				StoreTimeout:    cfg.Quota.StoreTimeout,
				OnChange:        onChange,
				Metrics:         billingMetrics,
				Logger:          a.logger.With("stripe"),
			},
			APIBaseURL:     cfg.Stripe.APIBaseURL,
			TrustedProxies: cfg.Stripe.TrustedProxies,
		})
		if err != nil {
			return fmt.Errorf("failed to create stripe provider: %w", err)
		}
	} else {
		a.log.Warn().Msg("stripe.api_key not set, billing routes are disabled")
	}

	return nil
}

func (a *app) openStorage(ctx context.Context) error {
	cfg := a.cfg.Storage

	switch cfg.Backend {
	case config.BackendMemory:
		store := memory.New()
		a.storage, a.accounts, a.deadLetters = store, store, store
		a.log.Warn().Msg("using in-memory storage, data is lost on restart")

	case config.BackendPostgres:
		pg, err := a.openPostgres(ctx)
		if err != nil {
			return err
		}
		a.storage, a.accounts, a.deadLetters = pg, pg, pg

	case config.BackendRedis:
		rs, err := a.openRedis(ctx)
		if err != nil {
			return err
		}
		a.storage, a.deadLetters = rs, rs

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		fs, err := fsstore.New(client, fsstore.Config{})
		if err != nil {
			return err
		}
		a.storage, a.deadLetters = fs, fs

	case config.BackendTiered:
		pg, err := a.openPostgres(ctx)
		if err != nil {
			return err
		}
		rs, err := a.openRedis(ctx)
		if err != nil {
			return err
		}
		ts, err := tiered.New(tiered.Config{
			Hot:            rs,
			Cold:           pg,
			AsyncUsageSync: cfg.Tiered.AsyncUsageSync,
			SyncBufferSize: cfg.Tiered.SyncBufferSize,
			AsyncErrorHandler: func(err error) {
				a.log.Error().Err(err).Msg("tiered storage sync failed")
			},
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, ts.Close)
		a.storage, a.accounts, a.deadLetters = ts, pg, pg

	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	if cfg.Breaker.FailureThreshold > 0 {
		breaker := planmeter.NewDefaultCircuitBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout,
			func(state planmeter.CircuitBreakerState) {
				a.log.Warn().Str("state", string(state)).Msg("storage circuit breaker changed state")
			})
		a.storage = planmeter.NewCircuitBreakerStorage(a.storage, breaker)
	}

	a.log.Info().Str("backend", cfg.Backend).Msg("storage ready")
	return nil
}

func (a *app) openPostgres(ctx context.Context) (*postgres.Storage, error) {
	cfg := a.cfg.Storage.Postgres

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DSN
	if cfg.MaxConns > 0 {
		pgConfig.MaxConns = cfg.MaxConns
	}
	if cfg.AccountsTable != "" {
		pgConfig.AccountsTable = cfg.AccountsTable
	}
	if cfg.DeadLetterRetention > 0 {
		pgConfig.DeadLetterRetention = cfg.DeadLetterRetention
	}

	pg, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})

	if cfg.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return pg, nil
}

func (a *app) openRedis(ctx context.Context) (*redisstore.Storage, error) {
	cfg := a.cfg.Storage.Redis

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	redisConfig := redisstore.DefaultConfig()
	if cfg.KeyPrefix != "" {
		redisConfig.KeyPrefix = cfg.KeyPrefix
	}

	rs, err := redisstore.New(client, redisConfig)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.closers = append(a.closers, rs.Close)

	if err := rs.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: redis: %v", planmeter.ErrStorageUnavailable, err)
	}
	return rs, nil
}

// Close releases resources in reverse opening order, so the tiered store
// drains its sync queue before either tier is closed
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
