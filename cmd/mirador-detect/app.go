package main

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/miradorstack/mirador-detect/internal/cache"
	"github.com/miradorstack/mirador-detect/internal/config"
	"github.com/miradorstack/mirador-detect/internal/datasource"
	"github.com/miradorstack/mirador-detect/internal/detectors"
	"github.com/miradorstack/mirador-detect/internal/engine"
	"github.com/miradorstack/mirador-detect/internal/enumeration"
	"github.com/miradorstack/mirador-detect/internal/lock"
	"github.com/miradorstack/mirador-detect/internal/notify"
	"github.com/miradorstack/mirador-detect/internal/registry"
	"github.com/miradorstack/mirador-detect/internal/services"
	"github.com/miradorstack/mirador-detect/internal/store"
)

// app holds the wired collaborators shared by serve and run.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	stores   *store.Stores
	cache    cache.Provider
	locker   lock.Locker
	fetcher  *datasource.Fetcher
	factory  *engine.OperatorFactory
	notifier notify.Notifier
	service  *services.DetectionService
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := store.Open(store.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, db: db, stores: store.New(db)}

	a.cache = cache.NewMemoryProvider()
	a.locker = lock.NewLocalLock()
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("redis unavailable, using in-process cache and locks", slog.Any("error", err))
		} else {
			a.cache = cache.NewRedisProviderFromClient(client)
			a.locker = lock.NewRedisLock(client, logger)
		}
	}

	a.fetcher = datasource.NewFetcher(datasource.NewRegistry(logger), a.cache, cfg.Cache.DataSourceTTL, logger)
	loaded := a.fetcher.Load(ctx, cfg.DataSources)
	logger.Info("data sources loaded", slog.Int("loaded", loaded), slog.Int("configured", len(cfg.DataSources)))

	reg := registry.New()
	detectors.RegisterDefaults(reg)

	reconciler := enumeration.NewReconciler(
		a.stores.EnumerationItems,
		a.stores.Anomalies,
		a.stores.SubscriptionGroups,
		enumeration.Options{Locker: a.locker, LockTTL: cfg.Lock.TTL, RetryInterval: cfg.Lock.RetryInterval},
		logger,
	)

	a.factory = engine.NewOperatorFactory()
	engine.RegisterBuiltins(a.factory, engine.Dependencies{
		Registry:            reg,
		Fetcher:             a.fetcher,
		Syncer:              reconciler,
		MergeMaxGap:         cfg.Detection.MergeMaxGap,
		ForkJoinParallelism: cfg.Detection.ForkJoinParallelism,
	})

	a.notifier = notify.NoopNotifier{}
	if cfg.Notifier.Enabled {
		kafkaNotifier, err := notify.NewKafkaNotifier(notify.KafkaConfig{
			Brokers:      cfg.Notifier.Brokers,
			Topic:        cfg.Notifier.Topic,
			WriteTimeout: cfg.Notifier.WriteTimeout,
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("kafka notifier: %w", err)
		}
		a.notifier = kafkaNotifier
	}

	a.service = services.NewDetectionService(logger, services.Dependencies{
		Alerts:          a.stores.Alerts,
		Anomalies:       a.stores.Anomalies,
		Items:           a.stores.EnumerationItems,
		Groups:          a.stores.SubscriptionGroups,
		Runner:          engine.NewExecutor(a.factory, logger),
		Notifier:        a.notifier,
		Locker:          a.locker,
		LockTTL:         cfg.Lock.TTL,
		LockRetry:       cfg.Lock.RetryInterval,
		MergeMaxGap:     cfg.Detection.MergeMaxGap,
		DefaultLookback: cfg.Scheduler.DefaultLookback,
	})
	return a, nil
}

// importAlerts loads the configured alert pack into the store.
func (a *app) importAlerts(ctx context.Context) error {
	alerts, err := config.LoadAlerts(a.cfg.Alerts.Path)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		return nil
	}
	saved, err := a.service.ImportAlerts(ctx, alerts)
	if err != nil {
		return err
	}
	a.logger.Info("alert pack imported", slog.String("path", a.cfg.Alerts.Path), slog.Int("alerts", len(saved)))
	return nil
}

func (a *app) Close() {
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.logger.Warn("notifier close", slog.Any("error", err))
		}
	}
	if a.fetcher != nil {
		a.fetcher.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
