package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-detect/internal/api"
	"github.com/miradorstack/mirador-detect/internal/metrics"
	"github.com/miradorstack/mirador-detect/internal/scheduler"
	"github.com/miradorstack/mirador-detect/internal/services"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC detection service and the alert scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting mirador-detect", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.importAlerts(ctx); err != nil {
		return fmt.Errorf("import alerts: %w", err)
	}

	server, err := api.NewServer(cfg.Server, services.NewGRPCHandler(a.service))
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(a.service, scheduler.Options{Locker: a.locker, LockTTL: cfg.Scheduler.LockTTL}, logger)
		active, err := a.stores.Alerts.FindActive(ctx)
		if err != nil {
			return fmt.Errorf("load active alerts: %w", err)
		}
		logger.Info("alerts scheduled", slog.Int("count", sched.Sync(active)))
		sched.Start()
	}

	var adminServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		sqlDB, err := a.db.DB()
		if err != nil {
			return fmt.Errorf("database handle: %w", err)
		}
		adminServer = &http.Server{
			Addr: cfg.Server.MetricsAddress,
			Handler: newAdminRouter(logger, map[string]readinessCheck{
				"database": sqlDB.PingContext,
			}),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("admin server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Warn("scheduler stop", slog.Any("error", err))
		}
	}
	server.Shutdown(shutdownCtx)

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("admin server shutdown", slog.Any("error", err))
		}
	}

	logger.Info("mirador-detect stopped")
	return nil
}
