// Package main provides the entry point for the order fulfillment service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commercekit/fulfillment-service/internal/config"
	"github.com/commercekit/fulfillment-service/internal/database"
	"github.com/commercekit/fulfillment-service/internal/engine"
	"github.com/commercekit/fulfillment-service/internal/gateway"
	"github.com/commercekit/fulfillment-service/internal/observability"
	"github.com/commercekit/fulfillment-service/internal/process"
	"github.com/commercekit/fulfillment-service/internal/relay"
	"github.com/commercekit/fulfillment-service/internal/repository"
	httpserver "github.com/commercekit/fulfillment-service/internal/server/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Msg("fulfillment-service starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to PostgreSQL.
	db, err := database.New(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	logger.Info().Msg("database connection established")

	// Run migrations if configured.
	if cfg.Database.MigrationAutoRun {
		migrator, err := database.NewMigrator(db, cfg.Database.MigrationPath, logger)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		defer func() {
			if closeErr := migrator.Close(); closeErr != nil {
				logger.Error().Err(closeErr).Msg("failed to close migrator")
			}
		}()

		if err := migrator.Up(); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	metrics := observability.NewMetrics("fulfillment")

	// Create repositories over the shared pool.
	orderRepo := repository.NewPgOrderRepository(db)
	paymentRepo := repository.NewPgPaymentRepository(db)
	eventRepo := repository.NewPgEventRepository(db)
	offsetRepo := repository.NewPgOffsetRepository(db)
	processStore := repository.NewPgProcessStore(db)

	// Create the simulated external collaborators.
	flaky := gateway.NewFlakiness(cfg.Gateways)
	activities := process.NewActivities(
		orderRepo,
		paymentRepo,
		eventRepo,
		gateway.NewSimulatedOrderSource(flaky),
		gateway.NewSimulatedValidator(flaky),
		gateway.NewSimulatedPaymentGateway(flaky, cfg.Gateways),
		gateway.NewSimulatedPackagingService(flaky),
		gateway.NewSimulatedCarrierService(flaky),
		logger,
	)

	// Create the engine and register the fulfillment processes.
	eng := engine.New(processStore, cfg.Engine, logger, metrics)
	process.Register(eng, activities)

	// Resume runs interrupted by the previous shutdown or crash.
	recoveryCtx, recoveryCancel := context.WithTimeout(ctx, cfg.Engine.RecoveryTimeout)
	resumed, err := eng.ResumeAll(recoveryCtx)
	recoveryCancel()
	if err != nil {
		return fmt.Errorf("resume interrupted runs: %w", err)
	}
	if resumed > 0 {
		logger.Info().Int("runs", resumed).Msg("resumed interrupted fulfillment runs")
	}

	// Create the audit relay when Kafka publishing is enabled.
	var auditRelay *relay.Relay
	var publisher relay.Publisher
	if cfg.Kafka.Enabled {
		publisher = relay.NewKafkaPublisher(cfg.Kafka)
		auditRelay = relay.New(db, eventRepo, offsetRepo, publisher, cfg.Relay, logger, metrics)
	}

	httpCfg := httpserver.Config{
		Address:      cfg.Server.HTTPAddress(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * time.Minute,
	}

	httpSrv := httpserver.NewServer(httpCfg, eng, orderRepo, eventRepo, db, logger)

	// Set up Prometheus metrics handler on a separate port if configured.
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	// Channel to collect server errors.
	errCh := make(chan error, 3)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()
	if auditRelay != nil {
		go func() {
			if err := auditRelay.Run(relayCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("audit relay error: %w", err)
			}
		}()
	}

	// Start HTTP control surface in background.
	go func() {
		logger.Info().
			Str("address", httpCfg.Address).
			Msg("HTTP server starting")
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Start metrics server if configured.
	if metricsServer != nil {
		go func() {
			logger.Info().
				Str("address", metricsServer.Addr).
				Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	readyLog := logger.Info().Str("http_address", httpCfg.Address)
	if metricsServer != nil {
		readyLog = readyLog.Str("metrics_address", metricsServer.Addr)
	}
	readyLog.Msg("fulfillment-service is ready")

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	// Graceful shutdown: stop accepting requests, then drain the
	// engine, then stop the relay and release the pool.
	logger.Info().Msg("shutting down fulfillment-service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("engine shutdown incomplete; unfinished runs resume on next start")
	}

	relayCancel()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close Kafka publisher")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	logger.Info().Msg("fulfillment-service shutdown complete")
	return nil
}
