// Package main is the entry point for the rebalancer service.
//
// The service turns risk decisions and a live portfolio snapshot into
// bounded, idempotent trade orders. It exposes an HTTP API, runs a durable
// task queue for retried attempts, and sweeps runs left behind by a crash.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantdesk/rebalancer/internal/config"
	"github.com/quantdesk/rebalancer/internal/di"
	rebalancinghandlers "github.com/quantdesk/rebalancer/internal/modules/rebalancing/handlers"
	tradinghandlers "github.com/quantdesk/rebalancer/internal/modules/trading/handlers"
	"github.com/quantdesk/rebalancer/internal/server"
	"github.com/quantdesk/rebalancer/pkg/logger"
)

// main orchestrates startup:
// 1. Loads configuration from environment variables (.env supported)
// 2. Initializes logging
// 3. Wires all dependencies via the DI container
// 4. Recovers tasks abandoned by a previous process
// 5. Starts the HTTP server, work processor and scheduler
// 6. Waits for a shutdown signal and shuts down gracefully
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Fallback logger so the configuration error is still reported
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting rebalancer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, jobs, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	if n, err := container.WorkProcessor.RecoverStale(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to recover stale tasks")
	} else if n > 0 {
		log.Info().Int("tasks", n).Msg("Recovered tasks abandoned by a previous process")
	}

	rebalanceHandler := rebalancinghandlers.NewHandler(
		container.RebalancingService,
		container.WorkProcessor,
		container.RebalanceRepo,
		container.TradingService,
		container.Coordinator,
		log,
	)
	tradingHandler := tradinghandlers.NewTradingHandlers(container.TradingService, log)

	srv := server.New(server.Config{
		Log:            log,
		DB:             container.DB,
		Tasks:          container.TaskRepo,
		Port:           cfg.Port,
		DevMode:        cfg.DevMode,
		RequestTimeout: cfg.Work.Timeout + time.Minute,
		Modules:        []server.RouteRegistrar{rebalanceHandler, tradingHandler},
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	go container.WorkProcessor.Run()
	log.Info().Msg("Work processor started")

	jobs.Scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()

	// In-flight HTTP executes finish their attempt before the processor stops
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Work.Timeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	jobs.Scheduler.Stop()

	container.WorkProcessor.Stop()
	log.Info().Msg("Work processor stopped")

	container.Close()
	log.Info().Msg("Server stopped")
}
