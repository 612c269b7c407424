// Package main is the entry point for the Spyglass gateway daemon.
// Spyglass sits between the trading dashboard and its upstream services:
// it supervises backtest jobs against the execution service, maintains the
// live market data subscription, and keeps serving degraded answers when an
// upstream goes down instead of taking the dashboard with it.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/spyglass/internal/config"
	"github.com/aristath/spyglass/internal/di"
	"github.com/aristath/spyglass/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:   "info",
			Pretty:  true,
			Service: "spyglass",
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: "spyglass",
	})
	logger.SetGlobalLogger(log)

	log.Info().Bool("dev_mode", cfg.DevMode).Msg("Starting Spyglass")

	// Wire all dependencies: databases, the event bus, the reliability layer,
	// upstream clients, and the HTTP server. Scheduled jobs are registered
	// here too but nothing runs until the scheduler starts below.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.CloseDatabases()

	// Start server in goroutine
	go func() {
		if err := container.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Pick up jobs that were still being tracked when the daemon last stopped
	container.Tracker.Resume()

	// The stream connection is best effort: the reconnect loop and the job
	// API keep working without it, so a dead feed must not block startup.
	if err := container.StreamManager.Connect(); err != nil {
		log.Warn().Err(err).Msg("Market data stream unavailable at startup")
	}
	container.QuoteEngine.Start()

	container.Scheduler.Start()
	log.Info().Msg("Scheduler started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Stop taking requests first, then the background machinery those
	// requests depend on. Databases close last via the deferred cleanup.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	container.Scheduler.Stop(shutdownCtx)
	container.QuoteEngine.Stop()
	if err := container.StreamManager.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing market data stream")
	}
	container.Tracker.Stop()
	container.Client.Close()
	container.Supervisor.Stop()

	log.Info().Msg("Spyglass stopped")
}
