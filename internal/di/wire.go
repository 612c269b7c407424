package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/config"
	"github.com/aristath/spyglass/internal/metrics"
)

// Wire builds the full object graph:
// 1. Open databases
// 2. Register Prometheus collectors
// 3. Construct services in dependency order
// 4. Register scheduled jobs
// Long-running pieces (HTTP server, stream connection, scheduler, job
// resume) are not started here; main owns startup and shutdown order.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	metrics.MustRegister()

	if err := InitializeServices(container, cfg, log); err != nil {
		container.CloseDatabases()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := RegisterJobs(container, log); err != nil {
		container.CloseDatabases()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().Msg("Dependency wiring completed")

	return container, nil
}
