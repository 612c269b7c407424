package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/config"
	"github.com/aristath/spyglass/internal/database"
)

// InitializeDatabases opens the three databases the daemon keeps.
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	// jobs.db - resume snapshots and the finished-job archive
	jobsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "jobs.db"),
		Profile: database.ProfileStandard,
		Name:    "jobs",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize jobs database: %w", err)
	}
	container.JobsDB = jobsDB

	// telemetry.db - boundary trip records
	telemetryDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "telemetry.db"),
		Profile: database.ProfileStandard,
		Name:    "telemetry",
	})
	if err != nil {
		jobsDB.Close()
		return nil, fmt.Errorf("failed to initialize telemetry database: %w", err)
	}
	container.TelemetryDB = telemetryDB

	// cache.db - ephemeral upstream-response cache
	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		jobsDB.Close()
		telemetryDB.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	container.CacheDB = cacheDB

	log.Info().Str("data_dir", cfg.DataDir).Msg("All databases initialized")

	return container, nil
}
