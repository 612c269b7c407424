package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/backtest"
	"github.com/aristath/spyglass/internal/clientcache"
	"github.com/aristath/spyglass/internal/database"
	"github.com/aristath/spyglass/internal/scheduler"
	"github.com/aristath/spyglass/internal/telemetry"
)

// RegisterJobs creates the scheduler and registers all recurring jobs.
// Specs are six-field cron expressions (seconds first).
func RegisterJobs(container *Container, log zerolog.Logger) error {
	if container == nil {
		return fmt.Errorf("container cannot be nil")
	}

	container.Scheduler = scheduler.New(log)

	jobs := []struct {
		spec string
		job  scheduler.Job
	}{
		// Expired cache rows, every 10 minutes.
		{"0 */10 * * * *", clientcache.NewCleanupJob(container.CacheRepo, log)},
		// Old trip records, daily at 03:30.
		{"0 30 3 * * *", telemetry.NewRetentionJob(container.TelemetryStore, telemetry.DefaultRetentionAge, log)},
		// Aged-out archived jobs, daily at 03:45.
		{"0 45 3 * * *", backtest.NewArchiveSweepJob(container.Archive, backtest.DefaultArchiveAge, log)},
		// WAL checkpoints keep the sqlite files compact, hourly.
		{"0 0 * * * *", scheduler.NewWALCheckpointJob(map[string]*database.DB{
			"jobs":      container.JobsDB,
			"telemetry": container.TelemetryDB,
			"cache":     container.CacheDB,
		}, log)},
	}

	for _, j := range jobs {
		if err := container.Scheduler.AddJob(j.spec, j.job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", j.job.Name(), err)
		}
	}

	log.Info().Int("jobs", len(jobs)).Msg("Scheduled jobs registered")
	return nil
}
