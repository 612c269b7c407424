package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRetentionAge is how long trip records are kept locally.
const DefaultRetentionAge = 7 * 24 * time.Hour

// RetentionJob prunes old trip records from the local store.
type RetentionJob struct {
	store  *Store
	maxAge time.Duration
	log    zerolog.Logger
}

func NewRetentionJob(store *Store, maxAge time.Duration, log zerolog.Logger) *RetentionJob {
	if maxAge <= 0 {
		maxAge = DefaultRetentionAge
	}
	return &RetentionJob{
		store:  store,
		maxAge: maxAge,
		log:    log.With().Str("component", "telemetry_retention_job").Logger(),
	}
}

func (j *RetentionJob) Name() string {
	return "telemetry_retention"
}

func (j *RetentionJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deleted, err := j.store.DeleteOlderThan(ctx, time.Now().Add(-j.maxAge))
	if err != nil {
		return err
	}

	if deleted > 0 {
		j.log.Info().Int64("deleted", deleted).Msg("Old trip records pruned")
	} else {
		j.log.Debug().Msg("No trip records to prune")
	}
	return nil
}
