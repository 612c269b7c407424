package backtest

import (
	"time"

	"github.com/rs/zerolog"
)

// DefaultArchiveAge is how long finished jobs stay in the local archive.
const DefaultArchiveAge = 30 * 24 * time.Hour

// ArchiveSweepJob prunes finished jobs that have aged out of the archive.
type ArchiveSweepJob struct {
	archive *Archive
	maxAge  time.Duration
	log     zerolog.Logger
}

func NewArchiveSweepJob(archive *Archive, maxAge time.Duration, log zerolog.Logger) *ArchiveSweepJob {
	if maxAge <= 0 {
		maxAge = DefaultArchiveAge
	}
	return &ArchiveSweepJob{
		archive: archive,
		maxAge:  maxAge,
		log:     log.With().Str("component", "archive_sweep_job").Logger(),
	}
}

func (j *ArchiveSweepJob) Name() string {
	return "archive_sweep"
}

func (j *ArchiveSweepJob) Run() error {
	deleted, err := j.archive.DeleteOlderThan(time.Now().Add(-j.maxAge))
	if err != nil {
		return err
	}

	if deleted > 0 {
		j.log.Info().Int64("deleted", deleted).Msg("Old archived jobs pruned")
	} else {
		j.log.Debug().Msg("No archived jobs to prune")
	}
	return nil
}
