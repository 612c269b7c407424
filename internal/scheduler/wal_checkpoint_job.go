package scheduler

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/database"
)

// walSizeWarnBytes is the WAL size above which a checkpoint escalates from
// PASSIVE to TRUNCATE.
const walSizeWarnBytes = 16 * 1024 * 1024

// WALCheckpointJob keeps the write-ahead logs of the registered databases
// from growing without bound. Small WALs get a PASSIVE checkpoint, oversized
// ones a TRUNCATE.
type WALCheckpointJob struct {
	databases map[string]*database.DB
	log       zerolog.Logger
}

func NewWALCheckpointJob(databases map[string]*database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		databases: databases,
		log:       log.With().Str("component", "wal_checkpoint_job").Logger(),
	}
}

func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

func (j *WALCheckpointJob) Run() error {
	var failed int
	for name, db := range j.databases {
		if err := j.checkpoint(name, db); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("Checkpoint failed")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("wal checkpoint failed for %d database(s)", failed)
	}
	return nil
}

func (j *WALCheckpointJob) checkpoint(name string, db *database.DB) error {
	mode := "PASSIVE"
	if size := walSize(db.Path()); size > walSizeWarnBytes {
		j.log.Warn().Str("database", name).Int64("wal_bytes", size).Msg("WAL oversized, truncating")
		mode = "TRUNCATE"
	}
	if err := db.WALCheckpoint(mode); err != nil {
		return err
	}
	j.log.Debug().Str("database", name).Str("mode", mode).Msg("WAL checkpoint complete")
	return nil
}

// walSize reports the size of the -wal sidecar for a database file, or 0 when
// it does not exist or cannot be read.
func walSize(dbPath string) int64 {
	if dbPath == "" {
		return 0
	}
	info, err := os.Stat(dbPath + "-wal")
	if err != nil {
		return 0
	}
	return info.Size()
}
