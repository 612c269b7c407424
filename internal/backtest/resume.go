package backtest

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/spyglass/internal/database"
)

// Snapshot is the minimal state needed to resume tracking a job after a
// restart.
type Snapshot struct {
	JobID       string    `msgpack:"job_id"`
	Strategy    string    `msgpack:"strategy"`
	SubmittedAt time.Time `msgpack:"submitted_at"`
	Status      JobStatus `msgpack:"status"`
	Progress    float64   `msgpack:"progress"`
}

// ResumeStore persists snapshots of in-flight jobs. Rows are written on every
// observed state change and removed once the job reaches a terminal status,
// so whatever is left at startup is work to pick back up.
type ResumeStore struct {
	db  *database.DB
	log zerolog.Logger
}

func NewResumeStore(db *database.DB, log zerolog.Logger) (*ResumeStore, error) {
	s := &ResumeStore{
		db:  db,
		log: log.With().Str("component", "resume_store").Logger(),
	}
	query := `
	CREATE TABLE IF NOT EXISTS resume_snapshots (
		job_id     TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := s.db.Exec(query); err != nil {
		return nil, fmt.Errorf("failed to create resume table: %w", err)
	}
	return s, nil
}

// Save upserts the snapshot for a job.
func (s *ResumeStore) Save(snap Snapshot) error {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO resume_snapshots (job_id, data, updated_at) VALUES (?, ?, ?)`,
		snap.JobID, data, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", snap.JobID, err)
	}
	return nil
}

// Delete removes the snapshot for a job.
func (s *ResumeStore) Delete(jobID string) error {
	if _, err := s.db.Exec(`DELETE FROM resume_snapshots WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", jobID, err)
	}
	return nil
}

// All returns every stored snapshot, oldest first.
func (s *ResumeStore) All() ([]Snapshot, error) {
	rows, err := s.db.Query(`SELECT job_id, data FROM resume_snapshots ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var jobID string
		var data []byte
		if err := rows.Scan(&jobID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}

		var snap Snapshot
		if err := msgpack.Unmarshal(data, &snap); err != nil {
			// A corrupt row must not block the rest; drop it and move on.
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("Dropping undecodable snapshot")
			continue
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}
