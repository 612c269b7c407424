package backtest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/database"
)

// ArchiveEntry is a finished job as stored locally.
type ArchiveEntry struct {
	JobID       string        `json:"job_id"`
	Strategy    string        `json:"strategy"`
	Status      JobStatus     `json:"status"`
	Error       string        `json:"error,omitempty"`
	Result      *JobResult    `json:"result,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
}

// Archive keeps finished jobs queryable after the service has forgotten
// them.
type Archive struct {
	db  *database.DB
	log zerolog.Logger
}

func NewArchive(db *database.DB, log zerolog.Logger) (*Archive, error) {
	a := &Archive{
		db:  db,
		log: log.With().Str("component", "job_archive").Logger(),
	}
	query := `
	CREATE TABLE IF NOT EXISTS job_archive (
		job_id       TEXT PRIMARY KEY,
		strategy     TEXT NOT NULL,
		status       TEXT NOT NULL,
		error        TEXT NOT NULL DEFAULT '',
		result       TEXT,
		submitted_at INTEGER NOT NULL,
		finished_at  INTEGER NOT NULL,
		duration_ms  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_archive_finished ON job_archive(finished_at);
	`
	if _, err := a.db.Exec(query); err != nil {
		return nil, fmt.Errorf("failed to create archive table: %w", err)
	}
	return a, nil
}

// Save upserts one finished job.
func (a *Archive) Save(entry ArchiveEntry) error {
	var resultJSON sql.NullString
	if entry.Result != nil {
		data, err := json.Marshal(entry.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result for %s: %w", entry.JobID, err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	query := `
	INSERT OR REPLACE INTO job_archive
		(job_id, strategy, status, error, result, submitted_at, finished_at, duration_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := a.db.Exec(query,
		entry.JobID, entry.Strategy, string(entry.Status), entry.Error, resultJSON,
		entry.SubmittedAt.UTC().UnixMilli(), entry.FinishedAt.UTC().UnixMilli(),
		entry.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive job %s: %w", entry.JobID, err)
	}
	return nil
}

// Get returns one archived job, or nil when it is not archived.
func (a *Archive) Get(jobID string) (*ArchiveEntry, error) {
	query := `
	SELECT job_id, strategy, status, error, result, submitted_at, finished_at, duration_ms
	FROM job_archive WHERE job_id = ?
	`
	entry, err := scanArchiveEntry(a.db.QueryRow(query, jobID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load archived job %s: %w", jobID, err)
	}
	return entry, nil
}

// Recent returns the latest finished jobs, newest first.
func (a *Archive) Recent(limit int) ([]ArchiveEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
	SELECT job_id, strategy, status, error, result, submitted_at, finished_at, duration_ms
	FROM job_archive ORDER BY finished_at DESC LIMIT ?
	`
	rows, err := a.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var entries []ArchiveEntry
	for rows.Next() {
		entry, err := scanArchiveEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived job: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

// DeleteOlderThan removes archived jobs that finished before the cutoff
// and returns how many were deleted.
func (a *Archive) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := a.db.Exec(
		`DELETE FROM job_archive WHERE finished_at < ?`,
		cutoff.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune archive: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanArchiveEntry(row rowScanner) (*ArchiveEntry, error) {
	var entry ArchiveEntry
	var status string
	var resultJSON sql.NullString
	var submittedAt, finishedAt, durationMs int64

	err := row.Scan(&entry.JobID, &entry.Strategy, &status, &entry.Error,
		&resultJSON, &submittedAt, &finishedAt, &durationMs)
	if err != nil {
		return nil, err
	}

	entry.Status = JobStatus(status)
	entry.SubmittedAt = time.UnixMilli(submittedAt).UTC()
	entry.FinishedAt = time.UnixMilli(finishedAt).UTC()
	entry.Duration = time.Duration(durationMs) * time.Millisecond

	if resultJSON.Valid && resultJSON.String != "" {
		var result JobResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, fmt.Errorf("corrupt archived result: %w", err)
		}
		entry.Result = &result
	}
	return &entry, nil
}
