// Package telemetry persists boundary trip records locally and ships them to
// remote object storage for later inspection.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/spyglass/internal/database"
	"github.com/aristath/spyglass/internal/reliability"
)

// Store keeps boundary trip records in SQLite. It backs the debug endpoints
// and survives restarts, unlike the in-memory boundary state.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

func NewStore(db *database.DB, log zerolog.Logger) (*Store, error) {
	s := &Store{
		db:  db,
		log: log.With().Str("component", "telemetry_store").Logger(),
	}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create telemetry tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS boundary_trips (
		error_id   TEXT PRIMARY KEY,
		level      TEXT NOT NULL,
		message    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_boundary_trips_created ON boundary_trips(created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// SaveTrip records one boundary trip. Timestamps are stored as Unix
// milliseconds.
func (s *Store) SaveTrip(ctx context.Context, rec reliability.TripRecord) error {
	query := `
	INSERT OR REPLACE INTO boundary_trips (error_id, level, message, created_at)
	VALUES (?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, rec.ErrorID, rec.Level, rec.Message, rec.Timestamp.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save trip record: %w", err)
	}
	return nil
}

// Recent returns the newest trip records, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]reliability.TripRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
	SELECT error_id, level, message, created_at
	FROM boundary_trips
	ORDER BY created_at DESC
	LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trip records: %w", err)
	}
	defer rows.Close()

	var records []reliability.TripRecord
	for rows.Next() {
		var rec reliability.TripRecord
		var createdAt int64
		if err := rows.Scan(&rec.ErrorID, &rec.Level, &rec.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trip record: %w", err)
		}
		rec.Timestamp = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteOlderThan removes trip records created before the cutoff and reports
// how many were deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM boundary_trips WHERE created_at < ?`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old trip records: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Debug().Int64("deleted", deleted).Msg("Pruned old trip records")
	}
	return deleted, nil
}

// Count returns the number of stored trip records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM boundary_trips`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trip records: %w", err)
	}
	return count, nil
}
