// Package clientcache provides persistent caching for backtest service
// responses. All data is stored as JSON blobs with expiration timestamps so
// reads can be served cache-first while the service is unreachable.
package clientcache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/spyglass/internal/database"
	"github.com/aristath/spyglass/internal/metrics"
)

// AllTables lists all cache tables for cleanup and reset operations.
var AllTables = []string{
	"job_lists",
	"job_results",
	"symbol_search",
	"quote_snapshots",
}

// validTables is a set for O(1) table name validation.
var validTables = func() map[string]bool {
	m := make(map[string]bool, len(AllTables))
	for _, t := range AllTables {
		m[t] = true
	}
	return m
}()

// Repository provides cache operations for backtest service data.
type Repository struct {
	db *database.DB
}

// NewRepository creates the repository and its tables.
func NewRepository(db *database.DB) (*Repository, error) {
	r := &Repository{db: db}
	if err := r.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create cache tables: %w", err)
	}
	return r, nil
}

func (r *Repository) createTables() error {
	for _, table := range AllTables {
		query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			%s TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`, table, keyColumn(table))
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// validateTable ensures the table name is in the allowed list.
// This prevents SQL injection through table names.
func validateTable(table string) error {
	if !validTables[table] {
		return fmt.Errorf("invalid table name: %s", table)
	}
	return nil
}

// keyColumn returns the primary key column name for a table.
func keyColumn(table string) string {
	switch table {
	case "job_lists":
		return "scope"
	case "job_results":
		return "job_id"
	case "symbol_search":
		return "query"
	default:
		return "symbol"
	}
}

// Store saves data with expiration = now + ttl.
// Uses INSERT OR REPLACE to upsert data.
func (r *Repository) Store(table, key string, data interface{}, ttl time.Duration) error {
	if err := validateTable(table); err != nil {
		return err
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	expiresAt := time.Now().Add(ttl).Unix()
	query := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s, data, expires_at) VALUES (?, ?, ?)",
		table, keyColumn(table),
	)

	if _, err := r.db.Exec(query, key, string(jsonData), expiresAt); err != nil {
		return fmt.Errorf("failed to store data in %s: %w", table, err)
	}
	return nil
}

// GetIfFresh returns data only if expires_at > now, nil otherwise.
// Returns nil, nil if the key doesn't exist or data is expired.
// Use Get() to retrieve stale data as a fallback when the service is down.
func (r *Repository) GetIfFresh(table, key string) (json.RawMessage, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT data FROM %s WHERE %s = ? AND expires_at > ?",
		table, keyColumn(table),
	)

	var data string
	err := r.db.QueryRow(query, key, time.Now().Unix()).Scan(&data)
	if err == sql.ErrNoRows {
		metrics.IncCacheRequest("miss")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data from %s: %w", table, err)
	}

	metrics.IncCacheRequest("hit")
	return json.RawMessage(data), nil
}

// Get returns data regardless of expiration status.
// Stale data is better than no data when the backtest service is failing.
// Returns nil, nil if the key doesn't exist.
func (r *Repository) Get(table, key string) (json.RawMessage, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(
		"SELECT data FROM %s WHERE %s = ?",
		table, keyColumn(table),
	)

	var data string
	err := r.db.QueryRow(query, key).Scan(&data)
	if err == sql.ErrNoRows {
		metrics.IncCacheRequest("miss")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data from %s: %w", table, err)
	}

	metrics.IncCacheRequest("expired")
	return json.RawMessage(data), nil
}

// Delete removes a specific entry.
func (r *Repository) Delete(table, key string) error {
	if err := validateTable(table); err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, keyColumn(table))
	if _, err := r.db.Exec(query, key); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

// DeleteExpired removes all rows where expires_at < now.
// Returns the number of rows deleted.
func (r *Repository) DeleteExpired(table string) (int64, error) {
	if err := validateTable(table); err != nil {
		return 0, err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < ?", table)
	result, err := r.db.Exec(query, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired from %s: %w", table, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected for %s: %w", table, err)
	}
	return deleted, nil
}

// DeleteAllExpired removes all expired entries from all tables.
// Returns a map of table name to number of rows deleted.
func (r *Repository) DeleteAllExpired() (map[string]int64, error) {
	results := make(map[string]int64)
	for _, table := range AllTables {
		deleted, err := r.DeleteExpired(table)
		if err != nil {
			return results, fmt.Errorf("failed to delete expired from %s: %w", table, err)
		}
		results[table] = deleted
	}
	return results, nil
}

// Clear removes every entry from a table regardless of expiration.
// Returns the number of rows deleted.
func (r *Repository) Clear(table string) (int64, error) {
	if err := validateTable(table); err != nil {
		return 0, err
	}

	result, err := r.db.Exec(fmt.Sprintf("DELETE FROM %s", table))
	if err != nil {
		return 0, fmt.Errorf("failed to clear %s: %w", table, err)
	}
	return result.RowsAffected()
}

// ClearAll empties every cache table.
// Returns a map of table name to number of rows deleted.
func (r *Repository) ClearAll() (map[string]int64, error) {
	results := make(map[string]int64)
	for _, table := range AllTables {
		deleted, err := r.Clear(table)
		if err != nil {
			return results, err
		}
		results[table] = deleted
	}
	return results, nil
}
