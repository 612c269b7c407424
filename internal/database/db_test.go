package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, profile DatabaseProfile) *DB {
	t.Helper()

	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "test.db"),
		Profile: profile,
		Name:    "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestNewCreatesDatabaseFile(t *testing.T) {
	db := newTestDB(t, ProfileStandard)

	_, err := os.Stat(db.Path())
	assert.NoError(t, err)
	assert.Equal(t, ProfileStandard, db.Profile())
	assert.Equal(t, "test", db.Name())
}

func TestNewDefaultsToStandardProfile(t *testing.T) {
	db, err := New(Config{
		Path: filepath.Join(t.TempDir(), "plain.db"),
		Name: "plain",
	})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, ProfileStandard, db.Profile())
}

func TestHealthCheck(t *testing.T) {
	db := newTestDB(t, ProfileCache)

	assert.NoError(t, db.QuickCheck(context.Background()))
	assert.NoError(t, db.HealthCheck(context.Background()))
}

func TestWALCheckpoint(t *testing.T) {
	db := newTestDB(t, ProfileStandard)

	_, err := db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO items (name) VALUES (?)`, "alpha")
	require.NoError(t, err)

	assert.NoError(t, db.WALCheckpoint("TRUNCATE"))
	assert.NoError(t, db.WALCheckpoint(""))
}

func TestGetStats(t *testing.T) {
	db := newTestDB(t, ProfileStandard)

	_, err := db.Exec(`CREATE TABLE filler (v TEXT)`)
	require.NoError(t, err)

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.PageCount, int64(0))
	assert.Greater(t, stats.PageSize, int64(0))
}
