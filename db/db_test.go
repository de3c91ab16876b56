// ABOUTME: Tests for the reference server database connection
// ABOUTME: Covers directory creation, journal mode, and reopening an existing file
package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harperreed/clinicsync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDatabaseCreatesNestedPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "server", "data", "sync.db")

	database, err := OpenDatabase(dbPath)
	require.NoError(t, err)
	defer database.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)

	var mode string
	require.NoError(t, database.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
	assert.Equal(t, 1, database.Stats().MaxOpenConnections)
}

func TestOpenDatabaseFailsUnderFile(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	_, err := OpenDatabase(filepath.Join(blocker, "sync.db"))
	assert.ErrorContains(t, err, "failed to create database directory")
}

func TestReopenKeepsEntities(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sync.db")

	database, err := OpenDatabase(dbPath)
	require.NoError(t, err)
	require.NoError(t, SeedEntity(database, "clinic-a", models.EntityLead, "lead-1", models.Snapshot{
		Version:   3,
		UpdatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Fields:    models.Fields{"name": "Ada"},
	}))
	require.NoError(t, database.Close())

	database, err = OpenDatabase(dbPath)
	require.NoError(t, err)
	defer database.Close()

	snap, err := GetEntity(database, "clinic-a", models.EntityLead, "lead-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(3), snap.Version)
	assert.Equal(t, "Ada", snap.Fields["name"])
}
