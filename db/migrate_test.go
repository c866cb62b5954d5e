package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()

	var tables int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name IN ('schema_migrations', 'operations')`).Scan(&tables)
	require.NoError(t, err)
	assert.Equal(t, 2, tables)

	versions, err := AppliedVersions(db)
	require.NoError(t, err)
	assert.Equal(t, []string{"000", "001"}, versions)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))

	versions, err := AppliedVersions(db)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestLiveRequestIndexIsPartial(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	insert := `INSERT INTO operations (operation_id, operation_type, request_id, status, created_at, updated_at)
		VALUES (?, 'publish', 'r1', ?, 1, 1)`

	_, err = db.Exec(insert, "op-1", "dead")
	require.NoError(t, err)
	_, err = db.Exec(insert, "op-2", "queued")
	require.NoError(t, err, "terminal rows must not block a new live row")

	_, err = db.Exec(insert, "op-3", "processing")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}

func TestStatusCheckConstraint(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO operations (operation_id, operation_type, request_id, status, created_at, updated_at)
		VALUES ('op-1', 'publish', 'r1', 'paused', 1, 1)`)
	assert.Error(t, err)
}
