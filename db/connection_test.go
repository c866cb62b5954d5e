package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/optrack/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database with pragmas on every connection", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		db.SetMaxOpenConns(4)

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("returns wrapped error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		require.Error(t, err)
		assert.Nil(t, db)
		assert.Contains(t, err.Error(), "failed to connect to database")
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")

		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("closed database errors are recognised", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
		require.NoError(t, err)
		db.Close()

		_, err = db.Exec("SELECT 1")
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
	})
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "shutdown")))
	assert.False(t, IsDatabaseClosed(nil))

	assert.True(t, IsBusy(errors.New("database is locked")))
	assert.False(t, IsBusy(errors.New("no such table: operations")))
	assert.False(t, IsBusy(nil))

	assert.True(t, IsUniqueViolation(errors.New("UNIQUE constraint failed: operations.request_id")))
	assert.False(t, IsUniqueViolation(errors.New("database is locked")))
}
