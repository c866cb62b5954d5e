package db

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/sym"
)

// SQLiteBusyTimeoutMS is how long a connection waits on a locked database
// before the driver reports SQLITE_BUSY.
const SQLiteBusyTimeoutMS = 5000

// Open opens a SQLite database at the specified path with optimized settings.
// Pragmas are passed through the DSN so every pooled connection gets them.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to database at %s", path)
	}

	// Enable WAL mode for concurrent reads during writes
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode = WAL").Scan(&journalMode); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}

	if logger != nil {
		logger.Infow("Database opened successfully",
			"path", path,
			"symbol", sym.DB,
			"journal_mode", journalMode,
			"busy_timeout_ms", SQLiteBusyTimeoutMS,
		)
	}

	return db, nil
}

// OpenWithMigrations opens the database and applies all pending migrations.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return db, nil
}

func dsn(path string) string {
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(SQLiteBusyTimeoutMS))
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")
	return fmt.Sprintf("file:%s?%s", path, params.Encode())
}
