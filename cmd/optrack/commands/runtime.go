package commands

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/optrack/am"
	"github.com/teranos/optrack/db"
	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/handlers/publish"
	"github.com/teranos/optrack/logger"
	"github.com/teranos/optrack/pulse/ops"
)

// openDatabase opens and migrates the configured database.
// A non-empty dbPath overrides database.path.
func openDatabase(cfg *am.Config, dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// managerConfig maps the queue and retry sections onto the manager.
func managerConfig(cfg *am.Config) ops.ManagerConfig {
	return ops.ManagerConfig{
		LeaseTimeout:      cfg.LeaseTimeout(),
		DefaultPriority:   cfg.Queue.DefaultPriority,
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
		Retry: ops.ExponentialBackoff{
			Base: cfg.RetryBaseDelay(),
			Max:  cfg.RetryMaxDelay(),
		},
	}
}

func poolConfig(cfg *am.Config) ops.WorkerPoolConfig {
	pc := ops.DefaultWorkerPoolConfig()
	pc.Workers = cfg.Queue.Workers
	pc.PollInterval = cfg.PollInterval()
	pc.ReclaimInterval = cfg.ReclaimInterval()
	return pc
}

// newManager wires a manager over database using the loaded configuration.
func newManager(cfg *am.Config, database *sql.DB, log *zap.SugaredLogger) *ops.Manager {
	return ops.NewManager(ops.NewSQLStore(database, log), managerConfig(cfg), ops.SystemClock{}, log)
}

// openManager loads config, opens the database and returns a manager with a
// close function for one-shot CLI commands.
func openManager() (*ops.Manager, func(), error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg, "")
	if err != nil {
		return nil, nil, err
	}
	return newManager(cfg, database, logger.Logger), func() { database.Close() }, nil
}

// newRegistry registers the built-in handlers that the configuration enables.
func newRegistry(cfg *am.Config, log *zap.SugaredLogger) (*ops.HandlerRegistry, error) {
	registry := ops.NewHandlerRegistry()
	if cfg.Publish.Endpoint == "" {
		log.Infow("publish.endpoint not set, service_publishing operations will go dead",
			logger.FieldHandler, publish.OperationType)
		return registry, nil
	}
	handler, err := publish.NewHandler(publish.ConfigFromAM(cfg), log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure publish handler")
	}
	registry.Register(handler)
	return registry, nil
}
