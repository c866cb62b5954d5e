package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/optrack/am"
	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/logger"
	"github.com/teranos/optrack/pulse/ops"
	"github.com/teranos/optrack/server"
	"github.com/teranos/optrack/sym"
)

// shutdownTimeout bounds the GRACE shutdown of the HTTP server and workers.
const shutdownTimeout = 30 * time.Second

// ServeCmd runs the worker pool and the HTTP API in the foreground.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Pulse + " Run workers and the HTTP API",
	Long: sym.Pulse + ` serve - run the operation tracker.

Starts:
- the worker pool (queue.workers, 0 for an API-only node)
- the expired-lease reaper
- the HTTP API and the /ws/operations update stream
- a config watcher that applies lease and retry changes without a restart

Interrupted attempts are handed back to the queue on shutdown.

Examples:
  optrack serve
  optrack serve --workers 8 --port 9000`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("workers", 0, "Worker count (overrides queue.workers)")
	ServeCmd.Flags().Int("port", 0, "HTTP port (overrides server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if cmd.Flags().Changed("workers") {
		cfg.Queue.Workers, _ = cmd.Flags().GetInt("workers")
	}
	port := cfg.GetServerPort()
	if cmd.Flags().Changed("port") {
		port, _ = cmd.Flags().GetInt("port")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	log := logger.Logger
	database, err := openDatabase(cfg, "")
	if err != nil {
		return err
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := newManager(cfg, database, log)

	registry, err := newRegistry(cfg, log)
	if err != nil {
		return err
	}

	var (
		pool    *ops.WorkerPool
		metrics server.MetricsSource
	)
	if cfg.Queue.Workers > 0 {
		pool = ops.NewWorkerPool(ctx, manager, registry, poolConfig(cfg), log)
		pool.Start()
		metrics = pool
	} else {
		log.Infow("No workers configured, serving the API only")
	}

	if path := am.ActiveConfigFile(); path != "" {
		watcher, err := am.NewConfigWatcher(path)
		if err != nil {
			log.Warnw("Config hot reload disabled", logger.FieldError, err)
		} else {
			watcher.OnReload(func(newCfg *am.Config) error {
				manager.UpdateConfig(managerConfig(newCfg))
				return nil
			})
			watcher.Start()
			am.SetGlobalWatcher(watcher)
			defer watcher.Stop()
		}
	}

	srv := server.New(manager, metrics, server.Config{
		Addr:           fmt.Sprintf(":%d", port),
		AllowedOrigins: cfg.GetServerAllowedOrigins(),
	}, log)

	workers := 0
	if pool != nil {
		workers = pool.Workers()
	}
	fmt.Printf("%s optrack serving on :%d with %d worker(s)\n", sym.PulseOpen, port, workers)
	fmt.Printf("  Database: %s\n", cfg.GetDatabasePath())
	fmt.Printf("  Handlers: %v\n", registry.Names())
	fmt.Printf("\n%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		fmt.Printf("\n%s Initiating GRACE shutdown...\n", sym.PulseClose)
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warnw("HTTP shutdown incomplete", logger.FieldError, err)
	}
	if pool != nil {
		pool.Stop()
	}

	fmt.Printf("%s optrack stopped\n", sym.PulseClose)
	return runErr
}
