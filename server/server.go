// Package server exposes the operation tracker over HTTP and streams record
// changes to WebSocket clients.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/logger"
	"github.com/teranos/optrack/pulse/ops"
	"github.com/teranos/optrack/sym"
)

// MaxClients caps concurrent WebSocket subscribers.
const MaxClients = 100

// MetricsSource reports worker pool activity. *ops.WorkerPool satisfies it.
type MetricsSource interface {
	Metrics() ops.PoolMetrics
}

// Config holds the HTTP listener settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// Server serves the operations API and the update stream.
type Server struct {
	manager *ops.Manager
	pool    MetricsSource // nil when no workers run in this process
	cfg     Config
	logger  *zap.SugaredLogger

	httpServer *http.Server

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	broadcastDrops atomic.Int64
}

// New creates a server. pool may be nil.
func New(manager *ops.Manager, pool MetricsSource, cfg Config, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		manager:    manager,
		pool:       pool,
		cfg:        cfg,
		logger:     log.Named("server"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Start runs the hub and broadcaster, then serves HTTP until Stop.
// It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.startHub()

	s.logger.Infow("HTTP server listening", "addr", s.cfg.Addr, logger.FieldSymbol, sym.PulseOpen)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "failed to serve on %s", s.cfg.Addr)
	}
	return nil
}

// Stop drains HTTP requests, disconnects stream clients and waits for the hub.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown", logger.FieldSymbol, sym.PulseClose)
	err := s.httpServer.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Server goroutines still running after shutdown deadline")
	}

	if drops := s.broadcastDrops.Load(); drops > 0 {
		s.logger.Infow("Server stopped", "broadcast_drops", drops)
	}
	if err != nil {
		return errors.Wrap(err, "failed to shut down HTTP server")
	}
	return nil
}

// startHub launches the client registry and the update fan-out.
func (s *Server) startHub() {
	updates := s.manager.Subscribe()
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	go func() {
		defer s.wg.Done()
		s.forwardUpdates(updates)
	}()
}

// run owns the client set.
func (s *Server) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.mu.Lock()
			for client := range s.clients {
				client.close()
				delete(s.clients, client)
			}
			s.mu.Unlock()
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected", "client_id", client.id, "total_clients", total, logger.FieldSymbol, sym.WS)
}

func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	client.close()
	s.logger.Infow("Client disconnected", "client_id", client.id, "total_clients", total, logger.FieldSymbol, sym.WS)
}

// forwardUpdates relays manager changes to every connected client.
func (s *Server) forwardUpdates(updates chan *ops.Operation) {
	defer s.manager.Unsubscribe(updates)
	for {
		select {
		case <-s.ctx.Done():
			return
		case op, ok := <-updates:
			if !ok {
				return
			}
			s.broadcast(updateMessage{Type: "operation_update", Operation: op})
		}
	}
}

// broadcast sends msg to all clients and returns how many accepted it.
func (s *Server) broadcast(msg updateMessage) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- msg:
			sent++
		default:
			s.broadcastDrops.Add(1)
		}
	}
	return sent
}

// clientCount returns the number of connected stream clients.
func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
