package server

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teranos/optrack/pulse/ops"
)

// WebSocket timeouts, following the gorilla chat example.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // must be less than pongWait
	maxMessageSize = 4096
	sendBuffer     = 256
)

// updateMessage is what stream clients receive.
type updateMessage struct {
	Type      string         `json:"type"`
	Operation *ops.Operation `json:"operation"`
}

// Client is one WebSocket subscriber to operation updates.
type Client struct {
	server    *Server
	conn      *websocket.Conn
	send      chan updateMessage
	done      chan struct{}
	id        string
	closeOnce sync.Once
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// upgrader checks the Origin header against server.allowed_origins.
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin allows requests without an Origin header (non-browser clients)
// and origins whose scheme and host match a configured origin. Any port is accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		a, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if strings.EqualFold(u.Scheme, a.Scheme) && strings.EqualFold(u.Hostname(), a.Hostname()) {
			return true
		}
	}
	return false
}

// HandleOperationStream upgrades to a WebSocket that receives every operation change.
func (s *Server) HandleOperationStream(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warnw("WebSocket upgrade failed", "error", err, "origin", r.Header.Get("Origin"))
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan updateMessage, sendBuffer),
		done:   make(chan struct{}),
		id:     uuid.New().String(),
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		client.close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump only services control frames; clients do not send commands.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debugw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Debugw("Update write error", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
