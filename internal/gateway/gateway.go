package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/notify"
	"github.com/parleyhq/parley/internal/telemetry"
)

// Config holds gateway settings.
type Config struct {
	// Verifier resolves auth-frame credentials to user ids.
	Verifier auth.Verifier

	// Broker supplies the per-conversation event subscriptions.
	Broker notify.Broker

	// HeartbeatInterval is the cadence clients ping at. The read
	// deadline is twice this, so missing two pings closes the
	// connection. Defaults to 30s.
	HeartbeatInterval time.Duration

	// SendBuffer is the per-connection outbound queue size. Defaults
	// to 32.
	SendBuffer int
}

// ApplyDefaults applies default values to unset configuration fields.
func (cfg *Config) ApplyDefaults() {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
}

// Gateway upgrades HTTP requests to WebSocket connections and runs the
// subscription protocol on them.
type Gateway struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*connection]struct{}
	closed bool
}

// New creates a gateway. Mount it on the HTTP mux at the WebSocket
// path.
func New(cfg Config) *Gateway {
	cfg.ApplyDefaults()

	return &Gateway{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser origin policy is left to the fronting proxy;
			// identity is established in-protocol by the auth frame.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := newConnection(g, ws)
	g.register(conn)

	log.Debug().Str("remote_addr", r.RemoteAddr).Msg("WebSocket connected")

	conn.enqueue(ServerMessage{Type: TypeReady})

	go conn.writeLoop()
	conn.readLoop(r.Context())
}

// Close tears down every connection and stops accepting new ones.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conns := make([]*connection, 0, len(g.conns))
	for conn := range g.conns {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	for _, conn := range conns {
		conn.teardown()
	}
}

func (g *Gateway) register(conn *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[conn] = struct{}{}
	telemetry.GetMetrics().GatewayConnections.Add(context.Background(), 1)
	log.Debug().Int("connections", len(g.conns)).Msg("Connection registered")
}

func (g *Gateway) deregister(conn *connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conns[conn]; !ok {
		return
	}
	delete(g.conns, conn)
	telemetry.GetMetrics().GatewayConnections.Add(context.Background(), -1)
	log.Debug().Int("connections", len(g.conns)).Msg("Connection deregistered")
}
