// Package server carries the edge of the gateway: the HTTP+WebSocket
// listener, per-connection pumps, and the operational endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/connorhoehn/websocket-gateway/internal/cluster"
	"github.com/connorhoehn/websocket-gateway/internal/metrics"
	"github.com/connorhoehn/websocket-gateway/internal/registry"
	"github.com/connorhoehn/websocket-gateway/internal/router"
	"github.com/connorhoehn/websocket-gateway/internal/service"
)

// Config holds the server's tunables.
type Config struct {
	Port       int
	SendBuffer int
}

// Server accepts WebSocket connections and hands their frames to the
// service dispatcher. It owns no routing logic; that lives below in the
// router.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	cluster    *cluster.Manager
	registry   *registry.Registry
	router     *router.Router
	dispatcher *service.Dispatcher

	httpServer *http.Server
	baseCtx    context.Context
	baseCancel context.CancelFunc

	clients   map[string]*client
	clientsMu sync.Mutex

	shuttingDown bool
	startedAt    time.Time
}

func New(cfg Config, cl *cluster.Manager, reg *registry.Registry, rt *router.Router, disp *service.Dispatcher, logger zerolog.Logger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "server").Logger(),
		cluster:    cl,
		registry:   reg,
		router:     rt,
		dispatcher: disp,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		clients:    make(map[string]*client),
		startedAt:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/cluster", s.handleCluster)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)
	cl.SetConnectionCounter(reg.Count)

	return s
}

// Start begins listening. It returns once the listener is running;
// serve errors after that surface on the returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.cfg.Port).Msg("Listening for WebSocket connections")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// handleWebSocket upgrades the connection, registers the client with
// the router, sends the single connection frame and starts the pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.Lock()
	rejecting := s.shuttingDown
	s.clientsMu.Unlock()
	if rejecting {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	metadata := map[string]string{
		"remoteAddr": r.RemoteAddr,
	}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		metadata["userAgent"] = ua
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		metadata["origin"] = origin
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.ConnectionsFailed.Inc()
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	clientID := cluster.NewClientID()
	c := newClient(clientID, conn, s)

	s.clientsMu.Lock()
	s.clients[clientID] = c
	s.clientsMu.Unlock()

	s.router.RegisterLocalClient(s.baseCtx, clientID, c, metadata)

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Set(float64(s.registry.Count()))

	hello := map[string]any{
		"type":            "connection",
		"status":          "connected",
		"clientId":        clientID,
		"nodeId":          s.cluster.NodeID(),
		"enabledServices": s.dispatcher.ServiceNames(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
	if !s.registry.SendToLocalClient(clientID, hello) {
		s.disconnectClient(c, "hello_failed")
		return
	}

	s.logger.Info().
		Str("client_id", clientID).
		Str("remote_addr", r.RemoteAddr).
		Int("connections", s.registry.Count()).
		Msg("Client connected")

	go s.writePump(c)
	go s.readPump(c)
}

// disconnectClient drains one client: router unregistration first (so
// service hooks still see consistent state), then the wire teardown.
// Idempotent.
func (s *Server) disconnectClient(c *client, reason string) {
	s.clientsMu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	s.clientsMu.Unlock()
	if !present {
		return
	}

	s.router.UnregisterLocalClient(s.baseCtx, c.id)
	c.closeWith(ws.StatusNormalClosure, "")

	metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
	metrics.ConnectionsActive.Set(float64(s.registry.Count()))

	s.logger.Info().
		Str("client_id", c.id).
		Str("reason", reason).
		Int("connections", s.registry.Count()).
		Msg("Client disconnected")
}

// Shutdown stops accepting, closes every client with 1001 (going away)
// and drains their directory state, then stops the HTTP listener.
// Router, cluster and store teardown belong to the caller, in that
// order, after this returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.clientsMu.Lock()
	s.shuttingDown = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	s.logger.Info().Int("connections", len(clients)).Msg("Closing client connections")
	for _, c := range clients {
		c.closeWith(statusGoingAway, "server shutting down")
		s.disconnectClient(c, "shutdown")
	}

	s.baseCancel()
	return s.httpServer.Shutdown(ctx)
}
