// Command relayd runs one gateway node: it joins the cluster directory,
// accepts WebSocket connections and fans messages out locally and
// across nodes through the KVPS backend.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/connorhoehn/websocket-gateway/internal/cluster"
	"github.com/connorhoehn/websocket-gateway/internal/config"
	"github.com/connorhoehn/websocket-gateway/internal/kvps"
	"github.com/connorhoehn/websocket-gateway/internal/logging"
	"github.com/connorhoehn/websocket-gateway/internal/registry"
	"github.com/connorhoehn/websocket-gateway/internal/router"
	"github.com/connorhoehn/websocket-gateway/internal/server"
	"github.com/connorhoehn/websocket-gateway/internal/service"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Error().Err(err).Msg("Invalid configuration")
		return err
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	store := kvps.NewRedisStore(kvps.RedisConfig{
		Addr:      cfg.KVPSAddr(),
		OpTimeout: cfg.KVPSTimeout,
	}, logger)
	defer store.Close()

	ctx := context.Background()

	cl := cluster.NewManager(store, cluster.Options{
		Port:              cfg.Port,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Version:           version,
	}, logger)
	if err := cl.Register(ctx); err != nil {
		logger.Error().Err(err).Msg("Cluster registration failed")
		return err
	}

	reg := registry.New()
	rt := router.New(store, cl, reg, logger)
	if err := rt.Start(); err != nil {
		logger.Error().Err(err).Msg("Router startup failed")
		cl.Shutdown(ctx)
		return err
	}

	var presence *service.Presence
	var cursor *service.Cursor
	handlers := []service.Handler{}
	for _, name := range cfg.Services() {
		switch name {
		case "chat":
			handlers = append(handlers, service.NewChat(rt, logger))
		case "presence":
			presence = service.NewPresence(rt, cfg.PresenceTimeout, logger)
			handlers = append(handlers, presence)
		case "cursor":
			cursor = service.NewCursor(rt, service.CursorConfig{
				TTL:             cfg.CursorTTL,
				CleanupInterval: cfg.CursorCleanup,
				Throttle:        cfg.CursorThrottle,
			}, logger)
			handlers = append(handlers, cursor)
		case "reaction":
			handlers = append(handlers, service.NewReaction(rt, logger))
		}
	}

	disp := service.NewDispatcher(rt, handlers, logger)
	rt.AddDisconnectHook(disp.OnClientDisconnect)

	if presence != nil {
		presence.Start()
	}
	if cursor != nil {
		cursor.Start()
	}

	srv := server.New(server.Config{
		Port:       cfg.Port,
		SendBuffer: cfg.SendBuffer,
	}, cl, reg, rt, disp, logger)

	serveErr := srv.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Teardown order matters: close client connections first so their
	// directory state drains through the router, then drop the route
	// subscriptions, then remove this node from the directory.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if presence != nil {
		presence.Stop()
	}
	if cursor != nil {
		cursor.Stop()
	}
	rt.Stop()
	cl.Shutdown(shutdownCtx)

	logger.Info().Msg("Shutdown complete")
	return nil
}
