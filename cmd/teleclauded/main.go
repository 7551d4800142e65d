// Package main is the TeleClaude daemon entry point. The single binary runs
// the whole pipeline: terminal bridge, command queue, output pollers, hook
// coordinator, snapshot cache, HTTP/WebSocket gateway, MCP server, and the
// optional cross-machine transport.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/adapters"
	"github.com/teleclaude/teleclaude/internal/cache"
	"github.com/teleclaude/teleclaude/internal/command"
	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/coordinator"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/gateway"
	"github.com/teleclaude/teleclaude/internal/handlers"
	"github.com/teleclaude/teleclaude/internal/hooks"
	"github.com/teleclaude/teleclaude/internal/mcpserver"
	"github.com/teleclaude/teleclaude/internal/poller"
	"github.com/teleclaude/teleclaude/internal/routing"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/tmux"
	"github.com/teleclaude/teleclaude/internal/transport"
)

const (
	sweepInterval   = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting TeleClaude daemon...",
		zap.String("computer", cfg.Computer.Name))

	// 3. Root context, cancelled on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Event bus (in-memory unless NATS is configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	eventBus := provided.Bus

	// 5. Persistence
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	// 6. Terminal bridge and output pollers
	bridge := tmux.New(cfg.Tmux, log)
	pollers := poller.New(bridge, st, eventBus, cfg.Poller, log)
	go pollers.Run(ctx)

	// 7. Session lifecycle
	sessions := session.NewManager(st, bridge, eventBus, pollers, cfg.Poller.OutputDir, cfg.Computer.Name, log)
	go sessions.RunSweeper(ctx, sweepInterval)

	// 8. Command pipeline: ingress, routing, handlers, lane workers
	ingress := command.NewIngress(st, log)
	resolver := routing.NewResolver(cfg.Agents, st, log)

	// 9. Hook coordinator and receiver
	coord := coordinator.New(st, eventBus, sessions, cfg.Checkpoint.Enabled, log)
	receiver := hooks.NewReceiver(st, coord, cfg.Hooks.SocketPath, log)
	go func() {
		if err := receiver.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Hook receiver stopped", zap.Error(err))
		}
	}()
	processor := hooks.NewProcessor(st, coord, cfg.Hooks, log)
	go processor.Run(ctx)

	// 10. Snapshot cache
	snapshots := cache.New(st, log)
	if err := snapshots.Start(ctx, eventBus); err != nil {
		log.Fatal("Failed to start snapshot cache", zap.Error(err))
	}

	// 11. Adapter registry and event fan-out
	registry := adapters.NewRegistry()
	fanout := adapters.NewDispatcher(registry, st, log)
	go func() {
		if err := fanout.Run(ctx, eventBus); err != nil && ctx.Err() == nil {
			log.Error("Adapter dispatcher stopped", zap.Error(err))
		}
	}()

	// 12. Cross-machine transport. An unreachable broker degrades to
	// local-only operation instead of killing the daemon.
	var remote handlers.RemoteSender
	if cfg.Redis.Enabled() {
		tr := transport.New(cfg.Redis, cfg.Computer.Name, eventBus,
			handlers.NewRemoteRequestHandler(ingress, log), log)
		if err := registry.RegisterTransport(ctx, tr); err != nil {
			log.Warn("Cross-machine transport unavailable, continuing local-only", zap.Error(err))
		} else {
			remote = tr
			go tr.Run(ctx)
			log.Info("Cross-machine transport connected", zap.String("addr", cfg.Redis.Addr))
		}
	}

	// 13. Command handlers and lane workers
	handlerSet := handlers.New(cfg, st, sessions, resolver, ingress, remote, log)
	workers := command.NewDispatcher(st, log)
	handlerSet.Register(workers)
	go func() {
		if err := workers.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Command workers stopped", zap.Error(err))
		}
	}()

	// 14. HTTP/WebSocket gateway, registered as the built-in UI adapter
	gw := gateway.New(cfg.Server, st, snapshots, ingress, sessions, log)
	if err := registry.RegisterUI(ctx, gw); err != nil {
		log.Fatal("Failed to start gateway", zap.Error(err))
	}
	gw.WireCache()
	log.Info("Gateway listening",
		zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))

	// 15. MCP server on the local socket
	var mcp *mcpserver.Server
	if cfg.MCP.Enabled {
		mcp = mcpserver.New(cfg.MCP, ingress, st, snapshots, sessions, log)
		if err := mcp.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		log.Info("MCP server listening", zap.String("socket", cfg.MCP.SocketPath))
	}

	log.Info("TeleClaude daemon ready")
	<-ctx.Done()

	// Graceful shutdown with a hard deadline.
	log.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if mcp != nil {
		if err := mcp.Stop(shutdownCtx); err != nil {
			log.Warn("MCP server shutdown failed", zap.Error(err))
		}
	}
	registry.StopAll(shutdownCtx)
	log.Info("TeleClaude daemon stopped")
}
