// Package mcpserver exposes session tools to agents over MCP. The server
// listens on a Unix domain socket; the stdio wrapper process bridges an
// agent's MCP client to it and injects caller_session_id as a tool argument.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/cache"
	"github.com/teleclaude/teleclaude/internal/command"
	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/store"
)

// Server hosts the MCP tool surface on a Unix socket. Streamable HTTP is the
// only transport; the stdio wrapper speaks it over the socket.
type Server struct {
	cfg      config.MCPConfig
	ingress  *command.Ingress
	store    *store.Store
	cache    *cache.Cache
	sessions *session.Manager

	streamable *server.StreamableHTTPServer
	httpServer *http.Server

	mu      sync.Mutex
	running bool
	logger  *logger.Logger
}

// New builds the MCP server.
func New(cfg config.MCPConfig, ingress *command.Ingress, st *store.Store, c *cache.Cache, sessions *session.Manager, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		ingress:  ingress,
		store:    st,
		cache:    c,
		sessions: sessions,
		logger:   log.WithComponent("mcp-server"),
	}
}

// Start begins serving on the configured socket path.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"teleclaude",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.streamable = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp", s.streamable)

	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("failed to create socket dir: %w", err)
	}
	// A stale socket from a crashed daemon blocks the bind.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.SocketPath, err)
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("MCP server listening",
			zap.String("socket", s.cfg.SocketPath),
			zap.String("endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts the server down and removes the socket.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.streamable != nil {
		if err := s.streamable.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown streamable server", zap.Error(err))
		}
	}
	_ = os.Remove(s.cfg.SocketPath)
	return nil
}
