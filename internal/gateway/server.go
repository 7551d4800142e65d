// Package gateway exposes the daemon's local API surface: REST routes and a
// WebSocket hub on one listener. The gateway doubles as the "api" UI adapter
// so WebSocket subscribers receive the same event stream as chat surfaces.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/cache"
	"github.com/teleclaude/teleclaude/internal/command"
	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/common/httpmw"
	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/events/bus"
	gws "github.com/teleclaude/teleclaude/internal/gateway/websocket"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/store"
	ws "github.com/teleclaude/teleclaude/pkg/websocket"
)

// AdapterID is the gateway's id in the adapter registry.
const AdapterID = "api"

// Server is the local HTTP/WebSocket gateway.
type Server struct {
	cfg      config.ServerConfig
	store    *store.Store
	cache    *cache.Cache
	ingress  *command.Ingress
	sessions *session.Manager
	gateway  *gws.Gateway
	log      *logger.Logger

	httpServer *http.Server
}

// New builds the gateway server.
func New(cfg config.ServerConfig, st *store.Store, c *cache.Cache, ingress *command.Ingress, sessions *session.Manager, log *logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		cache:    c,
		ingress:  ingress,
		sessions: sessions,
		gateway:  gws.NewGateway(log),
		log:      log.WithComponent("gateway"),
	}
	s.registerActions()
	return s
}

// Hub exposes the WebSocket hub for event push.
func (s *Server) Hub() *gws.Hub { return s.gateway.Hub }

// ID implements the adapter contract.
func (s *Server) ID() string { return AdapterID }

// engine assembles the gin router with all REST and WebSocket routes.
func (s *Server) engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), httpmw.RequestLogger(s.log, "gateway"))

	engine.GET("/health", s.handleHealth)
	s.gateway.SetupRoutes(engine)

	api := engine.Group("/api/v1")
	{
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)
		api.GET("/sessions/:id/output", s.handleSessionOutput)
		api.POST("/sessions", s.handleCreateSession)
		api.POST("/sessions/:id/messages", s.handleSendMessage)
		api.DELETE("/sessions/:id", s.handleEndSession)
		api.POST("/commands", s.handleSubmitCommand)
		api.GET("/computers", s.handleListComputers)
		api.GET("/todos", s.handleListTodos)
	}
	return engine
}

// Start binds the listener and begins serving.
func (s *Server) Start(ctx context.Context) error {
	engine := s.engine()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      engine,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	go s.gateway.Hub.Run(ctx)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gateway listener failed", zap.Error(err))
		}
	}()

	s.log.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// DeliverEvent pushes a domain event to WebSocket subscribers. Session-scoped
// events go to that session's subscribers; the rest broadcast.
func (s *Server) DeliverEvent(_ context.Context, event *bus.Event) error {
	msg, err := ws.NewNotification(ws.ActionSessionEvent, map[string]interface{}{
		"type":      event.Type,
		"data":      event.Data,
		"timestamp": event.Timestamp,
	})
	if err != nil {
		return err
	}
	if sessionID := event.String("session_id"); sessionID != "" {
		s.gateway.Hub.BroadcastToSession(sessionID, msg)
		return nil
	}
	s.gateway.Hub.Broadcast(msg)
	return nil
}

// Ready is always true: a WebSocket stream needs no channel creation.
func (s *Server) Ready(context.Context, string) bool { return true }

// Healthy reports whether the listener is up.
func (s *Server) Healthy(context.Context) bool { return s.httpServer != nil }

// WireCache pushes snapshot changes to all connected clients.
func (s *Server) WireCache() {
	s.cache.Subscribe(func(kind, id, dataJSON string) {
		var data interface{}
		if dataJSON != "" {
			_ = json.Unmarshal([]byte(dataJSON), &data)
		}
		msg, err := ws.NewNotification(ws.ActionSnapshotChanged, map[string]interface{}{
			"kind": kind,
			"id":   id,
			"data": data,
		})
		if err != nil {
			return
		}
		s.gateway.Hub.Broadcast(msg)
	})
}

// --- REST handlers ---

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "teleclaude"})
}

func (s *Server) handleListSessions(c *gin.Context) {
	snaps, err := s.cache.List(c.Request.Context(), cache.KindSession)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": snapshotPayload(snaps)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleSessionOutput serves the session's output file; ?download=true turns
// the response into an attachment for large-output links.
func (s *Server) handleSessionOutput(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	path := s.sessions.OutputFilePath(sess)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no output recorded"})
		return
	}
	if c.Query("download") == "true" {
		c.FileAttachment(path, sess.ShortID()+".txt")
		return
	}
	c.File(path)
}

type createSessionRequest struct {
	command.NewSessionArgs
	DedupKey string `json:"dedup_key,omitempty"`
}

func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.submit(c, command.KindNewSession, req.NewSessionArgs, req.DedupKey)
}

type sendMessageRequest struct {
	Text     string `json:"text"`
	DedupKey string `json:"dedup_key,omitempty"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	args := command.SendMessageArgs{SessionID: c.Param("id"), Text: req.Text}
	s.submit(c, command.KindSendMessage, args, req.DedupKey)
}

func (s *Server) handleEndSession(c *gin.Context) {
	args := command.EndSessionArgs{SessionID: c.Param("id")}
	s.submit(c, command.KindEndSession, args, c.Query("dedup_key"))
}

type submitCommandRequest struct {
	Kind          command.Kind    `json:"kind"`
	Args          json.RawMessage `json:"args"`
	DedupKey      string          `json:"dedup_key,omitempty"`
	CallerSession string          `json:"caller_session_id,omitempty"`
}

func (s *Server) handleSubmitCommand(c *gin.Context) {
	var req submitCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd := &command.Command{
		Kind:          req.Kind,
		Source:        command.SourceAPI + ":rest",
		DedupKey:      req.DedupKey,
		CallerSession: req.CallerSession,
		Args:          req.Args,
	}
	s.accept(c, cmd)
}

func (s *Server) handleListComputers(c *gin.Context) {
	snaps, err := s.cache.List(c.Request.Context(), cache.KindComputer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"computers": snapshotPayload(snaps)})
}

func (s *Server) handleListTodos(c *gin.Context) {
	snaps, err := s.cache.List(c.Request.Context(), cache.KindTodo)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"todos": snapshotPayload(snaps)})
}

// submit marshals typed args and accepts the command at ingress.
func (s *Server) submit(c *gin.Context, kind command.Kind, args interface{}, dedupKey string) {
	raw, err := json.Marshal(args)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.accept(c, &command.Command{
		Kind:     kind,
		Source:   command.SourceAPI + ":rest",
		DedupKey: dedupKey,
		Args:     raw,
	})
}

func (s *Server) accept(c *gin.Context, cmd *command.Command) {
	id, duplicate, err := s.ingress.Submit(c.Request.Context(), cmd)
	if err != nil {
		if errors.Is(err, command.ErrInvalidCommand) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "duplicate": duplicate})
}

func snapshotPayload(snaps []*store.Snapshot) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(snap.DataJSON), &data); err != nil {
			data = map[string]interface{}{}
		}
		out = append(out, map[string]interface{}{
			"id":         snap.EntityID,
			"data":       data,
			"updated_at": snap.UpdatedAt,
		})
	}
	return out
}

// --- WebSocket actions ---

// registerActions backs the WS request/response surface with the same
// operations as the REST routes.
func (s *Server) registerActions() {
	d := s.gateway.Dispatcher

	d.RegisterFunc(ws.ActionSessionList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		snaps, err := s.cache.List(ctx, cache.KindSession)
		if err != nil {
			return nil, err
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"sessions": snapshotPayload(snaps)})
	})

	d.RegisterFunc(ws.ActionSessionGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return nil, err
		}
		sess, err := s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "session not found", nil)
			}
			return nil, err
		}
		return ws.NewResponse(msg.ID, msg.Action, sess)
	})

	d.RegisterFunc(ws.ActionSessionOutput, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := msg.ParsePayload(&req); err != nil {
			return nil, err
		}
		sess, err := s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "session not found", nil)
			}
			return nil, err
		}
		text, err := os.ReadFile(s.sessions.OutputFilePath(sess))
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "no output recorded", nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"session_id": sess.ID,
			"text":       string(text),
		})
	})

	d.RegisterFunc(ws.ActionCommandSubmit, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req submitCommandRequest
		if err := msg.ParsePayload(&req); err != nil {
			return nil, err
		}
		cmd := &command.Command{
			Kind:          req.Kind,
			Source:        command.SourceAPI + ":ws",
			DedupKey:      req.DedupKey,
			CallerSession: req.CallerSession,
			Args:          req.Args,
		}
		id, duplicate, err := s.ingress.Submit(ctx, cmd)
		if err != nil {
			if errors.Is(err, command.ErrInvalidCommand) {
				return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
			}
			return nil, err
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"id": id, "duplicate": duplicate})
	})

	d.RegisterFunc(ws.ActionComputerList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		snaps, err := s.cache.List(ctx, cache.KindComputer)
		if err != nil {
			return nil, err
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"computers": snapshotPayload(snaps)})
	})

	d.RegisterFunc(ws.ActionTodoList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		snaps, err := s.cache.List(ctx, cache.KindTodo)
		if err != nil {
			return nil, err
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"todos": snapshotPayload(snaps)})
	})
}
