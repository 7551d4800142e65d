package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/store"
)

// connDeadline bounds how long one helper connection may take end to end.
const connDeadline = 30 * time.Second

// StopDecider is consulted synchronously on stop hooks to produce the
// block/pass-through response while the agent is still waiting.
type StopDecider interface {
	DecideStop(ctx context.Context, req *Request) (*Response, error)
}

// Receiver accepts hook connections on a Unix socket. Each connection carries
// one JSON request and gets one JSON response.
type Receiver struct {
	store      *store.Store
	decider    StopDecider
	socketPath string
	log        *logger.Logger
}

// NewReceiver builds the socket receiver.
func NewReceiver(st *store.Store, decider StopDecider, socketPath string, log *logger.Logger) *Receiver {
	return &Receiver{
		store:      st,
		decider:    decider,
		socketPath: socketPath,
		log:        log.WithComponent("hooks"),
	}
}

// Run listens on the socket until ctx is cancelled. A stale socket file from
// a previous run is removed first.
func (r *Receiver) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(r.socketPath), 0o755); err != nil {
		return fmt.Errorf("failed to prepare socket dir: %w", err)
	}
	if err := os.Remove(r.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", r.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on hook socket: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	r.log.Info("hook receiver listening", zap.String("socket", r.socketPath))
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warn("accept failed", zap.Error(err))
			continue
		}
		go r.handle(ctx, conn)
	}
}

func (r *Receiver) handle(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		r.log.Warn("malformed hook request", zap.Error(err))
		r.reply(conn, &Response{})
		return
	}
	resp := r.Handle(ctx, &req)
	r.reply(conn, resp)
}

// Handle validates and persists one hook, then computes the response. Stop
// hooks consult the decider synchronously; every other hook acknowledges as
// soon as the outbox row is durable.
func (r *Receiver) Handle(ctx context.Context, req *Request) *Response {
	if err := req.Validate(); err != nil {
		r.log.Warn("rejected hook", zap.Error(err))
		return &Response{}
	}

	entry := &store.OutboxEntry{
		Hook:        req.Hook,
		SessionID:   req.SessionID,
		Agent:       req.Agent,
		ToolName:    req.ToolName,
		Preview:     req.Preview,
		Summary:     req.Summary,
		PayloadJSON: marshalRequest(req),
	}
	if err := r.store.InsertOutbox(ctx, entry); err != nil {
		// The hook still gets an empty response: agents must never hang on
		// daemon-side storage trouble.
		r.log.Error("outbox insert failed",
			zap.String("hook", req.Hook),
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		return &Response{}
	}
	r.log.Debug("hook accepted",
		zap.String("hook", req.Hook),
		zap.String("session_id", req.SessionID),
		zap.Int64("outbox_id", entry.ID))

	if req.Hook != HookStop || r.decider == nil {
		return &Response{}
	}

	resp, err := r.decider.DecideStop(ctx, req)
	if err != nil {
		r.log.Error("stop decision failed",
			zap.String("session_id", req.SessionID), zap.Error(err))
		return &Response{}
	}
	return resp
}

func (r *Receiver) reply(conn net.Conn, resp *Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		r.log.Warn("response write failed", zap.Error(err))
	}
}

func marshalRequest(req *Request) string {
	raw, err := json.Marshal(req)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
