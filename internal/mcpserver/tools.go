package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/cache"
	"github.com/teleclaude/teleclaude/internal/command"
	"github.com/teleclaude/teleclaude/internal/store"
)

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(
		mcp.NewTool("start_session",
			mcp.WithDescription("Start a new agent session in a tmux pane. Returns the queued command id; watch the session list for the new session."),
			mcp.WithString("working_dir",
				mcp.Required(),
				mcp.Description("Absolute path the session starts in; must be a trusted directory"),
			),
			mcp.WithString("agent",
				mcp.Description("Agent to launch (claude, gemini, ...). Empty picks the first available agent."),
			),
			mcp.WithString("title",
				mcp.Description("Human-readable session title (optional)"),
			),
			mcp.WithString("initial_text",
				mcp.Description("Text to send into the pane once the session is up (optional)"),
			),
			mcp.WithString("caller_session_id",
				mcp.Required(),
				mcp.Description("The calling agent's session id, injected by the stdio wrapper"),
			),
		),
		s.startSessionHandler(),
	)

	m.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send text into another session's terminal pane."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Target session id (full or 8-char short form)"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The text to type into the pane"),
			),
			mcp.WithString("caller_session_id",
				mcp.Required(),
				mcp.Description("The calling agent's session id, injected by the stdio wrapper"),
			),
		),
		s.sendMessageHandler(),
	)

	m.AddTool(
		mcp.NewTool("end_session",
			mcp.WithDescription("Close a session: kill its pane and mark it closed."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Target session id (full or 8-char short form)"),
			),
			mcp.WithString("caller_session_id",
				mcp.Required(),
				mcp.Description("The calling agent's session id, injected by the stdio wrapper"),
			),
		),
		s.endSessionHandler(),
	)

	m.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List known sessions with their live status snapshots."),
		),
		s.listSessionsHandler(),
	)

	m.AddTool(
		mcp.NewTool("get_session_output",
			mcp.WithDescription("Read the accumulated terminal output of a session."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Target session id (full or 8-char short form)"),
			),
		),
		s.sessionOutputHandler(),
	)

	m.AddTool(
		mcp.NewTool("mark_agent_status",
			mcp.WithDescription("Mark an agent available, unavailable, or degraded so the router skips or prefers it."),
			mcp.WithString("agent",
				mcp.Required(),
				mcp.Description("Agent name"),
			),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("One of: available, unavailable, degraded"),
			),
			mcp.WithString("reason",
				mcp.Description("Why the status changed (optional)"),
			),
			mcp.WithNumber("duration_seconds",
				mcp.Description("How long the status holds before expiring back to available (optional)"),
			),
		),
		s.markAgentStatusHandler(),
	)

	s.logger.Info("registered MCP tools", zap.Int("count", 6))
}

// submit queues one command through ingress and reports the queue id.
func (s *Server) submit(ctx context.Context, kind command.Kind, caller string, args interface{}) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode arguments: %v", err)), nil
	}
	cmd := &command.Command{
		Kind:          kind,
		Source:        command.SourceMCP,
		CallerSession: caller,
		Args:          raw,
	}
	id, duplicate, err := s.ingress.Submit(ctx, cmd)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Command rejected: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(`{"id":%d,"duplicate":%t}`, id, duplicate)), nil
}

func (s *Server) startSessionHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workingDir, err := req.RequireString("working_dir")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		caller, err := req.RequireString("caller_session_id")
		if err != nil {
			return mcp.NewToolResultError("caller_session_id is required - this tool is only usable from inside a session"), nil
		}
		args := command.NewSessionArgs{
			WorkingDir:  workingDir,
			Agent:       req.GetString("agent", ""),
			Title:       req.GetString("title", ""),
			InitialText: req.GetString("initial_text", ""),
		}
		return s.submit(ctx, command.KindNewSession, caller, args)
	}
}

func (s *Server) sendMessageHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		caller, err := req.RequireString("caller_session_id")
		if err != nil {
			return mcp.NewToolResultError("caller_session_id is required - this tool is only usable from inside a session"), nil
		}
		args := command.SendMessageArgs{SessionID: sessionID, Text: text}
		return s.submit(ctx, command.KindSendMessage, caller, args)
	}
}

func (s *Server) endSessionHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		caller, err := req.RequireString("caller_session_id")
		if err != nil {
			return mcp.NewToolResultError("caller_session_id is required - this tool is only usable from inside a session"), nil
		}
		return s.submit(ctx, command.KindEndSession, caller, command.EndSessionArgs{SessionID: sessionID})
	}
}

func (s *Server) listSessionsHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snaps, err := s.cache.List(ctx, cache.KindSession)
		if err != nil {
			s.logger.Error("failed to list sessions", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions: %v", err)), nil
		}
		out := make([]json.RawMessage, 0, len(snaps))
		for _, snap := range snaps {
			out = append(out, json.RawMessage(snap.DataJSON))
		}
		formatted, _ := json.MarshalIndent(out, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func (s *Server) sessionOutputHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				return mcp.NewToolResultError("Session not found: " + sessionID), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Failed to look up session: %v", err)), nil
		}
		text, err := os.ReadFile(s.sessions.OutputFilePath(sess))
		if err != nil {
			return mcp.NewToolResultError("No output recorded for session " + sess.ShortID()), nil
		}
		return mcp.NewToolResultText(string(text)), nil
	}
}

func (s *Server) markAgentStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agent, err := req.RequireString("agent")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := command.MarkAgentStatusArgs{
			Agent:     agent,
			Status:    status,
			Reason:    req.GetString("reason", ""),
			DurationS: int(req.GetFloat("duration_seconds", 0)),
		}
		return s.submit(ctx, command.KindMarkAgentStatus, "", args)
	}
}
