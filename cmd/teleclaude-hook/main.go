// Package main is the stdio hook helper that agent runtimes invoke on
// lifecycle events. It reads the platform payload on stdin, forwards one
// request to the daemon's hook socket, and prints the daemon's response.
//
// The helper fails open: if the daemon is down or anything goes wrong, it
// prints an empty response and exits zero so the agent turn never hangs on
// hook plumbing.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/hooks"
)

const dialTimeout = 5 * time.Second

// platformPayload is the loose shape of the runtime's hook JSON. Unknown
// fields ride along untouched in Request.Payload.
type platformPayload struct {
	SessionID      string `json:"session_id"`
	ToolName       string `json:"tool_name"`
	TurnID         string `json:"turn_id"`
	StopHookActive bool   `json:"stop_hook_active"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: teleclaude-hook <hook-name>")
		passThrough()
		return
	}
	hook := os.Args[1]

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		passThrough()
		return
	}

	var payload platformPayload
	_ = json.Unmarshal(raw, &payload)

	sessionID := payload.SessionID
	if env := os.Getenv("TELECLAUDE_SESSION_ID"); env != "" {
		sessionID = env
	}

	req := hooks.Request{
		Hook:           hook,
		SessionID:      sessionID,
		Agent:          os.Getenv("TELECLAUDE_AGENT"),
		ToolName:       payload.ToolName,
		TurnID:         payload.TurnID,
		StopHookActive: payload.StopHookActive,
		Payload:        string(raw),
	}

	resp, err := send(&req)
	if err != nil {
		passThrough()
		return
	}
	out, err := json.Marshal(resp)
	if err != nil {
		passThrough()
		return
	}
	fmt.Println(string(out))
}

// send performs the one-request exchange on the daemon socket.
func send(req *hooks.Request) (*hooks.Response, error) {
	conn, err := net.DialTimeout("unix", socketPath(), dialTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(dialTimeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, err
	}
	var resp hooks.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// socketPath resolves the hook socket: explicit env override first, then the
// daemon's configuration.
func socketPath() string {
	if env := os.Getenv("TELECLAUDE_HOOKS_SOCKET"); env != "" {
		return env
	}
	cfg, err := config.Load()
	if err != nil {
		return ""
	}
	return cfg.Hooks.SocketPath
}

func passThrough() {
	fmt.Println("{}")
}
