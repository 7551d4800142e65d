// Package hooks receives agent lifecycle hooks over a Unix socket, persists
// them to the durable outbox, and drains the outbox into the agent
// coordinator.
package hooks

import (
	"fmt"
	"strings"
)

// Hook names accepted on the socket.
const (
	HookUserPromptSubmit = "user_prompt_submit"
	HookPreToolUse       = "pre_tool_use"
	HookPostToolUse      = "post_tool_use"
	HookStop             = "stop"
)

var knownHooks = map[string]bool{
	HookUserPromptSubmit: true,
	HookPreToolUse:       true,
	HookPostToolUse:      true,
	HookStop:             true,
}

// Request is one hook emission from the stdio helper. One JSON object per
// connection; the response is written back on the same connection.
type Request struct {
	Hook           string `json:"hook"`
	SessionID      string `json:"session_id"`
	Agent          string `json:"agent,omitempty"`
	ToolName       string `json:"tool_name,omitempty"`
	Preview        string `json:"preview,omitempty"`
	Summary        string `json:"summary,omitempty"`
	TurnID         string `json:"turn_id,omitempty"`
	StopHookActive bool   `json:"stop_hook_active,omitempty"`
	Payload        string `json:"payload,omitempty"` // raw platform payload, passed through
}

// Response is the receiver's answer. Decision "block" carries guidance back
// into the agent turn; empty decision lets the turn end.
type Response struct {
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Validate checks request shape before anything is persisted.
func (r *Request) Validate() error {
	if !knownHooks[r.Hook] {
		return fmt.Errorf("unknown hook %q", r.Hook)
	}
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("hook %s: missing session_id", r.Hook)
	}
	if (r.Hook == HookPreToolUse || r.Hook == HookPostToolUse) && r.ToolName == "" {
		return fmt.Errorf("hook %s: missing tool_name", r.Hook)
	}
	return nil
}
