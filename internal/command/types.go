// Package command defines the typed command envelope, ingress validation,
// and the durable-queue worker that executes accepted commands.
package command

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind tags a command with its operation.
type Kind string

const (
	KindNewSession       Kind = "new_session"
	KindSendMessage      Kind = "send_message"
	KindEndSession       Kind = "end_session"
	KindStartAgent       Kind = "start_agent"
	KindResumeAgent      Kind = "resume_agent"
	KindAgentRestart     Kind = "agent_restart"
	KindAgentThenMessage Kind = "agent_then_message"
	KindRunAgentCommand  Kind = "run_agent_command"
	KindDeploy           Kind = "deploy"
	KindMarkAgentStatus  Kind = "mark_agent_status"
)

var knownKinds = map[Kind]bool{
	KindNewSession:       true,
	KindSendMessage:      true,
	KindEndSession:       true,
	KindStartAgent:       true,
	KindResumeAgent:      true,
	KindAgentRestart:     true,
	KindAgentThenMessage: true,
	KindRunAgentCommand:  true,
	KindDeploy:           true,
	KindMarkAgentStatus:  true,
}

// Source labels identify where a command entered the system. Labels are
// "class" or "class:detail"; the class picks the worker lane.
const (
	SourceAPI      = "api"
	SourceTelegram = "telegram"
	SourceDiscord  = "discord"
	SourceMCP      = "mcp"
	SourceCron     = "cron"
	SourceCLI      = "cli"
	SourceRedis    = "redis"
)

// SourceClasses enumerates the lanes the dispatcher runs workers for.
var SourceClasses = []string{
	SourceAPI, SourceTelegram, SourceDiscord, SourceMCP, SourceCron, SourceCLI, SourceRedis,
}

// SourceClass extracts the lane from a source label.
func SourceClass(source string) string {
	if i := strings.IndexByte(source, ':'); i >= 0 {
		return source[:i]
	}
	return source
}

// Command is the typed envelope accepted at ingress.
type Command struct {
	Kind          Kind            `json:"kind"`
	Source        string          `json:"source"`
	DedupKey      string          `json:"dedup_key,omitempty"`
	CallerSession string          `json:"caller_session_id,omitempty"`
	Args          json.RawMessage `json:"args"`
	AcceptedAt    time.Time       `json:"accepted_at,omitempty"`
}

// DecodeArgs unmarshals the kind-specific arguments into out.
func (c *Command) DecodeArgs(out any) error {
	if len(c.Args) == 0 {
		return fmt.Errorf("command %s: missing args", c.Kind)
	}
	if err := json.Unmarshal(c.Args, out); err != nil {
		return fmt.Errorf("command %s: invalid args: %w", c.Kind, err)
	}
	return nil
}

// NewSessionArgs starts a fresh agent session.
type NewSessionArgs struct {
	WorkingDir    string `json:"working_dir"`
	Agent         string `json:"agent"` // empty means implicit selection
	Thinking      string `json:"thinking,omitempty"`
	Title         string `json:"title,omitempty"`
	OriginAdapter string `json:"origin_adapter,omitempty"`
	AdapterMeta   string `json:"adapter_meta,omitempty"`
	InitialText   string `json:"initial_text,omitempty"`
}

// SendMessageArgs injects text into an existing session's pane.
type SendMessageArgs struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// EndSessionArgs closes a session.
type EndSessionArgs struct {
	SessionID string `json:"session_id"`
}

// StartAgentArgs launches an agent binary inside an existing session.
type StartAgentArgs struct {
	SessionID string `json:"session_id"`
	Agent     string `json:"agent"`
	Thinking  string `json:"thinking,omitempty"`
}

// ResumeAgentArgs re-attaches the most recent agent conversation.
type ResumeAgentArgs struct {
	SessionID string `json:"session_id"`
}

// AgentRestartArgs kills and relaunches the session's agent.
type AgentRestartArgs struct {
	SessionID string `json:"session_id"`
}

// AgentThenMessageArgs starts an agent and queues a first message behind it.
type AgentThenMessageArgs struct {
	SessionID string `json:"session_id"`
	Agent     string `json:"agent"`
	Thinking  string `json:"thinking,omitempty"`
	Text      string `json:"text"`
}

// RunAgentCommandArgs sends a slash-command to the session's agent.
type RunAgentCommandArgs struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

// DeployArgs dispatches a work item through the next-machine orchestrator.
type DeployArgs struct {
	Slug     string `json:"slug"`
	Computer string `json:"computer,omitempty"`
}

// MarkAgentStatusArgs records agent availability.
type MarkAgentStatusArgs struct {
	Agent     string `json:"agent"`
	Status    string `json:"status"` // available|unavailable|degraded
	Reason    string `json:"reason,omitempty"`
	UntilUnix int64  `json:"until_unix,omitempty"`
	DurationS int    `json:"duration_seconds,omitempty"`
}
