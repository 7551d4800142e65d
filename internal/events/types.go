// Package events provides event kind constants and subjects for the
// TeleClaude event system.
package events

// Subjects group events by entity. Subscribers may use NATS-style wildcards
// (session.* matches all session events).
const (
	SubjectSessions  = "session.*"
	SubjectActivity  = "agent.*"
	SubjectComputers = "computer.*"
	SubjectTodos     = "todo.*"
)

// Event kinds for sessions.
const (
	SessionStarted   = "session.started"
	SessionUpdated   = "session.updated"
	SessionClosed    = "session.closed"
	SessionDied      = "session.died"
	SessionCompleted = "session.completed"
	OutputChanged    = "session.output_changed"
	SessionIdle      = "session.idle"
)

// Event kinds for agent lifecycle activity (hook-driven).
const (
	AgentUserPromptSubmit = "agent.user_prompt_submit"
	AgentToolUse          = "agent.tool_use"
	AgentToolDone         = "agent.tool_done"
	AgentStop             = "agent.stop"
)

// Event kinds for cross-machine peers.
const (
	ComputerHeartbeat = "computer.heartbeat"
	ComputerExpired   = "computer.expired"
)

// Event kinds for todo snapshots published by agents.
const (
	TodoCreated = "todo.created"
	TodoUpdated = "todo.updated"
	TodoRemoved = "todo.removed"
)

// SubjectFor returns the publish subject for an event kind. Kinds are already
// dotted (entity.verb), so the kind is the subject.
func SubjectFor(kind string) string {
	return kind
}
