package store

import "time"

// SessionStatus enumerates the lifecycle states of an agent session.
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionIdle         SessionStatus = "idle"
	SessionDisconnected SessionStatus = "disconnected"
	SessionClosed       SessionStatus = "closed"
	SessionFailed       SessionStatus = "failed"
)

// AgentKind enumerates the supported agent runtimes.
type AgentKind string

const (
	AgentClaude AgentKind = "claude"
	AgentGemini AgentKind = "gemini"
	AgentCodex  AgentKind = "codex"
)

// ThinkingMode enumerates agent reasoning-effort modes.
type ThinkingMode string

const (
	ThinkingFast ThinkingMode = "fast"
	ThinkingMed  ThinkingMode = "med"
	ThinkingSlow ThinkingMode = "slow"
)

// Session is a persisted agent terminal session.
type Session struct {
	ID              string        `db:"id"`
	TmuxName        string        `db:"tmux_name"`
	WorkingDir      string        `db:"working_dir"`
	Agent           AgentKind     `db:"agent"`
	Thinking        ThinkingMode  `db:"thinking"`
	Title           string        `db:"title"`
	Status          SessionStatus `db:"status"`
	OriginAdapter   string        `db:"origin_adapter"`
	AdapterMeta     string        `db:"adapter_meta"` // adapter-specific JSON blob
	Computer        string        `db:"computer"`
	LastBlockTurnID string        `db:"last_block_turn_id"` // checkpoint escape hatch, survives restarts
	CreatedAt       time.Time     `db:"created_at"`
	LastActivityAt  time.Time     `db:"last_activity_at"`
	ClosedAt        *time.Time    `db:"closed_at"`
}

// ShortID returns the first 8 hex characters of the session id.
func (s *Session) ShortID() string {
	return ShortID(s.ID)
}

// ShortID returns the short form of a session id.
func ShortID(id string) string {
	clean := make([]byte, 0, 8)
	for i := 0; i < len(id) && len(clean) < 8; i++ {
		if id[i] == '-' {
			continue
		}
		clean = append(clean, id[i])
	}
	return string(clean)
}

// QueueState enumerates durable command queue entry states.
type QueueState string

const (
	QueuePending  QueueState = "pending"
	QueueInFlight QueueState = "in_flight"
	QueueDone     QueueState = "delivered"
	QueueFailed   QueueState = "failed"
)

// QueueEntry is a persisted command awaiting (or finished with) execution.
type QueueEntry struct {
	ID            int64      `db:"id"`
	Kind          string     `db:"kind"`
	Source        string     `db:"source"`
	DedupKey      string     `db:"dedup_key"`
	PayloadJSON   string     `db:"payload_json"`
	CallerSession string     `db:"caller_session_id"`
	State         QueueState `db:"state"`
	Attempts      int        `db:"attempts"`
	LastError     string     `db:"last_error"`
	AcceptedAt    time.Time  `db:"accepted_at"`
	InFlightSince *time.Time `db:"in_flight_since"`
}

// OutboxState enumerates hook outbox delivery states.
type OutboxState string

const (
	OutboxPending    OutboxState = "pending"
	OutboxProcessing OutboxState = "processing"
	OutboxDelivered  OutboxState = "delivered"
)

// OutboxEntry is a persisted agent-lifecycle hook event.
type OutboxEntry struct {
	ID          int64       `db:"id"`
	Hook        string      `db:"hook"` // user_prompt_submit|pre_tool_use|post_tool_use|stop
	SessionID   string      `db:"session_id"`
	Agent       string      `db:"agent"`
	ToolName    string      `db:"tool_name"`
	Preview     string      `db:"preview"`
	Summary     string      `db:"summary"`
	PayloadJSON string      `db:"payload_json"`
	State       OutboxState `db:"state"`
	LockToken   string      `db:"lock_token"`
	LockedUntil *time.Time  `db:"locked_until"`
	CreatedAt   time.Time   `db:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at"`
}

// AvailabilityStatus enumerates agent availability states.
type AvailabilityStatus string

const (
	AgentAvailable   AvailabilityStatus = "available"
	AgentUnavailable AvailabilityStatus = "unavailable"
	AgentDegraded    AvailabilityStatus = "degraded"
)

// AgentAvailability is the persisted availability tuple for one agent kind.
type AgentAvailability struct {
	Agent            string             `db:"agent"`
	Status           AvailabilityStatus `db:"status"`
	Reason           string             `db:"reason"`
	UnavailableUntil *time.Time         `db:"unavailable_until"`
	UpdatedAt        time.Time          `db:"updated_at"`
}

// Snapshot is one row of the event-driven materialized view.
type Snapshot struct {
	EntityKind string    `db:"entity_kind"`
	EntityID   string    `db:"entity_id"`
	DataJSON   string    `db:"data_json"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// UXState is per-platform ephemera keyed by (platform, key).
type UXState struct {
	Platform  string    `db:"platform"`
	Key       string    `db:"key"`
	ValueJSON string    `db:"value_json"`
	UpdatedAt time.Time `db:"updated_at"`
}
