package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session actions
	ActionSessionList   = "session.list"
	ActionSessionGet    = "session.get"
	ActionSessionOutput = "session.output"

	// Command submission (all kinds go through the same ingress)
	ActionCommandSubmit = "command.submit"

	// Computer and todo snapshots
	ActionComputerList = "computer.list"
	ActionTodoList     = "todo.list"

	// Subscription actions
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Notification actions (server -> client)
	ActionSessionEvent    = "session.event"
	ActionSnapshotChanged = "snapshot.changed"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
