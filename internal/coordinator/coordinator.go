// Package coordinator routes agent lifecycle hooks: synchronous delivery to
// in-memory listeners, domain event publication, and checkpoint injection at
// stop boundaries.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/checkpoint"
	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/events/bus"
	"github.com/teleclaude/teleclaude/internal/hooks"
	"github.com/teleclaude/teleclaude/internal/store"
)

// Listener receives hook entries for one session, synchronously and in order.
type Listener func(ctx context.Context, entry *store.OutboxEntry)

// PaneInjector delivers checkpoint text into a session's pane for agents
// whose runtime has no native block response.
type PaneInjector interface {
	SendText(ctx context.Context, sessionID, text string) (string, error)
}

// nativeHookAgents answer stop hooks with a structured block response;
// everyone else gets the checkpoint keyed into their pane.
var nativeHookAgents = map[string]bool{
	string(store.AgentClaude): true,
}

// todoTools are agent tools whose post_tool_use payload carries the session's
// full todo list.
var todoTools = map[string]bool{
	"TodoWrite": true,
}

// Coordinator implements hooks.Router and hooks.StopDecider.
type Coordinator struct {
	store    *store.Store
	bus      bus.EventBus
	injector PaneInjector
	enabled  bool // checkpoint injection on/off
	diffFn   func(ctx context.Context, dir string) ([]string, error)
	log      *logger.Logger

	mu          sync.RWMutex
	listeners   map[string]map[int64]Listener // session id -> listener set
	stopWaiters map[string][]chan *store.OutboxEntry
	todoCounts  map[string]int // session id -> last published todo count
	nextID      int64
}

// New wires the coordinator. injector may be nil when no terminal-injection
// agents are configured.
func New(st *store.Store, eventBus bus.EventBus, injector PaneInjector, checkpointEnabled bool, log *logger.Logger) *Coordinator {
	return &Coordinator{
		store:       st,
		bus:         eventBus,
		injector:    injector,
		enabled:     checkpointEnabled,
		diffFn:      checkpoint.ChangedFiles,
		log:         log.WithComponent("coordinator"),
		listeners:   make(map[string]map[int64]Listener),
		stopWaiters: make(map[string][]chan *store.OutboxEntry),
		todoCounts:  make(map[string]int),
	}
}

// AddListener registers a per-session listener; the returned function removes
// it. Listeners are not persisted: callers re-register after daemon restart.
func (c *Coordinator) AddListener(sessionID string, l Listener) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.listeners[sessionID] == nil {
		c.listeners[sessionID] = make(map[int64]Listener)
	}
	c.listeners[sessionID][id] = l

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners[sessionID], id)
		if len(c.listeners[sessionID]) == 0 {
			delete(c.listeners, sessionID)
		}
	}
}

// WaitForStop returns a channel that receives the session's next stop hook
// entry, once. The channel is buffered; the waiter never blocks routing.
func (c *Coordinator) WaitForStop(sessionID string) <-chan *store.OutboxEntry {
	ch := make(chan *store.OutboxEntry, 1)
	c.mu.Lock()
	c.stopWaiters[sessionID] = append(c.stopWaiters[sessionID], ch)
	c.mu.Unlock()
	return ch
}

// RouteHook delivers one drained outbox entry: domain event first, then
// listeners, then one-shot stop waiters.
func (c *Coordinator) RouteHook(ctx context.Context, entry *store.OutboxEntry) error {
	kind := eventKindFor(entry.Hook)
	if kind != "" {
		data := map[string]interface{}{
			"session_id": entry.SessionID,
			"agent":      entry.Agent,
			"tool_name":  entry.ToolName,
			"preview":    entry.Preview,
			"summary":    entry.Summary,
		}
		if err := c.bus.Publish(ctx, events.SubjectFor(kind), bus.NewEvent(kind, "coordinator", data)); err != nil {
			c.log.Warn("hook event publish failed", zap.String("kind", kind), zap.Error(err))
		}
	}

	if entry.Hook == hooks.HookPostToolUse && todoTools[entry.ToolName] {
		c.publishTodos(ctx, entry)
	}

	c.mu.RLock()
	listeners := make([]Listener, 0, len(c.listeners[entry.SessionID]))
	for _, l := range c.listeners[entry.SessionID] {
		listeners = append(listeners, l)
	}
	c.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, entry)
	}

	if entry.Hook == hooks.HookStop {
		c.mu.Lock()
		waiters := c.stopWaiters[entry.SessionID]
		delete(c.stopWaiters, entry.SessionID)
		c.mu.Unlock()
		for _, ch := range waiters {
			select {
			case ch <- entry:
			default:
			}
		}
	}
	return nil
}

// DecideStop is the checkpoint decision at an agent stop boundary. At most
// one block per turn: a second stop for the same turn always passes through,
// and any persistence trouble fails open.
func (c *Coordinator) DecideStop(ctx context.Context, req *hooks.Request) (*hooks.Response, error) {
	if !c.enabled || req.StopHookActive {
		return &hooks.Response{}, nil
	}

	session, err := c.store.GetSession(ctx, req.SessionID)
	if err != nil {
		c.log.Warn("checkpoint lookup failed, passing through",
			zap.String("session_id", req.SessionID), zap.Error(err))
		return &hooks.Response{}, nil
	}
	if req.TurnID != "" && session.LastBlockTurnID == req.TurnID {
		return &hooks.Response{}, nil
	}

	files, err := c.diffFn(ctx, session.WorkingDir)
	if err != nil {
		c.log.Warn("checkpoint diff failed, passing through",
			zap.String("session_id", session.ID), zap.Error(err))
		return &hooks.Response{}, nil
	}

	actions := checkpoint.Evaluate(checkpoint.Input{
		ChangedFiles: files,
		Evidence:     parseEvidence(req.Payload),
	})
	if len(actions) == 0 {
		return &hooks.Response{}, nil
	}

	if req.TurnID != "" {
		if err := c.store.SetLastBlockTurn(ctx, session.ID, req.TurnID); err != nil {
			// Fail open: without the escape hatch on disk a block could
			// repeat forever.
			c.log.Warn("checkpoint marker persist failed, passing through",
				zap.String("session_id", session.ID), zap.Error(err))
			return &hooks.Response{}, nil
		}
	}

	message := checkpoint.Compose(actions)
	c.log.Info("checkpoint injected",
		zap.String("session_id", session.ID),
		zap.String("agent", req.Agent),
		zap.Int("actions", len(actions)))

	if nativeHookAgents[req.Agent] {
		return &hooks.Response{Decision: "block", Reason: message}, nil
	}
	if c.injector != nil {
		if _, err := c.injector.SendText(ctx, session.ID, message); err != nil {
			c.log.Error("checkpoint pane injection failed",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	return &hooks.Response{}, nil
}

// publishTodos folds one todo-tool invocation into todo.* events. The tool
// reports the whole list each time, so positions past the new length are
// retired.
func (c *Coordinator) publishTodos(ctx context.Context, entry *store.OutboxEntry) {
	todos, ok := parseTodos(entry.PayloadJSON)
	if !ok {
		return
	}

	c.mu.Lock()
	prev := c.todoCounts[entry.SessionID]
	c.todoCounts[entry.SessionID] = len(todos)
	c.mu.Unlock()

	for i, todo := range todos {
		kind := events.TodoUpdated
		if i >= prev {
			kind = events.TodoCreated
		}
		c.publishTodoEvent(ctx, kind, map[string]interface{}{
			"todo_id":    todoID(entry.SessionID, i),
			"session_id": entry.SessionID,
			"position":   i,
			"content":    todo.Content,
			"status":     todo.Status,
		})
	}
	for i := len(todos); i < prev; i++ {
		c.publishTodoEvent(ctx, events.TodoRemoved, map[string]interface{}{
			"todo_id":    todoID(entry.SessionID, i),
			"session_id": entry.SessionID,
		})
	}
}

func (c *Coordinator) publishTodoEvent(ctx context.Context, kind string, data map[string]interface{}) {
	if err := c.bus.Publish(ctx, events.SubjectFor(kind), bus.NewEvent(kind, "coordinator", data)); err != nil {
		c.log.Warn("todo event publish failed", zap.String("kind", kind), zap.Error(err))
	}
}

type todoItem struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// parseTodos digs the todo list out of a persisted hook entry. The outbox row
// stores the whole hook request; the platform payload inside it carries the
// tool input.
func parseTodos(entryJSON string) ([]todoItem, bool) {
	var req struct {
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal([]byte(entryJSON), &req); err != nil || req.Payload == "" {
		return nil, false
	}
	var platform struct {
		ToolInput struct {
			Todos []todoItem `json:"todos"`
		} `json:"tool_input"`
	}
	if err := json.Unmarshal([]byte(req.Payload), &platform); err != nil {
		return nil, false
	}
	if platform.ToolInput.Todos == nil {
		return nil, false
	}
	return platform.ToolInput.Todos, true
}

func todoID(sessionID string, position int) string {
	return fmt.Sprintf("%s:%d", sessionID, position)
}

func eventKindFor(hook string) string {
	switch hook {
	case hooks.HookUserPromptSubmit:
		return events.AgentUserPromptSubmit
	case hooks.HookPreToolUse:
		return events.AgentToolUse
	case hooks.HookPostToolUse:
		return events.AgentToolDone
	case hooks.HookStop:
		return events.AgentStop
	}
	return ""
}

// parseEvidence extracts same-turn tool-call evidence from the raw hook
// payload, when the agent runtime supplies it.
func parseEvidence(payload string) []checkpoint.Evidence {
	if payload == "" {
		return nil
	}
	var wrapper struct {
		Evidence []struct {
			Command string `json:"command"`
			Failed  bool   `json:"failed"`
		} `json:"evidence"`
	}
	if err := json.Unmarshal([]byte(payload), &wrapper); err != nil {
		return nil
	}
	out := make([]checkpoint.Evidence, 0, len(wrapper.Evidence))
	for _, e := range wrapper.Evidence {
		out = append(out, checkpoint.Evidence{Command: e.Command, Failed: e.Failed})
	}
	return out
}
