// Package cache maintains the event-driven materialized view: domain events
// are folded into per-entity JSON snapshots that UI surfaces read without
// touching the source tables.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/events/bus"
	"github.com/teleclaude/teleclaude/internal/store"
)

// Entity kinds in the snapshot table.
const (
	KindSession  = "session"
	KindComputer = "computer"
	KindTodo     = "todo"
)

// Subscriber is notified after a snapshot row is written.
type Subscriber func(kind, id, dataJSON string)

// Cache materializes domain events into snapshot rows. Reads are strictly
// read-only; a stale read is acceptable.
type Cache struct {
	store *store.Store
	log   *logger.Logger

	mu     sync.Mutex
	subs   map[int64]Subscriber
	nextID int64

	// entityMu serializes updates per entity so events apply in emit order
	// even when the bus delivers on multiple goroutines.
	entityMu sync.Mutex
	locks    map[string]*sync.Mutex
}

// New builds an empty cache.
func New(st *store.Store, log *logger.Logger) *Cache {
	return &Cache{
		store: st,
		log:   log.WithComponent("cache"),
		subs:  make(map[int64]Subscriber),
		locks: make(map[string]*sync.Mutex),
	}
}

// Subscribe registers a change notification callback; the returned function
// removes it.
func (c *Cache) Subscribe(fn Subscriber) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Start wires the cache to the bus and warms it from persistence.
func (c *Cache) Start(ctx context.Context, eventBus bus.EventBus) error {
	if err := c.Warm(ctx); err != nil {
		return err
	}
	subjects := []string{
		events.SubjectSessions,
		events.SubjectActivity,
		events.SubjectComputers,
		events.SubjectTodos,
	}
	for _, subject := range subjects {
		if _, err := eventBus.Subscribe(subject, c.handle); err != nil {
			return err
		}
	}
	return nil
}

// Warm rebuilds session snapshots by scanning persistence. Because the cache
// is strictly derived, warming after a truncate reproduces the same state.
func (c *Cache) Warm(ctx context.Context) error {
	sessions, err := c.store.ListSessions(ctx, false)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		data := sessionSnapshot(session)
		if err := c.write(ctx, KindSession, session.ID, data); err != nil {
			return err
		}
	}
	c.log.Debug("cache warmed", zap.Int("sessions", len(sessions)))
	return nil
}

// Get reads one snapshot.
func (c *Cache) Get(ctx context.Context, kind, id string) (*store.Snapshot, error) {
	return c.store.GetSnapshot(ctx, kind, id)
}

// List reads all snapshots of a kind.
func (c *Cache) List(ctx context.Context, kind string) ([]*store.Snapshot, error) {
	return c.store.ListSnapshots(ctx, kind)
}

func (c *Cache) handle(ctx context.Context, event *bus.Event) error {
	switch event.Type {
	case events.SessionStarted, events.SessionUpdated, events.SessionCompleted,
		events.SessionIdle, events.OutputChanged,
		events.AgentUserPromptSubmit, events.AgentToolUse,
		events.AgentToolDone, events.AgentStop:
		return c.mergeSession(ctx, event)
	case events.SessionClosed, events.SessionDied:
		return c.closeSession(ctx, event)
	case events.ComputerHeartbeat:
		return c.mergeComputer(ctx, event)
	case events.ComputerExpired:
		return c.expireComputer(ctx, event)
	case events.TodoCreated, events.TodoUpdated:
		return c.mergeTodo(ctx, event)
	case events.TodoRemoved:
		return c.removeTodo(ctx, event)
	}
	return nil
}

func (c *Cache) mergeSession(ctx context.Context, event *bus.Event) error {
	sessionID := event.String("session_id")
	if sessionID == "" {
		return nil
	}
	unlock := c.lockEntity(KindSession, sessionID)
	defer unlock()

	merged := c.existing(ctx, KindSession, sessionID)
	merged["session_id"] = sessionID
	merged["last_event"] = event.Type
	merged["last_event_at"] = event.Timestamp
	for _, key := range []string{"agent", "computer", "tmux_name", "tool_name", "title"} {
		if v := event.String(key); v != "" {
			merged[key] = v
		}
	}
	switch event.Type {
	case events.SessionStarted:
		merged["status"] = string(store.SessionActive)
	case events.SessionIdle, events.SessionCompleted:
		merged["status"] = string(store.SessionIdle)
	case events.AgentUserPromptSubmit, events.AgentToolUse, events.OutputChanged:
		merged["status"] = string(store.SessionActive)
	}
	return c.writeMap(ctx, KindSession, sessionID, merged)
}

func (c *Cache) closeSession(ctx context.Context, event *bus.Event) error {
	sessionID := event.String("session_id")
	if sessionID == "" {
		return nil
	}
	unlock := c.lockEntity(KindSession, sessionID)
	defer unlock()

	merged := c.existing(ctx, KindSession, sessionID)
	merged["session_id"] = sessionID
	merged["last_event"] = event.Type
	if event.Type == events.SessionDied {
		merged["status"] = string(store.SessionFailed)
	} else {
		merged["status"] = string(store.SessionClosed)
	}
	return c.writeMap(ctx, KindSession, sessionID, merged)
}

func (c *Cache) mergeComputer(ctx context.Context, event *bus.Event) error {
	name := event.String("computer")
	if name == "" {
		return nil
	}
	unlock := c.lockEntity(KindComputer, name)
	defer unlock()

	merged := c.existing(ctx, KindComputer, name)
	merged["computer"] = name
	merged["online"] = true
	merged["last_heartbeat"] = event.Timestamp
	if caps, ok := event.Data["capabilities"]; ok {
		merged["capabilities"] = caps
	}
	return c.writeMap(ctx, KindComputer, name, merged)
}

func (c *Cache) expireComputer(ctx context.Context, event *bus.Event) error {
	name := event.String("computer")
	if name == "" {
		return nil
	}
	unlock := c.lockEntity(KindComputer, name)
	defer unlock()

	merged := c.existing(ctx, KindComputer, name)
	merged["computer"] = name
	merged["online"] = false
	return c.writeMap(ctx, KindComputer, name, merged)
}

func (c *Cache) mergeTodo(ctx context.Context, event *bus.Event) error {
	id := event.String("todo_id")
	if id == "" {
		return nil
	}
	unlock := c.lockEntity(KindTodo, id)
	defer unlock()
	return c.writeMap(ctx, KindTodo, id, event.Data)
}

func (c *Cache) removeTodo(ctx context.Context, event *bus.Event) error {
	id := event.String("todo_id")
	if id == "" {
		return nil
	}
	unlock := c.lockEntity(KindTodo, id)
	defer unlock()
	if err := c.store.DeleteSnapshot(ctx, KindTodo, id); err != nil {
		return err
	}
	c.notify(KindTodo, id, "")
	return nil
}

// existing returns the current snapshot map for merging, empty when absent.
func (c *Cache) existing(ctx context.Context, kind, id string) map[string]interface{} {
	merged := make(map[string]interface{})
	snap, err := c.store.GetSnapshot(ctx, kind, id)
	if err != nil {
		if !errors.Is(err, store.ErrSnapshotNotFound) {
			c.log.Warn("snapshot read failed",
				zap.String("kind", kind), zap.String("id", id), zap.Error(err))
		}
		return merged
	}
	if err := json.Unmarshal([]byte(snap.DataJSON), &merged); err != nil {
		c.log.Warn("snapshot unmarshal failed",
			zap.String("kind", kind), zap.String("id", id), zap.Error(err))
	}
	return merged
}

func (c *Cache) writeMap(ctx context.Context, kind, id string, data map[string]interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.write(ctx, kind, id, string(raw))
}

func (c *Cache) write(ctx context.Context, kind, id, dataJSON string) error {
	if err := c.store.UpsertSnapshot(ctx, kind, id, dataJSON); err != nil {
		return err
	}
	c.notify(kind, id, dataJSON)
	return nil
}

func (c *Cache) notify(kind, id, dataJSON string) {
	c.mu.Lock()
	subs := make([]Subscriber, 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(kind, id, dataJSON)
	}
}

func (c *Cache) lockEntity(kind, id string) (unlock func()) {
	key := kind + ":" + id
	c.entityMu.Lock()
	mu, ok := c.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		c.locks[key] = mu
	}
	c.entityMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func sessionSnapshot(session *store.Session) string {
	data := map[string]interface{}{
		"session_id": session.ID,
		"tmux_name":  session.TmuxName,
		"agent":      string(session.Agent),
		"status":     string(session.Status),
		"computer":   session.Computer,
	}
	if session.Title != "" {
		data["title"] = session.Title
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
