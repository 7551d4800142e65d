package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/events/bus"
	"github.com/teleclaude/teleclaude/internal/store"
)

func newTestCache(t *testing.T) (*Cache, *store.Store, *bus.MemoryEventBus) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	c := New(st, log)
	require.NoError(t, c.Start(context.Background(), memBus))
	return c, st, memBus
}

func publish(t *testing.T, b *bus.MemoryEventBus, kind string, data map[string]interface{}) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), events.SubjectFor(kind), bus.NewEvent(kind, "test", data)))
}

func snapshotData(t *testing.T, c *Cache, kind, id string) map[string]interface{} {
	t.Helper()
	snap, err := c.Get(context.Background(), kind, id)
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(snap.DataJSON), &data))
	return data
}

func TestSessionLifecycleFoldsIntoSnapshot(t *testing.T) {
	c, _, memBus := newTestCache(t)

	publish(t, memBus, events.SessionStarted, map[string]interface{}{
		"session_id": "sess-1", "agent": "claude", "computer": "laptop", "tmux_name": "tc_abc",
	})
	data := snapshotData(t, c, KindSession, "sess-1")
	assert.Equal(t, "active", data["status"])
	assert.Equal(t, "claude", data["agent"])

	publish(t, memBus, events.SessionCompleted, map[string]interface{}{"session_id": "sess-1"})
	data = snapshotData(t, c, KindSession, "sess-1")
	assert.Equal(t, "idle", data["status"])
	// Merge keeps fields the later event did not carry.
	assert.Equal(t, "claude", data["agent"])

	publish(t, memBus, events.SessionClosed, map[string]interface{}{"session_id": "sess-1"})
	data = snapshotData(t, c, KindSession, "sess-1")
	assert.Equal(t, "closed", data["status"])

	publish(t, memBus, events.SessionDied, map[string]interface{}{"session_id": "sess-2"})
	data = snapshotData(t, c, KindSession, "sess-2")
	assert.Equal(t, "failed", data["status"])
}

func TestAgentActivityUpdatesSession(t *testing.T) {
	c, _, memBus := newTestCache(t)

	publish(t, memBus, events.AgentToolUse, map[string]interface{}{
		"session_id": "sess-1", "tool_name": "Bash",
	})
	data := snapshotData(t, c, KindSession, "sess-1")
	assert.Equal(t, "active", data["status"])
	assert.Equal(t, "Bash", data["tool_name"])
	assert.Equal(t, events.AgentToolUse, data["last_event"])
}

func TestComputerHeartbeatAndExpiry(t *testing.T) {
	c, _, memBus := newTestCache(t)

	publish(t, memBus, events.ComputerHeartbeat, map[string]interface{}{
		"computer": "desktop", "capabilities": []interface{}{"sessions"},
	})
	data := snapshotData(t, c, KindComputer, "desktop")
	assert.Equal(t, true, data["online"])

	publish(t, memBus, events.ComputerExpired, map[string]interface{}{"computer": "desktop"})
	data = snapshotData(t, c, KindComputer, "desktop")
	assert.Equal(t, false, data["online"])
}

func TestTodoLifecycle(t *testing.T) {
	c, _, memBus := newTestCache(t)

	publish(t, memBus, events.TodoCreated, map[string]interface{}{
		"todo_id": "todo-1", "text": "write tests", "session_id": "sess-1",
	})
	data := snapshotData(t, c, KindTodo, "todo-1")
	assert.Equal(t, "write tests", data["text"])

	publish(t, memBus, events.TodoRemoved, map[string]interface{}{"todo_id": "todo-1"})
	_, err := c.Get(context.Background(), KindTodo, "todo-1")
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
}

func TestSubscriberNotified(t *testing.T) {
	c, _, memBus := newTestCache(t)

	var notified []string
	remove := c.Subscribe(func(kind, id, _ string) {
		notified = append(notified, kind+"/"+id)
	})

	publish(t, memBus, events.SessionStarted, map[string]interface{}{"session_id": "sess-1"})
	assert.Equal(t, []string{"session/sess-1"}, notified)

	remove()
	publish(t, memBus, events.SessionUpdated, map[string]interface{}{"session_id": "sess-1"})
	assert.Len(t, notified, 1)
}

func TestTruncateThenWarmRebuildsEquivalentState(t *testing.T) {
	c, st, memBus := newTestCache(t)
	ctx := context.Background()

	session := &store.Session{WorkingDir: "/w", Agent: store.AgentClaude, Thinking: store.ThinkingMed, Computer: "laptop"}
	require.NoError(t, st.CreateSession(ctx, session))
	publish(t, memBus, events.SessionStarted, map[string]interface{}{
		"session_id": session.ID, "agent": "claude", "computer": "laptop", "tmux_name": session.TmuxName,
	})

	before := snapshotData(t, c, KindSession, session.ID)

	require.NoError(t, st.TruncateSnapshots(ctx))
	_, err := c.Get(ctx, KindSession, session.ID)
	require.ErrorIs(t, err, store.ErrSnapshotNotFound)

	require.NoError(t, c.Warm(ctx))
	after := snapshotData(t, c, KindSession, session.ID)

	assert.Equal(t, before["session_id"], after["session_id"])
	assert.Equal(t, before["agent"], after["agent"])
	assert.Equal(t, before["status"], after["status"])
	assert.Equal(t, before["computer"], after["computer"])
}
