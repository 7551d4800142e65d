package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/events/bus"
	"github.com/teleclaude/teleclaude/internal/hooks"
	"github.com/teleclaude/teleclaude/internal/store"
)

type paneRecorder struct {
	injected []string
}

func (p *paneRecorder) SendText(_ context.Context, _ string, text string) (string, error) {
	p.injected = append(p.injected, text)
	return "", nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store, *bus.MemoryEventBus, *paneRecorder) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	pane := &paneRecorder{}
	c := New(st, memBus, pane, true, log)
	c.diffFn = func(context.Context, string) ([]string, error) { return nil, nil }
	return c, st, memBus, pane
}

func createSession(t *testing.T, st *store.Store) *store.Session {
	t.Helper()
	session := &store.Session{WorkingDir: "/work", Agent: store.AgentClaude, Thinking: store.ThinkingMed}
	require.NoError(t, st.CreateSession(context.Background(), session))
	return session
}

func TestRouteHookPublishesAndNotifiesListeners(t *testing.T) {
	c, _, memBus, _ := newTestCoordinator(t)
	ctx := context.Background()

	var published []string
	_, err := memBus.Subscribe(events.SubjectActivity, func(_ context.Context, e *bus.Event) error {
		published = append(published, e.Type)
		return nil
	})
	require.NoError(t, err)

	var got []*store.OutboxEntry
	remove := c.AddListener("sess-1", func(_ context.Context, entry *store.OutboxEntry) {
		got = append(got, entry)
	})

	require.NoError(t, c.RouteHook(ctx, &store.OutboxEntry{Hook: hooks.HookPreToolUse, SessionID: "sess-1", ToolName: "Bash"}))
	require.NoError(t, c.RouteHook(ctx, &store.OutboxEntry{Hook: hooks.HookPostToolUse, SessionID: "other", ToolName: "Bash"}))

	require.Len(t, got, 1)
	assert.Equal(t, "Bash", got[0].ToolName)
	assert.Equal(t, []string{events.AgentToolUse, events.AgentToolDone}, published)

	remove()
	require.NoError(t, c.RouteHook(ctx, &store.OutboxEntry{Hook: hooks.HookStop, SessionID: "sess-1"}))
	assert.Len(t, got, 1)
}

func TestRouteHookPublishesTodoSnapshots(t *testing.T) {
	c, _, memBus, _ := newTestCoordinator(t)
	ctx := context.Background()

	var published []*bus.Event
	_, err := memBus.Subscribe(events.SubjectTodos, func(_ context.Context, e *bus.Event) error {
		published = append(published, e)
		return nil
	})
	require.NoError(t, err)

	todoEntry := func(todos string) *store.OutboxEntry {
		platform := `{"tool_input":{"todos":` + todos + `}}`
		raw, err := json.Marshal(map[string]string{"payload": platform})
		require.NoError(t, err)
		return &store.OutboxEntry{
			Hook:        hooks.HookPostToolUse,
			SessionID:   "sess-1",
			ToolName:    "TodoWrite",
			PayloadJSON: string(raw),
		}
	}

	require.NoError(t, c.RouteHook(ctx, todoEntry(
		`[{"content":"write tests","status":"pending"},{"content":"ship","status":"pending"}]`)))
	require.Len(t, published, 2)
	assert.Equal(t, events.TodoCreated, published[0].Type)
	assert.Equal(t, "sess-1:0", published[0].String("todo_id"))
	assert.Equal(t, "write tests", published[0].String("content"))
	assert.Equal(t, events.TodoCreated, published[1].Type)

	// The list shrinks to one completed item: one update plus one removal.
	published = nil
	require.NoError(t, c.RouteHook(ctx, todoEntry(
		`[{"content":"write tests","status":"completed"}]`)))
	require.Len(t, published, 2)
	assert.Equal(t, events.TodoUpdated, published[0].Type)
	assert.Equal(t, "completed", published[0].String("status"))
	assert.Equal(t, events.TodoRemoved, published[1].Type)
	assert.Equal(t, "sess-1:1", published[1].String("todo_id"))

	// Other tools never produce todo events.
	published = nil
	require.NoError(t, c.RouteHook(ctx, &store.OutboxEntry{
		Hook: hooks.HookPostToolUse, SessionID: "sess-1", ToolName: "Bash"}))
	assert.Empty(t, published)
}

func TestWaitForStopIsOneShot(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	ch := c.WaitForStop("sess-1")
	require.NoError(t, c.RouteHook(ctx, &store.OutboxEntry{Hook: hooks.HookStop, SessionID: "sess-1"}))

	select {
	case entry := <-ch:
		assert.Equal(t, hooks.HookStop, entry.Hook)
	default:
		t.Fatal("stop waiter was not notified")
	}

	// Second stop does not reach the consumed waiter.
	require.NoError(t, c.RouteHook(ctx, &store.OutboxEntry{Hook: hooks.HookStop, SessionID: "sess-1"}))
	select {
	case <-ch:
		t.Fatal("one-shot waiter notified twice")
	default:
	}
}

func TestDecideStopBlocksOnDirtyTree(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	session := createSession(t, st)
	c.diffFn = func(context.Context, string) ([]string, error) {
		return []string{"daemon/core.py"}, nil
	}

	resp, err := c.DecideStop(context.Background(), &hooks.Request{
		Hook: hooks.HookStop, SessionID: session.ID, Agent: "claude", TurnID: "turn-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "block", resp.Decision)
	assert.Contains(t, resp.Reason, "restart service")

	got, err := st.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, "turn-1", got.LastBlockTurnID)
}

func TestDecideStopAtMostOneBlockPerTurn(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	session := createSession(t, st)
	c.diffFn = func(context.Context, string) ([]string, error) {
		return []string{"daemon/core.py"}, nil
	}

	req := &hooks.Request{Hook: hooks.HookStop, SessionID: session.ID, Agent: "claude", TurnID: "turn-1"}

	first, err := c.DecideStop(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "block", first.Decision)

	// Same turn stops again: always pass through.
	second, err := c.DecideStop(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, second.Decision)

	// A new turn may block again.
	req.TurnID = "turn-2"
	third, err := c.DecideStop(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "block", third.Decision)
}

func TestDecideStopPassThroughCases(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	session := createSession(t, st)

	// Clean tree.
	resp, err := c.DecideStop(context.Background(), &hooks.Request{
		Hook: hooks.HookStop, SessionID: session.ID, Agent: "claude", TurnID: "t",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Decision)

	// stop_hook_active: the agent is already answering a block.
	c.diffFn = func(context.Context, string) ([]string, error) {
		return []string{"daemon/core.py"}, nil
	}
	resp, err = c.DecideStop(context.Background(), &hooks.Request{
		Hook: hooks.HookStop, SessionID: session.ID, Agent: "claude", StopHookActive: true,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Decision)

	// Unknown session fails open.
	resp, err = c.DecideStop(context.Background(), &hooks.Request{
		Hook: hooks.HookStop, SessionID: "missing", Agent: "claude",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Decision)

	// Diff failure fails open.
	c.diffFn = func(context.Context, string) ([]string, error) {
		return nil, errors.New("not a git repository")
	}
	resp, err = c.DecideStop(context.Background(), &hooks.Request{
		Hook: hooks.HookStop, SessionID: session.ID, Agent: "claude",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Decision)
}

func TestDecideStopInjectsPaneForNonNativeAgents(t *testing.T) {
	c, st, _, pane := newTestCoordinator(t)
	session := createSession(t, st)
	c.diffFn = func(context.Context, string) ([]string, error) {
		return []string{"daemon/core.py"}, nil
	}

	resp, err := c.DecideStop(context.Background(), &hooks.Request{
		Hook: hooks.HookStop, SessionID: session.ID, Agent: "gemini", TurnID: "turn-1",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Decision)
	require.Len(t, pane.injected, 1)
	assert.Contains(t, pane.injected[0], "restart service")
}

func TestDecideStopDisabled(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	c.enabled = false
	session := createSession(t, st)
	c.diffFn = func(context.Context, string) ([]string, error) {
		return []string{"daemon/core.py"}, nil
	}

	resp, err := c.DecideStop(context.Background(), &hooks.Request{
		Hook: hooks.HookStop, SessionID: session.ID, Agent: "claude",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Decision)
}
