package hooks

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return log
}

type blockDecider struct {
	resp *Response
	err  error
}

func (d *blockDecider) DecideStop(_ context.Context, _ *Request) (*Response, error) {
	return d.resp, d.err
}

func TestRequestValidate(t *testing.T) {
	assert.Error(t, (&Request{Hook: "bogus", SessionID: "s"}).Validate())
	assert.Error(t, (&Request{Hook: HookStop}).Validate())
	assert.Error(t, (&Request{Hook: HookPreToolUse, SessionID: "s"}).Validate())
	assert.NoError(t, (&Request{Hook: HookPreToolUse, SessionID: "s", ToolName: "Bash"}).Validate())
	assert.NoError(t, (&Request{Hook: HookStop, SessionID: "s"}).Validate())
}

func TestHandlePersistsAndAcks(t *testing.T) {
	st := newTestStore(t)
	receiver := NewReceiver(st, nil, "", testLogger(t))
	ctx := context.Background()

	resp := receiver.Handle(ctx, &Request{
		Hook:      HookPostToolUse,
		SessionID: "sess-1",
		Agent:     "claude",
		ToolName:  "Edit",
		Preview:   "internal/store/store.go",
	})
	assert.Empty(t, resp.Decision)

	depth, err := st.PendingOutboxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	entry, err := st.ClaimOutbox(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, HookPostToolUse, entry.Hook)
	assert.Equal(t, "Edit", entry.ToolName)

	var stored Request
	require.NoError(t, json.Unmarshal([]byte(entry.PayloadJSON), &stored))
	assert.Equal(t, "sess-1", stored.SessionID)
}

func TestHandleRejectsInvalidWithoutPersisting(t *testing.T) {
	st := newTestStore(t)
	receiver := NewReceiver(st, nil, "", testLogger(t))

	resp := receiver.Handle(context.Background(), &Request{Hook: "bogus"})
	assert.Empty(t, resp.Decision)

	depth, err := st.PendingOutboxDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestHandleStopConsultsDecider(t *testing.T) {
	st := newTestStore(t)
	decider := &blockDecider{resp: &Response{Decision: "block", Reason: "run the tests first"}}
	receiver := NewReceiver(st, decider, "", testLogger(t))

	resp := receiver.Handle(context.Background(), &Request{Hook: HookStop, SessionID: "sess-1"})
	assert.Equal(t, "block", resp.Decision)
	assert.Equal(t, "run the tests first", resp.Reason)

	// Non-stop hooks never consult the decider's block.
	resp = receiver.Handle(context.Background(), &Request{Hook: HookUserPromptSubmit, SessionID: "sess-1"})
	assert.Empty(t, resp.Decision)
}

func TestReceiverOverSocket(t *testing.T) {
	st := newTestStore(t)
	socketPath := filepath.Join(t.TempDir(), "hooks.sock")
	decider := &blockDecider{resp: &Response{Decision: "block", Reason: "commit your work"}}
	receiver := NewReceiver(st, decider, socketPath, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = receiver.Run(ctx) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial("unix", socketPath)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer func() { _ = conn.Close() }()

	require.NoError(t, json.NewEncoder(conn).Encode(&Request{Hook: HookStop, SessionID: "sess-1"}))

	var resp Response
	require.NoError(t, json.NewDecoder(conn).Decode(&resp))
	assert.Equal(t, "block", resp.Decision)
	assert.Equal(t, "commit your work", resp.Reason)
}

type recordingRouter struct {
	mu      sync.Mutex
	entries []*store.OutboxEntry
	failFor map[int64]int // outbox id -> remaining failures
}

func (r *recordingRouter) RouteHook(_ context.Context, entry *store.OutboxEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor != nil && r.failFor[entry.ID] > 0 {
		r.failFor[entry.ID]--
		return assert.AnError
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingRouter) routed() []*store.OutboxEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*store.OutboxEntry(nil), r.entries...)
}

func processorConfig() config.HooksConfig {
	return config.HooksConfig{LockTTLS: 60, WatchdogS: 1}
}

func TestProcessorDrainsInOrder(t *testing.T) {
	st := newTestStore(t)
	router := &recordingRouter{}
	proc := NewProcessor(st, router, processorConfig(), testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, hook := range []string{HookUserPromptSubmit, HookPreToolUse, HookPostToolUse} {
		require.NoError(t, st.InsertOutbox(ctx, &store.OutboxEntry{
			Hook: hook, SessionID: "sess-1", ToolName: "Bash",
		}))
	}

	go proc.Run(ctx)

	require.Eventually(t, func() bool {
		return len(router.routed()) == 3
	}, 3*time.Second, 20*time.Millisecond)

	got := router.routed()
	assert.Equal(t, HookUserPromptSubmit, got[0].Hook)
	assert.Equal(t, HookPreToolUse, got[1].Hook)
	assert.Equal(t, HookPostToolUse, got[2].Hook)

	depth, err := st.PendingOutboxDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestProcessorRetriesFailedRoute(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entry := &store.OutboxEntry{Hook: HookStop, SessionID: "sess-1"}
	require.NoError(t, st.InsertOutbox(ctx, entry))

	router := &recordingRouter{failFor: map[int64]int{entry.ID: 2}}
	proc := NewProcessor(st, router, processorConfig(), testLogger(t))
	go proc.Run(ctx)

	require.Eventually(t, func() bool {
		return len(router.routed()) == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, entry.ID, router.routed()[0].ID)
}
