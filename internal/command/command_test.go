package command

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestSourceClass(t *testing.T) {
	assert.Equal(t, "telegram", SourceClass("telegram:12345"))
	assert.Equal(t, "api", SourceClass("api"))
}

func TestIngressValidation(t *testing.T) {
	ingress := NewIngress(newTestStore(t), testLogger(t))
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  *Command
	}{
		{"unknown kind", &Command{Kind: "bogus", Source: "api"}},
		{"missing source", &Command{Kind: KindNewSession, Args: args(t, NewSessionArgs{WorkingDir: "/w"})}},
		{"new_session without working_dir", &Command{Kind: KindNewSession, Source: "api", Args: args(t, NewSessionArgs{})}},
		{"send_message without text", &Command{Kind: KindSendMessage, Source: "api", Args: args(t, SendMessageArgs{SessionID: "s"})}},
		{"end_session without session", &Command{Kind: KindEndSession, Source: "api", Args: args(t, EndSessionArgs{})}},
		{"mark_agent_status bad status", &Command{Kind: KindMarkAgentStatus, Source: "cli",
			Args: args(t, MarkAgentStatusArgs{Agent: "claude", Status: "busy"})}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ingress.Submit(ctx, tc.cmd)
			assert.ErrorIs(t, err, ErrInvalidCommand)
		})
	}
}

func TestIngressAcceptAndDedup(t *testing.T) {
	ingress := NewIngress(newTestStore(t), testLogger(t))
	ctx := context.Background()

	cmd := &Command{
		Kind:     KindSendMessage,
		Source:   "telegram:42",
		DedupKey: "update-7",
		Args:     args(t, SendMessageArgs{SessionID: "sess-1", Text: "hello"}),
	}
	id, dup, err := ingress.Submit(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, dup)

	// Same platform update resubmitted (e.g. webhook retry).
	id2, dup, err := ingress.Submit(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, id, id2)
}

func TestIngressAssignsDedupKey(t *testing.T) {
	ingress := NewIngress(newTestStore(t), testLogger(t))

	cmd := &Command{
		Kind:   KindNewSession,
		Source: "api",
		Args:   args(t, NewSessionArgs{WorkingDir: "/work", Agent: "claude"}),
	}
	_, _, err := ingress.Submit(context.Background(), cmd)
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.DedupKey)
}

func TestDispatcherDeliversCommand(t *testing.T) {
	st := newTestStore(t)
	log := testLogger(t)
	ingress := NewIngress(st, log)
	dispatcher := NewDispatcher(st, log)
	ctx := context.Background()

	done := make(chan *Command, 1)
	dispatcher.Register(KindSendMessage, func(_ context.Context, cmd *Command) error {
		done <- cmd
		return nil
	})

	id, _, err := ingress.Submit(ctx, &Command{
		Kind:   KindSendMessage,
		Source: "api",
		Args:   args(t, SendMessageArgs{SessionID: "sess-1", Text: "hi"}),
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = dispatcher.Run(runCtx) }()

	select {
	case cmd := <-done:
		assert.Equal(t, KindSendMessage, cmd.Kind)
		var got SendMessageArgs
		require.NoError(t, cmd.DecodeArgs(&got))
		assert.Equal(t, "hi", got.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	require.Eventually(t, func() bool {
		entry, err := st.GetQueueEntry(ctx, id)
		return err == nil && entry.State == store.QueueDone
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDispatcherFailsHandlerErrorTerminally(t *testing.T) {
	st := newTestStore(t)
	log := testLogger(t)
	ingress := NewIngress(st, log)
	dispatcher := NewDispatcher(st, log)
	ctx := context.Background()

	attempts := make(chan int, 16)
	dispatcher.Register(KindNewSession, func(_ context.Context, _ *Command) error {
		attempts <- 1
		return errors.New("working_dir is not trusted")
	})

	id, _, err := ingress.Submit(ctx, &Command{
		Kind:   KindNewSession,
		Source: "api",
		Args:   args(t, NewSessionArgs{WorkingDir: "/w"}),
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = dispatcher.Run(runCtx) }()

	require.Eventually(t, func() bool {
		entry, err := st.GetQueueEntry(ctx, id)
		return err == nil && entry.State == store.QueueFailed
	}, 5*time.Second, 20*time.Millisecond)

	// A rejection would reject identically on every retry, so the entry fails
	// after a single attempt.
	entry, err := st.GetQueueEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, "working_dir is not trusted", entry.LastError)
	assert.Len(t, attempts, 1)
}

func TestDispatcherPanicRetriesToCeiling(t *testing.T) {
	st := newTestStore(t)
	log := testLogger(t)
	ingress := NewIngress(st, log)
	dispatcher := NewDispatcher(st, log)
	ctx := context.Background()

	attempts := make(chan int, 16)
	dispatcher.Register(KindNewSession, func(_ context.Context, _ *Command) error {
		attempts <- 1
		panic("tmux bridge wedged")
	})

	id, _, err := ingress.Submit(ctx, &Command{
		Kind:   KindNewSession,
		Source: "api",
		Args:   args(t, NewSessionArgs{WorkingDir: "/w"}),
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = dispatcher.Run(runCtx) }()

	require.Eventually(t, func() bool {
		entry, err := st.GetQueueEntry(ctx, id)
		return err == nil && entry.State == store.QueueFailed
	}, 5*time.Second, 20*time.Millisecond)

	entry, err := st.GetQueueEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, defaultAttemptCeiling, entry.Attempts)
	assert.Contains(t, entry.LastError, "tmux bridge wedged")
	assert.Len(t, attempts, defaultAttemptCeiling)
}

func TestDispatcherSurvivesHandlerPanic(t *testing.T) {
	st := newTestStore(t)
	log := testLogger(t)
	ingress := NewIngress(st, log)
	dispatcher := NewDispatcher(st, log)
	ctx := context.Background()

	calls := 0
	done := make(chan struct{})
	dispatcher.Register(KindEndSession, func(_ context.Context, _ *Command) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		close(done)
		return nil
	})

	id, _, err := ingress.Submit(ctx, &Command{
		Kind:   KindEndSession,
		Source: "api",
		Args:   args(t, EndSessionArgs{SessionID: "sess-1"}),
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = dispatcher.Run(runCtx) }()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("entry was not retried after panic")
	}

	require.Eventually(t, func() bool {
		entry, err := st.GetQueueEntry(ctx, id)
		return err == nil && entry.State == store.QueueDone
	}, 2*time.Second, 20*time.Millisecond)
}
