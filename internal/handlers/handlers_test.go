package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleclaude/teleclaude/internal/command"
	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/events/bus"
	"github.com/teleclaude/teleclaude/internal/routing"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/store"
)

type fakeBridge struct {
	mu    sync.Mutex
	panes map[string]bool
	sent  []string
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{panes: make(map[string]bool)}
}

func (f *fakeBridge) Create(_ context.Context, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panes[name] = true
	return nil
}

func (f *fakeBridge) Kill(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.panes, name)
	return nil
}

func (f *fakeBridge) Exists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.panes[name], nil
}

func (f *fakeBridge) SendKeys(_ context.Context, name, text string, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.panes[name] {
		return "", errors.New("no such pane")
	}
	f.sent = append(f.sent, text)
	return "feedfacefeedface", nil
}

func (f *fakeBridge) Interrupt(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.panes[name] {
		return errors.New("no such pane")
	}
	f.sent = append(f.sent, "\x03")
	return nil
}

func (f *fakeBridge) sentCopy() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type noopPollers struct{}

func (noopPollers) Register(*store.Session, string) {}
func (noopPollers) Deregister(string)               {}

type fakeRemote struct {
	mu       sync.Mutex
	requests map[string][]byte
}

func (f *fakeRemote) SendRequest(_ context.Context, computer string, payload []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requests == nil {
		f.requests = make(map[string][]byte)
	}
	f.requests[computer] = payload
	return []byte(`{"id":1,"duplicate":false}`), nil
}

type harness struct {
	set     *Set
	store   *store.Store
	bridge  *fakeBridge
	remote  *fakeRemote
	manager *session.Manager
	ingress *command.Ingress
}

func newHarness(t *testing.T, trusted []string) *harness {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	cfg := &config.Config{
		Computer:    config.ComputerConfig{Name: "laptop"},
		TrustedDirs: trusted,
		Agents: map[string]config.AgentConfig{
			"claude": {Enabled: true},
			"gemini": {Enabled: true},
		},
	}

	bridge := newFakeBridge()
	memBus := bus.NewMemoryEventBus(log)
	mgr := session.NewManager(st, bridge, memBus, noopPollers{}, filepath.Join(t.TempDir(), "out"), "laptop", log)
	resolver := routing.NewResolver(cfg.Agents, st, log)
	ingress := command.NewIngress(st, log)
	remote := &fakeRemote{}

	return &harness{
		set:     New(cfg, st, mgr, resolver, ingress, remote, log),
		store:   st,
		bridge:  bridge,
		remote:  remote,
		manager: mgr,
		ingress: ingress,
	}
}

func makeCommand(t *testing.T, kind command.Kind, source string, args interface{}) *command.Command {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return &command.Command{Kind: kind, Source: source, Args: raw}
}

func TestNewSessionLaunchesAgentAndQueuesFirstMessage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cmd := makeCommand(t, command.KindNewSession, "telegram:42", command.NewSessionArgs{
		WorkingDir:  "/work",
		Agent:       "claude",
		InitialText: "summarize the failing tests",
	})
	require.NoError(t, h.set.NewSession(ctx, cmd))

	assert.Equal(t, []string{"claude"}, h.bridge.sentCopy())

	// The first message waits behind the launch on the telegram lane.
	entry, err := h.store.ClaimNextPending(ctx, "telegram")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, string(command.KindSendMessage), entry.Kind)
	assert.Equal(t, "telegram:42", entry.Source)
	assert.Contains(t, entry.PayloadJSON, "summarize the failing tests")
}

func TestNewSessionRejectsUntrustedDir(t *testing.T) {
	h := newHarness(t, []string{"/safe"})

	cmd := makeCommand(t, command.KindNewSession, "api:rest", command.NewSessionArgs{
		WorkingDir: "/elsewhere",
		Agent:      "claude",
	})
	err := h.set.NewSession(context.Background(), cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not trusted")
	assert.Empty(t, h.bridge.sentCopy())
}

func TestNewSessionRejectsUnroutableAgent(t *testing.T) {
	h := newHarness(t, nil)

	cmd := makeCommand(t, command.KindNewSession, "api:rest", command.NewSessionArgs{
		WorkingDir: "/work",
		Agent:      "cursor",
	})
	err := h.set.NewSession(context.Background(), cmd)
	require.Error(t, err)
	var rejection *routing.Rejection
	assert.ErrorAs(t, err, &rejection)
}

func TestStartAgentLaunchesAndRecords(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sess, err := h.manager.Start(ctx, session.StartParams{WorkingDir: "/work", Agent: store.AgentClaude})
	require.NoError(t, err)

	cmd := makeCommand(t, command.KindStartAgent, "api:ws", command.StartAgentArgs{
		SessionID: sess.ID,
		Agent:     "gemini",
	})
	require.NoError(t, h.set.StartAgent(ctx, cmd))

	assert.Contains(t, h.bridge.sentCopy(), "gemini")
	got, err := h.manager.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AgentGemini, got.Agent)
}

func TestResumeAgentUsesResumeInvocation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sess, err := h.manager.Start(ctx, session.StartParams{WorkingDir: "/work", Agent: store.AgentClaude})
	require.NoError(t, err)

	cmd := makeCommand(t, command.KindResumeAgent, "mcp", command.ResumeAgentArgs{SessionID: sess.ShortID()})
	require.NoError(t, h.set.ResumeAgent(ctx, cmd))

	assert.Contains(t, h.bridge.sentCopy(), "claude --continue")
}

func TestAgentRestartInterruptsThenRelaunches(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sess, err := h.manager.Start(ctx, session.StartParams{WorkingDir: "/work", Agent: store.AgentCodex})
	require.NoError(t, err)
	h.set.cfg.Agents["codex"] = config.AgentConfig{Enabled: true}

	cmd := makeCommand(t, command.KindAgentRestart, "api:rest", command.AgentRestartArgs{SessionID: sess.ID})
	require.NoError(t, h.set.AgentRestart(ctx, cmd))

	sent := h.bridge.sentCopy()
	require.GreaterOrEqual(t, len(sent), 2)
	assert.Equal(t, "\x03", sent[0])
	assert.Equal(t, "codex", sent[len(sent)-1])
}

func TestAgentThenMessageQueuesTextBehindLaunch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sess, err := h.manager.Start(ctx, session.StartParams{WorkingDir: "/work", Agent: store.AgentClaude})
	require.NoError(t, err)

	cmd := makeCommand(t, command.KindAgentThenMessage, "discord:77", command.AgentThenMessageArgs{
		SessionID: sess.ID,
		Agent:     "claude",
		Text:      "run the linter",
	})
	require.NoError(t, h.set.AgentThenMessage(ctx, cmd))

	assert.Contains(t, h.bridge.sentCopy(), "claude")

	entry, err := h.store.ClaimNextPending(ctx, "discord")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, string(command.KindSendMessage), entry.Kind)
	assert.Contains(t, entry.PayloadJSON, "run the linter")
}

func TestRunAgentCommandPassesThrough(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sess, err := h.manager.Start(ctx, session.StartParams{WorkingDir: "/work", Agent: store.AgentClaude})
	require.NoError(t, err)

	cmd := makeCommand(t, command.KindRunAgentCommand, "telegram:1", command.RunAgentCommandArgs{
		SessionID: sess.ID,
		Command:   "/compact",
	})
	require.NoError(t, h.set.RunAgentCommand(ctx, cmd))
	assert.Contains(t, h.bridge.sentCopy(), "/compact")
}

func TestDeployForwardsToNamedPeer(t *testing.T) {
	h := newHarness(t, []string{t.TempDir()})
	ctx := context.Background()

	cmd := makeCommand(t, command.KindDeploy, "api:rest", command.DeployArgs{
		Slug:     "alpha",
		Computer: "desktop",
	})
	require.NoError(t, h.set.Deploy(ctx, cmd))

	payload, ok := h.remote.requests["desktop"]
	require.True(t, ok)
	var forwarded command.Command
	require.NoError(t, json.Unmarshal(payload, &forwarded))
	assert.Equal(t, command.KindDeploy, forwarded.Kind)
}

func TestDeployToPeerFailsWithoutTransport(t *testing.T) {
	h := newHarness(t, []string{t.TempDir()})
	h.set.remote = nil

	cmd := makeCommand(t, command.KindDeploy, "api:rest", command.DeployArgs{
		Slug:     "alpha",
		Computer: "desktop",
	})
	err := h.set.Deploy(context.Background(), cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport is disabled")
}

func TestMarkAgentStatusWithDuration(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cmd := makeCommand(t, command.KindMarkAgentStatus, "cli", command.MarkAgentStatusArgs{
		Agent:     "gemini",
		Status:    "unavailable",
		Reason:    "quota exhausted",
		DurationS: 3600,
	})
	require.NoError(t, h.set.MarkAgentStatus(ctx, cmd))

	av, err := h.store.GetAgentAvailability(ctx, "gemini")
	require.NoError(t, err)
	assert.Equal(t, store.AgentUnavailable, av.Status)
	assert.Equal(t, "quota exhausted", av.Reason)
	require.NotNil(t, av.UnavailableUntil)
}

func TestRemoteRequestHandlerResubmitsLocally(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	handle := NewRemoteRequestHandler(h.ingress, log)

	payload, err := json.Marshal(makeCommand(t, command.KindSendMessage, "api:rest", command.SendMessageArgs{
		SessionID: "abc",
		Text:      "hello from afar",
	}))
	require.NoError(t, err)

	resp, err := handle(ctx, "desktop", payload)
	require.NoError(t, err)
	assert.Contains(t, string(resp), `"duplicate":false`)

	entry, err := h.store.ClaimNextPending(ctx, "redis")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "redis:desktop", entry.Source)

	_, err = handle(ctx, "desktop", []byte("{not json"))
	require.Error(t, err)
}
