// Package session manages agent session lifecycle: creation of the backing
// multiplexer pane, output file provisioning, poller registration, and
// idempotent teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/events/bus"
	"github.com/teleclaude/teleclaude/internal/store"
)

// TerminalBridge is the multiplexer surface the manager needs.
type TerminalBridge interface {
	Create(ctx context.Context, name, cwd string) error
	Kill(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	SendKeys(ctx context.Context, name, text string, appendMarker bool) (string, error)
	Interrupt(ctx context.Context, name string) error
}

// PollerRegistry receives sessions whose output should be watched.
type PollerRegistry interface {
	Register(session *store.Session, markerHash string)
	Deregister(sessionID string)
}

// StartParams describe a session to create.
type StartParams struct {
	WorkingDir    string
	Agent         store.AgentKind
	Thinking      store.ThinkingMode
	Title         string
	OriginAdapter string
	AdapterMeta   string
	InitialText   string // optional first command, sent with exit marker
}

// Manager owns session lifecycle.
type Manager struct {
	store     *store.Store
	bridge    TerminalBridge
	bus       bus.EventBus
	pollers   PollerRegistry
	outputDir string
	computer  string
	log       *logger.Logger
}

// NewManager wires the session manager.
func NewManager(st *store.Store, bridge TerminalBridge, eventBus bus.EventBus, pollers PollerRegistry, outputDir, computer string, log *logger.Logger) *Manager {
	return &Manager{
		store:     st,
		bridge:    bridge,
		bus:       eventBus,
		pollers:   pollers,
		outputDir: outputDir,
		computer:  computer,
		log:       log.WithComponent("session"),
	}
}

// OutputFilePath returns where a session's captured output accumulates.
func (m *Manager) OutputFilePath(session *store.Session) string {
	return filepath.Join(m.outputDir, session.ShortID()+".txt")
}

// Start creates the persistence row, the multiplexer pane, and the output
// file, registers the poller, and emits SessionStarted. The pane name is
// derived from the session id; a clash aborts before any pane is created.
func (m *Manager) Start(ctx context.Context, params StartParams) (*store.Session, error) {
	if params.Thinking == "" {
		params.Thinking = store.ThinkingMed
	}
	session := &store.Session{
		WorkingDir:    params.WorkingDir,
		Agent:         params.Agent,
		Thinking:      params.Thinking,
		Title:         params.Title,
		OriginAdapter: params.OriginAdapter,
		AdapterMeta:   params.AdapterMeta,
		Computer:      m.computer,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if err := m.bridge.Create(ctx, session.TmuxName, session.WorkingDir); err != nil {
		_ = m.store.CloseSession(ctx, session.ID, store.SessionFailed)
		return nil, fmt.Errorf("failed to create pane: %w", err)
	}

	if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
		m.log.Warn("cannot create output dir", zap.String("dir", m.outputDir), zap.Error(err))
	} else if f, err := os.OpenFile(m.OutputFilePath(session), os.O_CREATE|os.O_WRONLY, 0o644); err != nil {
		m.log.Warn("cannot create output file", zap.String("session_id", session.ID), zap.Error(err))
	} else {
		_ = f.Close()
	}

	var markerHash string
	if params.InitialText != "" {
		hash, err := m.bridge.SendKeys(ctx, session.TmuxName, params.InitialText, true)
		if err != nil {
			m.log.Warn("initial command injection failed",
				zap.String("session_id", session.ID), zap.Error(err))
		} else {
			markerHash = hash
		}
	}

	m.pollers.Register(session, markerHash)
	m.publish(ctx, events.SessionStarted, session, nil)
	m.log.Info("session started",
		zap.String("session_id", session.ID),
		zap.String("tmux_name", session.TmuxName),
		zap.String("agent", string(session.Agent)))
	return session, nil
}

// SendText injects text into a session's pane, appending an exit marker when
// the pane sits at the login shell. Returns the marker hash, if any.
func (m *Manager) SendText(ctx context.Context, id, text string) (string, error) {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if session.ClosedAt != nil {
		return "", fmt.Errorf("session %s is closed", session.ShortID())
	}
	hash, err := m.bridge.SendKeys(ctx, session.TmuxName, text, true)
	if err != nil {
		return "", err
	}
	_ = m.store.TouchSession(ctx, session.ID)
	m.pollers.Register(session, hash)
	return hash, nil
}

// Interrupt stops the foreground process in a session's pane.
func (m *Manager) Interrupt(ctx context.Context, id string) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session.ClosedAt != nil {
		return fmt.Errorf("session %s is closed", session.ShortID())
	}
	return m.bridge.Interrupt(ctx, session.TmuxName)
}

// SetAgent records which agent now runs inside the session and announces the
// change.
func (m *Manager) SetAgent(ctx context.Context, id string, agent store.AgentKind) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.UpdateSessionAgent(ctx, session.ID, agent); err != nil {
		return err
	}
	session.Agent = agent
	m.publish(ctx, events.SessionUpdated, session, nil)
	return nil
}

// SetTitle renames a session and announces the change.
func (m *Manager) SetTitle(ctx context.Context, id, title string) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.UpdateSessionTitle(ctx, session.ID, title); err != nil {
		return err
	}
	session.Title = title
	m.publish(ctx, events.SessionUpdated, session, map[string]interface{}{"title": title})
	return nil
}

// Close tears a session down: pane kill, row closure, poller deregistration,
// output file and UX-state cleanup, SessionClosed event. Idempotent.
func (m *Manager) Close(ctx context.Context, id string) error {
	session, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	if session.ClosedAt != nil {
		return nil
	}
	return m.teardown(ctx, session, store.SessionClosed, events.SessionClosed)
}

// Get resolves a session by full or short id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	return m.store.GetSession(ctx, id)
}

// List returns sessions, active-only when requested.
func (m *Manager) List(ctx context.Context, activeOnly bool) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, activeOnly)
}

// SweepDead reconciles live panes against active sessions and closes any
// session whose pane vanished externally.
func (m *Manager) SweepDead(ctx context.Context) error {
	sessions, err := m.store.ListSessions(ctx, true)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		alive, err := m.bridge.Exists(ctx, session.TmuxName)
		if err != nil {
			m.log.Warn("liveness check failed",
				zap.String("session_id", session.ID), zap.Error(err))
			continue
		}
		if alive {
			continue
		}
		m.log.Info("pane vanished, closing session", zap.String("session_id", session.ID))
		if err := m.teardown(ctx, session, store.SessionFailed, events.SessionDied); err != nil {
			m.log.Error("death teardown failed",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	return nil
}

// RunSweeper runs SweepDead on a fixed interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SweepDead(ctx); err != nil && ctx.Err() == nil {
				m.log.Error("death sweep failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) teardown(ctx context.Context, session *store.Session, status store.SessionStatus, eventKind string) error {
	m.pollers.Deregister(session.ID)

	if err := m.bridge.Kill(ctx, session.TmuxName); err != nil {
		m.log.Warn("pane kill failed",
			zap.String("session_id", session.ID), zap.Error(err))
	}
	if err := m.store.CloseSession(ctx, session.ID, status); err != nil {
		return err
	}
	if err := os.Remove(m.OutputFilePath(session)); err != nil && !os.IsNotExist(err) {
		m.log.Warn("output file cleanup failed",
			zap.String("session_id", session.ID), zap.Error(err))
	}
	if err := m.store.DeleteUXStateForSession(ctx, session.ID); err != nil {
		m.log.Warn("ux state cleanup failed",
			zap.String("session_id", session.ID), zap.Error(err))
	}

	m.publish(ctx, eventKind, session, nil)
	return nil
}

func (m *Manager) publish(ctx context.Context, kind string, session *store.Session, extra map[string]interface{}) {
	data := map[string]interface{}{
		"session_id": session.ID,
		"tmux_name":  session.TmuxName,
		"agent":      string(session.Agent),
		"computer":   session.Computer,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := m.bus.Publish(ctx, events.SubjectFor(kind), bus.NewEvent(kind, "session-manager", data)); err != nil {
		m.log.Warn("event publish failed", zap.String("kind", kind), zap.Error(err))
	}
}
