// Package handlers binds command kinds to the subsystems that execute them:
// the session manager, the routing resolver, the availability store, the
// next-machine orchestrator, and the cross-machine transport.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/command"
	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/nextmachine"
	"github.com/teleclaude/teleclaude/internal/routing"
	"github.com/teleclaude/teleclaude/internal/session"
	"github.com/teleclaude/teleclaude/internal/store"
)

// RemoteSender is the transport surface deploy-to-peer needs.
type RemoteSender interface {
	SendRequest(ctx context.Context, computer string, payload []byte) ([]byte, error)
}

// agentCommands maps agent names to their launch and resume invocations.
// Unknown agents fall back to their bare name.
var agentCommands = map[string]struct{ launch, resume string }{
	"claude": {"claude", "claude --continue"},
	"gemini": {"gemini", "gemini"},
	"codex":  {"codex", "codex resume --last"},
}

func launchCommand(agent string) string {
	if c, ok := agentCommands[agent]; ok {
		return c.launch
	}
	return agent
}

func resumeCommand(agent string) string {
	if c, ok := agentCommands[agent]; ok {
		return c.resume
	}
	return agent
}

// Set owns the per-kind execution logic.
type Set struct {
	cfg      *config.Config
	store    *store.Store
	sessions *session.Manager
	resolver *routing.Resolver
	ingress  *command.Ingress
	remote   RemoteSender // nil when the transport is disabled
	log      *logger.Logger
}

// New builds the handler set.
func New(cfg *config.Config, st *store.Store, sessions *session.Manager, resolver *routing.Resolver, ingress *command.Ingress, remote RemoteSender, log *logger.Logger) *Set {
	return &Set{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		resolver: resolver,
		ingress:  ingress,
		remote:   remote,
		log:      log.WithComponent("handlers"),
	}
}

// Register wires every command kind into the dispatcher.
func (h *Set) Register(d *command.Dispatcher) {
	d.Register(command.KindNewSession, h.NewSession)
	d.Register(command.KindSendMessage, h.SendMessage)
	d.Register(command.KindEndSession, h.EndSession)
	d.Register(command.KindStartAgent, h.StartAgent)
	d.Register(command.KindResumeAgent, h.ResumeAgent)
	d.Register(command.KindAgentRestart, h.AgentRestart)
	d.Register(command.KindAgentThenMessage, h.AgentThenMessage)
	d.Register(command.KindRunAgentCommand, h.RunAgentCommand)
	d.Register(command.KindDeploy, h.Deploy)
	d.Register(command.KindMarkAgentStatus, h.MarkAgentStatus)
}

// NewSession launches a session: trusted-dir gate, agent resolution, pane
// creation, agent launch, optional first message.
func (h *Set) NewSession(ctx context.Context, cmd *command.Command) error {
	var args command.NewSessionArgs
	if err := cmd.DecodeArgs(&args); err != nil {
		return err
	}
	if !h.cfg.IsTrustedDir(args.WorkingDir) {
		return fmt.Errorf("working dir %s is not trusted", args.WorkingDir)
	}

	agent, err := h.resolver.Resolve(ctx, args.Agent, cmd.Source, "new_session")
	if err != nil {
		return err
	}

	sess, err := h.sessions.Start(ctx, session.StartParams{
		WorkingDir:    args.WorkingDir,
		Agent:         store.AgentKind(agent),
		Thinking:      store.ThinkingMode(args.Thinking),
		Title:         args.Title,
		OriginAdapter: args.OriginAdapter,
		AdapterMeta:   args.AdapterMeta,
		InitialText:   launchCommand(agent),
	})
	if err != nil {
		return err
	}

	if args.InitialText != "" {
		// The first message rides the same lane, so it lands after this
		// command settles and the agent has had a chance to boot.
		followUp := command.SendMessageArgs{SessionID: sess.ID, Text: args.InitialText}
		if err := h.queueFollowUp(ctx, cmd, command.KindSendMessage, followUp); err != nil {
			h.log.Warn("first message enqueue failed",
				zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
	return nil
}

// SendMessage types text into the session's pane.
func (h *Set) SendMessage(ctx context.Context, cmd *command.Command) error {
	var args command.SendMessageArgs
	if err := cmd.DecodeArgs(&args); err != nil {
		return err
	}
	_, err := h.sessions.SendText(ctx, args.SessionID, args.Text)
	return err
}

// EndSession closes the session. Idempotent.
func (h *Set) EndSession(ctx context.Context, cmd *command.Command) error {
	var args command.EndSessionArgs
	if err := cmd.DecodeArgs(&args); err != nil {
		return err
	}
	return h.sessions.Close(ctx, args.SessionID)
}

// StartAgent launches an agent inside an existing session's pane.
func (h *Set) StartAgent(ctx context.Context, cmd *command.Command) error {
	var args command.StartAgentArgs
	if err := cmd.DecodeArgs(&args); err != nil {
		return err
	}
	agent, err := h.resolver.Resolve(ctx, args.Agent, cmd.Source, "start_agent")
	if err != nil {
		return err
	}
	if _, err := h.sessions.SendText(ctx, args.SessionID, launchCommand(agent)); err != nil {
		return err
	}
	return h.sessions.SetAgent(ctx, args.SessionID, store.AgentKind(agent))
}

// ResumeAgent re-attaches the session's most recent agent conversation.
func (h *Set) ResumeAgent(ctx context.Context, cmd *command.Command) error {
	var args command.ResumeAgentArgs
	if err := cmd.DecodeArgs(&args); err != nil {
		return err
	}
	sess, err := h.sessions.Get(ctx, args.SessionID)
	if err != nil {
		return err
	}
	agent, err := h.resolver.Resolve(ctx, string(sess.Agent), cmd.Source, "resume_agent")
	if err != nil {
		return err
	}
	_, err = h.sessions.SendText(ctx, sess.ID, resumeCommand(agent))
	return err
}

// AgentRestart interrupts the running agent and relaunches it.
func (h *Set) AgentRestart(ctx context.Context, cmd *command.Command) error {
	var args command.AgentRestartArgs
	if err := cmd.DecodeArgs(&args); err != nil {
		return err
	}
	sess, err := h.sessions.Get(ctx, args.SessionID)
	if err != nil {
		return err
	}
	agent, err := h.resolver.Resolve(ctx, string(sess.Agent), cmd.Source, "agent_restart")
	if err != nil {
		return err
	}
	if err := h.sessions.Interrupt(ctx, sess.ID); err != nil {
		return err
	}
	// A second interrupt clears agents that trap the first Ctrl-C.
	_ = h.sessions.Interrupt(ctx, sess.ID)
	_, err = h.sessions.SendText(ctx, sess.ID, launchCommand(agent))
	return err
}

// AgentThenMessage starts an agent and queues the first message behind it on
// the same lane.
func (h *Set) AgentThenMessage(ctx context.Context, cmd *command.Command) error {
	var args command.AgentThenMessageArgs
	if err := cmd.DecodeArgs(&args); err != nil {
		return err
	}
	agent, err := h.resolver.Resolve(ctx, args.Agent, cmd.Source, "agent_then_message")
	if err != nil {
		return err
	}
	if _, err := h.sessions.SendText(ctx, args.SessionID, launchCommand(agent)); err != nil {
		return err
	}
	if err := h.sessions.SetAgent(ctx, args.SessionID, store.AgentKind(agent)); err != nil {
		return err
	}
	followUp := command.SendMessageArgs{SessionID: args.SessionID, Text: args.Text}
	return h.queueFollowUp(ctx, cmd, command.KindSendMessage, followUp)
}

// RunAgentCommand sends a slash-command to the session's agent.
func (h *Set) RunAgentCommand(ctx context.Context, cmd *command.Command) error {
	var args command.RunAgentCommandArgs
	if err := cmd.DecodeArgs(&args); err != nil {
		return err
	}
	_, err := h.sessions.SendText(ctx, args.SessionID, args.Command)
	return err
}

// Deploy resolves a work item's next step. A dispatchable step is queued
// locally or forwarded to the named peer; instructions and terminal states
// are logged for the caller to read back.
func (h *Set) Deploy(ctx context.Context, cmd *command.Command) error {
	var args command.DeployArgs
	if err := cmd.DecodeArgs(&args); err != nil {
		return err
	}

	if args.Computer != "" && args.Computer != h.cfg.Computer.Name {
		if h.remote == nil {
			return errors.New("cross-machine deploy requested but transport is disabled")
		}
		payload, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		_, err = h.remote.SendRequest(ctx, args.Computer, payload)
		return err
	}

	root := h.projectRoot()
	if root == "" {
		return errors.New("deploy needs at least one trusted dir as project root")
	}
	outcome, err := nextmachine.New(root, h.log).Resolve(ctx, args.Slug)
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case nextmachine.OutcomeDispatch:
		_, _, err := h.ingress.Submit(ctx, outcome.Command)
		return err
	case nextmachine.OutcomeInstruction:
		h.log.Info("work item needs a human step",
			zap.String("slug", outcome.Slug),
			zap.String("instruction", outcome.Instruction))
		return nil
	default:
		h.log.Info("work item is terminal",
			zap.String("slug", outcome.Slug),
			zap.String("state", outcome.Terminal),
			zap.Strings("blockers", outcome.Blockers))
		return nil
	}
}

// MarkAgentStatus records agent availability with an optional expiry.
func (h *Set) MarkAgentStatus(ctx context.Context, cmd *command.Command) error {
	var args command.MarkAgentStatusArgs
	if err := cmd.DecodeArgs(&args); err != nil {
		return err
	}

	var until *time.Time
	switch {
	case args.UntilUnix > 0:
		t := time.Unix(args.UntilUnix, 0).UTC()
		until = &t
	case args.DurationS > 0:
		t := time.Now().UTC().Add(time.Duration(args.DurationS) * time.Second)
		until = &t
	}
	return h.store.SetAgentAvailability(ctx, args.Agent, store.AvailabilityStatus(args.Status), args.Reason, until)
}

// queueFollowUp enqueues a derived command on the same source lane so lane
// FIFO sequences it after the current one.
func (h *Set) queueFollowUp(ctx context.Context, parent *command.Command, kind command.Kind, args interface{}) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	_, _, err = h.ingress.Submit(ctx, &command.Command{
		Kind:          kind,
		Source:        parent.Source,
		CallerSession: parent.CallerSession,
		Args:          raw,
	})
	return err
}

// projectRoot picks the first trusted dir as the next-machine root.
func (h *Set) projectRoot() string {
	if len(h.cfg.TrustedDirs) > 0 {
		return h.cfg.TrustedDirs[0]
	}
	return ""
}

// NewRemoteRequestHandler accepts commands forwarded by peers: the payload is
// a command envelope re-entered at local ingress on the redis lane.
func NewRemoteRequestHandler(ingress *command.Ingress, log *logger.Logger) func(ctx context.Context, from string, payload []byte) ([]byte, error) {
	remoteLog := log.WithComponent("remote-ingress")
	return func(ctx context.Context, from string, payload []byte) ([]byte, error) {
		var cmd command.Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return nil, fmt.Errorf("malformed remote command: %w", err)
		}
		cmd.Source = command.SourceRedis + ":" + from
		cmd.DedupKey = "" // remote retries are new local submissions
		id, duplicate, err := ingress.Submit(ctx, &cmd)
		if err != nil {
			return nil, err
		}
		remoteLog.Info("remote command accepted",
			zap.String("from", from),
			zap.String("kind", string(cmd.Kind)),
			zap.Int64("queue_id", id))
		return []byte(fmt.Sprintf(`{"id":%d,"duplicate":%t}`, id, duplicate)), nil
	}
}
