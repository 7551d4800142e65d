package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/store"
)

// ErrInvalidCommand wraps all shape-validation failures at ingress.
var ErrInvalidCommand = errors.New("invalid command")

// Ingress validates commands and appends them to the durable queue.
type Ingress struct {
	store *store.Store
	log   *logger.Logger
}

// NewIngress builds the ingress front door.
func NewIngress(st *store.Store, log *logger.Logger) *Ingress {
	return &Ingress{store: st, log: log.WithComponent("ingress")}
}

// Submit validates the command, assigns a dedup key when absent, and persists
// a pending queue entry. Resubmitting the same (source, dedup key) returns
// the original entry id with duplicate=true.
func (i *Ingress) Submit(ctx context.Context, cmd *Command) (id int64, duplicate bool, err error) {
	if err := validate(cmd); err != nil {
		i.log.Warn("rejected command",
			zap.String("kind", string(cmd.Kind)),
			zap.String("source", cmd.Source),
			zap.Error(err))
		return 0, false, err
	}
	if cmd.DedupKey == "" {
		cmd.DedupKey = uuid.New().String()
	}
	cmd.AcceptedAt = time.Now().UTC()

	entry := &store.QueueEntry{
		Kind:          string(cmd.Kind),
		Source:        cmd.Source,
		DedupKey:      cmd.DedupKey,
		PayloadJSON:   string(cmd.Args),
		CallerSession: cmd.CallerSession,
	}
	id, duplicate, err = i.store.Enqueue(ctx, entry)
	if err != nil {
		return 0, false, fmt.Errorf("failed to persist command: %w", err)
	}

	i.log.Info("accepted command",
		zap.String("kind", string(cmd.Kind)),
		zap.String("source", cmd.Source),
		zap.Int64("entry_id", id),
		zap.Bool("duplicate", duplicate))
	return id, duplicate, nil
}

func validate(cmd *Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	if !knownKinds[cmd.Kind] {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCommand, cmd.Kind)
	}
	if cmd.Source == "" {
		return fmt.Errorf("%w: missing source label", ErrInvalidCommand)
	}

	switch cmd.Kind {
	case KindNewSession:
		var args NewSessionArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if args.WorkingDir == "" {
			return fmt.Errorf("%w: new_session requires working_dir", ErrInvalidCommand)
		}
	case KindSendMessage:
		var args SendMessageArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if args.SessionID == "" || args.Text == "" {
			return fmt.Errorf("%w: send_message requires session_id and text", ErrInvalidCommand)
		}
	case KindEndSession:
		var args EndSessionArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if args.SessionID == "" {
			return fmt.Errorf("%w: end_session requires session_id", ErrInvalidCommand)
		}
	case KindStartAgent:
		var args StartAgentArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if args.SessionID == "" || args.Agent == "" {
			return fmt.Errorf("%w: start_agent requires session_id and agent", ErrInvalidCommand)
		}
	case KindResumeAgent, KindAgentRestart:
		var args ResumeAgentArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if args.SessionID == "" {
			return fmt.Errorf("%w: %s requires session_id", ErrInvalidCommand, cmd.Kind)
		}
	case KindAgentThenMessage:
		var args AgentThenMessageArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if args.SessionID == "" || args.Agent == "" || args.Text == "" {
			return fmt.Errorf("%w: agent_then_message requires session_id, agent and text", ErrInvalidCommand)
		}
	case KindRunAgentCommand:
		var args RunAgentCommandArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if args.SessionID == "" || args.Command == "" {
			return fmt.Errorf("%w: run_agent_command requires session_id and command", ErrInvalidCommand)
		}
	case KindDeploy:
		var args DeployArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if args.Slug == "" {
			return fmt.Errorf("%w: deploy requires slug", ErrInvalidCommand)
		}
	case KindMarkAgentStatus:
		var args MarkAgentStatusArgs
		if err := cmd.DecodeArgs(&args); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
		}
		if args.Agent == "" || args.Status == "" {
			return fmt.Errorf("%w: mark_agent_status requires agent and status", ErrInvalidCommand)
		}
		switch store.AvailabilityStatus(args.Status) {
		case store.AgentAvailable, store.AgentUnavailable, store.AgentDegraded:
		default:
			return fmt.Errorf("%w: unknown availability status %q", ErrInvalidCommand, args.Status)
		}
	}
	return nil
}
