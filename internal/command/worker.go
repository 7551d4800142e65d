package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/store"
)

// Handler executes one command kind. Returning an error settles the entry as
// failed; handlers retry transient faults internally, so an error surfaced
// here is final. Only a panic releases the entry for another attempt.
type Handler func(ctx context.Context, cmd *Command) error

const (
	defaultAttemptCeiling = 3
	idlePollInterval      = 250 * time.Millisecond
)

// attemptCeilings overrides the panic-retry budget per kind. Session teardown
// is retried harder because a half-closed session leaks a pane; availability
// marks are never retried.
var attemptCeilings = map[Kind]int{
	KindEndSession:      5,
	KindMarkAgentStatus: 1,
}

// Dispatcher drains the durable queue: one worker goroutine per source class,
// each claiming the oldest pending entry and dispatching by kind.
type Dispatcher struct {
	store    *store.Store
	log      *logger.Logger
	handlers map[Kind]Handler
}

// NewDispatcher builds an empty dispatcher; register handlers before Run.
func NewDispatcher(st *store.Store, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:    st,
		log:      log.WithComponent("dispatcher"),
		handlers: make(map[Kind]Handler),
	}
}

// Register installs the handler for a kind, replacing any previous one.
func (d *Dispatcher) Register(kind Kind, h Handler) {
	d.handlers[kind] = h
}

// Run recovers stranded in-flight entries, then drains the queue with one
// worker per source class until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	recovered, err := d.store.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight commands: %w", err)
	}
	if recovered > 0 {
		d.log.Info("recovered stranded commands", zap.Int64("count", recovered))
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, class := range SourceClasses {
		g.Go(func() error {
			d.runLane(ctx, class)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) runLane(ctx context.Context, class string) {
	log := d.log.WithFields(zap.String("lane", class))
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		entry, err := d.store.ClaimNextPending(ctx, class)
		if err != nil {
			if !errors.Is(err, store.ErrQueueEmpty) && ctx.Err() == nil {
				log.Error("claim failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		d.execute(ctx, log, entry)
	}
}

// execute dispatches one claimed entry and settles its final state. A handler
// panic releases the entry instead of killing the lane.
func (d *Dispatcher) execute(ctx context.Context, log *logger.Logger, entry *store.QueueEntry) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked",
				zap.Int64("entry_id", entry.ID),
				zap.String("kind", entry.Kind),
				zap.Any("panic", r))
			d.settleFailure(ctx, log, entry, fmt.Sprintf("panic: %v", r))
		}
	}()

	handler, ok := d.handlers[Kind(entry.Kind)]
	if !ok {
		log.Error("no handler registered", zap.String("kind", entry.Kind))
		_ = d.store.MarkQueueFailed(ctx, entry.ID, "no handler for kind "+entry.Kind)
		return
	}

	cmd := &Command{
		Kind:          Kind(entry.Kind),
		Source:        entry.Source,
		DedupKey:      entry.DedupKey,
		CallerSession: entry.CallerSession,
		Args:          json.RawMessage(entry.PayloadJSON),
		AcceptedAt:    entry.AcceptedAt,
	}

	start := time.Now()
	if err := handler(ctx, cmd); err != nil {
		log.Warn("command failed",
			zap.Int64("entry_id", entry.ID),
			zap.String("kind", entry.Kind),
			zap.Int("attempt", entry.Attempts),
			zap.Error(err))
		// Handler errors are deterministic (validation, routing rejections,
		// dead sessions); re-running the entry would fail the same way.
		if err := d.store.MarkQueueFailed(ctx, entry.ID, err.Error()); err != nil {
			log.Error("failed to mark failed", zap.Int64("entry_id", entry.ID), zap.Error(err))
		}
		return
	}

	if err := d.store.MarkQueueDelivered(ctx, entry.ID); err != nil {
		log.Error("failed to mark delivered", zap.Int64("entry_id", entry.ID), zap.Error(err))
		return
	}
	log.Debug("command delivered",
		zap.Int64("entry_id", entry.ID),
		zap.String("kind", entry.Kind),
		zap.Duration("took", time.Since(start)))
}

// settleFailure releases a panicked entry for another attempt until its
// ceiling, then fails it terminally.
func (d *Dispatcher) settleFailure(ctx context.Context, log *logger.Logger, entry *store.QueueEntry, reason string) {
	ceiling := defaultAttemptCeiling
	if c, ok := attemptCeilings[Kind(entry.Kind)]; ok {
		ceiling = c
	}
	if entry.Attempts >= ceiling {
		if err := d.store.MarkQueueFailed(ctx, entry.ID, reason); err != nil {
			log.Error("failed to mark failed", zap.Int64("entry_id", entry.ID), zap.Error(err))
		}
		return
	}
	if err := d.store.ReleaseToPending(ctx, entry.ID, reason); err != nil {
		log.Error("failed to release for retry", zap.Int64("entry_id", entry.ID), zap.Error(err))
	}
}
