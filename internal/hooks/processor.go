package hooks

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/store"
)

// processor poll cadence when the outbox is empty.
const drainInterval = 200 * time.Millisecond

// Router receives drained outbox entries, in acceptance order.
type Router interface {
	RouteHook(ctx context.Context, entry *store.OutboxEntry) error
}

// Processor drains the outbox into the router and runs the expired-lock
// watchdog.
type Processor struct {
	store  *store.Store
	router Router
	cfg    config.HooksConfig
	log    *logger.Logger
}

// NewProcessor builds the outbox processor.
func NewProcessor(st *store.Store, router Router, cfg config.HooksConfig, log *logger.Logger) *Processor {
	return &Processor{
		store:  st,
		router: router,
		cfg:    cfg,
		log:    log.WithComponent("outbox"),
	}
}

// Run drains until ctx is cancelled. The watchdog runs on its own ticker so a
// slow router cannot starve lock recovery.
func (p *Processor) Run(ctx context.Context) {
	go p.runWatchdog(ctx)

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		if !p.drainOne(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// drainOne claims and routes a single entry. Returns false when the outbox
// was empty or the claim contended.
func (p *Processor) drainOne(ctx context.Context) bool {
	entry, err := p.store.ClaimOutbox(ctx, p.cfg.LockTTL())
	if err != nil {
		if !errors.Is(err, store.ErrOutboxEmpty) && ctx.Err() == nil {
			p.log.Error("outbox claim failed", zap.Error(err))
		}
		return false
	}

	if err := p.router.RouteHook(ctx, entry); err != nil {
		p.log.Warn("hook routing failed",
			zap.Int64("outbox_id", entry.ID),
			zap.String("hook", entry.Hook),
			zap.Error(err))
		if relErr := p.store.ReleaseOutbox(ctx, entry.ID, entry.LockToken); relErr != nil {
			p.log.Error("outbox release failed", zap.Int64("outbox_id", entry.ID), zap.Error(relErr))
		}
		return true
	}

	ok, err := p.store.MarkOutboxDelivered(ctx, entry.ID, entry.LockToken)
	if err != nil {
		p.log.Error("outbox delivery mark failed", zap.Int64("outbox_id", entry.ID), zap.Error(err))
		return true
	}
	if !ok {
		// Lock expired mid-route and the watchdog handed the row to someone
		// else; the router must tolerate the duplicate.
		p.log.Warn("outbox lock lost before delivery", zap.Int64("outbox_id", entry.ID))
	}
	return true
}

func (p *Processor) runWatchdog(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WatchdogInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RequeueExpiredOutbox(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("watchdog sweep failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				p.log.Warn("requeued expired outbox locks", zap.Int64("count", n))
			}
		}
	}
}
