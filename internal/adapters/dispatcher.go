package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/events/bus"
	"github.com/teleclaude/teleclaude/internal/store"
)

const (
	defaultLaneDepth = 64

	// quarantineAfter is the consecutive-failure count that benches a lane
	// until its adapter's health check recovers.
	quarantineAfter = 3

	healthInterval = 5 * time.Second

	// readyAttempts bounds how long a lane waits for the session's channel
	// to exist before dropping the event.
	readyAttempts = 5
)

// Dispatcher fans domain events out to UI adapters. One lane per adapter:
// a slow or failing adapter never blocks another.
type Dispatcher struct {
	registry  *Registry
	store     *store.Store
	laneDepth int
	log       *logger.Logger

	mu      sync.Mutex
	baseCtx context.Context
	lanes   map[string]*lane
}

type lane struct {
	adapter UIAdapter
	queue   chan *bus.Event
	log     *logger.Logger
	store   *store.Store

	mu       sync.Mutex
	dropped  int
	failures int
	waitFor  time.Duration // backoff applied before the next attempt
	backoff  *backoff.ExponentialBackOff
}

// NewDispatcher builds the fan-out dispatcher.
func NewDispatcher(registry *Registry, st *store.Store, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		store:     st,
		laneDepth: defaultLaneDepth,
		log:       log.WithComponent("dispatcher"),
		lanes:     make(map[string]*lane),
	}
}

// Run subscribes to all domain subjects and dispatches until ctx ends.
func (d *Dispatcher) Run(ctx context.Context, eventBus bus.EventBus) error {
	d.mu.Lock()
	d.baseCtx = ctx
	d.mu.Unlock()

	subjects := []string{
		events.SubjectSessions,
		events.SubjectActivity,
		events.SubjectComputers,
		events.SubjectTodos,
	}
	for _, subject := range subjects {
		if _, err := eventBus.Subscribe(subject, func(ctx context.Context, e *bus.Event) error {
			d.Dispatch(ctx, e)
			return nil
		}); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

// Dispatch hands one event to every registered adapter's lane. Lane overflow
// drops the event for that lane with a logged counter, never blocking.
func (d *Dispatcher) Dispatch(_ context.Context, event *bus.Event) {
	for _, adapter := range d.registry.UIs() {
		l := d.laneFor(adapter)
		select {
		case l.queue <- event:
		default:
			l.mu.Lock()
			l.dropped++
			dropped := l.dropped
			l.mu.Unlock()
			l.log.Warn("lane overflow, event dropped",
				zap.String("event_type", event.Type),
				zap.Int("dropped_total", dropped))
		}
	}
}

// Dropped reports how many events a lane has shed, for observability.
func (d *Dispatcher) Dropped(adapterID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lanes[adapterID]; ok {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.dropped
	}
	return 0
}

func (d *Dispatcher) laneFor(adapter UIAdapter) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lanes[adapter.ID()]; ok {
		return l
	}

	l := &lane{
		adapter: adapter,
		queue:   make(chan *bus.Event, d.laneDepth),
		log:     d.log.WithAdapter(adapter.ID()),
		store:   d.store,
		backoff: newLaneBackoff(),
	}
	d.lanes[adapter.ID()] = l

	ctx := d.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go l.run(ctx)
	return l
}

func newLaneBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return b
}

func (l *lane) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-l.queue:
			l.deliver(ctx, event)
		}
	}
}

// deliver pushes one event through readiness gating, digest dedup, and the
// adapter call. A failure is logged and backs the lane off; the event itself
// is not retried.
func (l *lane) deliver(ctx context.Context, event *bus.Event) {
	l.mu.Lock()
	failures := l.failures
	wait := l.waitFor
	l.mu.Unlock()

	if failures >= quarantineAfter {
		if !l.awaitHealth(ctx) {
			return
		}
		l.reset()
	} else if wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	sessionID := event.String("session_id")
	if sessionID != "" && !l.awaitReady(ctx, sessionID) {
		l.log.Debug("channel never became ready, dropping event",
			zap.String("event_type", event.Type),
			zap.String("session_id", sessionID))
		return
	}

	digest := event.String("digest")
	if digest != "" {
		seen, err := l.store.WasDelivered(ctx, l.adapter.ID(), digest)
		if err == nil && seen {
			return
		}
	}

	if err := l.adapter.DeliverEvent(ctx, event); err != nil {
		l.mu.Lock()
		l.failures++
		l.waitFor = l.backoff.NextBackOff()
		failures := l.failures
		l.mu.Unlock()
		l.log.Warn("delivery failed",
			zap.String("event_type", event.Type),
			zap.String("session_id", sessionID),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
		return
	}

	l.reset()
	if digest != "" {
		if err := l.store.MarkDelivered(ctx, l.adapter.ID(), sessionID, digest); err != nil {
			l.log.Warn("digest persist failed", zap.Error(err))
		}
	}
}

func (l *lane) reset() {
	l.mu.Lock()
	l.failures = 0
	l.waitFor = 0
	l.backoff.Reset()
	l.mu.Unlock()
}

// awaitHealth polls the adapter's health check while quarantined.
func (l *lane) awaitHealth(ctx context.Context) bool {
	l.log.Warn("lane quarantined, waiting for adapter health")
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		if l.adapter.Healthy(ctx) {
			l.log.Info("adapter recovered, lane resuming")
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// awaitReady retries readiness a bounded number of times with backoff.
func (l *lane) awaitReady(ctx context.Context, sessionID string) bool {
	wait := 100 * time.Millisecond
	for attempt := 0; attempt < readyAttempts; attempt++ {
		if l.adapter.Ready(ctx, sessionID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		wait *= 2
	}
	return l.adapter.Ready(ctx, sessionID)
}
