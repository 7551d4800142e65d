// Package poller runs per-session workers that read pane output deltas,
// detect exit markers and idle periods, and emit output events.
package poller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/events/bus"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/tmux"
)

// digestTail bounds how much trailing output feeds the dedup digest.
const digestTail = 512

// CaptureBridge is the multiplexer surface the poller needs.
type CaptureBridge interface {
	Capture(ctx context.Context, name string, cursor int) (string, int, error)
	Exists(ctx context.Context, name string) (bool, error)
}

// Poller owns one worker goroutine per registered session.
type Poller struct {
	bridge CaptureBridge
	store  *store.Store
	bus    bus.EventBus
	cfg    config.PollerConfig
	log    *logger.Logger

	mu      sync.Mutex
	baseCtx context.Context
	workers map[string]*worker
}

type worker struct {
	session    *store.Session
	cancel     context.CancelFunc
	mu         sync.Mutex
	markerHash string
	rearmed    bool
}

// New builds a poller; call Run before registering sessions.
func New(bridge CaptureBridge, st *store.Store, eventBus bus.EventBus, cfg config.PollerConfig, log *logger.Logger) *Poller {
	return &Poller{
		bridge:  bridge,
		store:   st,
		bus:     eventBus,
		cfg:     cfg,
		log:     log.WithComponent("poller"),
		workers: make(map[string]*worker),
	}
}

// Run anchors worker lifetimes to ctx and blocks until it is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()
	<-ctx.Done()
	p.mu.Lock()
	for _, w := range p.workers {
		w.cancel()
	}
	p.workers = make(map[string]*worker)
	p.mu.Unlock()
}

// Register starts (or re-arms) the worker for a session. Re-registering a
// live session updates the expected marker hash and resets the poll budget.
func (p *Poller) Register(session *store.Session, markerHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.workers[session.ID]; ok {
		w.mu.Lock()
		w.markerHash = markerHash
		w.rearmed = true
		w.mu.Unlock()
		return
	}

	base := p.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	w := &worker{session: session, cancel: cancel, markerHash: markerHash}
	p.workers[session.ID] = w
	go p.runWorker(ctx, w)
}

// Deregister stops the worker for a session, if any.
func (p *Poller) Deregister(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[sessionID]; ok {
		w.cancel()
		delete(p.workers, sessionID)
	}
}

// Watching reports whether a session currently has a live worker.
func (p *Poller) Watching(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.workers[sessionID]
	return ok
}

func (p *Poller) remove(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[sessionID]; ok {
		w.cancel()
		delete(p.workers, sessionID)
	}
}

func (p *Poller) runWorker(ctx context.Context, w *worker) {
	session := w.session
	log := p.log.WithSessionID(session.ID)
	defer p.remove(session.ID)

	select {
	case <-ctx.Done():
		return
	case <-time.After(p.cfg.InitialDelay()):
	}

	ticker := time.NewTicker(p.cfg.Interval())
	defer ticker.Stop()

	var (
		cursor       int
		polls        int
		chunk        int
		lastDigest   string
		carry        string
		lastOutput   = time.Now()
		startedAt    = time.Now()
		idleNotified bool
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		w.mu.Lock()
		if w.rearmed {
			// New command in flight: fresh poll budget and idle window.
			w.rearmed = false
			polls = 0
			idleNotified = false
			carry = ""
			lastOutput = time.Now()
			startedAt = time.Now()
		}
		markerHash := w.markerHash
		w.mu.Unlock()

		polls++
		if polls > p.cfg.MaxPolls {
			log.Warn("poll budget exhausted, stopping worker")
			return
		}

		alive, err := p.bridge.Exists(ctx, session.TmuxName)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("liveness check failed", zap.Error(err))
			continue
		}
		if !alive {
			p.publish(ctx, events.SessionDied, session, nil)
			return
		}

		delta, newCursor, err := p.bridge.Capture(ctx, session.TmuxName, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("capture failed", zap.Error(err))
			continue
		}
		cursor = newCursor

		if delta == "" {
			if !idleNotified && time.Since(lastOutput) >= p.cfg.IdleNotification() {
				idleNotified = true
				p.publish(ctx, events.SessionIdle, session, map[string]interface{}{
					"idle_seconds": int(time.Since(lastOutput).Seconds()),
				})
			}
			continue
		}

		lastOutput = time.Now()
		if idleNotified {
			// Output resumed: tell adapters to drop the idle notice.
			idleNotified = false
			p.publish(ctx, events.SessionUpdated, session, map[string]interface{}{
				"idle_cleared": true,
			})
		}

		// A capture boundary can split the marker, so scan the fragment
		// carried over from the previous delta together with this one.
		scan := carry + delta
		hash, exitCode, completed := tmux.FindMarker(scan)
		if completed && markerHash != "" && hash != markerHash {
			// Marker from an older command; expose nothing stale.
			completed = false
		}

		carry = ""
		if !completed {
			carry = tmux.MarkerTail(scan)
		}
		visible := tmux.StripMarkers(scan[:len(scan)-len(carry)])
		p.appendOutputFile(session, visible)

		if visible != "" {
			digest := outputDigest(visible)
			if digest != lastDigest {
				lastDigest = digest
				chunk++
				p.publish(ctx, events.OutputChanged, session, map[string]interface{}{
					"text":           visible,
					"digest":         digest,
					"chunk":          chunk,
					"streaming_edit": time.Since(startedAt) < p.cfg.StreamingEditWindow(),
				})
				_ = p.store.TouchSession(ctx, session.ID)
			}
		}

		if completed {
			p.publish(ctx, events.SessionCompleted, session, map[string]interface{}{
				"text":      visible,
				"exit_code": exitCode,
				"chunks":    chunk,
				"digest":    outputDigest(visible),
			})
			_ = p.store.UpdateSessionStatus(ctx, session.ID, store.SessionIdle)
			return
		}
	}
}

func (p *Poller) appendOutputFile(session *store.Session, text string) {
	if text == "" {
		return
	}
	path := filepath.Join(p.cfg.OutputDir, session.ShortID()+".txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		p.log.Warn("cannot append output file",
			zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.WriteString(text)
	_, _ = f.WriteString("\n")
}

func (p *Poller) publish(ctx context.Context, kind string, session *store.Session, extra map[string]interface{}) {
	data := map[string]interface{}{
		"session_id": session.ID,
		"tmux_name":  session.TmuxName,
		"computer":   session.Computer,
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := p.bus.Publish(ctx, events.SubjectFor(kind), bus.NewEvent(kind, "poller", data)); err != nil && ctx.Err() == nil {
		p.log.Warn("event publish failed", zap.String("kind", kind), zap.Error(err))
	}
}

// outputDigest hashes the tail of a delta so concurrent emitters (hook and
// poller) can suppress duplicate deliveries.
func outputDigest(text string) string {
	if len(text) > digestTail {
		text = text[len(text)-digestTail:]
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(text))
}
