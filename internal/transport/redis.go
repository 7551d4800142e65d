// Package transport implements optional cross-machine operations over Redis
// Streams: each computer consumes a request stream named for its identity,
// responses flow on per-message streams, and peers announce themselves in a
// TTL registry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/events/bus"
)

// Key layout on the broker.
const (
	responseStreamKey = "output:"   // output:{message_id}
	registryKeyPrefix = "registry:" // registry:{computer}, TTL-expiring

	// responseStreamTTL bounds orphaned response streams when the caller
	// timed out before reading.
	responseStreamTTL = 5 * time.Minute

	consumePollInterval = 100 * time.Millisecond
)

// ErrPeerUnavailable is the immediate rejection for targets missing from the
// peer registry. No stream write happens.
var ErrPeerUnavailable = errors.New("peer_unavailable")

// ErrRequestTimeout is the deterministic error when a peer never responds
// within the deadline.
var ErrRequestTimeout = errors.New("cross-machine request timed out")

// RequestHandler processes one inbound remote request.
type RequestHandler func(ctx context.Context, from string, payload []byte) ([]byte, error)

// Transport is the Redis Streams transport adapter.
type Transport struct {
	client   *redis.Client
	cfg      config.RedisConfig
	computer string
	bus      bus.EventBus
	handler  RequestHandler
	peers    *gocache.Cache // local mirror of the shared registry
	log      *logger.Logger
}

// New builds the transport. handler may be nil for send-only use.
func New(cfg config.RedisConfig, computer string, eventBus bus.EventBus, handler RequestHandler, log *logger.Logger) *Transport {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Transport{
		client:   client,
		cfg:      cfg,
		computer: computer,
		bus:      eventBus,
		handler:  handler,
		peers:    gocache.New(cfg.PeerTTL(), cfg.PeerTTL()),
		log:      log.WithComponent("transport"),
	}
}

// ID implements the adapter contract.
func (t *Transport) ID() string { return "redis" }

// Start verifies broker reachability. An unreachable broker disables
// cross-machine operations but must not break local sessions, so the caller
// decides whether the error is fatal.
func (t *Transport) Start(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}

// Stop closes the broker connection.
func (t *Transport) Stop(_ context.Context) error {
	return t.client.Close()
}

// Run drives the heartbeat and the request consumer until ctx ends.
func (t *Transport) Run(ctx context.Context) {
	go t.runHeartbeat(ctx)
	t.runConsumer(ctx)
}

// SendRequest performs a one-shot request to a peer: registry check first
// (fail fast on expired peers), then a stream write and a bounded wait on
// the per-message response stream.
func (t *Transport) SendRequest(ctx context.Context, computer string, payload []byte) ([]byte, error) {
	known, err := t.peerAlive(ctx, computer)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, computer)
	}

	messageID := uuid.New().String()
	if err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: computer,
		Values: map[string]interface{}{
			"message_id": messageID,
			"from":       t.computer,
			"payload":    string(payload),
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("request stream write failed: %w", err)
	}

	return t.awaitResponse(ctx, messageID)
}

// Peers lists currently reachable machines, self excluded.
func (t *Transport) Peers(ctx context.Context) ([]string, error) {
	keys, err := t.client.Keys(ctx, registryKeyPrefix+"*").Result()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, key := range keys {
		name := strings.TrimPrefix(key, registryKeyPrefix)
		if name != t.computer {
			out = append(out, name)
		}
	}
	return out, nil
}

func (t *Transport) peerAlive(ctx context.Context, computer string) (bool, error) {
	if _, ok := t.peers.Get(computer); ok {
		return true, nil
	}
	n, err := t.client.Exists(ctx, registryKeyPrefix+computer).Result()
	if err != nil {
		return false, fmt.Errorf("registry lookup failed: %w", err)
	}
	if n > 0 {
		t.peers.SetDefault(computer, time.Now())
		return true, nil
	}
	return false, nil
}

func (t *Transport) awaitResponse(ctx context.Context, messageID string) ([]byte, error) {
	deadline := time.Now().Add(t.cfg.RequestTimeout())
	stream := responseStreamKey + messageID

	for {
		entries, err := t.client.XRange(ctx, stream, "-", "+").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("response stream read failed: %w", err)
		}
		if len(entries) > 0 {
			payload, _ := entries[0].Values["payload"].(string)
			_ = t.client.Del(ctx, stream).Err()
			return []byte(payload), nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: message %s", ErrRequestTimeout, messageID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(consumePollInterval):
		}
	}
}

// runConsumer drains this computer's request stream and answers each message
// on its response stream.
func (t *Transport) runConsumer(ctx context.Context) {
	stream := t.computer
	lastID := "0"

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(consumePollInterval):
		}

		entries, err := t.client.XRange(ctx, stream, "("+lastID, "+").Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				t.log.Warn("request stream read failed", zap.Error(err))
			}
			continue
		}
		for _, entry := range entries {
			lastID = entry.ID
			t.serve(ctx, entry)
		}
	}
}

func (t *Transport) serve(ctx context.Context, entry redis.XMessage) {
	messageID, _ := entry.Values["message_id"].(string)
	from, _ := entry.Values["from"].(string)
	payload, _ := entry.Values["payload"].(string)
	if messageID == "" || t.handler == nil {
		return
	}

	response, err := t.handler(ctx, from, []byte(payload))
	if err != nil {
		t.log.Warn("remote request handling failed",
			zap.String("message_id", messageID),
			zap.String("from", from),
			zap.Error(err))
		response = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}

	stream := responseStreamKey + messageID
	if err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"payload": string(response)},
	}).Err(); err != nil {
		t.log.Error("response stream write failed",
			zap.String("message_id", messageID), zap.Error(err))
		return
	}
	_ = t.client.Expire(ctx, stream, responseStreamTTL).Err()
}

// runHeartbeat refreshes this computer's registry entry and mirrors the
// shared registry locally, emitting heartbeat/expiry events on changes.
func (t *Transport) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval())
	defer ticker.Stop()

	t.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.beat(ctx)
		}
	}
}

func (t *Transport) beat(ctx context.Context) {
	key := registryKeyPrefix + t.computer
	if err := t.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), t.cfg.PeerTTL()).Err(); err != nil {
		if ctx.Err() == nil {
			t.log.Warn("heartbeat write failed", zap.Error(err))
		}
		return
	}
	t.refreshPeers(ctx)
}

func (t *Transport) refreshPeers(ctx context.Context) {
	names, err := t.Peers(ctx)
	if err != nil {
		t.log.Warn("peer discovery failed", zap.Error(err))
		return
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
		if _, known := t.peers.Get(name); !known {
			t.publishPeerEvent(ctx, events.ComputerHeartbeat, name)
		}
		t.peers.SetDefault(name, time.Now())
	}
	for name := range t.peers.Items() {
		if !seen[name] {
			t.peers.Delete(name)
			t.publishPeerEvent(ctx, events.ComputerExpired, name)
		}
	}
}

func (t *Transport) publishPeerEvent(ctx context.Context, kind, name string) {
	if t.bus == nil {
		return
	}
	event := bus.NewEvent(kind, "transport", map[string]interface{}{"computer": name})
	if err := t.bus.Publish(ctx, events.SubjectFor(kind), event); err != nil && ctx.Err() == nil {
		t.log.Warn("peer event publish failed", zap.Error(err))
	}
}
