package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleclaude/teleclaude/internal/common/config"
	"github.com/teleclaude/teleclaude/internal/common/logger"
	"github.com/teleclaude/teleclaude/internal/events"
	"github.com/teleclaude/teleclaude/internal/events/bus"
)

func testRedisConfig(addr string) config.RedisConfig {
	return config.RedisConfig{
		Addr:       addr,
		HeartbeatS: 1,
		PeerTTLS:   1,
		RequestTOS: 2,
	}
}

func newTestTransport(t *testing.T, mr *miniredis.Miniredis, computer string, eventBus bus.EventBus, handler RequestHandler) *Transport {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	tr := New(testRedisConfig(mr.Addr()), computer, eventBus, handler, log)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Stop(context.Background()) })
	return tr
}

func TestRequestResponseRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := func(_ context.Context, from string, payload []byte) ([]byte, error) {
		return []byte(`{"from":"` + from + `","echo":` + string(payload) + `}`), nil
	}
	caller := newTestTransport(t, mr, "laptop", nil, nil)
	callee := newTestTransport(t, mr, "desktop", nil, echo)

	callee.beat(ctx)
	go callee.runConsumer(ctx)

	response, err := caller.SendRequest(ctx, "desktop", []byte(`{"kind":"list_sessions"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"laptop","echo":{"kind":"list_sessions"}}`, string(response))

	// The per-message response stream is consumed and deleted.
	keys := mr.Keys()
	for _, key := range keys {
		assert.NotContains(t, key, responseStreamKey)
	}
}

func TestSendToExpiredPeerFailsFastWithoutStreamWrite(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	caller := newTestTransport(t, mr, "laptop", nil, nil)

	_, err := caller.SendRequest(ctx, "desktop", []byte(`{}`))
	require.ErrorIs(t, err, ErrPeerUnavailable)
	assert.False(t, mr.Exists("desktop"))

	// A registered peer whose heartbeat key lapsed is rejected the same way.
	require.NoError(t, mr.Set(registryKeyPrefix+"desktop", "x"))
	mr.SetTTL(registryKeyPrefix+"desktop", time.Second)
	mr.FastForward(2 * time.Second)

	_, err = caller.SendRequest(ctx, "desktop", []byte(`{}`))
	require.ErrorIs(t, err, ErrPeerUnavailable)
	assert.False(t, mr.Exists("desktop"))
}

func TestRequestTimesOutWhenPeerNeverAnswers(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	caller := newTestTransport(t, mr, "laptop", nil, nil)

	// Peer is registered but nothing consumes its request stream.
	require.NoError(t, mr.Set(registryKeyPrefix+"desktop", "x"))

	start := time.Now()
	_, err := caller.SendRequest(ctx, "desktop", []byte(`{}`))
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestHandlerErrorReturnsErrorPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failing := func(context.Context, string, []byte) ([]byte, error) {
		return nil, assert.AnError
	}
	caller := newTestTransport(t, mr, "laptop", nil, nil)
	callee := newTestTransport(t, mr, "desktop", nil, failing)

	callee.beat(ctx)
	go callee.runConsumer(ctx)

	response, err := caller.SendRequest(ctx, "desktop", []byte(`{}`))
	require.NoError(t, err)
	assert.Contains(t, string(response), "error")
}

func TestHeartbeatPublishesPeerEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	memBus := bus.NewMemoryEventBus(log)

	var mu sync.Mutex
	var seen []string
	_, err = memBus.Subscribe(events.SubjectComputers, func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type+":"+e.String("computer"))
		return nil
	})
	require.NoError(t, err)

	tr := newTestTransport(t, mr, "laptop", memBus, nil)

	// A peer appears in the shared registry.
	require.NoError(t, mr.Set(registryKeyPrefix+"desktop", "x"))
	tr.beat(ctx)
	mu.Lock()
	assert.Equal(t, []string{events.ComputerHeartbeat + ":desktop"}, seen)
	mu.Unlock()

	// Repeat beats do not re-announce a known peer.
	tr.beat(ctx)
	mu.Lock()
	assert.Len(t, seen, 1)
	mu.Unlock()

	// The peer's registry key lapses; the mirror expires it.
	mr.Del(registryKeyPrefix + "desktop")
	tr.beat(ctx)
	mu.Lock()
	assert.Equal(t, events.ComputerExpired+":desktop", seen[len(seen)-1])
	mu.Unlock()

	peers, err := tr.Peers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestStartFailsWhenBrokerUnreachable(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)

	tr := New(testRedisConfig("127.0.0.1:1"), "laptop", nil, nil, log)
	defer func() { _ = tr.Stop(context.Background()) }()

	err = tr.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis unreachable")
}
