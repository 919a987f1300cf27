package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duet/server/internal/logging"
)

type collector struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *collector) handle(env Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envs...)
}

func TestLocalDeliversToAllSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := NewLocal()
	var a, c collector
	require.NoError(t, b.Subscribe(ctx, a.handle))
	require.NoError(t, b.Subscribe(ctx, c.handle))

	require.NoError(t, b.Publish(ctx, Envelope{Kind: KindRoom, Room: "R1", Event: "user-joined"}))

	assert.Len(t, a.snapshot(), 1)
	assert.Len(t, c.snapshot(), 1)
}

func TestLocalUnsubscribesOnCancel(t *testing.T) {
	b := NewLocal()
	ctx, cancel := context.WithCancel(context.Background())
	var a collector
	require.NoError(t, b.Subscribe(ctx, a.handle))
	cancel()

	assert.Eventually(t, func() bool {
		b.mu.RLock()
		defer b.mu.RUnlock()
		return len(b.handlers) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRedisFansOutAcrossClients(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newBus := func() *Redis {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return NewRedis(rdb, "test:", logging.NewNop())
	}
	instA, instB := newBus(), newBus()

	var gotA, gotB collector
	require.NoError(t, instA.Subscribe(ctx, gotA.handle))
	require.NoError(t, instB.Subscribe(ctx, gotB.handle))

	require.NoError(t, instA.Publish(ctx, Envelope{Kind: KindRoom, Origin: "a", Room: "R1", Event: "start-recording", Data: []byte(`{"sessionId":"X"}`)}))
	require.NoError(t, instA.Publish(ctx, Envelope{Kind: KindControl, Origin: "a", Target: "conn-1", Event: "duplicate-session"}))

	assert.Eventually(t, func() bool { return len(gotA.snapshot()) == 2 && len(gotB.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)

	var kinds []string
	for _, env := range gotB.snapshot() {
		kinds = append(kinds, env.Kind)
		if env.Kind == KindRoom {
			assert.JSONEq(t, `{"sessionId":"X"}`, string(env.Data))
		}
	}
	assert.ElementsMatch(t, []string{KindRoom, KindControl}, kinds)
}
