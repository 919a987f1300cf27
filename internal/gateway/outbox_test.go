package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ws "nhooyr.io/websocket"

	"duet/server/internal/bus"
	"duet/server/internal/hub"
	"duet/server/internal/hub/hubtest"
	"duet/server/internal/logging"
	"duet/server/internal/types"
)

// socket records what the outbox writes. While stalled every write blocks
// until its context expires.
type socket struct {
	mu      sync.Mutex
	stalled bool
	frames  [][]byte
	code    ws.StatusCode
	closed  bool
}

func (s *socket) write(ctx context.Context, b []byte) error {
	s.mu.Lock()
	stalled := s.stalled
	s.mu.Unlock()
	if stalled {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	s.frames = append(s.frames, b)
	s.mu.Unlock()
	return nil
}

func (s *socket) close(code ws.StatusCode, _ string) error {
	s.mu.Lock()
	s.code = code
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *socket) state() (int, bool, ws.StatusCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames), s.closed, s.code
}

func TestOutboxWritesInOrderAndFlushesOnClose(t *testing.T) {
	sock := &socket{}
	out := newOutbox(8, time.Second, sock.write, sock.close)
	for _, f := range []string{"a", "b", "c"} {
		require.NoError(t, out.push([]byte(f)))
	}
	out.shutdown(ws.StatusNormalClosure, "done")

	require.Eventually(t, func() bool {
		_, closed, _ := sock.state()
		return closed
	}, time.Second, 5*time.Millisecond)
	sock.mu.Lock()
	defer sock.mu.Unlock()
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, sock.frames)
	assert.Equal(t, ws.StatusNormalClosure, sock.code)

	assert.ErrorIs(t, out.push([]byte("late")), errConnClosed)
}

func TestOutboxFullQueueClosesInsteadOfBlocking(t *testing.T) {
	sock := &socket{stalled: true}
	out := newOutbox(2, 50*time.Millisecond, sock.write, sock.close)

	start := time.Now()
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = out.push([]byte("x"))
	}
	assert.ErrorIs(t, err, errSlowConsumer)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.Eventually(t, func() bool {
		_, closed, _ := sock.state()
		return closed
	}, 3*time.Second, 10*time.Millisecond)
	_, _, code := sock.state()
	assert.Equal(t, ws.StatusPolicyViolation, code)
}

// One stalled client must not hold up fan-out to other rooms on the instance.
func TestStalledClientDoesNotDelayOtherRooms(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hub.New("i0", bus.NewLocal(), logging.NewNop())
	require.NoError(t, h.Run(ctx))

	sock := &socket{stalled: true}
	stalled := &wsConn{id: "stalled", out: newOutbox(4, writeTimeout, sock.write, sock.close)}
	h.Register(stalled)
	h.Join("roomA", "stalled")
	other := hubtest.NewConn("other")
	h.Register(other)
	h.Join("roomB", "other")

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, h.Broadcast(ctx, "roomA", "", types.EvtChatMessage, types.ChatMessage{RoomID: "roomA", Message: "hi"}))
	}
	require.NoError(t, h.Broadcast(ctx, "roomB", "", types.EvtChatMessage, types.ChatMessage{RoomID: "roomB", Message: "hi"}))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, 1, other.Count(types.EvtChatMessage))

	// Eviction of the stalled client returns at once too.
	start = time.Now()
	require.NoError(t, h.ForceDisconnect(ctx, "stalled", "replaced"))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	_, inRoom := h.RoomOf("stalled")
	assert.False(t, inRoom)
}
