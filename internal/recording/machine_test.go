package recording

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duet/server/internal/bus"
	"duet/server/internal/hub"
	"duet/server/internal/hub/hubtest"
	"duet/server/internal/logging"
	"duet/server/internal/store"
	"duet/server/internal/types"
)

type node struct {
	hub *hub.Hub
	m   *Machine
}

// setup returns two instances over one store with a host on the first and a
// guest on the second, both in room R1.
func setup(t *testing.T) (store.Store, [2]node, *hubtest.Conn, *hubtest.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewMemory()
	_, _, err := st.CreateMeetingIfAbsent(ctx, &types.Meeting{ID: "R1", Status: types.MeetingActive})
	require.NoError(t, err)

	b := bus.NewLocal()
	var nodes [2]node
	for i, id := range []string{"a", "b"} {
		h := hub.New(id, b, logging.NewNop())
		require.NoError(t, h.Run(ctx))
		nodes[i] = node{hub: h, m: NewMachine(st, h, logging.NewNop())}
	}

	host := hubtest.NewConn("host")
	guest := hubtest.NewConn("guest")
	nodes[0].hub.Register(host)
	nodes[0].hub.Join("R1", "host")
	nodes[1].hub.Register(guest)
	nodes[1].hub.Join("R1", "guest")
	return st, nodes, host, guest
}

func TestStartBroadcastsToWholeRoom(t *testing.T) {
	st, nodes, host, guest := setup(t)

	rec, applied, err := nodes[1].m.Start(context.Background(), "R1", "guest", "bob")
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, Recording, StateOf(rec))
	assert.Equal(t, "guest", rec.StartedByConnection)

	for _, c := range []*hubtest.Conn{host, guest} {
		var p types.StartRecordingPayload
		require.True(t, c.Last(types.EvtStartRecording, &p), c.ID())
		assert.Equal(t, rec.RecordingID, p.SessionID)
	}

	mt, err := st.GetMeeting(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, types.MeetingRecording, mt.Status)

	stats, err := st.GetStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ActiveRecordingCount)
}

func TestConcurrentStartsConvergeOnOneRecording(t *testing.T) {
	st, nodes, host, guest := setup(t)

	var wg sync.WaitGroup
	results := make([]*types.RecordingState, 2)
	applied := make([]bool, 2)
	for i, conn := range []string{"host", "guest"} {
		wg.Add(1)
		go func(i int, conn string) {
			defer wg.Done()
			rec, ok, err := nodes[i].m.Start(context.Background(), "R1", conn, conn)
			assert.NoError(t, err)
			results[i], applied[i] = rec, ok
		}(i, conn)
	}
	wg.Wait()

	assert.NotEqual(t, applied[0], applied[1], "exactly one start applies")
	assert.Equal(t, results[0].RecordingID, results[1].RecordingID)

	// Every start-recording either client saw carries the winning id.
	for _, c := range []*hubtest.Conn{host, guest} {
		for _, f := range c.Frames() {
			var p types.StartRecordingPayload
			require.NoError(t, json.Unmarshal(f.Data, &p))
			assert.Equal(t, results[0].RecordingID, p.SessionID)
		}
	}

	stats, err := st.GetStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.ActiveRecordingCount)
}

func TestStopOnlyOnceAndIdleStopIsNoop(t *testing.T) {
	st, nodes, host, _ := setup(t)

	_, applied, err := nodes[0].m.Stop(context.Background(), "R1")
	require.NoError(t, err)
	assert.False(t, applied, "idle stop")
	assert.Zero(t, host.Count(types.EvtStopRecording))

	started, _, err := nodes[0].m.Start(context.Background(), "R1", "host", "alice")
	require.NoError(t, err)

	var meta []map[string]string
	var mu sync.Mutex
	nodes[1].hub.Observe(func(env bus.Envelope) {
		if env.Event == types.EvtStopRecording {
			mu.Lock()
			meta = append(meta, env.Meta)
			mu.Unlock()
		}
	})

	stopped, applied, err := nodes[1].m.Stop(context.Background(), "R1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, Idle, StateOf(stopped))
	assert.NotNil(t, stopped.StoppedAt)

	_, applied, err = nodes[0].m.Stop(context.Background(), "R1")
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Equal(t, 1, host.Count(types.EvtStopRecording))
	mu.Lock()
	require.Len(t, meta, 1)
	assert.Equal(t, started.RecordingID, meta[0]["recordingId"])
	mu.Unlock()

	mt, err := st.GetMeeting(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, types.MeetingActive, mt.Status)

	stats, err := st.GetStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.ActiveRecordingCount)
}

func TestRestartMintsNewRecordingID(t *testing.T) {
	_, nodes, _, _ := setup(t)
	first, _, err := nodes[0].m.Start(context.Background(), "R1", "host", "alice")
	require.NoError(t, err)
	_, _, err = nodes[0].m.Stop(context.Background(), "R1")
	require.NoError(t, err)
	second, applied, err := nodes[0].m.Start(context.Background(), "R1", "host", "alice")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NotEqual(t, first.RecordingID, second.RecordingID)
}
