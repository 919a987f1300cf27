package signaling

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duet/server/internal/bus"
	"duet/server/internal/hub"
	"duet/server/internal/hub/hubtest"
	"duet/server/internal/logging"
	"duet/server/internal/types"
)

func pair(t *testing.T) (*hub.Hub, *hubtest.Conn) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := bus.NewLocal()
	local := hub.New("a", b, logging.NewNop())
	remote := hub.New("b", b, logging.NewNop())
	require.NoError(t, local.Run(ctx))
	require.NoError(t, remote.Run(ctx))
	target := hubtest.NewConn("peer")
	remote.Register(target)
	return local, target
}

func TestForwardOfferAcrossInstancesUnmodified(t *testing.T) {
	h, target := pair(t)
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1"}`)

	err := NewRelay(h).Forward(context.Background(), "me", Message{Type: types.EvtOffer, Target: "peer", Payload: sdp})
	require.NoError(t, err)

	var got struct {
		SDP    json.RawMessage `json:"sdp"`
		Sender string          `json:"sender"`
	}
	require.True(t, target.Last(types.EvtOffer, &got))
	assert.JSONEq(t, string(sdp), string(got.SDP))
	assert.Equal(t, "me", got.Sender)
}

func TestForwardCandidate(t *testing.T) {
	h, target := pair(t)
	req := types.SignalRequest{Target: "peer", Candidate: json.RawMessage(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`)}

	require.NoError(t, NewRelay(h).Forward(context.Background(), "me", FromRequest(types.EvtICECandidate, req)))

	var got map[string]json.RawMessage
	require.True(t, target.Last(types.EvtICECandidate, &got))
	assert.JSONEq(t, string(req.Candidate), string(got["candidate"]))
	assert.JSONEq(t, `"me"`, string(got["sender"]))
}

func TestForwardStructuralChecks(t *testing.T) {
	h, target := pair(t)
	r := NewRelay(h)
	ctx := context.Background()

	assert.ErrorIs(t, r.Forward(ctx, "me", Message{Type: types.EvtOffer, Payload: json.RawMessage(`{}`)}), ErrMissingTarget)
	assert.ErrorIs(t, r.Forward(ctx, "me", Message{Type: types.EvtAnswer, Target: "peer"}), ErrMissingPayload)
	assert.ErrorIs(t, r.Forward(ctx, "me", Message{Type: types.EvtAnswer, Target: "peer", Payload: json.RawMessage(`null`)}), ErrMissingPayload)
	assert.ErrorIs(t, r.Forward(ctx, "me", Message{Type: "renegotiate", Target: "peer", Payload: json.RawMessage(`{}`)}), ErrUnknownType)
	assert.Empty(t, target.Frames())
}

func TestForwardToUnknownTargetIsDropped(t *testing.T) {
	h, target := pair(t)
	err := NewRelay(h).Forward(context.Background(), "me", Message{Type: types.EvtAnswer, Target: "gone", Payload: json.RawMessage(`{}`)})
	assert.NoError(t, err)
	assert.Empty(t, target.Frames())
}
