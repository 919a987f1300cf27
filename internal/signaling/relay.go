package signaling

import (
	"context"
	"encoding/json"
	"errors"

	"duet/server/internal/types"
)

var (
	ErrMissingTarget  = errors.New("signal target is required")
	ErrMissingPayload = errors.New("signal payload is required")
	ErrUnknownType    = errors.New("unknown signal type")
)

// Sender delivers to one connection on whichever instance holds it.
type Sender interface {
	Send(ctx context.Context, connID, event string, payload any) error
}

type Message struct {
	Type    string
	Target  string
	Payload json.RawMessage
}

type sdpOut struct {
	SDP    json.RawMessage `json:"sdp"`
	Sender string          `json:"sender"`
}

type candidateOut struct {
	Candidate json.RawMessage `json:"candidate"`
	Sender    string          `json:"sender"`
}

// Relay forwards offer, answer and ice-candidate between two connections. It
// never looks inside the payload. A target nobody holds is dropped without
// error; the peers renegotiate on their own timeout.
type Relay struct {
	out Sender
}

func NewRelay(out Sender) *Relay { return &Relay{out: out} }

func (r *Relay) Forward(ctx context.Context, sender string, msg Message) error {
	if msg.Target == "" {
		return ErrMissingTarget
	}
	if len(msg.Payload) == 0 || string(msg.Payload) == "null" {
		return ErrMissingPayload
	}

	var payload any
	switch msg.Type {
	case types.EvtOffer, types.EvtAnswer:
		payload = sdpOut{SDP: msg.Payload, Sender: sender}
	case types.EvtICECandidate:
		payload = candidateOut{Candidate: msg.Payload, Sender: sender}
	default:
		return ErrUnknownType
	}
	metricRelayed.WithLabelValues(msg.Type).Inc()
	return r.out.Send(ctx, msg.Target, msg.Type, payload)
}

// FromRequest picks the payload field that matches the signal type.
func FromRequest(event string, req types.SignalRequest) Message {
	m := Message{Type: event, Target: req.Target, Payload: req.SDP}
	if event == types.EvtICECandidate {
		m.Payload = req.Candidate
	}
	return m
}
