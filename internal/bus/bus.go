package bus

import (
	"context"
	"encoding/json"
)

// Envelope kinds.
const (
	KindRoom    = "room"    // deliver to every local member of Room except Except
	KindDirect  = "direct"  // deliver to the connection Target wherever it lives
	KindControl = "control" // instance-level instruction, e.g. drop connection Target
)

// Envelope is what travels between instances.
type Envelope struct {
	Kind   string            `json:"kind"`
	Origin string            `json:"origin"`
	Room   string            `json:"room,omitempty"`
	Target string            `json:"target,omitempty"`
	Except string            `json:"except,omitempty"`
	Event  string            `json:"event"`
	Data   json.RawMessage   `json:"data,omitempty"`
	Meta   map[string]string `json:"meta,omitempty"`
}

type Handler func(Envelope)

// Bus fans envelopes out to every subscribed instance, the publisher included.
// Delivery is best effort and unordered across publishers.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers h until ctx is cancelled. It returns once the
	// subscription is live.
	Subscribe(ctx context.Context, h Handler) error
	Ping(ctx context.Context) error
	Close() error
}
