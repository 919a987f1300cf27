package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"duet/server/internal/bus"
	"duet/server/internal/logging"
	"duet/server/internal/types"
)

const deliverTimeout = 5 * time.Second

// Conn is a client connection held by this instance. The hub calls Send and
// Close from the bus goroutine, so neither may wait on the network.
type Conn interface {
	ID() string
	Send(ctx context.Context, event string, data json.RawMessage) error
	Close(reason string) error
}

// Observer sees every envelope this instance receives, including internal ones.
type Observer func(env bus.Envelope)

// Hub tracks the connections this instance holds and which room each belongs
// to. Membership is local knowledge only: anything addressed to a room or to a
// connection goes through the bus so the instance that holds it delivers it.
type Hub struct {
	instanceID string
	bus        bus.Bus
	logger     logging.Logger

	mu       sync.RWMutex
	conns    map[string]Conn
	rooms    map[string]map[string]struct{}
	connRoom map[string]string

	obsMu     sync.RWMutex
	observers []Observer
}

func New(instanceID string, b bus.Bus, logger logging.Logger) *Hub {
	return &Hub{
		instanceID: instanceID,
		bus:        b,
		logger:     logger,
		conns:      make(map[string]Conn),
		rooms:      make(map[string]map[string]struct{}),
		connRoom:   make(map[string]string),
	}
}

// Run subscribes to the bus; delivery stops when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	return h.bus.Subscribe(ctx, h.Deliver)
}

func (h *Hub) InstanceID() string { return h.instanceID }

func (h *Hub) Observe(o Observer) {
	h.obsMu.Lock()
	h.observers = append(h.observers, o)
	h.obsMu.Unlock()
}

func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	n := len(h.conns)
	h.mu.Unlock()
	gaugeConnections.Set(float64(n))
}

// Unregister forgets the connection and drops it from its room group.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	h.leaveLocked(connID)
	delete(h.conns, connID)
	n := len(h.conns)
	h.mu.Unlock()
	gaugeConnections.Set(float64(n))
}

// Join attaches a local connection to a room group, leaving any previous one.
func (h *Hub) Join(room, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID)
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[connID] = struct{}{}
	h.connRoom[connID] = room
}

func (h *Hub) Leave(room, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connRoom[connID] == room {
		h.leaveLocked(connID)
	}
}

func (h *Hub) leaveLocked(connID string) {
	room, ok := h.connRoom[connID]
	if !ok {
		return
	}
	delete(h.connRoom, connID)
	if members := h.rooms[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// RoomOf reports the room a local connection is attached to.
func (h *Hub) RoomOf(connID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.connRoom[connID]
	return room, ok
}

// LocalMembers lists the connections of room held by this instance.
func (h *Hub) LocalMembers(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Broadcast sends event to every member of room on any instance, except the
// connection named by except.
func (h *Hub) Broadcast(ctx context.Context, room, except, event string, payload any) error {
	return h.BroadcastWithMeta(ctx, room, except, event, payload, nil)
}

// BroadcastWithMeta is Broadcast with instance-side metadata that clients never see.
func (h *Hub) BroadcastWithMeta(ctx context.Context, room, except, event string, payload any, meta map[string]string) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, bus.Envelope{
		Kind: bus.KindRoom, Origin: h.instanceID, Room: room, Except: except,
		Event: event, Data: data, Meta: meta,
	})
}

// Send delivers to one connection, locally when this instance holds it.
func (h *Hub) Send(ctx context.Context, connID, event string, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c != nil {
		return c.Send(ctx, event, data)
	}
	return h.bus.Publish(ctx, bus.Envelope{
		Kind: bus.KindDirect, Origin: h.instanceID, Target: connID, Event: event, Data: data,
	})
}

// ForceDisconnect asks whichever instance holds connID to drop it from its
// room and close it. There is no acknowledgement.
func (h *Hub) ForceDisconnect(ctx context.Context, connID, reason string) error {
	return h.bus.Publish(ctx, bus.Envelope{
		Kind: bus.KindControl, Origin: h.instanceID, Target: connID,
		Event: types.EvtDuplicateSession, Meta: map[string]string{"reason": reason},
	})
}

// Deliver handles one envelope from the bus.
func (h *Hub) Deliver(env bus.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	switch env.Kind {
	case bus.KindRoom:
		if env.Event != types.EvtRoomClosed {
			h.deliverRoom(ctx, env)
		}
	case bus.KindDirect:
		h.mu.RLock()
		c := h.conns[env.Target]
		h.mu.RUnlock()
		if c != nil {
			h.send(ctx, c, env.Event, env.Data)
			metricDeliveries.WithLabelValues(bus.KindDirect).Inc()
		}
	case bus.KindControl:
		if env.Event == types.EvtDuplicateSession {
			h.evict(ctx, env.Target, env.Meta["reason"])
		}
	}

	h.obsMu.RLock()
	obs := append([]Observer(nil), h.observers...)
	h.obsMu.RUnlock()
	for _, o := range obs {
		o(env)
	}
}

func (h *Hub) deliverRoom(ctx context.Context, env bus.Envelope) {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.rooms[env.Room]))
	for id := range h.rooms[env.Room] {
		if id == env.Except {
			continue
		}
		if c := h.conns[id]; c != nil {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.send(ctx, c, env.Event, env.Data)
		metricDeliveries.WithLabelValues(bus.KindRoom).Inc()
	}
}

// evict removes a superseded connection from its room before closing it, so it
// stops receiving room traffic even if the close takes a while.
func (h *Hub) evict(ctx context.Context, connID, reason string) {
	h.mu.Lock()
	c := h.conns[connID]
	if c != nil {
		h.leaveLocked(connID)
	}
	h.mu.Unlock()
	if c == nil {
		return
	}
	if reason == "" {
		reason = "session opened from another connection"
	}
	data, _ := encode(types.NoticePayload{Message: reason})
	h.send(ctx, c, types.EvtDuplicateSession, data)
	if err := c.Close("replaced"); err != nil {
		h.logger.Debugw("closing superseded connection", "connection", connID, "error", err)
	}
	metricEvictions.Inc()
	h.logger.Infow("evicted superseded connection", "connection", connID, "instance", h.instanceID)
}

func (h *Hub) send(ctx context.Context, c Conn, event string, data json.RawMessage) {
	if err := c.Send(ctx, event, data); err != nil {
		h.logger.Warnw("delivery failed", "connection", c.ID(), "event", event, "error", err)
	}
}

func encode(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
