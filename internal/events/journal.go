package events

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultLimit bounds how many entries a room keeps.
const DefaultLimit = 200

// TypeTruncated heads a listing whose older entries were dropped.
const TypeTruncated = "events_truncated"

type Event struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type roomLog struct {
	events  []Event
	dropped int
	firstTs time.Time
}

// Journal is an instance-local, bounded log of room activity. It only holds
// what this instance saw.
type Journal struct {
	mu     sync.RWMutex
	limit  int
	byRoom map[string]*roomLog
}

func NewJournal(limit int) *Journal {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Journal{limit: limit, byRoom: make(map[string]*roomLog)}
}

func (j *Journal) Append(roomID, typ string, payload map[string]any) Event {
	evt := Event{
		ID:        randomID(),
		RoomID:    roomID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	l := j.byRoom[roomID]
	if l == nil {
		l = &roomLog{firstTs: evt.Timestamp}
		j.byRoom[roomID] = l
	}
	l.events = append(l.events, evt)
	if over := len(l.events) - j.limit; over > 0 {
		l.dropped += over
		l.events = append([]Event(nil), l.events[over:]...)
	}
	return evt
}

// List returns the room's entries oldest first, headed by a truncation marker
// when entries were dropped.
func (j *Journal) List(roomID string) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	l := j.byRoom[roomID]
	if l == nil {
		return []Event{}
	}
	out := make([]Event, 0, len(l.events)+1)
	if l.dropped > 0 {
		out = append(out, Event{
			RoomID:    roomID,
			Type:      TypeTruncated,
			Timestamp: l.firstTs,
			Payload:   map[string]any{"dropped": l.dropped},
		})
	}
	return append(out, l.events...)
}

// Forget drops a room's entries.
func (j *Journal) Forget(roomID string) {
	j.mu.Lock()
	delete(j.byRoom, roomID)
	j.mu.Unlock()
}

func randomID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
