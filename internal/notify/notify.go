package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"duet/server/internal/logging"
	"duet/server/internal/types"
)

// Classification statuses reported by the processing pipeline.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusRejected   = "rejected"
)

var ErrUnknownStatus = errors.New("unknown classification status")

// Result is a classification result for one recording.
type Result struct {
	RoomID    string          `json:"roomId"`
	SessionID string          `json:"sessionId"`
	Status    string          `json:"status"`
	Profile   string          `json:"profile,omitempty"`
	Metrics   json.RawMessage `json:"metrics,omitempty"`
	Variants  json.RawMessage `json:"variants,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Event maps the result status to the client event that carries it.
func (r Result) Event() (string, error) {
	switch r.Status {
	case StatusQueued, StatusProcessing:
		return types.EvtProcessingStatus, nil
	case StatusCompleted:
		return types.EvtProcessingComplete, nil
	case StatusRejected:
		return types.EvtRecordingRejected, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, r.Status)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, room, except, event string, payload any) error
}

// Relay pushes results to everyone in the room, on any instance.
type Relay struct {
	rooms  Broadcaster
	logger logging.Logger
}

func NewRelay(rooms Broadcaster, logger logging.Logger) *Relay {
	return &Relay{rooms: rooms, logger: logger}
}

func (r *Relay) Deliver(ctx context.Context, res Result) error {
	if res.RoomID == "" {
		return errors.New("result without roomId")
	}
	event, err := res.Event()
	if err != nil {
		return err
	}
	if err := r.rooms.Broadcast(ctx, res.RoomID, "", event, res); err != nil {
		return err
	}
	metricResults.WithLabelValues(res.Status).Inc()
	r.logger.Infow("relayed classification result", "room", res.RoomID, "recording", res.SessionID,
		"status", res.Status, "profile", res.Profile)
	return nil
}
