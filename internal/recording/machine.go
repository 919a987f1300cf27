package recording

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"duet/server/internal/logging"
	"duet/server/internal/store"
	"duet/server/internal/types"
)

// State is the per-meeting recording state: Idle or Recording.
type State string

const (
	Idle      State = "idle"
	Recording State = "recording"
)

func StateOf(r *types.RecordingState) State {
	if r != nil && r.IsRecording {
		return Recording
	}
	return Idle
}

// Rooms is the part of the hub the machine talks through.
type Rooms interface {
	Broadcast(ctx context.Context, room, except, event string, payload any) error
	BroadcastWithMeta(ctx context.Context, room, except, event string, payload any, meta map[string]string) error
	Send(ctx context.Context, connID, event string, payload any) error
}

// Machine drives Idle -> Recording -> Idle. Each transition is a single
// conditional write in the store, so concurrent starts from different
// instances converge on one recording id.
type Machine struct {
	store  store.Store
	rooms  Rooms
	logger logging.Logger
	now    func() time.Time
	newID  func() string
}

func NewMachine(st store.Store, rooms Rooms, logger logging.Logger) *Machine {
	return &Machine{
		store:  st,
		rooms:  rooms,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
}

// Start begins a recording unless one is already running. A caller that loses
// the race gets the running recording's id on its own connection and
// applied=false; the room is not notified twice.
func (m *Machine) Start(ctx context.Context, roomID, connID, userID string) (*types.RecordingState, bool, error) {
	at := m.now().UTC()
	st, applied, err := m.store.StartRecording(ctx, &types.RecordingState{
		MeetingID:           roomID,
		RecordingID:         m.newID(),
		StartedAt:           &at,
		StartedByConnection: connID,
		StartedByUser:       userID,
	})
	if err != nil {
		return nil, false, err
	}
	metricTransitions.WithLabelValues("start", appliedLabel(applied)).Inc()

	if !applied {
		m.logger.Debugw("recording already running", "room", roomID, "recording", st.RecordingID, "connection", connID)
		if connID != "" {
			if err := m.rooms.Send(ctx, connID, types.EvtStartRecording, types.StartRecordingPayload{SessionID: st.RecordingID}); err != nil {
				m.logger.Warnw("sending running recording id", "connection", connID, "error", err)
			}
		}
		return st, false, nil
	}

	m.incr(ctx, 1)
	m.setStatus(ctx, roomID, types.MeetingRecording)
	if err := m.rooms.Broadcast(ctx, roomID, "", types.EvtStartRecording, types.StartRecordingPayload{SessionID: st.RecordingID}); err != nil {
		m.logger.Warnw("broadcasting recording start", "room", roomID, "error", err)
	}
	m.logger.Infow("recording started", "room", roomID, "recording", st.RecordingID, "by", userID)
	return st, true, nil
}

// Stop ends the running recording. Stopping an idle meeting is a no-op.
func (m *Machine) Stop(ctx context.Context, roomID string) (*types.RecordingState, bool, error) {
	st, applied, err := m.store.StopRecording(ctx, roomID, m.now())
	if err != nil {
		return nil, false, err
	}
	metricTransitions.WithLabelValues("stop", appliedLabel(applied)).Inc()
	if !applied {
		return st, false, nil
	}

	m.incr(ctx, -1)
	m.setStatus(ctx, roomID, types.MeetingActive)
	// Instances use the recording id to drop live metrics for it.
	if err := m.rooms.BroadcastWithMeta(ctx, roomID, "", types.EvtStopRecording, nil,
		map[string]string{"recordingId": st.RecordingID}); err != nil {
		m.logger.Warnw("broadcasting recording stop", "room", roomID, "error", err)
	}
	m.logger.Infow("recording stopped", "room", roomID, "recording", st.RecordingID)
	return st, true, nil
}

// Current returns the stored recording state for roomID.
func (m *Machine) Current(ctx context.Context, roomID string) (*types.RecordingState, error) {
	return m.store.GetOrCreateRecordingState(ctx, roomID)
}

func (m *Machine) incr(ctx context.Context, n int64) {
	if err := m.store.IncrStats(ctx, types.StatsDelta{Recordings: n}); err != nil {
		m.logger.Errorw("updating recording count", "delta", n, "error", err)
	}
}

func (m *Machine) setStatus(ctx context.Context, roomID, status string) {
	err := m.store.UpdateMeetingStatus(ctx, roomID, status)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Warnw("updating meeting status", "room", roomID, "status", status, "error", err)
	}
}

func appliedLabel(applied bool) string {
	if applied {
		return "true"
	}
	return "false"
}
