package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"duet/server/internal/logging"
	"duet/server/internal/recording"
	"duet/server/internal/store"
	"duet/server/internal/types"
)

var (
	ErrInvalidJoin = errors.New("roomId and role are required")
	ErrRoomFull    = store.ErrRoomFull
)

// Rooms is the room-group surface the manager needs; *hub.Hub implements it.
type Rooms interface {
	InstanceID() string
	Join(room, connID string)
	Leave(room, connID string)
	Broadcast(ctx context.Context, room, except, event string, payload any) error
	BroadcastWithMeta(ctx context.Context, room, except, event string, payload any, meta map[string]string) error
	Send(ctx context.Context, connID, event string, payload any) error
	ForceDisconnect(ctx context.Context, connID, reason string) error
}

type Options struct {
	MaxParticipants int
	// GhostSettle is how long a reconnecting join waits after asking the
	// owner of the superseded connection to drop it.
	GhostSettle time.Duration
	Now         func() time.Time
	NewID       func() string
}

type JoinRequest struct {
	RoomID       string
	Role         string
	UserID       string
	Email        string
	ConnectionID string
}

type JoinResult struct {
	Meeting        *types.Meeting
	Participants   []types.Participant
	Recording      *types.RecordingState
	Session        *types.Session
	IsReconnection bool
}

// Manager owns join, reconnect and disconnect for connections on this instance.
// All admission decisions are taken by conditional writes in the store.
type Manager struct {
	store    store.Store
	rooms    Rooms
	recorder *recording.Machine
	logger   logging.Logger

	maxParticipants int
	ghostSettle     time.Duration
	now             func() time.Time
	newID           func() string
}

func NewManager(st store.Store, rooms Rooms, logger logging.Logger, opts Options) *Manager {
	m := &Manager{
		store:           st,
		rooms:           rooms,
		recorder:        recording.NewMachine(st, rooms, logger),
		logger:          logger,
		maxParticipants: opts.MaxParticipants,
		ghostSettle:     opts.GhostSettle,
		now:             opts.Now,
		newID:           opts.NewID,
	}
	if m.maxParticipants <= 0 {
		m.maxParticipants = 2
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = func() string { return uuid.New().String() }
	}
	return m
}

func (m *Manager) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	if req.RoomID == "" || req.Role == "" {
		metricJoins.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidJoin
	}
	if req.UserID == "" {
		req.UserID = req.ConnectionID
	}

	meeting, err := m.ensureMeeting(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}

	sess, reconnect, meeting, err := m.admit(ctx, req, meeting)
	if err != nil {
		return nil, err
	}

	if meeting.Status == types.MeetingScheduled {
		if err := m.store.UpdateMeetingStatus(ctx, meeting.ID, types.MeetingActive); err != nil {
			m.logger.Warnw("activating scheduled meeting", "room", meeting.ID, "error", err)
		} else {
			meeting.Status = types.MeetingActive
		}
	}

	m.rooms.Join(req.RoomID, req.ConnectionID)

	rec, err := m.store.GetOrCreateRecordingState(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	participants, err := m.participants(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}

	res := &JoinResult{
		Meeting:        meeting,
		Participants:   participants,
		Recording:      rec,
		Session:        sess,
		IsReconnection: reconnect,
	}
	m.announce(ctx, req, res)

	if reconnect {
		metricJoins.WithLabelValues("reconnect").Inc()
	} else {
		metricJoins.WithLabelValues("new").Inc()
	}
	m.logger.Infow("joined room", "room", req.RoomID, "user", req.UserID, "connection", req.ConnectionID,
		"role", sess.Role, "reconnection", reconnect, "participants", len(participants))
	return res, nil
}

// dropGhost asks the instance holding oldConn to remove it from the room and
// close it, then waits ghostSettle. The wait is a heuristic: nothing confirms
// the remote instance acted, so both connections can briefly share the room
// if the bus is slow.
func (m *Manager) dropGhost(ctx context.Context, room, oldConn string) error {
	metricGhostCleanups.Inc()
	m.rooms.Leave(room, oldConn)
	if err := m.rooms.ForceDisconnect(ctx, oldConn, "This session was opened from another connection"); err != nil {
		m.logger.Warnw("requesting ghost disconnect", "room", room, "connection", oldConn, "error", err)
	}
	if m.ghostSettle <= 0 {
		return nil
	}
	t := time.NewTimer(m.ghostSettle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// admit takes the reconnect-or-admit decision in a single store write. A
// reconnect keeps the stored role and email whatever the request says, and the
// superseded connection is dropped.
func (m *Manager) admit(ctx context.Context, req JoinRequest, meeting *types.Meeting) (*types.Session, bool, *types.Meeting, error) {
	adm, err := m.store.AdmitSession(ctx, &types.Session{
		MeetingID:    req.RoomID,
		SessionID:    m.newID(),
		UserID:       req.UserID,
		Email:        req.Email,
		ConnectionID: req.ConnectionID,
		InstanceID:   m.rooms.InstanceID(),
		JoinedAt:     m.now().UTC(),
	}, m.maxParticipants)
	if errors.Is(err, store.ErrRoomFull) {
		metricJoins.WithLabelValues("room_full").Inc()
		m.logger.Infow("room full", "room", req.RoomID, "user", req.UserID)
		return nil, false, nil, ErrRoomFull
	}
	if err != nil {
		return nil, false, nil, err
	}
	row := adm.Session

	if adm.Reconnected {
		if prev := adm.PrevConnection; prev != "" && prev != req.ConnectionID {
			if err := m.dropGhost(ctx, req.RoomID, prev); err != nil {
				return nil, false, nil, err
			}
		}
		return row, true, meeting, nil
	}

	delta := types.StatsDelta{Sessions: 1}
	if adm.Active == 2 {
		delta.Pairs = 1
	}
	m.incr(ctx, delta)

	if req.Email != "" {
		claimed, ok, err := m.store.ClaimIdentity(ctx, req.RoomID, row.Role, types.Identity{Email: req.Email})
		switch {
		case err != nil:
			m.logger.Warnw("claiming identity", "room", req.RoomID, "role", row.Role, "error", err)
		default:
			if !ok {
				m.logger.Debugw("identity already claimed", "room", req.RoomID, "role", row.Role)
			}
			meeting = claimed
		}
	}
	return row, false, meeting, nil
}

func (m *Manager) announce(ctx context.Context, req JoinRequest, res *JoinResult) {
	var err error
	if res.IsReconnection {
		err = m.rooms.Broadcast(ctx, req.RoomID, req.ConnectionID, types.EvtPeerReconnected, types.PeerReconnectedPayload{
			UserID:      res.Session.UserID,
			NewSocketID: req.ConnectionID,
		})
	} else {
		err = m.rooms.Broadcast(ctx, req.RoomID, req.ConnectionID, types.EvtUserJoined, types.UserPresencePayload{
			UserID:       req.ConnectionID,
			PersistentID: res.Session.UserID,
			Role:         res.Session.Role,
		})
	}
	if err != nil {
		m.logger.Warnw("broadcasting join", "room", req.RoomID, "error", err)
	}

	if err := m.rooms.Send(ctx, req.ConnectionID, types.EvtRoomState, types.RoomStatePayload{
		Meeting:        res.Meeting,
		Participants:   res.Participants,
		RecordingState: res.Recording,
		IsReconnection: res.IsReconnection,
		Role:           res.Session.Role,
	}); err != nil {
		m.logger.Warnw("sending room state", "connection", req.ConnectionID, "error", err)
	}

	if res.IsReconnection && recording.StateOf(res.Recording) == recording.Recording && res.Recording.StartedAt != nil {
		now := m.now()
		if err := m.rooms.Send(ctx, req.ConnectionID, types.EvtResumeRecording, types.ResumeRecordingPayload{
			StartedAt:      res.Recording.StartedAt.UnixMilli(),
			ElapsedSeconds: res.Recording.Elapsed(now).Seconds(),
			SessionID:      res.Recording.RecordingID,
		}); err != nil {
			m.logger.Warnw("sending resume notice", "connection", req.ConnectionID, "error", err)
		}
	}
}

// Disconnect ends the session held by connID. Unknown or already superseded
// connections are a no-op, so duplicate disconnects never double count.
func (m *Manager) Disconnect(ctx context.Context, connID string) error {
	s, err := m.store.FindSessionByConnection(ctx, connID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	m.rooms.Leave(s.MeetingID, connID)

	applied, remaining, err := m.store.DeactivateSession(ctx, s.MeetingID, s.SessionID, connID, m.now())
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	metricDisconnects.Inc()

	delta := types.StatsDelta{Sessions: -1}
	if remaining == 1 {
		delta.Pairs = -1
	}
	m.incr(ctx, delta)

	if err := m.rooms.Broadcast(ctx, s.MeetingID, connID, types.EvtUserLeft, types.UserPresencePayload{
		UserID:       connID,
		PersistentID: s.UserID,
		Role:         s.Role,
	}); err != nil {
		m.logger.Warnw("broadcasting leave", "room", s.MeetingID, "error", err)
	}
	if remaining == 0 {
		// Idle is the only state a room may sit in between sessions.
		if _, stopped, err := m.recorder.Stop(ctx, s.MeetingID); err != nil {
			m.logger.Errorw("stopping recording of emptied room", "room", s.MeetingID, "error", err)
		} else if stopped {
			m.logger.Infow("stopped recording of emptied room", "room", s.MeetingID)
		}
		if err := m.rooms.BroadcastWithMeta(ctx, s.MeetingID, "", types.EvtRoomClosed, nil, nil); err != nil {
			m.logger.Warnw("broadcasting room closed", "room", s.MeetingID, "error", err)
		}
	}
	m.logger.Infow("left room", "room", s.MeetingID, "user", s.UserID, "connection", connID, "remaining", remaining)
	return nil
}

// Snapshot rebuilds the room view from the store.
func (m *Manager) Snapshot(ctx context.Context, roomID string) (*JoinResult, error) {
	meeting, err := m.store.GetMeeting(ctx, roomID)
	if err != nil {
		return nil, err
	}
	participants, err := m.participants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	rec, err := m.store.GetOrCreateRecordingState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &JoinResult{Meeting: meeting, Participants: participants, Recording: rec}, nil
}

// ensureMeeting lazily creates the meeting; a concurrent creator's record wins.
func (m *Manager) ensureMeeting(ctx context.Context, roomID string) (*types.Meeting, error) {
	meeting, err := m.store.GetMeeting(ctx, roomID)
	if err == nil {
		return meeting, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	meeting, created, err := m.store.CreateMeetingIfAbsent(ctx, &types.Meeting{
		ID:        roomID,
		Title:     "Recording session " + roomID,
		Status:    types.MeetingActive,
		CreatedAt: m.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if created {
		m.logger.Infow("created meeting on first join", "room", roomID)
	}
	return meeting, nil
}

func (m *Manager) participants(ctx context.Context, roomID string) ([]types.Participant, error) {
	rows, err := m.store.ListActiveSessions(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]types.Participant, 0, len(rows))
	for _, s := range rows {
		out = append(out, s.Participant())
	}
	return out, nil
}

// incr logs instead of failing: the counters are dashboards, the session rows
// are the source of truth.
func (m *Manager) incr(ctx context.Context, d types.StatsDelta) {
	if d.IsZero() {
		return
	}
	if err := m.store.IncrStats(ctx, d); err != nil {
		m.logger.Errorw("updating global stats", "delta", d, "error", err)
	}
}
