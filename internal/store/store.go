package store

import (
	"context"
	"errors"
	"time"

	"duet/server/internal/types"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrRoomFull    = errors.New("room is full")
	// ErrClusterMode is returned by CheckTopology for a cluster-enabled Redis.
	ErrClusterMode = errors.New("redis cluster mode is not supported")
)

// Admission is the outcome of AdmitSession.
type Admission struct {
	Session *types.Session
	// Active is the number of active sessions in the meeting afterwards.
	Active      int
	Reconnected bool
	// PrevConnection is the connection the reconnected session was held by.
	PrevConnection string
}

// Store is the durable room store shared by every instance. Every write that
// carries a cross-instance invariant is a single conditional operation; a lost
// race is reported through the applied flag and the winning record, not as an
// error.
type Store interface {
	GetMeeting(ctx context.Context, meetingID string) (*types.Meeting, error)
	// CreateMeetingIfAbsent returns the stored meeting and whether this call created it.
	CreateMeetingIfAbsent(ctx context.Context, m *types.Meeting) (*types.Meeting, bool, error)
	UpdateMeetingStatus(ctx context.Context, meetingID, status string) error
	// ClaimIdentity sets the host or guest identity once; later claims leave it unchanged.
	ClaimIdentity(ctx context.Context, meetingID, role string, id types.Identity) (*types.Meeting, bool, error)

	// AdmitSession decides between reconnect and admission in one conditional
	// write. When the user already holds an active session in the meeting, that
	// row moves to s.ConnectionID and comes back with Reconnected set. Otherwise
	// a new active row is inserted unless max active sessions already exist
	// (ErrRoomFull). New rows get their role by join order: host while no active
	// host exists, guest otherwise.
	AdmitSession(ctx context.Context, s *types.Session, max int) (*Admission, error)
	FindSessionByConnection(ctx context.Context, connectionID string) (*types.Session, error)
	// DeactivateSession marks the session inactive only if it is active and still
	// held by connectionID. Returns whether it applied and the remaining active count.
	DeactivateSession(ctx context.Context, meetingID, sessionID, connectionID string, leftAt time.Time) (bool, int, error)
	ListActiveSessions(ctx context.Context, meetingID string) ([]types.Session, error)

	GetOrCreateRecordingState(ctx context.Context, meetingID string) (*types.RecordingState, error)
	// StartRecording writes st only while the meeting is idle; otherwise it
	// returns the recording already in progress.
	StartRecording(ctx context.Context, st *types.RecordingState) (*types.RecordingState, bool, error)
	// StopRecording flips the meeting back to idle only while it is recording.
	StopRecording(ctx context.Context, meetingID string, at time.Time) (*types.RecordingState, bool, error)

	IncrStats(ctx context.Context, d types.StatsDelta) error
	GetStats(ctx context.Context) (types.GlobalStats, error)

	Ping(ctx context.Context) error
}
