package types

import "time"

const (
	RoleHost  = "host"
	RoleGuest = "guest"
)

// Meeting lifecycle statuses.
const (
	MeetingScheduled = "scheduled"
	MeetingActive    = "active"
	MeetingRecording = "recording"
	MeetingCompleted = "completed"
	MeetingCancelled = "cancelled"
)

// Identity is a claimed participant identity on a meeting.
type Identity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

func (i *Identity) Claimed() bool { return i != nil && (i.Name != "" || i.Email != "") }

type Meeting struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Host      *Identity `json:"host,omitempty"`
	Guest     *Identity `json:"guest,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is one join attempt. Reconnects update ConnectionID on the existing row.
type Session struct {
	MeetingID    string     `json:"meetingId"`
	SessionID    string     `json:"sessionId"`
	UserID       string     `json:"userId"`
	Role         string     `json:"role"`
	Email        string     `json:"email,omitempty"`
	ConnectionID string     `json:"connectionId"`
	InstanceID   string     `json:"instanceId,omitempty"`
	JoinedAt     time.Time  `json:"joinedAt"`
	LeftAt       *time.Time `json:"leftAt,omitempty"`
	IsActive     bool       `json:"isActive"`
}

// Participant is the client-facing view of an active session.
type Participant struct {
	UserID       string    `json:"userId"` // connection id
	PersistentID string    `json:"persistentId"`
	Role         string    `json:"role"`
	Email        string    `json:"email,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
}

func (s Session) Participant() Participant {
	return Participant{
		UserID:       s.ConnectionID,
		PersistentID: s.UserID,
		Role:         s.Role,
		Email:        s.Email,
		JoinedAt:     s.JoinedAt,
	}
}

type RecordingState struct {
	MeetingID           string     `json:"meetingId"`
	IsRecording         bool       `json:"isRecording"`
	RecordingID         string     `json:"sessionId,omitempty"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	StoppedAt           *time.Time `json:"stoppedAt,omitempty"`
	StartedByConnection string     `json:"startedBy,omitempty"`
	StartedByUser       string     `json:"startedByUser,omitempty"`
}

// Elapsed returns how long the current recording has been running.
func (r *RecordingState) Elapsed(now time.Time) time.Duration {
	if r == nil || !r.IsRecording || r.StartedAt == nil {
		return 0
	}
	d := now.Sub(*r.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

type GlobalStats struct {
	ActiveSessionCount   int64 `json:"activeSessionCount"`
	ActiveRecordingCount int64 `json:"activeRecordingCount"`
	ActivePairCount      int64 `json:"activePairCount"`
}

// StatsDelta is applied with associative increments only.
type StatsDelta struct {
	Sessions   int64
	Recordings int64
	Pairs      int64
}

func (d StatsDelta) IsZero() bool { return d.Sessions == 0 && d.Recordings == 0 && d.Pairs == 0 }

// Event is a journal entry of room activity.
type Event struct {
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}
