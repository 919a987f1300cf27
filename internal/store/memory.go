package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"duet/server/internal/types"
)

// Memory is a single-process Store. One mutex serializes every operation, which
// gives each conditional write the same atomicity the Redis scripts provide.
type Memory struct {
	mu         sync.RWMutex
	meetings   map[string]*types.Meeting
	sessions   map[string]map[string]*types.Session // meetingID -> sessionID
	byConn     map[string]*types.Session
	recordings map[string]*types.RecordingState
	stats      types.GlobalStats
}

func NewMemory() *Memory {
	return &Memory{
		meetings:   make(map[string]*types.Meeting),
		sessions:   make(map[string]map[string]*types.Session),
		byConn:     make(map[string]*types.Session),
		recordings: make(map[string]*types.RecordingState),
	}
}

func (m *Memory) GetMeeting(_ context.Context, meetingID string) (*types.Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.meetings[meetingID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMeeting(mt), nil
}

func (m *Memory) CreateMeetingIfAbsent(_ context.Context, mt *types.Meeting) (*types.Meeting, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.meetings[mt.ID]; ok {
		return copyMeeting(cur), false, nil
	}
	m.meetings[mt.ID] = copyMeeting(mt)
	return copyMeeting(mt), true, nil
}

func (m *Memory) UpdateMeetingStatus(_ context.Context, meetingID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.meetings[meetingID]
	if !ok {
		return ErrNotFound
	}
	mt.Status = status
	return nil
}

func (m *Memory) ClaimIdentity(_ context.Context, meetingID, role string, id types.Identity) (*types.Meeting, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.meetings[meetingID]
	if !ok {
		return nil, false, ErrNotFound
	}
	slot := &mt.Guest
	if role == types.RoleHost {
		slot = &mt.Host
	}
	if (*slot).Claimed() {
		return copyMeeting(mt), false, nil
	}
	claimed := id
	*slot = &claimed
	return copyMeeting(mt), true, nil
}

func (m *Memory) AdmitSession(_ context.Context, s *types.Session, max int) (*Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.sessions[s.MeetingID]
	active := 0
	hasHost := false
	var mine *types.Session
	for _, cur := range rows {
		if !cur.IsActive {
			continue
		}
		active++
		if cur.Role == types.RoleHost {
			hasHost = true
		}
		if cur.UserID == s.UserID && (mine == nil || cur.JoinedAt.After(mine.JoinedAt)) {
			mine = cur
		}
	}

	if mine != nil {
		prev := mine.ConnectionID
		if prev != s.ConnectionID {
			delete(m.byConn, prev)
		}
		mine.ConnectionID = s.ConnectionID
		mine.InstanceID = s.InstanceID
		m.byConn[s.ConnectionID] = mine
		out := *mine
		return &Admission{Session: &out, Active: active, Reconnected: true, PrevConnection: prev}, nil
	}

	if active >= max {
		return &Admission{Active: active}, ErrRoomFull
	}
	row := *s
	row.IsActive = true
	row.LeftAt = nil
	row.Role = types.RoleHost
	if hasHost {
		row.Role = types.RoleGuest
	}
	if rows == nil {
		rows = make(map[string]*types.Session)
		m.sessions[s.MeetingID] = rows
	}
	rows[s.SessionID] = &row
	m.byConn[row.ConnectionID] = &row
	out := row
	return &Admission{Session: &out, Active: active + 1}, nil
}

func (m *Memory) FindSessionByConnection(_ context.Context, connectionID string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byConn[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s
	return &out, nil
}

func (m *Memory) DeactivateSession(_ context.Context, meetingID, sessionID, connectionID string, leftAt time.Time) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.sessions[meetingID]
	s, ok := rows[sessionID]
	if !ok || !s.IsActive || s.ConnectionID != connectionID {
		return false, countActive(rows), nil
	}
	at := leftAt.UTC()
	s.IsActive = false
	s.LeftAt = &at
	delete(m.byConn, connectionID)
	return true, countActive(rows), nil
}

func (m *Memory) ListActiveSessions(_ context.Context, meetingID string) ([]types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Session, 0, 2)
	for _, s := range m.sessions[meetingID] {
		if s.IsActive {
			out = append(out, *s)
		}
	}
	sortSessions(out)
	return out, nil
}

func (m *Memory) GetOrCreateRecordingState(_ context.Context, meetingID string) (*types.RecordingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.recordings[meetingID]
	if !ok {
		st = &types.RecordingState{MeetingID: meetingID}
		m.recordings[meetingID] = st
	}
	out := *st
	return &out, nil
}

func (m *Memory) StartRecording(_ context.Context, st *types.RecordingState) (*types.RecordingState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.recordings[st.MeetingID]; ok && cur.IsRecording {
		out := *cur
		return &out, false, nil
	}
	next := *st
	next.IsRecording = true
	next.StoppedAt = nil
	m.recordings[st.MeetingID] = &next
	out := next
	return &out, true, nil
}

func (m *Memory) StopRecording(_ context.Context, meetingID string, at time.Time) (*types.RecordingState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recordings[meetingID]
	if !ok {
		return &types.RecordingState{MeetingID: meetingID}, false, nil
	}
	if !cur.IsRecording {
		out := *cur
		return &out, false, nil
	}
	stopped := at.UTC()
	cur.IsRecording = false
	cur.StoppedAt = &stopped
	out := *cur
	return &out, true, nil
}

func (m *Memory) IncrStats(_ context.Context, d types.StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ActiveSessionCount += d.Sessions
	m.stats.ActiveRecordingCount += d.Recordings
	m.stats.ActivePairCount += d.Pairs
	return nil
}

func (m *Memory) GetStats(_ context.Context) (types.GlobalStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func countActive(rows map[string]*types.Session) int {
	n := 0
	for _, s := range rows {
		if s.IsActive {
			n++
		}
	}
	return n
}

func copyMeeting(mt *types.Meeting) *types.Meeting {
	out := *mt
	if mt.Host != nil {
		h := *mt.Host
		out.Host = &h
	}
	if mt.Guest != nil {
		g := *mt.Guest
		out.Guest = &g
	}
	return &out
}

// sortSessions orders by join time, then session id for a stable listing.
func sortSessions(s []types.Session) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].JoinedAt.Equal(s[j].JoinedAt) {
			return s[i].SessionID < s[j].SessionID
		}
		return s[i].JoinedAt.Before(s[j].JoinedAt)
	})
}
