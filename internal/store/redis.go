package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"duet/server/internal/types"
)

// Redis is the Store used in production. Keys scoped to one meeting share a
// {meetingID} hash tag. The admission script reads session rows by computed
// key, so a single Redis primary (or sentinel pair) is required; CheckTopology
// refuses a cluster-enabled server.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) meetingKey(id string) string { return r.prefix + "meeting:{" + id + "}" }
func (r *Redis) activeKey(id string) string  { return r.prefix + "meeting:{" + id + "}:active" }
func (r *Redis) userKey(id string) string    { return r.prefix + "user:" + id + ":sessions" }
func (r *Redis) connPrefix() string          { return r.prefix + "conn:" }
func (r *Redis) connKey(id string) string    { return r.connPrefix() + id }
func (r *Redis) statsKey() string            { return r.prefix + "stats" }

func (r *Redis) sessionPrefix(meetingID string) string {
	return r.prefix + "session:{" + meetingID + "}:"
}

func (r *Redis) sessionKey(meetingID, sessionID string) string {
	return r.sessionPrefix(meetingID) + sessionID
}

func (r *Redis) recordingKey(meetingID string) string {
	return r.prefix + "recording:{" + meetingID + "}"
}

// splitRef parses the "meetingID|sessionID" values of the user and connection indexes.
func splitRef(ref string) (string, string, bool) {
	i := strings.LastIndex(ref, "|")
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}

// Appended to scripts that answer {applied, HGETALL(KEYS[1])...}.
const luaReplyWithHash = `
local out = {applied}
local h = redis.call('HGETALL', KEYS[1])
for i = 1, #h do out[#out + 1] = h[i] end
return out`

var createMeetingScript = redis.NewScript(`
local applied = 0
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'id', ARGV[1], 'title', ARGV[2], 'status', ARGV[3], 'createdAt', ARGV[4],
    'hostName', ARGV[5], 'hostEmail', ARGV[6], 'guestName', ARGV[7], 'guestEmail', ARGV[8])
  applied = 1
end` + luaReplyWithHash)

var updateStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1`)

var claimIdentityScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return false end
local nameField = ARGV[1] .. 'Name'
local emailField = ARGV[1] .. 'Email'
local n = redis.call('HGET', KEYS[1], nameField)
local e = redis.call('HGET', KEYS[1], emailField)
local applied = 0
if (not n or n == '') and (not e or e == '') then
  redis.call('HSET', KEYS[1], nameField, ARGV[2], emailField, ARGV[3])
  applied = 1
end` + luaReplyWithHash)

// KEYS: active set, new session row, user index, new connection index.
// ARGV: max, meetingID, sessionID, userID, email, connID, joinedAt, instanceID,
// session key prefix, connection key prefix.
// Reply: {status, active, prevConn, HGETALL(row)...}; status 0 = reconnected,
// 1 = admitted, -1 = full.
var admitScript = redis.NewScript(`
local function reply(status, count, prev, key)
  local out = {status, count, prev}
  local h = redis.call('HGETALL', key)
  for i = 1, #h do out[#out + 1] = h[i] end
  return out
end
local active = redis.call('SMEMBERS', KEYS[1])
local mine = ARGV[2] .. '|'
for _, ref in ipairs(redis.call('ZREVRANGE', KEYS[3], 0, -1)) do
  if string.sub(ref, 1, #mine) == mine then
    local key = ARGV[9] .. string.sub(ref, #mine + 1)
    if redis.call('HGET', key, 'isActive') == '1' then
      local prev = redis.call('HGET', key, 'connectionId') or ''
      if prev ~= '' and prev ~= ARGV[6] then redis.call('DEL', ARGV[10] .. prev) end
      redis.call('HSET', key, 'connectionId', ARGV[6], 'instanceId', ARGV[8])
      redis.call('SET', KEYS[4], ref)
      return reply(0, #active, prev, key)
    end
  end
end
if #active >= tonumber(ARGV[1]) then return {-1, #active, ''} end
local role = 'host'
for _, sid in ipairs(active) do
  if redis.call('HGET', ARGV[9] .. sid, 'role') == 'host' then role = 'guest' end
end
redis.call('HSET', KEYS[2], 'meetingId', ARGV[2], 'sessionId', ARGV[3], 'userId', ARGV[4], 'role', role,
  'email', ARGV[5], 'connectionId', ARGV[6], 'joinedAt', ARGV[7], 'leftAt', '', 'isActive', '1', 'instanceId', ARGV[8])
redis.call('SADD', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[7], ARGV[2] .. '|' .. ARGV[3])
-- the user index keeps the 20 most recent joins
redis.call('ZREMRANGEBYRANK', KEYS[3], 0, -21)
redis.call('SET', KEYS[4], ARGV[2] .. '|' .. ARGV[3])
return reply(1, #active + 1, '', KEYS[2])`)

// KEYS: session row, active set, connection index. ARGV: leftAt, sessionID, connID.
var deactivateScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'isActive') ~= '1' or redis.call('HGET', KEYS[1], 'connectionId') ~= ARGV[3] then
  return {0, redis.call('SCARD', KEYS[2])}
end
redis.call('HSET', KEYS[1], 'isActive', '0', 'leftAt', ARGV[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('DEL', KEYS[3])
return {1, redis.call('SCARD', KEYS[2])}`)

var startRecordingScript = redis.NewScript(`
local applied = 0
if redis.call('HGET', KEYS[1], 'isRecording') ~= '1' then
  redis.call('HSET', KEYS[1], 'meetingId', ARGV[1], 'isRecording', '1', 'recordingId', ARGV[2], 'startedAt', ARGV[3],
    'stoppedAt', '', 'startedByConnection', ARGV[4], 'startedByUser', ARGV[5])
  applied = 1
end` + luaReplyWithHash)

var stopRecordingScript = redis.NewScript(`
local applied = 0
if redis.call('HGET', KEYS[1], 'isRecording') == '1' then
  redis.call('HSET', KEYS[1], 'isRecording', '0', 'stoppedAt', ARGV[1])
  applied = 1
end` + luaReplyWithHash)

func (r *Redis) GetMeeting(ctx context.Context, meetingID string) (*types.Meeting, error) {
	h, err := r.rdb.HGetAll(ctx, r.meetingKey(meetingID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get meeting %s: %w", meetingID, err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return parseMeeting(h), nil
}

func (r *Redis) CreateMeetingIfAbsent(ctx context.Context, m *types.Meeting) (*types.Meeting, bool, error) {
	var host, guest types.Identity
	if m.Host != nil {
		host = *m.Host
	}
	if m.Guest != nil {
		guest = *m.Guest
	}
	res, err := createMeetingScript.Run(ctx, r.rdb, []string{r.meetingKey(m.ID)},
		m.ID, m.Title, m.Status, formatMillis(&m.CreatedAt),
		host.Name, host.Email, guest.Name, guest.Email).Result()
	if err != nil {
		return nil, false, fmt.Errorf("create meeting %s: %w", m.ID, err)
	}
	applied, h, err := appliedAndHash(res)
	if err != nil {
		return nil, false, fmt.Errorf("create meeting %s: %w", m.ID, err)
	}
	return parseMeeting(h), applied == 1, nil
}

func (r *Redis) UpdateMeetingStatus(ctx context.Context, meetingID, status string) error {
	n, err := updateStatusScript.Run(ctx, r.rdb, []string{r.meetingKey(meetingID)}, status).Int64()
	if err != nil {
		return fmt.Errorf("update meeting status %s: %w", meetingID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) ClaimIdentity(ctx context.Context, meetingID, role string, id types.Identity) (*types.Meeting, bool, error) {
	res, err := claimIdentityScript.Run(ctx, r.rdb, []string{r.meetingKey(meetingID)}, role, id.Name, id.Email).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim %s identity on %s: %w", role, meetingID, err)
	}
	applied, h, err := appliedAndHash(res)
	if err != nil {
		return nil, false, fmt.Errorf("claim %s identity on %s: %w", role, meetingID, err)
	}
	return parseMeeting(h), applied == 1, nil
}

func (r *Redis) AdmitSession(ctx context.Context, s *types.Session, max int) (*Admission, error) {
	keys := []string{
		r.activeKey(s.MeetingID),
		r.sessionKey(s.MeetingID, s.SessionID),
		r.userKey(s.UserID),
		r.connKey(s.ConnectionID),
	}
	res, err := admitScript.Run(ctx, r.rdb, keys,
		max, s.MeetingID, s.SessionID, s.UserID, s.Email, s.ConnectionID,
		s.JoinedAt.UnixMilli(), s.InstanceID, r.sessionPrefix(s.MeetingID), r.connPrefix()).Slice()
	if err != nil {
		return nil, fmt.Errorf("admit session %s: %w", s.SessionID, err)
	}
	if len(res) < 3 {
		return nil, fmt.Errorf("admit session %s: unexpected reply %v", s.SessionID, res)
	}
	status, _ := res[0].(int64)
	active, _ := res[1].(int64)
	if status < 0 {
		return &Admission{Active: int(active)}, ErrRoomFull
	}
	prev, _ := res[2].(string)
	return &Admission{
		Session:        parseSession(hashFrom(res[3:])),
		Active:         int(active),
		Reconnected:    status == 0,
		PrevConnection: prev,
	}, nil
}

func (r *Redis) FindSessionByConnection(ctx context.Context, connectionID string) (*types.Session, error) {
	ref, err := r.rdb.Get(ctx, r.connKey(connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session for connection %s: %w", connectionID, err)
	}
	meetingID, sessionID, ok := splitRef(ref)
	if !ok {
		return nil, ErrNotFound
	}
	return r.getSession(ctx, meetingID, sessionID)
}

func (r *Redis) DeactivateSession(ctx context.Context, meetingID, sessionID, connectionID string, leftAt time.Time) (bool, int, error) {
	keys := []string{r.sessionKey(meetingID, sessionID), r.activeKey(meetingID), r.connKey(connectionID)}
	res, err := deactivateScript.Run(ctx, r.rdb, keys, leftAt.UnixMilli(), sessionID, connectionID).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("deactivate session %s: %w", sessionID, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("deactivate session %s: unexpected reply %v", sessionID, res)
	}
	return res[0] == 1, int(res[1]), nil
}

func (r *Redis) ListActiveSessions(ctx context.Context, meetingID string) ([]types.Session, error) {
	ids, err := r.rdb.SMembers(ctx, r.activeKey(meetingID)).Result()
	if err != nil {
		return nil, fmt.Errorf("active sessions %s: %w", meetingID, err)
	}
	if len(ids) == 0 {
		return []types.Session{}, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.sessionKey(meetingID, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("active sessions %s: %w", meetingID, err)
	}
	out := make([]types.Session, 0, len(ids))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		s := parseSession(h)
		if s.IsActive {
			out = append(out, *s)
		}
	}
	sortSessions(out)
	return out, nil
}

func (r *Redis) GetOrCreateRecordingState(ctx context.Context, meetingID string) (*types.RecordingState, error) {
	key := r.recordingKey(meetingID)
	pipe := r.rdb.TxPipeline()
	pipe.HSetNX(ctx, key, "meetingId", meetingID)
	pipe.HSetNX(ctx, key, "isRecording", "0")
	all := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("recording state %s: %w", meetingID, err)
	}
	return parseRecording(all.Val()), nil
}

func (r *Redis) StartRecording(ctx context.Context, st *types.RecordingState) (*types.RecordingState, bool, error) {
	res, err := startRecordingScript.Run(ctx, r.rdb, []string{r.recordingKey(st.MeetingID)},
		st.MeetingID, st.RecordingID, formatMillis(st.StartedAt), st.StartedByConnection, st.StartedByUser).Result()
	if err != nil {
		return nil, false, fmt.Errorf("start recording %s: %w", st.MeetingID, err)
	}
	applied, h, err := appliedAndHash(res)
	if err != nil {
		return nil, false, fmt.Errorf("start recording %s: %w", st.MeetingID, err)
	}
	return parseRecording(h), applied == 1, nil
}

func (r *Redis) StopRecording(ctx context.Context, meetingID string, at time.Time) (*types.RecordingState, bool, error) {
	res, err := stopRecordingScript.Run(ctx, r.rdb, []string{r.recordingKey(meetingID)}, at.UnixMilli()).Result()
	if err != nil {
		return nil, false, fmt.Errorf("stop recording %s: %w", meetingID, err)
	}
	applied, h, err := appliedAndHash(res)
	if err != nil {
		return nil, false, fmt.Errorf("stop recording %s: %w", meetingID, err)
	}
	st := parseRecording(h)
	if st.MeetingID == "" {
		st.MeetingID = meetingID
	}
	return st, applied == 1, nil
}

// IncrStats issues one HINCRBY per non-zero field; increments commute, so no
// read of the current value is ever needed.
func (r *Redis) IncrStats(ctx context.Context, d types.StatsDelta) error {
	key := r.statsKey()
	for _, f := range []struct {
		field string
		delta int64
	}{
		{"activeSessionCount", d.Sessions},
		{"activeRecordingCount", d.Recordings},
		{"activePairCount", d.Pairs},
	} {
		if f.delta == 0 {
			continue
		}
		if err := r.rdb.HIncrBy(ctx, key, f.field, f.delta).Err(); err != nil {
			return fmt.Errorf("incr %s: %w", f.field, err)
		}
	}
	return nil
}

func (r *Redis) GetStats(ctx context.Context) (types.GlobalStats, error) {
	h, err := r.rdb.HGetAll(ctx, r.statsKey()).Result()
	if err != nil {
		return types.GlobalStats{}, fmt.Errorf("get stats: %w", err)
	}
	return types.GlobalStats{
		ActiveSessionCount:   parseInt(h["activeSessionCount"]),
		ActiveRecordingCount: parseInt(h["activeRecordingCount"]),
		ActivePairCount:      parseInt(h["activePairCount"]),
	}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// CheckTopology fails against a cluster-enabled server. The admission script
// touches session rows it cannot declare up front, which cluster mode rejects.
func (r *Redis) CheckTopology(ctx context.Context) error {
	info, err := r.rdb.Info(ctx, "cluster").Result()
	if err != nil {
		return fmt.Errorf("redis topology: %w", err)
	}
	if strings.Contains(info, "cluster_enabled:1") {
		return ErrClusterMode
	}
	return nil
}

func (r *Redis) getSession(ctx context.Context, meetingID, sessionID string) (*types.Session, error) {
	h, err := r.rdb.HGetAll(ctx, r.sessionKey(meetingID, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return parseSession(h), nil
}

func appliedAndHash(res interface{}) (int64, map[string]string, error) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return 0, nil, fmt.Errorf("unexpected script reply %T", res)
	}
	applied, _ := arr[0].(int64)
	return applied, hashFrom(arr[1:]), nil
}

// hashFrom turns a flattened HGETALL reply back into a map.
func hashFrom(arr []interface{}) map[string]string {
	h := make(map[string]string, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		k, _ := arr[i].(string)
		v, _ := arr[i+1].(string)
		h[k] = v
	}
	return h
}

func parseMeeting(h map[string]string) *types.Meeting {
	m := &types.Meeting{
		ID:     h["id"],
		Title:  h["title"],
		Status: h["status"],
	}
	if t := parseMillis(h["createdAt"]); t != nil {
		m.CreatedAt = *t
	}
	if h["hostName"] != "" || h["hostEmail"] != "" {
		m.Host = &types.Identity{Name: h["hostName"], Email: h["hostEmail"]}
	}
	if h["guestName"] != "" || h["guestEmail"] != "" {
		m.Guest = &types.Identity{Name: h["guestName"], Email: h["guestEmail"]}
	}
	return m
}

func parseSession(h map[string]string) *types.Session {
	s := &types.Session{
		MeetingID:    h["meetingId"],
		SessionID:    h["sessionId"],
		UserID:       h["userId"],
		Role:         h["role"],
		Email:        h["email"],
		ConnectionID: h["connectionId"],
		InstanceID:   h["instanceId"],
		LeftAt:       parseMillis(h["leftAt"]),
		IsActive:     h["isActive"] == "1",
	}
	if t := parseMillis(h["joinedAt"]); t != nil {
		s.JoinedAt = *t
	}
	return s
}

func parseRecording(h map[string]string) *types.RecordingState {
	return &types.RecordingState{
		MeetingID:           h["meetingId"],
		IsRecording:         h["isRecording"] == "1",
		RecordingID:         h["recordingId"],
		StartedAt:           parseMillis(h["startedAt"]),
		StoppedAt:           parseMillis(h["stoppedAt"]),
		StartedByConnection: h["startedByConnection"],
		StartedByUser:       h["startedByUser"],
	}
}

func formatMillis(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
