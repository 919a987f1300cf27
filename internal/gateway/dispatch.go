package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"duet/server/internal/auth"
	"duet/server/internal/hub"
	"duet/server/internal/quality"
	"duet/server/internal/session"
	"duet/server/internal/signaling"
	"duet/server/internal/types"
)

// Client is the per-connection state the read loop carries between events.
type Client struct {
	conn   hub.Conn
	ticket string

	room   string
	userID string
	role   string
}

func NewClient(conn hub.Conn, ticket string) *Client {
	return &Client{conn: conn, ticket: ticket}
}

func (c *Client) ID() string   { return c.conn.ID() }
func (c *Client) Room() string { return c.room }
func (c *Client) Role() string { return c.role }

// Handle processes one inbound event and reports whether the connection
// should stay open. Handler failures are reported to the client as an error
// event; they never end the connection.
func (s *Server) Handle(ctx context.Context, c *Client, msg types.Message) (keepOpen bool) {
	start := time.Now()
	metricEvents.WithLabelValues(eventLabel(msg.Event)).Inc()
	defer func() {
		if r := recover(); r != nil {
			metricHandlerErrors.Inc()
			s.logger.Errorw("handler panic", "event", msg.Event, "connection", c.ID(), "panic", r)
			s.replyError(ctx, c, errInternal)
			keepOpen = true
		}
	}()

	err := s.dispatch(ctx, c, msg)
	switch {
	case err == nil:
	case errors.Is(err, errCloseConn):
		return false
	default:
		metricHandlerErrors.Inc()
		s.replyError(ctx, c, err)
	}
	s.logger.Debugw("handled event", "event", msg.Event, "connection", c.ID(), "took", time.Since(start))
	return true
}

func (s *Server) dispatch(ctx context.Context, c *Client, msg types.Message) error {
	switch msg.Event {
	case types.EvtJoinRoom:
		return s.onJoin(ctx, c, msg.Data)
	case types.EvtStartRecording:
		return s.onStartRecording(ctx, c, msg.Data)
	case types.EvtStopRecording:
		return s.onStopRecording(ctx, c, msg.Data)
	case types.EvtAudioMetrics:
		return s.onAudioMetrics(ctx, c, msg.Data)
	case types.EvtMicCheck:
		return s.onMicCheck(ctx, c, msg.Data)
	case types.EvtOffer, types.EvtAnswer, types.EvtICECandidate:
		return s.onSignal(ctx, c, msg.Event, msg.Data)
	case types.EvtChatMessage:
		return s.onChat(ctx, c, msg.Data)
	}
	return userErrorf("unknown event %q", msg.Event)
}

func (s *Server) onJoin(ctx context.Context, c *Client, data json.RawMessage) error {
	var req types.JoinRoomRequest
	if err := s.decode(data, &req); err != nil {
		return err
	}
	if s.opts.TicketSecret != "" {
		if _, err := auth.ValidateTicket(s.opts.TicketSecret, c.ticket, req.RoomID, req.UserID, time.Now(), s.opts.TicketSkewSecs); err != nil {
			return userErrorf("not allowed to join this room: %v", err)
		}
	}
	if c.room != "" && c.room != req.RoomID {
		if err := s.sessions.Disconnect(ctx, c.ID()); err != nil {
			return err
		}
		c.room, c.userID, c.role = "", "", ""
	}

	res, err := s.sessions.Join(ctx, session.JoinRequest{
		RoomID:       req.RoomID,
		Role:         req.Role,
		UserID:       req.UserID,
		Email:        req.UserEmail,
		ConnectionID: c.ID(),
	})
	switch {
	case errors.Is(err, session.ErrRoomFull):
		if err := s.hub.Send(ctx, c.ID(), types.EvtRoomFull, types.NoticePayload{Message: roomFullMessage}); err != nil {
			s.logger.Warnw("sending room full", "connection", c.ID(), "error", err)
		}
		_ = c.conn.Close("room full")
		s.journal.Append(req.RoomID, "room_full", map[string]any{"user": req.UserID})
		return errCloseConn
	case errors.Is(err, session.ErrInvalidJoin):
		return &userError{msg: err.Error()}
	case err != nil:
		return err
	}

	c.room = req.RoomID
	c.userID = res.Session.UserID
	c.role = res.Session.Role
	s.journal.Append(req.RoomID, "joined", map[string]any{
		"connection": c.ID(), "user": c.userID, "role": c.role, "reconnection": res.IsReconnection,
	})
	return nil
}

// joined returns the client's room, refusing connections that are not (or no
// longer) attached to one. A superseded connection fails here.
func (s *Server) joined(c *Client, roomID string) (string, error) {
	room, ok := s.hub.RoomOf(c.ID())
	if !ok || room != c.room {
		return "", errNotJoined
	}
	if roomID != "" && roomID != room {
		return "", errWrongRoom
	}
	return room, nil
}

func (s *Server) onStartRecording(ctx context.Context, c *Client, data json.RawMessage) error {
	var req types.RoomRequest
	if err := s.decode(data, &req); err != nil {
		return err
	}
	room, err := s.joined(c, req.RoomID)
	if err != nil {
		return err
	}
	st, applied, err := s.recording.Start(ctx, room, c.ID(), c.userID)
	if err != nil {
		return err
	}
	if applied {
		s.journal.Append(room, "recording_started", map[string]any{"recording": st.RecordingID, "by": c.userID})
	}
	return nil
}

func (s *Server) onStopRecording(ctx context.Context, c *Client, data json.RawMessage) error {
	var req types.RoomRequest
	if err := s.decode(data, &req); err != nil {
		return err
	}
	room, err := s.joined(c, req.RoomID)
	if err != nil {
		return err
	}
	st, applied, err := s.recording.Stop(ctx, room)
	if err != nil {
		return err
	}
	if applied {
		s.journal.Append(room, "recording_stopped", map[string]any{"recording": st.RecordingID, "by": c.userID})
	}
	return nil
}

func (s *Server) onAudioMetrics(ctx context.Context, c *Client, data json.RawMessage) error {
	var sample types.AudioMetricsSample
	if err := s.decode(data, &sample); err != nil {
		return err
	}
	room, err := s.joined(c, "")
	if err != nil {
		return err
	}
	// Samples for anything but the running recording would never be cleaned up.
	cur, err := s.recording.Current(ctx, room)
	if err != nil {
		return err
	}
	if !cur.IsRecording || cur.RecordingID != sample.SessionID {
		s.logger.Debugw("dropping sample for inactive recording", "room", room, "recording", sample.SessionID)
		return nil
	}

	up := s.quality.Ingest(room, sample.SessionID, c.role, quality.Sample{
		Timestamp:      sample.Timestamp,
		RMS:            sample.RMS,
		Peak:           sample.Peak,
		ClipCount:      sample.ClipCount,
		SilenceMs:      sample.SilenceDuration,
		SpeechDetected: sample.SpeechDetected,
	})
	for _, w := range up.Warnings {
		if err := s.hub.Broadcast(ctx, room, "", types.EvtRecordingWarning, w); err != nil {
			return err
		}
	}
	return s.hub.Broadcast(ctx, room, "", types.EvtQualityUpdate, up)
}

func (s *Server) onMicCheck(ctx context.Context, c *Client, data json.RawMessage) error {
	var req types.MicCheckRequest
	if err := s.decode(data, &req); err != nil {
		return err
	}
	st := quality.CheckMic(quality.MicSample{RMS: req.RMS, Peak: req.Peak, NoiseFloor: req.NoiseFloor, IsClipping: req.IsClipping})
	return s.hub.Send(ctx, c.ID(), types.EvtMicStatus, st)
}

func (s *Server) onSignal(ctx context.Context, c *Client, event string, data json.RawMessage) error {
	var req types.SignalRequest
	if err := s.decode(data, &req); err != nil {
		return err
	}
	if _, err := s.joined(c, ""); err != nil {
		return err
	}
	err := s.relay.Forward(ctx, c.ID(), signaling.FromRequest(event, req))
	if errors.Is(err, signaling.ErrMissingTarget) || errors.Is(err, signaling.ErrMissingPayload) {
		return &userError{msg: err.Error()}
	}
	return err
}

func (s *Server) onChat(ctx context.Context, c *Client, data json.RawMessage) error {
	var msg types.ChatMessage
	if err := s.decode(data, &msg); err != nil {
		return err
	}
	room, err := s.joined(c, msg.RoomID)
	if err != nil {
		return err
	}
	msg.Sender = c.userID
	msg.Role = c.role
	if err := s.hub.Broadcast(ctx, room, c.ID(), types.EvtChatMessage, msg); err != nil {
		return err
	}
	s.journal.Append(room, "chat", map[string]any{"from": c.userID, "length": len(msg.Message)})
	return nil
}

// replyError sends an error event. Only userError text reaches the client.
func (s *Server) replyError(ctx context.Context, c *Client, err error) {
	msg := genericErrorMessage
	var ue *userError
	if errors.As(err, &ue) {
		msg = ue.msg
	} else {
		s.logger.Errorw("handler failed", "connection", c.ID(), "room", c.room, "error", err)
	}
	if err := s.hub.Send(ctx, c.ID(), types.EvtError, types.NoticePayload{Message: msg}); err != nil {
		s.logger.Debugw("sending error", "connection", c.ID(), "error", err)
	}
}

func eventLabel(event string) string {
	switch event {
	case types.EvtJoinRoom, types.EvtStartRecording, types.EvtStopRecording, types.EvtAudioMetrics,
		types.EvtMicCheck, types.EvtOffer, types.EvtAnswer, types.EvtICECandidate, types.EvtChatMessage:
		return event
	}
	return "unknown"
}

func userErrorf(format string, args ...any) error {
	return &userError{msg: fmt.Sprintf(format, args...)}
}
