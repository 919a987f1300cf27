package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	ws "nhooyr.io/websocket"

	"duet/server/internal/bus"
	"duet/server/internal/events"
	"duet/server/internal/hub"
	"duet/server/internal/logging"
	"duet/server/internal/quality"
	"duet/server/internal/recording"
	"duet/server/internal/session"
	"duet/server/internal/signaling"
	"duet/server/internal/types"
)

const (
	disconnectTimeout = 10 * time.Second
	readLimit         = 1 << 20
)

type Options struct {
	TicketSecret   string
	TicketSkewSecs int
}

// Server owns the event connections held by this instance.
type Server struct {
	hub       *hub.Hub
	sessions  *session.Manager
	recording *recording.Machine
	relay     *signaling.Relay
	quality   *quality.Aggregator
	journal   *events.Journal
	logger    logging.Logger
	validate  *validator.Validate
	opts      Options
}

func NewServer(h *hub.Hub, sessions *session.Manager, rec *recording.Machine, relay *signaling.Relay,
	agg *quality.Aggregator, journal *events.Journal, logger logging.Logger, opts Options) *Server {
	s := &Server{
		hub:       h,
		sessions:  sessions,
		recording: rec,
		relay:     relay,
		quality:   agg,
		journal:   journal,
		logger:    logger,
		validate:  newValidator(),
		opts:      opts,
	}
	h.Observe(s.observe)
	return s
}

// observe releases per-recording state whichever instance stopped the
// recording or saw the room empty.
func (s *Server) observe(env bus.Envelope) {
	if env.Kind != bus.KindRoom {
		return
	}
	switch env.Event {
	case types.EvtStopRecording:
		id := env.Meta["recordingId"]
		if id == "" {
			return
		}
		if agg, ok := s.quality.Get(env.Room, id); ok {
			profile := quality.EstimateProfile(agg)
			s.logger.Infow("live metrics at stop", "room", env.Room, "recording", id, "profile", profile, "speakers", len(agg.Speakers))
			s.journal.Append(env.Room, "quality_summary", map[string]any{"recording": id, "profile": profile, "instance": s.hub.InstanceID()})
		}
		s.quality.Cleanup(env.Room, id)
	case types.EvtRoomClosed:
		if ids := s.quality.Recordings(env.Room); len(ids) > 0 {
			s.logger.Infow("dropping live metrics of closed room", "room", env.Room, "recordings", ids)
		}
		s.quality.CleanupRoom(env.Room)
		s.journal.Append(env.Room, "room_closed", nil)
	}
}

// HandleWS upgrades the request and runs the connection's read loop. Events
// from one connection are handled in arrival order.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	c, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warnw("ws accept", "error", err)
		return
	}
	c.SetReadLimit(readLimit)

	conn := newWSConn(c)
	client := NewClient(conn, r.URL.Query().Get("ticket"))
	s.hub.Register(conn)
	gaugeConnections.Inc()
	s.logger.Debugw("connection opened", "connection", conn.id, "remote", r.RemoteAddr)

	ctx := r.Context()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			break
		}
		if typ != ws.MessageText {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.replyError(ctx, client, errBadFrame)
			continue
		}
		if !s.Handle(ctx, client, msg) {
			break
		}
	}

	s.Close(client)
	conn.out.shutdown(ws.StatusNormalClosure, "done")
	gaugeConnections.Dec()
}

// Close ends the client's session and forgets the connection. It runs with a
// fresh context since the request context is usually gone by now.
func (s *Server) Close(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := s.sessions.Disconnect(ctx, client.ID()); err != nil {
		s.logger.Errorw("disconnect", "connection", client.ID(), "error", err)
	}
	if client.room != "" {
		s.journal.Append(client.room, "disconnected", map[string]any{"connection": client.ID(), "user": client.userID})
	}
	s.hub.Unregister(client.ID())
	s.logger.Debugw("connection closed", "connection", client.ID())
}

// wsConn adapts a websocket to hub.Conn. Send and Close only hand work to the
// outbox, so the hub can call them from the bus goroutine.
type wsConn struct {
	id  string
	out *outbox
}

func newWSConn(c *ws.Conn) *wsConn {
	return &wsConn{
		id: uuid.New().String(),
		out: newOutbox(outboxSize, writeTimeout,
			func(ctx context.Context, b []byte) error { return c.Write(ctx, ws.MessageText, b) },
			c.Close),
	}
}

func (w *wsConn) ID() string { return w.id }

func (w *wsConn) Send(_ context.Context, event string, data json.RawMessage) error {
	b, err := json.Marshal(types.Message{Event: event, Data: data})
	if err != nil {
		return err
	}
	return w.out.push(b)
}

func (w *wsConn) Close(reason string) error {
	w.out.shutdown(ws.StatusPolicyViolation, reason)
	return nil
}
