package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"duet/server/internal/auth"
	"duet/server/internal/config"
	"duet/server/internal/events"
	"duet/server/internal/health"
	"duet/server/internal/logging"
	"duet/server/internal/session"
	"duet/server/internal/store"
)

const ticketTTL = 15 * time.Minute

type Handlers struct {
	cfg      config.Config
	store    store.Store
	sessions *session.Manager
	journal  *events.Journal
	checks   []health.Check
	ws       http.HandlerFunc
	logger   logging.Logger
}

// NewHandlers wires the REST surface. ws may be nil to serve no event endpoint.
func NewHandlers(cfg config.Config, st store.Store, sessions *session.Manager, journal *events.Journal,
	checks []health.Check, ws http.HandlerFunc, logger logging.Logger) *Handlers {
	return &Handlers{cfg: cfg, store: st, sessions: sessions, journal: journal, checks: checks, ws: ws, logger: logger}
}

func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	st := health.CheckAll(r.Context(), h.checks...)
	code := http.StatusOK
	if !st.OK {
		code = http.StatusServiceUnavailable
		h.logger.Warnw("not ready", "summary", st.String())
	}
	writeJSON(w, code, st)
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		h.logger.Errorw("reading stats", "error", err)
		http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleGetRoom serves the room as the store sees it, so any instance gives
// the same answer.
func (h *Handlers) HandleGetRoom(w http.ResponseWriter, r *http.Request, id string) {
	snap, err := h.sessions.Snapshot(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Errorw("room snapshot", "room", id, "error", err)
		http.Error(w, "room unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meeting":        snap.Meeting,
		"participants":   snap.Participants,
		"recordingState": snap.Recording,
	})
}

// HandleListEvents lists this instance's journal for the room.
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request, id string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id": id,
		"events":  h.journal.List(id),
	})
}

func (h *Handlers) HandleMintTicket(w http.ResponseWriter, r *http.Request, id string) {
	if h.cfg.Auth.TicketSecret == "" {
		http.Error(w, "room tickets not configured", http.StatusNotFound)
		return
	}
	var body struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	exp := time.Now().Add(ticketTTL).Unix()
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket": auth.GenerateTicket(h.cfg.Auth.TicketSecret, id, body.UserID, exp),
		"exp":    exp,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
