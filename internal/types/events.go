package types

import "encoding/json"

// Client -> server events.
const (
	EvtJoinRoom       = "join-room"
	EvtStartRecording = "start-recording"
	EvtStopRecording  = "stop-recording"
	EvtAudioMetrics   = "audio-metrics"
	EvtMicCheck       = "mic-check"
	EvtOffer          = "offer"
	EvtAnswer         = "answer"
	EvtICECandidate   = "ice-candidate"
	EvtChatMessage    = "chat-message"
)

// Server -> client events. start-recording, stop-recording, offer, answer,
// ice-candidate and chat-message reuse the names above.
const (
	EvtRoomState          = "room-state"
	EvtUserJoined         = "user-joined"
	EvtUserLeft           = "user-left"
	EvtPeerReconnected    = "peer-reconnected"
	EvtRoomFull           = "room-full"
	EvtDuplicateSession   = "duplicate-session"
	EvtResumeRecording    = "resume-recording"
	EvtMicStatus          = "mic-status"
	EvtRecordingWarning   = "recording-warning"
	EvtQualityUpdate      = "quality-update"
	EvtProcessingStatus   = "processing-status"
	EvtProcessingComplete = "processing-complete"
	EvtRecordingRejected  = "recording-rejected"
	EvtError              = "error"
)

// EvtRoomClosed is bus-internal and never delivered to clients.
const EvtRoomClosed = "room-closed"

// Message is the wire frame in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinRoomRequest struct {
	RoomID    string `json:"roomId" validate:"required"`
	Role      string `json:"role" validate:"required,oneof=host guest"`
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail,omitempty" validate:"omitempty,email"`
}

type RoomRequest struct {
	RoomID string `json:"roomId" validate:"required"`
}

type AudioMetricsSample struct {
	SessionID       string  `json:"sessionId" validate:"required"`
	Timestamp       int64   `json:"timestamp"`
	RMS             float64 `json:"rms"`
	Peak            float64 `json:"peak"`
	ClipCount       int     `json:"clipCount" validate:"gte=0"`
	SilenceDuration float64 `json:"silenceDuration" validate:"gte=0"`
	SpeechDetected  bool    `json:"speechDetected"`
}

type MicCheckRequest struct {
	RMS        float64 `json:"rms"`
	Peak       float64 `json:"peak"`
	NoiseFloor float64 `json:"noiseFloor"`
	IsClipping bool    `json:"isClipping"`
}

// SignalRequest covers offer, answer and ice-candidate.
type SignalRequest struct {
	Target    string          `json:"target" validate:"required"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type ChatMessage struct {
	RoomID  string `json:"roomId" validate:"required"`
	Message string `json:"message" validate:"required"`
	Sender  string `json:"sender"`
	Role    string `json:"role"`
}

type RoomStatePayload struct {
	Meeting        *Meeting        `json:"meeting"`
	Participants   []Participant   `json:"participants"`
	RecordingState *RecordingState `json:"recordingState"`
	IsReconnection bool            `json:"isReconnection"`
	Role           string          `json:"role"`
}

type UserPresencePayload struct {
	UserID       string `json:"userId"`
	PersistentID string `json:"persistentId"`
	Role         string `json:"role"`
}

type PeerReconnectedPayload struct {
	UserID      string `json:"userId"`
	NewSocketID string `json:"newSocketId"`
}

type NoticePayload struct {
	Message string `json:"message"`
}

type StartRecordingPayload struct {
	SessionID string `json:"sessionId"`
}

type ResumeRecordingPayload struct {
	StartedAt      int64   `json:"startedAt"`
	ElapsedSeconds float64 `json:"elapsedSeconds"`
	SessionID      string  `json:"sessionId"`
}
