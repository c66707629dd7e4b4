package party

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/sessions"
)

// Inbound event names.
const (
	EventSessionJoin   = "session:join"
	EventSessionLeave  = "session:leave"
	EventPlaybackPlay  = "playback:play"
	EventPlaybackPause = "playback:pause"
	EventPlaybackSeek  = "playback:seek"
	EventPlaybackNext  = "playback:next"
	EventChatMessage   = "chat:message"
	EventChatTyping    = "chat:typing"
	EventQueueAdd      = "queue:add"
	EventReactionAdd   = "reaction:add"
)

// Outbound event names.
const (
	EventSessionState        = "session:state"
	EventUserJoined          = "user:joined"
	EventUserLeft            = "user:left"
	EventSessionParticipants = "session:participants"
	EventPlaybackSync        = "playback:sync"
	EventQueueUpdated        = "queue:updated"
	EventReactionAdded       = "reaction:added"
	EventErrorOccurred       = "error"
)

// Frame is the wire envelope for every WebSocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: payload})
}

type JoinRequest struct {
	SessionCode string `json:"sessionCode"`
}

type PlayRequest struct {
	SessionCode string  `json:"sessionCode"`
	SongID      string  `json:"songId"`
	Position    float64 `json:"position"`
}

type PauseRequest struct {
	SessionCode string  `json:"sessionCode"`
	Position    float64 `json:"position"`
}

type SeekRequest struct {
	SessionCode string  `json:"sessionCode"`
	Position    float64 `json:"position"`
}

type NextRequest struct {
	SessionCode string `json:"sessionCode"`
}

type ChatRequest struct {
	SessionCode string `json:"sessionCode"`
	Message     string `json:"message"`
}

type TypingRequest struct {
	SessionCode string `json:"sessionCode"`
	IsTyping    bool   `json:"isTyping"`
}

type QueueAddRequest struct {
	SessionCode string `json:"sessionCode"`
	SongID      string `json:"songId"`
}

type ReactionRequest struct {
	SessionCode string `json:"sessionCode"`
	Emoji       string `json:"emoji"`
}

type UserPresenceEvent struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type ParticipantsEvent struct {
	Count        int                    `json:"count"`
	Participants []sessions.Participant `json:"participants,omitempty"`
}

// PlaybackSnapshot mirrors the playback fields of a session. It is both the playback:sync
// payload and the cached playback record.
type PlaybackSnapshot struct {
	CurrentSong  string    `json:"currentSong,omitempty"`
	Position     float64   `json:"position"`
	IsPlaying    bool      `json:"isPlaying"`
	LastUpdate   time.Time `json:"lastUpdate"`
	ControlledBy string    `json:"controlledBy"`
}

type QueueUpdatedEvent struct {
	Queue   []string `json:"queue"`
	AddedBy string   `json:"addedBy,omitempty"`
}

type TypingEvent struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type ReactionEvent struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorEvent struct {
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind,omitempty"`
}
