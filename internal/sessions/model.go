package sessions

import (
	"strings"
	"time"
)

// MessageType distinguishes user chat from system notices.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeSystem MessageType = "system"
)

const (
	MinParticipants = 2
	MaxParticipants = 100
	maxNameLength   = 190
)

// Permissions gate what a participant may change in a room.
type Permissions struct {
	CanControl    bool `json:"canControl"`
	CanAddToQueue bool `json:"canAddToQueue"`
}

// Participant is one member of a listening session.
type Participant struct {
	UserID      string      `json:"userId"`
	Permissions Permissions `json:"permissions"`
	IsOnline    bool        `json:"isOnline"`
	LastSeen    time.Time   `json:"lastSeen"`
	JoinedAt    time.Time   `json:"joinedAt"`
}

// Session is the durable, authoritative state of a listening party.
type Session struct {
	ID              string        `gorm:"column:id;primaryKey;size:64" json:"id"`
	SessionCode     string        `gorm:"column:session_code;size:16;not null;uniqueIndex" json:"sessionCode"`
	Name            string        `gorm:"column:name;size:190" json:"name"`
	HostID          string        `gorm:"column:host_id;size:190;not null;index" json:"hostId"`
	Participants    []Participant `gorm:"column:participants;serializer:json;type:text" json:"participants"`
	CurrentSong     string        `gorm:"column:current_song;size:190" json:"currentSong"`
	CurrentTime     float64       `gorm:"column:current_time_s;not null" json:"currentTime"`
	IsPlaying       bool          `gorm:"column:is_playing;not null" json:"isPlaying"`
	Queue           []string      `gorm:"column:queue;serializer:json;type:text" json:"queue"`
	LastUpdate      time.Time     `gorm:"column:last_update;not null" json:"lastUpdate"`
	MaxParticipants int           `gorm:"column:max_participants;not null" json:"maxParticipants"`
	IsActive        bool          `gorm:"column:is_active;not null;index" json:"isActive"`
	CreatedAt       time.Time     `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt       time.Time     `gorm:"column:updated_at;not null" json:"updatedAt"`
}

func (Session) TableName() string {
	return "listening_sessions"
}

// FindParticipant returns the index of userID among the participants, or -1.
func (s Session) FindParticipant(userID string) int {
	for index := range s.Participants {
		if s.Participants[index].UserID == userID {
			return index
		}
	}
	return -1
}

// Participant returns a copy of the participant entry for userID.
func (s Session) Participant(userID string) (Participant, bool) {
	index := s.FindParticipant(userID)
	if index < 0 {
		return Participant{}, false
	}
	return s.Participants[index], true
}

// OnlineCount returns how many participants are currently connected.
func (s Session) OnlineCount() int {
	count := 0
	for _, participant := range s.Participants {
		if participant.IsOnline {
			count++
		}
	}
	return count
}

// ChatMessage is a persisted chat line.
type ChatMessage struct {
	ID          string      `gorm:"column:id;primaryKey;size:64" json:"id"`
	SessionID   string      `gorm:"column:session_id;size:64;not null;index:idx_chat_session_created,priority:1" json:"sessionId"`
	SessionCode string      `gorm:"column:session_code;size:16;not null" json:"sessionCode"`
	UserID      string      `gorm:"column:user_id;size:190;not null" json:"userId"`
	Message     string      `gorm:"column:message;type:text;not null" json:"message"`
	Type        MessageType `gorm:"column:type;size:16;not null" json:"type"`
	CreatedAt   time.Time   `gorm:"column:created_at;not null;index:idx_chat_session_created,priority:2" json:"createdAt"`
}

func (ChatMessage) TableName() string {
	return "session_chat_messages"
}

// NormalizeCode canonicalizes a user-supplied session code.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Cache keys shared by the REST surface and the realtime protocol.

func QueueCacheKey(code string) string {
	return "queue:" + code
}

func PlaybackCacheKey(code string) string {
	return "playback:" + code
}

func MembersCacheKey(code string) string {
	return "session:members:" + code
}

// MemberConnectionsCacheKey counts the connections a user holds in a room across all processes.
func MemberConnectionsCacheKey(code, userID string) string {
	return "session:connections:" + code + ":" + userID
}

func RecentChatCacheKey(code string) string {
	return "chat:recent:" + code
}
