package presence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is a user's presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ActivityType classifies a "now playing" record.
type ActivityType string

const (
	ActivityListening ActivityType = "listening"
	ActivityStreaming ActivityType = "streaming"
	ActivityIdle      ActivityType = "idle"
)

var (
	// ErrInvalidUserID indicates an empty user identifier.
	ErrInvalidUserID = errors.New("presence: invalid user id")
	// ErrInvalidStatus indicates a status outside online/away/busy/offline.
	ErrInvalidStatus = errors.New("presence: invalid status")
	// ErrInvalidActivityType indicates an activity type outside listening/streaming/idle.
	ErrInvalidActivityType = errors.New("presence: invalid activity type")
)

// ParseStatus validates raw input.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Live reports whether the status keeps a user in the online set.
func (s Status) Live() bool {
	return s == StatusOnline || s == StatusAway || s == StatusBusy
}

// Record is the stored presence of one user.
type Record struct {
	UserID              string       `json:"userId"`
	Status              Status       `json:"status"`
	LastSeen            time.Time    `json:"lastSeen"`
	CustomMessage       string       `json:"customMessage,omitempty"`
	CurrentActivityType ActivityType `json:"currentActivityType,omitempty"`
}

// Metadata carries the optional presence fields. Empty fields leave the stored value untouched.
type Metadata struct {
	CustomMessage       string
	CurrentActivityType ActivityType
}

// Activity is a user's "now playing" record.
type Activity struct {
	UserID     string       `json:"userId"`
	SongID     string       `json:"songId"`
	SongTitle  string       `json:"songTitle"`
	Artist     string       `json:"artist"`
	Album      string       `json:"album"`
	CoverImage string       `json:"coverImage"`
	Type       ActivityType `json:"type"`
	Timestamp  time.Time    `json:"timestamp"`
}

// FriendActivity pairs a friend's presence with what they are playing.
type FriendActivity struct {
	UserID   string   `json:"userId"`
	Presence Record   `json:"presence"`
	Activity Activity `json:"activity"`
}

// TrendingSong is one entry of the trending-now aggregate.
type TrendingSong struct {
	SongID     string `json:"songId"`
	SongTitle  string `json:"songTitle"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	CoverImage string `json:"coverImage"`
	Listeners  int    `json:"listeners"`
}

// ListeningSession is a per-user scratch record of an ongoing playback.
type ListeningSession struct {
	UserID      string    `json:"userId"`
	SongID      string    `json:"songId"`
	SessionCode string    `json:"sessionCode,omitempty"`
	Position    float64   `json:"position"`
	StartedAt   time.Time `json:"startedAt"`
}

func normalizeUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidUserID
	}
	return trimmed, nil
}

func normalizeActivityType(raw ActivityType) (ActivityType, error) {
	switch raw {
	case "":
		return ActivityListening, nil
	case ActivityListening, ActivityStreaming, ActivityIdle:
		return raw, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidActivityType, raw)
	}
}
