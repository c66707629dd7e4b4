// Package party implements the listening-party rooms: connection and room bookkeeping, room
// broadcast across processes, and the permission-gated playback protocol.
package party

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/sessions"
)

const (
	playbackSnapshotTTL   = 300 * time.Second
	membershipTTL         = 24 * time.Hour
	recentChatTTL         = time.Hour
	recentChatLength      = 50
	maxChatMessageLength  = 1000
	maxEmojiLength        = 32
	defaultEventTimeout   = 5 * time.Second
	messageNoControl      = "No permission to control playback"
	messageNoQueue        = "No permission to add to queue"
	messageNotFound       = "Session not found"
	messageSessionFull    = "Session is full"
	messageEmptyQueue     = "Queue is empty"
	messageNotInSession   = "Join the session first"
	messageInvalidPayload = "Invalid payload"
)

// PresenceUpdater is the part of the presence tracker the protocol needs on disconnect.
type PresenceUpdater interface {
	SetOffline(ctx context.Context, userID string) error
}

// ProtocolConfig wires a Protocol.
type ProtocolConfig struct {
	Store        sessions.Store
	Cache        cache.Cache
	Presence     PresenceUpdater
	Hub          *Hub
	Broadcaster  Broadcaster
	Clock        func() time.Time
	IDProvider   sessions.IDProvider
	Logger       *zap.Logger
	Metrics      *metrics.Recorder
	EventTimeout time.Duration
}

// Protocol handles inbound room events for authenticated clients.
type Protocol struct {
	store        sessions.Store
	cache        cache.Cache
	presence     PresenceUpdater
	hub          *Hub
	broadcaster  Broadcaster
	clock        func() time.Time
	idProvider   sessions.IDProvider
	logger       *zap.Logger
	metrics      *metrics.Recorder
	eventTimeout time.Duration
}

// NewProtocol constructs a Protocol. Without a broadcaster, delivery is local to the hub.
func NewProtocol(cfg ProtocolConfig) (*Protocol, error) {
	if cfg.Store == nil {
		return nil, errors.New("party: session store is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("party: hub is required")
	}
	cacheBackend := cfg.Cache
	if cacheBackend == nil {
		cacheBackend = cache.NewNop()
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = NewLocalBroadcaster(cfg.Hub)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = sessions.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.EventTimeout
	if timeout <= 0 {
		timeout = defaultEventTimeout
	}
	return &Protocol{
		store:        cfg.Store,
		cache:        cacheBackend,
		presence:     cfg.Presence,
		hub:          cfg.Hub,
		broadcaster:  broadcaster,
		clock:        clock,
		idProvider:   idProvider,
		logger:       logger,
		metrics:      cfg.Metrics,
		eventTimeout: timeout,
	}, nil
}

// Dispatch decodes one inbound frame, runs its handler under the event timeout and reports any
// failure to the sender alone.
func (p *Protocol) Dispatch(ctx context.Context, client *Client, raw []byte) {
	started := p.clock()
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		p.replyError(client, newEventError(KindInvalidRequest, "Malformed frame", err))
		p.metrics.ObserveEvent("unknown", metrics.OutcomeRejected, p.clock().Sub(started))
		return
	}

	eventCtx, cancel := context.WithTimeout(ctx, p.eventTimeout)
	defer cancel()
	err := p.route(eventCtx, client, frame)

	outcome := metrics.OutcomeOK
	if err != nil {
		eventErr := asEventError(err, "Request failed")
		outcome = metrics.OutcomeRejected
		if eventErr.Kind == KindBackendUnavailable {
			outcome = metrics.OutcomeFailed
			p.logger.Warn("room event failed",
				zap.String("event", frame.Event),
				zap.String("user_id", client.UserID()),
				zap.Error(err))
		} else {
			p.logger.Debug("room event rejected",
				zap.String("event", frame.Event),
				zap.String("user_id", client.UserID()),
				zap.String("kind", string(eventErr.Kind)))
		}
		p.replyError(client, eventErr)
	}
	p.metrics.ObserveEvent(frame.Event, outcome, p.clock().Sub(started))
}

func (p *Protocol) route(ctx context.Context, client *Client, frame Frame) error {
	switch frame.Event {
	case EventSessionJoin:
		var request JoinRequest
		if err := decodeData(frame.Data, &request); err != nil {
			return err
		}
		return p.Join(ctx, client, request.SessionCode)
	case EventSessionLeave:
		return p.Leave(ctx, client)
	case EventPlaybackPlay:
		var request PlayRequest
		if err := decodeData(frame.Data, &request); err != nil {
			return err
		}
		return p.Play(ctx, client, request)
	case EventPlaybackPause:
		var request PauseRequest
		if err := decodeData(frame.Data, &request); err != nil {
			return err
		}
		return p.Pause(ctx, client, request)
	case EventPlaybackSeek:
		var request SeekRequest
		if err := decodeData(frame.Data, &request); err != nil {
			return err
		}
		return p.Seek(ctx, client, request)
	case EventPlaybackNext:
		var request NextRequest
		if err := decodeData(frame.Data, &request); err != nil {
			return err
		}
		return p.Next(ctx, client, request)
	case EventChatMessage:
		var request ChatRequest
		if err := decodeData(frame.Data, &request); err != nil {
			return err
		}
		return p.Chat(ctx, client, request)
	case EventChatTyping:
		var request TypingRequest
		if err := decodeData(frame.Data, &request); err != nil {
			return err
		}
		return p.Typing(ctx, client, request)
	case EventQueueAdd:
		var request QueueAddRequest
		if err := decodeData(frame.Data, &request); err != nil {
			return err
		}
		return p.AddToQueue(ctx, client, request)
	case EventReactionAdd:
		var request ReactionRequest
		if err := decodeData(frame.Data, &request); err != nil {
			return err
		}
		return p.React(ctx, client, request)
	default:
		return newEventError(KindInvalidRequest, "Unknown event", nil)
	}
}

// Join adds the client to the session room, answering with the full session snapshot before
// any room frame reaches it.
func (p *Protocol) Join(ctx context.Context, client *Client, rawCode string) error {
	code := sessions.NormalizeCode(rawCode)
	if code == "" {
		return newEventError(KindInvalidRequest, "Session code is required", nil)
	}
	session, err := p.loadSession(ctx, code)
	if err != nil {
		return err
	}
	userID := client.UserID()
	index := session.FindParticipant(userID)
	if index < 0 && len(session.Participants) >= session.MaxParticipants {
		return newEventError(KindCapacity, messageSessionFull, nil)
	}

	previous := client.Room()
	if previous != "" && previous != code {
		if err := p.Leave(ctx, client); err != nil {
			p.logger.Warn("implicit leave failed", zap.String("session_code", previous), zap.Error(err))
		}
	}

	now := p.now()
	if index < 0 {
		session.Participants = append(session.Participants, sessions.Participant{
			UserID:      userID,
			Permissions: sessions.Permissions{CanControl: false, CanAddToQueue: true},
			JoinedAt:    now,
		})
		index = len(session.Participants) - 1
	}
	session.Participants[index].IsOnline = true
	session.Participants[index].LastSeen = now
	session.UpdatedAt = now

	client.beginJoin()
	p.hub.JoinRoom(client, code)
	if err := p.store.SaveFields(ctx, &session, sessions.ParticipantColumns); err != nil {
		p.hub.LeaveRoom(client)
		client.abortJoin()
		if previous == code {
			p.cache.Increment(ctx, sessions.MemberConnectionsCacheKey(code, userID), -1)
		}
		return newEventError(KindBackendUnavailable, "Failed to join session", err)
	}

	p.cache.SetAdd(ctx, sessions.MembersCacheKey(code), userID)
	p.cache.SetExpire(ctx, sessions.MembersCacheKey(code), membershipTTL)
	if previous != code {
		connectionsKey := sessions.MemberConnectionsCacheKey(code, userID)
		p.cache.Increment(ctx, connectionsKey, 1)
		p.cache.SetExpire(ctx, connectionsKey, membershipTTL)
	}

	p.broadcast(ctx, code, EventUserJoined, UserPresenceEvent{UserID: userID, Timestamp: now}, client.ID())

	snapshot, err := encodeFrame(EventSessionState, session)
	if err != nil {
		client.abortJoin()
		return newEventError(KindBackendUnavailable, "Failed to join session", err)
	}
	client.completeJoin(snapshot)

	p.broadcast(ctx, code, EventSessionParticipants, participantsEvent(session), "")
	p.logger.Info("user joined session", zap.String("session_code", code), zap.String("user_id", userID))
	return nil
}

// Leave removes the client from its room. Leaving when not in a room is a no-op.
func (p *Protocol) Leave(ctx context.Context, client *Client) error {
	room, left := p.hub.LeaveRoom(client)
	if !left {
		return nil
	}
	return p.leaveCleanup(ctx, client, room)
}

// Disconnect runs leave cleanup for a lost transport, marks the user offline when this was
// their last local connection and unregisters the client.
func (p *Protocol) Disconnect(ctx context.Context, client *Client) {
	if err := p.Leave(ctx, client); err != nil {
		p.logger.Warn("disconnect cleanup failed", zap.String("user_id", client.UserID()), zap.Error(err))
	}
	p.hub.Unregister(client)
	if p.presence != nil && p.hub.UserConnections(client.UserID()) == 0 {
		if err := p.presence.SetOffline(ctx, client.UserID()); err != nil {
			p.logger.Debug("presence offline update failed", zap.String("user_id", client.UserID()), zap.Error(err))
		}
	}
}

func (p *Protocol) leaveCleanup(ctx context.Context, client *Client, room string) error {
	userID := client.UserID()
	connectionsKey := sessions.MemberConnectionsCacheKey(room, userID)
	remaining := p.cache.Increment(ctx, connectionsKey, -1)
	if p.hub.UserInRoom(userID, room) || remaining > 0 {
		// The user is still in the room through another connection, here or on another process.
		return nil
	}
	p.cache.Delete(ctx, connectionsKey)
	p.cache.SetRemove(ctx, sessions.MembersCacheKey(room), userID)

	now := p.now()
	session, err := p.store.FindActiveByCode(ctx, room)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return nil
		}
		return newEventError(KindBackendUnavailable, "Failed to leave session", err)
	}
	if index := session.FindParticipant(userID); index >= 0 {
		session.Participants[index].IsOnline = false
		session.Participants[index].LastSeen = now
		session.UpdatedAt = now
		if err := p.store.SaveFields(ctx, &session, sessions.ParticipantColumns); err != nil {
			return newEventError(KindBackendUnavailable, "Failed to leave session", err)
		}
	}

	p.broadcast(ctx, room, EventUserLeft, UserPresenceEvent{UserID: userID, Timestamp: now}, "")
	p.broadcast(ctx, room, EventSessionParticipants, participantsEvent(session), "")
	p.logger.Info("user left session", zap.String("session_code", room), zap.String("user_id", userID))
	return nil
}

// Play starts playback of songID (or the current song) at position.
func (p *Protocol) Play(ctx context.Context, client *Client, request PlayRequest) error {
	if request.Position < 0 {
		return newEventError(KindInvalidRequest, "Position must not be negative", nil)
	}
	return p.controlPlayback(ctx, client, request.SessionCode, false, sessions.PlaybackColumns, func(session *sessions.Session) error {
		songID := strings.TrimSpace(request.SongID)
		if songID == "" {
			songID = session.CurrentSong
		}
		if songID == "" {
			return newEventError(KindInvalidRequest, "Song is required", nil)
		}
		session.CurrentSong = songID
		session.CurrentTime = request.Position
		session.IsPlaying = true
		return nil
	})
}

func (p *Protocol) Pause(ctx context.Context, client *Client, request PauseRequest) error {
	if request.Position < 0 {
		return newEventError(KindInvalidRequest, "Position must not be negative", nil)
	}
	return p.controlPlayback(ctx, client, request.SessionCode, false, sessions.PlaybackColumns, func(session *sessions.Session) error {
		session.CurrentTime = request.Position
		session.IsPlaying = false
		return nil
	})
}

// Seek moves the position; the actor already applied it locally so it is not echoed back.
func (p *Protocol) Seek(ctx context.Context, client *Client, request SeekRequest) error {
	if request.Position < 0 {
		return newEventError(KindInvalidRequest, "Position must not be negative", nil)
	}
	return p.controlPlayback(ctx, client, request.SessionCode, true, sessions.PlaybackColumns, func(session *sessions.Session) error {
		session.CurrentTime = request.Position
		return nil
	})
}

// Next pops the head of the queue into the current song.
func (p *Protocol) Next(ctx context.Context, client *Client, request NextRequest) error {
	var advanced *sessions.Session
	err := p.controlPlayback(ctx, client, request.SessionCode, false, sessions.AdvanceColumns, func(session *sessions.Session) error {
		if len(session.Queue) == 0 {
			return newEventError(KindEmptyQueue, messageEmptyQueue, nil)
		}
		session.CurrentSong = session.Queue[0]
		session.Queue = append([]string{}, session.Queue[1:]...)
		session.CurrentTime = 0
		session.IsPlaying = true
		advanced = session
		return nil
	})
	if err != nil {
		return err
	}
	code := advanced.SessionCode
	p.cache.Delete(ctx, sessions.QueueCacheKey(code))
	p.broadcast(ctx, code, EventQueueUpdated, QueueUpdatedEvent{Queue: advanced.Queue}, "")
	return nil
}

// AddToQueue appends a song; it requires canAddToQueue rather than canControl.
func (p *Protocol) AddToQueue(ctx context.Context, client *Client, request QueueAddRequest) error {
	songID := strings.TrimSpace(request.SongID)
	if songID == "" {
		return newEventError(KindInvalidRequest, "Song is required", nil)
	}
	session, err := p.loadSession(ctx, request.SessionCode)
	if err != nil {
		return err
	}
	participant, ok := session.Participant(client.UserID())
	if !ok || !participant.Permissions.CanAddToQueue {
		return newEventError(KindPermission, messageNoQueue, nil)
	}

	session.Queue = append(session.Queue, songID)
	session.UpdatedAt = p.now()
	if err := p.store.SaveFields(ctx, &session, sessions.QueueColumns); err != nil {
		return newEventError(KindBackendUnavailable, "Failed to update queue", err)
	}
	p.cache.Delete(ctx, sessions.QueueCacheKey(session.SessionCode))
	p.broadcast(ctx, session.SessionCode, EventQueueUpdated, QueueUpdatedEvent{Queue: session.Queue, AddedBy: client.UserID()}, "")
	return nil
}

// Chat persists a message and relays it to the whole room, sender included.
func (p *Protocol) Chat(ctx context.Context, client *Client, request ChatRequest) error {
	code, err := p.requireRoom(client, request.SessionCode)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(request.Message)
	if text == "" || utf8.RuneCountInString(text) > maxChatMessageLength {
		return newEventError(KindInvalidRequest, "Message must be between 1 and 1000 characters", nil)
	}
	session, err := p.loadSession(ctx, code)
	if err != nil {
		return err
	}
	id, err := p.idProvider.NewID()
	if err != nil {
		return newEventError(KindBackendUnavailable, "Failed to send message", err)
	}
	message := sessions.ChatMessage{
		ID:          id,
		SessionID:   session.ID,
		SessionCode: code,
		UserID:      client.UserID(),
		Message:     text,
		Type:        sessions.MessageTypeText,
		CreatedAt:   p.now(),
	}
	if err := p.store.AppendChatMessage(ctx, &message); err != nil {
		return newEventError(KindBackendUnavailable, "Failed to send message", err)
	}
	p.broadcast(ctx, code, EventChatMessage, message, "")
	p.cache.ListPushBounded(ctx, sessions.RecentChatCacheKey(code), message, recentChatLength, recentChatTTL)
	return nil
}

func (p *Protocol) Typing(ctx context.Context, client *Client, request TypingRequest) error {
	code, err := p.requireRoom(client, request.SessionCode)
	if err != nil {
		return err
	}
	p.broadcast(ctx, code, EventChatTyping, TypingEvent{UserID: client.UserID(), IsTyping: request.IsTyping}, client.ID())
	return nil
}

func (p *Protocol) React(ctx context.Context, client *Client, request ReactionRequest) error {
	code, err := p.requireRoom(client, request.SessionCode)
	if err != nil {
		return err
	}
	emoji := strings.TrimSpace(request.Emoji)
	if emoji == "" || len(emoji) > maxEmojiLength {
		return newEventError(KindInvalidRequest, "Emoji is required", nil)
	}
	p.broadcast(ctx, code, EventReactionAdded, ReactionEvent{UserID: client.UserID(), Emoji: emoji, Timestamp: p.now()}, "")
	return nil
}

// controlPlayback runs one permission-gated playback transition: load, check canControl, apply,
// persist columns, mirror into the playback snapshot, broadcast playback:sync.
func (p *Protocol) controlPlayback(ctx context.Context, client *Client, rawCode string, excludeActor bool, columns []string, apply func(*sessions.Session) error) error {
	session, err := p.loadSession(ctx, rawCode)
	if err != nil {
		return err
	}
	participant, ok := session.Participant(client.UserID())
	if !ok || !participant.Permissions.CanControl {
		return newEventError(KindPermission, messageNoControl, nil)
	}
	if err := apply(&session); err != nil {
		return err
	}

	now := p.now()
	session.LastUpdate = now
	session.UpdatedAt = now
	if err := p.store.SaveFields(ctx, &session, columns); err != nil {
		return newEventError(KindBackendUnavailable, "Failed to update playback", err)
	}

	snapshot := PlaybackSnapshot{
		CurrentSong:  session.CurrentSong,
		Position:     session.CurrentTime,
		IsPlaying:    session.IsPlaying,
		LastUpdate:   now,
		ControlledBy: client.UserID(),
	}
	p.cache.Set(ctx, sessions.PlaybackCacheKey(session.SessionCode), snapshot, playbackSnapshotTTL)

	exceptID := ""
	if excludeActor {
		exceptID = client.ID()
	}
	p.broadcast(ctx, session.SessionCode, EventPlaybackSync, snapshot, exceptID)
	return nil
}

// AnnounceParticipants pushes the participant list of a session changed outside the room, such
// as a host permission update, to every member.
func (p *Protocol) AnnounceParticipants(ctx context.Context, session sessions.Session) {
	p.broadcast(ctx, session.SessionCode, EventSessionParticipants, participantsEvent(session), "")
}

// PlaybackSnapshot returns the cached playback state of a session, if present.
func (p *Protocol) PlaybackSnapshot(ctx context.Context, code string) (PlaybackSnapshot, bool) {
	var snapshot PlaybackSnapshot
	if !p.cache.GetJSON(ctx, sessions.PlaybackCacheKey(sessions.NormalizeCode(code)), &snapshot) {
		return PlaybackSnapshot{}, false
	}
	return snapshot, true
}

func (p *Protocol) loadSession(ctx context.Context, rawCode string) (sessions.Session, error) {
	code := sessions.NormalizeCode(rawCode)
	if code == "" {
		return sessions.Session{}, newEventError(KindInvalidRequest, "Session code is required", nil)
	}
	session, err := p.store.FindActiveByCode(ctx, code)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return sessions.Session{}, newEventError(KindNotFound, messageNotFound, err)
		}
		return sessions.Session{}, newEventError(KindBackendUnavailable, "Failed to load session", err)
	}
	return session, nil
}

func (p *Protocol) requireRoom(client *Client, rawCode string) (string, error) {
	code := sessions.NormalizeCode(rawCode)
	if code == "" || client.Room() != code {
		return "", newEventError(KindInvalidRequest, messageNotInSession, nil)
	}
	return code, nil
}

func (p *Protocol) broadcast(ctx context.Context, room, event string, data any, exceptID string) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		p.logger.Error("frame encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	p.broadcaster.Broadcast(ctx, room, frame, exceptID)
}

func (p *Protocol) replyError(client *Client, eventErr *EventError) {
	frame, err := encodeFrame(EventErrorOccurred, ErrorEvent{Message: eventErr.Message, Kind: eventErr.Kind})
	if err != nil {
		return
	}
	client.reply(frame)
}

func (p *Protocol) now() time.Time {
	return p.clock().UTC()
}

func participantsEvent(session sessions.Session) ParticipantsEvent {
	return ParticipantsEvent{Count: session.OnlineCount(), Participants: session.Participants}
}

func decodeData(data json.RawMessage, dest any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return newEventError(KindInvalidRequest, messageInvalidPayload, err)
	}
	return nil
}
