package party

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/database"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/sessions"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// flakyStore lets a test fail persistence on demand or hold a load until released.
type flakyStore struct {
	sessions.Store

	mu      sync.Mutex
	saveErr error
	held    *loadGate
}

type loadGate struct {
	loaded  chan struct{}
	release chan struct{}
}

// holdNextLoad pauses the next FindActiveByCode after it has read the row. The returned channel
// closes once the row is read; calling the returned func lets the caller continue.
func (s *flakyStore) holdNextLoad() (<-chan struct{}, func()) {
	gate := &loadGate{loaded: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.held = gate
	s.mu.Unlock()
	return gate.loaded, func() { close(gate.release) }
}

func (s *flakyStore) FindActiveByCode(ctx context.Context, code string) (sessions.Session, error) {
	session, err := s.Store.FindActiveByCode(ctx, code)
	s.mu.Lock()
	gate := s.held
	s.held = nil
	s.mu.Unlock()
	if gate != nil {
		close(gate.loaded)
		<-gate.release
	}
	return session, err
}

func (s *flakyStore) failSaves(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

func (s *flakyStore) SaveSession(ctx context.Context, session *sessions.Session) error {
	s.mu.Lock()
	err := s.saveErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.SaveSession(ctx, session)
}

func (s *flakyStore) SaveFields(ctx context.Context, session *sessions.Session, columns []string) error {
	s.mu.Lock()
	err := s.saveErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.SaveFields(ctx, session, columns)
}

type recordingPresence struct {
	mu      sync.Mutex
	offline []string
}

func (r *recordingPresence) SetOffline(_ context.Context, userID string) error {
	r.mu.Lock()
	r.offline = append(r.offline, userID)
	r.mu.Unlock()
	return nil
}

func (r *recordingPresence) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.offline...)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("msg-%03d", s.next), nil
}

type testRoom struct {
	protocol *Protocol
	hub      *Hub
	store    *flakyStore
	cache    *cache.RedisCache
	redis    *miniredis.Miniredis
	presence *recordingPresence
}

func newTestRoom(t *testing.T) *testRoom {
	t.Helper()
	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "party.db"),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	gormStore, err := sessions.NewGormStore(sessions.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	store := &flakyStore{Store: gormStore}

	server := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCache(cache.RedisCacheConfig{
		Client: cache.NewRedisClient(cache.RedisConfig{Address: server.Addr()}),
	})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	t.Cleanup(func() {
		_ = redisCache.Close()
	})

	hub := NewHub(HubConfig{})
	presence := &recordingPresence{}
	protocol, err := NewProtocol(ProtocolConfig{
		Store:       store,
		Cache:       redisCache,
		Presence:    presence,
		Hub:         hub,
		Broadcaster: NewLocalBroadcaster(hub),
		Clock:       func() time.Time { return testNow },
		IDProvider:  &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build protocol: %v", err)
	}
	return &testRoom{
		protocol: protocol,
		hub:      hub,
		store:    store,
		cache:    redisCache,
		redis:    server,
		presence: presence,
	}
}

// peer builds a second process over the same store and cache, with its own hub.
func (r *testRoom) peer(t *testing.T) *testRoom {
	t.Helper()
	hub := NewHub(HubConfig{})
	presence := &recordingPresence{}
	protocol, err := NewProtocol(ProtocolConfig{
		Store:       r.store,
		Cache:       r.cache,
		Presence:    presence,
		Hub:         hub,
		Broadcaster: NewLocalBroadcaster(hub),
		Clock:       func() time.Time { return testNow },
		IDProvider:  &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build peer protocol: %v", err)
	}
	return &testRoom{
		protocol: protocol,
		hub:      hub,
		store:    r.store,
		cache:    r.cache,
		redis:    r.redis,
		presence: presence,
	}
}

// seedSession stores an active session whose first participant is the host with full control.
func (r *testRoom) seedSession(t *testing.T, code string, maxParticipants int, participants ...sessions.Participant) sessions.Session {
	t.Helper()
	session := sessions.Session{
		ID:              "session-" + code,
		SessionCode:     code,
		Name:            "Friday night",
		HostID:          participants[0].UserID,
		Participants:    participants,
		Queue:           []string{},
		LastUpdate:      testNow,
		MaxParticipants: maxParticipants,
		IsActive:        true,
		CreatedAt:       testNow,
		UpdatedAt:       testNow,
	}
	if err := r.store.CreateSession(context.Background(), &session); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	return session
}

func (r *testRoom) load(t *testing.T, code string) sessions.Session {
	t.Helper()
	session, err := r.store.FindActiveByCode(context.Background(), code)
	if err != nil {
		t.Fatalf("failed to load session %s: %v", code, err)
	}
	return session
}

func (r *testRoom) connect(t *testing.T, connectionID, userID string) *Client {
	t.Helper()
	client := NewClient(connectionID, userID, 64)
	if !r.hub.Register(client) {
		t.Fatalf("expected %s to register", connectionID)
	}
	return client
}

func (r *testRoom) dispatch(t *testing.T, client *Client, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("failed to encode %s payload: %v", event, err)
	}
	raw, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		t.Fatalf("failed to encode %s frame: %v", event, err)
	}
	r.protocol.Dispatch(context.Background(), client, raw)
}

func (r *testRoom) join(t *testing.T, client *Client, code string) {
	t.Helper()
	r.dispatch(t, client, EventSessionJoin, JoinRequest{SessionCode: code})
	frames := drain(t, client)
	if len(frames) == 0 || frames[0].Event != EventSessionState {
		t.Fatalf("expected %s to receive session:state first, got %v", client.ID(), eventNames(frames))
	}
}

func member(userID string, canControl, canAddToQueue bool) sessions.Participant {
	return sessions.Participant{
		UserID:      userID,
		Permissions: sessions.Permissions{CanControl: canControl, CanAddToQueue: canAddToQueue},
		JoinedAt:    testNow,
	}
}

// drain returns every frame currently queued for the client.
func drain(t *testing.T, client *Client) []Frame {
	t.Helper()
	var frames []Frame
	for {
		select {
		case raw, ok := <-client.Send():
			if !ok {
				return frames
			}
			var frame Frame
			if err := json.Unmarshal(raw, &frame); err != nil {
				t.Fatalf("failed to decode frame %s: %v", raw, err)
			}
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func eventNames(frames []Frame) []string {
	names := make([]string, 0, len(frames))
	for _, frame := range frames {
		names = append(names, frame.Event)
	}
	return names
}

func decodeFrame[T any](t *testing.T, frame Frame) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(frame.Data, &value); err != nil {
		t.Fatalf("failed to decode %s payload: %v", frame.Event, err)
	}
	return value
}

func onlyFrame(t *testing.T, client *Client, event string) Frame {
	t.Helper()
	frames := drain(t, client)
	if len(frames) != 1 || frames[0].Event != event {
		t.Fatalf("expected a single %s frame for %s, got %v", event, client.ID(), eventNames(frames))
	}
	return frames[0]
}
