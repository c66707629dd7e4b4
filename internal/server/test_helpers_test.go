package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/database"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/party"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/sessions"
)

type testEnvironment struct {
	handler  http.Handler
	issuer   *auth.TokenIssuer
	redis    *miniredis.Miniredis
	hub      *party.Hub
	tracker  *presence.Tracker
	sessions *sessions.Service
}

// sharedBackends are the stores every instance of a deployment talks to.
type sharedBackends struct {
	db    *gorm.DB
	store *sessions.GormStore
	redis *miniredis.Miniredis
}

func newSharedBackends(t *testing.T) *sharedBackends {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "server.db"),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := sessions.NewGormStore(sessions.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return &sharedBackends{db: db, store: store, redis: miniredis.RunT(t)}
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	return newInstance(t, newSharedBackends(t), "")
}

// newInstance builds one API process over the shared backends. A non-empty origin relays room
// frames through the Redis backplane.
func newInstance(t *testing.T, shared *sharedBackends, origin string) *testEnvironment {
	t.Helper()
	redisCache, err := cache.NewRedisCache(cache.RedisCacheConfig{
		Client: cache.NewRedisClient(cache.RedisConfig{Address: shared.redis.Addr()}),
	})
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	t.Cleanup(func() {
		_ = redisCache.Close()
	})

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "listenparty-auth",
		Audience:      "listenparty-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	tracker, err := presence.NewTracker(presence.TrackerConfig{Cache: redisCache})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	service, err := sessions.NewService(sessions.ServiceConfig{Store: shared.store, Cache: redisCache})
	if err != nil {
		t.Fatalf("failed to build session service: %v", err)
	}
	recorder := metrics.NewRecorder()
	hub := party.NewHub(party.HubConfig{Metrics: recorder})

	var broadcaster party.Broadcaster = party.NewLocalBroadcaster(hub)
	if origin != "" {
		redisBroadcaster, err := party.NewRedisBroadcaster(party.RedisBroadcasterConfig{
			Hub:     hub,
			Cache:   redisCache,
			Origin:  origin,
			Metrics: recorder,
		})
		if err != nil {
			t.Fatalf("failed to build broadcaster: %v", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go redisBroadcaster.Run(ctx)
		select {
		case <-redisBroadcaster.Ready():
		case <-time.After(2 * time.Second):
			t.Fatalf("backplane for %s did not subscribe", origin)
		}
		broadcaster = redisBroadcaster
	}

	protocol, err := party.NewProtocol(party.ProtocolConfig{
		Store:       shared.store,
		Cache:       redisCache,
		Presence:    tracker,
		Hub:         hub,
		Broadcaster: broadcaster,
		Metrics:     recorder,
	})
	if err != nil {
		t.Fatalf("failed to build protocol: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:   issuer,
		Sessions: service,
		Presence: tracker,
		Protocol: protocol,
		Hub:      hub,
		Database: shared.db,
		Cache:    redisCache,
		Metrics:  recorder,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testEnvironment{
		handler:  handler,
		issuer:   issuer,
		redis:    shared.redis,
		hub:      hub,
		tracker:  tracker,
		sessions: service,
	}
}

func (e *testEnvironment) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := e.issuer.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do sends an authenticated request as userID; an empty userID sends no credentials.
func (e *testEnvironment) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	recorder := httptest.NewRecorder()
	e.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func (e *testEnvironment) createSession(t *testing.T, hostID string) sessions.Session {
	t.Helper()
	response := e.do(t, http.MethodPost, "/sessions", hostID, map[string]any{"name": "Friday night"})
	if response.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating a session, got %d: %s", response.Code, response.Body.String())
	}
	return decodeBody[sessions.Session](t, response)
}
