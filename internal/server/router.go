package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/party"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/sessions"
)

const (
	userIDContextKey   = "listenparty_user_id"
	healthCheckTimeout = 2 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingSessions       = errors.New("session service dependency required")
	errMissingPresence       = errors.New("presence tracker dependency required")
	errMissingProtocol       = errors.New("party protocol dependency required")
	errMissingHub            = errors.New("party hub dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the user id it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Tokens   TokenValidator
	Sessions *sessions.Service
	Presence *presence.Tracker
	Protocol *party.Protocol
	Hub      *party.Hub
	Database *gorm.DB
	Cache    cache.Cache
	Metrics  *metrics.Recorder
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Protocol == nil {
		return nil, errMissingProtocol
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cacheBackend := deps.Cache
	if cacheBackend == nil {
		cacheBackend = cache.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:   deps.Tokens,
		sessions: deps.Sessions,
		presence: deps.Presence,
		protocol: deps.Protocol,
		hub:      deps.Hub,
		database: deps.Database,
		cache:    cacheBackend,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	router.GET("/ws", handler.handleRealtime)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/sessions", handler.handleCreateSession)
	protected.GET("/sessions/:code", handler.handleGetSession)
	protected.PATCH("/sessions/:code", handler.handleUpdateSession)
	protected.DELETE("/sessions/:code", handler.handleEndSession)
	protected.GET("/sessions/:code/queue", handler.handleSessionQueue)
	protected.GET("/sessions/:code/chat", handler.handleChatHistory)
	protected.GET("/sessions/:code/chat/recent", handler.handleRecentChat)

	protected.POST("/presence/heartbeat", handler.handleHeartbeat)
	protected.PUT("/presence/status", handler.handleSetStatus)
	protected.POST("/presence/bulk", handler.handleBulkPresence)
	protected.GET("/presence/online-count", handler.handleOnlineCount)
	protected.GET("/presence/trending", handler.handleTrending)
	protected.GET("/presence/songs/:songId/listeners", handler.handleSongListeners)
	protected.PUT("/presence/activity", handler.handleUpdateActivity)
	protected.DELETE("/presence/activity", handler.handleClearActivity)
	protected.POST("/presence/friends/activity", handler.handleFriendsActivity)
	protected.GET("/presence/users/:userId", handler.handleUserPresence)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens   TokenValidator
	sessions *sessions.Service
	presence *presence.Tracker
	protocol *party.Protocol
	hub      *party.Hub
	database *gorm.DB
	cache    cache.Cache
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.authenticate(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) authenticate(token string) (string, error) {
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		return "", err
	}
	return subject, nil
}

func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
	Rooms    int    `json:"rooms"`
}

// handleHealth fails on a database outage only; a cache outage degrades the service.
func (h *httpHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	response := healthResponse{Status: "ok", Database: "ok", Cache: "ok", Rooms: h.hub.RoomCount()}
	if _, disabled := h.cache.(cache.NopCache); disabled {
		response.Cache = "disabled"
	} else if err := h.cache.Ping(ctx); err != nil {
		response.Cache = "unavailable"
	}

	status := http.StatusOK
	if err := h.pingDatabase(ctx); err != nil {
		h.logger.Warn("health check database ping failed", zap.Error(err))
		response.Status = "unavailable"
		response.Database = "unavailable"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, response)
}

func (h *httpHandler) pingDatabase(ctx context.Context) error {
	if h.database == nil {
		return errors.New("database not configured")
	}
	sqlDB, err := h.database.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
