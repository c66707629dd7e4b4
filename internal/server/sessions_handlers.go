package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/sessions"
)

type createSessionPayload struct {
	Name            string `json:"name"`
	MaxParticipants int    `json:"maxParticipants"`
}

type queueResponse struct {
	Queue []string `json:"queue"`
}

type chatResponse struct {
	Messages []sessions.ChatMessage `json:"messages"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request createSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session, err := h.sessions.CreateSession(c.Request.Context(), c.GetString(userIDContextKey), request.Name, request.MaxParticipants)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	session, err := h.sessions.GetSession(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) handleUpdateSession(c *gin.Context) {
	var patch sessions.SessionPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	session, err := h.sessions.UpdateSession(c.Request.Context(), c.Param("code"), c.GetString(userIDContextKey), patch)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	if len(patch.Permissions) > 0 {
		h.protocol.AnnounceParticipants(c.Request.Context(), session)
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) handleEndSession(c *gin.Context) {
	if err := h.sessions.EndSession(c.Request.Context(), c.Param("code"), c.GetString(userIDContextKey)); err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSessionQueue(c *gin.Context) {
	queue, err := h.sessions.Queue(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, queueResponse{Queue: queue})
}

// handleChatHistory pages persisted chat; before is a unix millisecond cursor.
func (h *httpHandler) handleChatHistory(c *gin.Context) {
	var before time.Time
	if raw := c.Query("before"); raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || millis <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_before"})
			return
		}
		before = time.UnixMilli(millis).UTC()
	}
	limit, ok := queryInt(c, "limit")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	messages, err := h.sessions.ChatHistory(c.Request.Context(), c.Param("code"), before, limit)
	if err != nil {
		h.respondSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, chatResponse{Messages: messages})
}

func (h *httpHandler) handleRecentChat(c *gin.Context) {
	c.JSON(http.StatusOK, chatResponse{Messages: h.sessions.RecentChat(c.Request.Context(), c.Param("code"))})
}

func (h *httpHandler) respondSessionError(c *gin.Context, err error) {
	code := "internal_error"
	var serviceErr *sessions.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": code})
	case errors.Is(err, sessions.ErrNotHost):
		c.JSON(http.StatusForbidden, gin.H{"error": code})
	case errors.Is(err, sessions.ErrInvalidSessionPatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": code})
	default:
		h.logger.Error("session request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": code})
	}
}

// queryInt reads an optional non-negative integer query parameter; absent yields zero.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}
