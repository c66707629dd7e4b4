package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/presence"
)

const maxBulkPresenceIDs = 200

type statusPayload struct {
	Status        string `json:"status"`
	CustomMessage string `json:"customMessage"`
}

type userIDsPayload struct {
	UserIDs []string `json:"userIds"`
}

type friendIDsPayload struct {
	FriendIDs []string `json:"friendIds"`
}

type activityPayload struct {
	SongID     string                `json:"songId"`
	SongTitle  string                `json:"songTitle"`
	Artist     string                `json:"artist"`
	Album      string                `json:"album"`
	CoverImage string                `json:"coverImage"`
	Type       presence.ActivityType `json:"type"`
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	refreshed, err := h.presence.Heartbeat(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondPresenceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": refreshed})
}

func (h *httpHandler) handleSetStatus(c *gin.Context) {
	var request statusPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := presence.ParseStatus(request.Status)
	if err != nil {
		h.respondPresenceError(c, err)
		return
	}
	userID := c.GetString(userIDContextKey)
	if err := h.presence.SetStatus(c.Request.Context(), userID, status, request.CustomMessage); err != nil {
		h.respondPresenceError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.presence.GetPresence(c.Request.Context(), userID))
}

func (h *httpHandler) handleBulkPresence(c *gin.Context) {
	var request userIDsPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.UserIDs) > maxBulkPresenceIDs {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": h.presence.GetBulkPresence(c.Request.Context(), request.UserIDs)})
}

func (h *httpHandler) handleOnlineCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": h.presence.GetOnlineCount(c.Request.Context())})
}

func (h *httpHandler) handleTrending(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"songs": h.presence.GetTrendingNow(c.Request.Context(), limit)})
}

func (h *httpHandler) handleSongListeners(c *gin.Context) {
	songID := strings.TrimSpace(c.Param("songId"))
	c.JSON(http.StatusOK, gin.H{"listeners": h.presence.GetListenersForSong(c.Request.Context(), songID)})
}

func (h *httpHandler) handleUpdateActivity(c *gin.Context) {
	var request activityPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SongID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	activity := presence.Activity{
		SongID:     strings.TrimSpace(request.SongID),
		SongTitle:  request.SongTitle,
		Artist:     request.Artist,
		Album:      request.Album,
		CoverImage: request.CoverImage,
		Type:       request.Type,
	}
	if err := h.presence.UpdateActivity(c.Request.Context(), c.GetString(userIDContextKey), activity); err != nil {
		h.respondPresenceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleClearActivity(c *gin.Context) {
	if err := h.presence.ClearActivity(c.Request.Context(), c.GetString(userIDContextKey)); err != nil {
		h.respondPresenceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFriendsActivity(c *gin.Context) {
	var request friendIDsPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.FriendIDs) > maxBulkPresenceIDs {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	activities := h.presence.GetFriendsActivities(c.Request.Context(), c.GetString(userIDContextKey), request.FriendIDs)
	c.JSON(http.StatusOK, gin.H{"activities": activities})
}

func (h *httpHandler) handleUserPresence(c *gin.Context) {
	c.JSON(http.StatusOK, h.presence.GetPresence(c.Request.Context(), c.Param("userId")))
}

func (h *httpHandler) respondPresenceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, presence.ErrInvalidUserID),
		errors.Is(err, presence.ErrInvalidStatus),
		errors.Is(err, presence.ErrInvalidActivityType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("presence request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_failed"})
	}
}
