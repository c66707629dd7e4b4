package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/party"
	"github.com/MarcoPoloResearchLab/listenparty/backend/internal/presence"
)

const (
	realtimeWriteWait      = 10 * time.Second
	realtimePongWait       = 60 * time.Second
	realtimePingPeriod     = (realtimePongWait * 9) / 10
	realtimeMaxMessageSize = 16 << 10
	realtimeSendBuffer     = 64
	realtimeCleanupTimeout = 5 * time.Second
	realtimeCloseGrace     = 2 * time.Second
	accessTokenQueryParam  = "access_token"
)

// handleRealtime authenticates before the upgrade, then runs one read loop (events are handled in
// order per connection) and one write loop draining the client's send buffer.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	token, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query(accessTokenQueryParam)
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.authenticate(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	release := h.hub.Hold()
	defer release()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	client := party.NewClient(uuid.NewString(), userID, realtimeSendBuffer)
	h.hub.Register(client)
	if err := h.presence.SetOnline(ctx, userID, presence.Metadata{}); err != nil {
		h.logger.Debug("presence online update failed", zap.String("user_id", userID), zap.Error(err))
	}
	h.logger.Info("realtime connection opened",
		zap.String("user_id", userID),
		zap.String("connection_id", client.ID()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, client)
	}()

	h.readPump(ctx, conn, client)

	cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), realtimeCleanupTimeout)
	h.protocol.Disconnect(cleanupCtx, client)
	cleanupCancel()
	<-writerDone
	_ = conn.Close()
	h.logger.Info("realtime connection closed",
		zap.String("user_id", userID),
		zap.String("connection_id", client.ID()))
}

func (h *httpHandler) readPump(ctx context.Context, conn *websocket.Conn, client *party.Client) {
	conn.SetReadLimit(realtimeMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	conn.SetPongHandler(func(string) error {
		if _, err := h.presence.Heartbeat(ctx, client.UserID()); err != nil {
			h.logger.Debug("presence heartbeat failed", zap.String("user_id", client.UserID()), zap.Error(err))
		}
		return conn.SetReadDeadline(time.Now().Add(realtimePongWait))
	})

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read failed", zap.String("connection_id", client.ID()), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.protocol.Dispatch(ctx, client, payload)
	}
}

// writePump returns when the client's send buffer is closed on unregister or a write fails. A
// failed write closes the connection so the read loop ends too.
func (h *httpHandler) writePump(conn *websocket.Conn, client *party.Client) {
	ticker := time.NewTicker(realtimePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-client.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				// Stop waiting for the peer's close reply after a short grace period.
				_ = conn.SetReadDeadline(time.Now().Add(realtimeCloseGrace))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = conn.Close()
				drainUntilClosed(client)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(realtimeWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				drainUntilClosed(client)
				return
			}
		}
	}
}

func drainUntilClosed(client *party.Client) {
	for range client.Send() {
	}
}
