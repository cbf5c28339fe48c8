package handler

import (
	"context"
	"net/http"

	"chatrelay/backend/internal/chathub"
	"chatrelay/backend/internal/pending"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers connect from the frontend origin; tokens gate access.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeChat upgrades /ws/chat/:userid/:id to a room socket.
func (h *Handler) ServeChat(c *gin.Context) {
	userID, roomID := c.Param("userid"), c.Param("id")
	h.serve(c, userID, roomID, h.Hub.ChatFrames(), pending.KindChat, h.Hub.ConnectChat)
}

// ServeNotifications upgrades /ws/user/:userid to a notification socket.
func (h *Handler) ServeNotifications(c *gin.Context) {
	h.serve(c, c.Param("userid"), "", h.Hub.NotificationFrames(), pending.KindNotification, h.Hub.ConnectNotifications)
}

func (h *Handler) serve(c *gin.Context, userID, roomID string, frames chathub.FrameHandler, kind string, connect func(context.Context, chathub.Client) error) {
	log := h.logger.With().Str("user_id", userID).Str("room_id", roomID).Str("kind", kind).Logger()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(conn, userID, roomID, frames, h.Hub.ClientOptions(kind), h.logger)
	if err := connect(h.ctx, client); err != nil {
		// Registered anyway; the unsent pending tail is kept for the next connection.
		log.Error().Err(err).Str("conn_id", client.ID()).Msg("Failed to flush pending frames")
	}
	client.Run(h.ctx)
	log.Info().Str("conn_id", client.ID()).Msg("WebSocket connection established")
}
