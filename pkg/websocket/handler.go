package websocket

import (
	"net/http"

	"WalkGuard/pkg/constant"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// HandleWebSocket streams the caller's own event updates
func (h *Handler) HandleWebSocket(c *gin.Context) {
	userID := c.GetString(constant.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	_ = ServeWS(h.hub, c.Writer, c.Request, userID)
}

// HandleAgentWebSocket additionally subscribes to the agent alert topic
func (h *Handler) HandleAgentWebSocket(c *gin.Context) {
	userID := c.GetString(constant.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	_ = ServeWS(h.hub, c.Writer, c.Request, userID, constant.AgentAlertsTopic)
}

func (h *Handler) Stats() gin.H {
	return gin.H{
		"total_connections": h.hub.GetConnectionCount(),
		"agent_connections": h.hub.GetGroupConnections(constant.AgentAlertsTopic),
		"max_connections":   h.hub.config.MaxConnections,
		"hub_running":       h.hub.ctx.Err() == nil,
	}
}
