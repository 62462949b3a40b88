package handlers

import (
	"net/http"

	"hub-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// WebSocketHandler bridges gin routes to the push service. The push service
// owns the upgrade, the connection registry and the read/write pumps.
type WebSocketHandler struct {
	pushService *services.WebSocketPushService
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(pushService *services.WebSocketPushService) *WebSocketHandler {
	return &WebSocketHandler{pushService: pushService}
}

// HandleWebSocket upgrades the connection and hands it to the push service
// GET /api/v1/ws
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	h.pushService.HandleWebSocket(c.Writer, c.Request)
}

// WebSocketStatusHandler reports live connection counts
// GET /api/v1/ws/status
func (h *WebSocketHandler) WebSocketStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active_connections": h.pushService.GetActiveConnections(),
	})
}
