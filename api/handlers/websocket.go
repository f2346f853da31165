package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/shaw-s-yu/terminal-server/internal/ws"
)

// WebSocketHandler exposes the terminal WebSocket endpoint.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{wsHandler: wsHandler}
}

// Connect handles GET /ws - upgrades to a terminal connection. The session
// is created by the client's init_terminal message.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	h.wsHandler.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket route on a Gin router.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Connect)
}
