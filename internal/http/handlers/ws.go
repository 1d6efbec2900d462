package handlers

import (
	"net/http"

	"duel_arena/internal/logger"
	"duel_arena/internal/service"
	"duel_arena/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WS authenticates the ?token= query and hands the upgraded socket to the broker.
func (h *Handler) WS(broker *ws.Broker, allowedOrigin string) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == allowedOrigin
		},
	}
	log := logger.Component("ws_handler")

	return func(c *gin.Context) {
		// JWT from query
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}

		id, err := service.ParseJWT(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("ws upgrade error", "user_id", id.UserID, "error", err)
			return
		}

		client := ws.NewClient(id.UserID, id.Name, conn, broker)
		go client.Run()
	}
}
