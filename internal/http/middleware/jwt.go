package middleware

import (
	"net/http"
	"strings"

	"duel_arena/internal/service"

	"github.com/gin-gonic/gin"
)

// JWT requires a bearer token and stores user_id and name in the context.
func JWT() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}

		id, err := service.ParseJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("user_id", id.UserID)
		c.Set("name", id.Name)
		c.Next()
	}
}
