package handlers

import (
	"duel_arena/internal/matchmaking"
	"duel_arena/internal/repository"
	"duel_arena/internal/session"

	"github.com/gin-gonic/gin"
)

// Handler serves the REST query surface. Sessions and Ratings are nil when
// persistence is disabled.
type Handler struct {
	Engine   *session.Engine
	Queue    *matchmaking.Queue
	Sessions *repository.SessionRepository
	Ratings  *repository.RatingRepository
}

func NewHandler(engine *session.Engine, queue *matchmaking.Queue, sessions *repository.SessionRepository, ratings *repository.RatingRepository) *Handler {
	return &Handler{
		Engine:   engine,
		Queue:    queue,
		Sessions: sessions,
		Ratings:  ratings,
	}
}

// getUserID reads the user id set by the JWT middleware.
func getUserID(c *gin.Context) (string, bool) {
	uid := c.GetString("user_id")
	return uid, uid != ""
}
