package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"duel_arena/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
)

// GetSession returns a live or recently finished session, falling back to the
// persisted record once it has been evicted from memory.
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.Engine.Get(id)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"session": snap, "live": true})
		return
	}
	if !errors.Is(err, session.ErrSessionNotFound) || h.Sessions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	res, err := h.Sessions.GetByID(c.Request.Context(), id)
	if errors.Is(err, pgx.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": res, "live": false})
}

// QueueStatus lists waiting players and how long they have waited.
func (h *Handler) QueueStatus(c *gin.Context) {
	waiting := h.Queue.Status()
	c.JSON(http.StatusOK, gin.H{
		"waiting": waiting,
		"count":   len(waiting),
	})
}

// MySessions returns the caller's live session, if any, and finished history.
func (h *Handler) MySessions(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	resp := gin.H{}
	if snap, ok := h.Engine.ActiveFor(userID); ok {
		resp["active"] = snap
	}
	if h.Sessions == nil {
		resp["history"] = []any{}
		c.JSON(http.StatusOK, resp)
		return
	}

	history, err := h.Sessions.ListByUser(c.Request.Context(), userID, queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get sessions"})
		return
	}
	resp["history"] = history
	c.JSON(http.StatusOK, resp)
}

// GetLeaderboard returns the highest rated players.
func (h *Handler) GetLeaderboard(c *gin.Context) {
	if h.Ratings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	top, err := h.Ratings.Top(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get leaderboard"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": top})
}

// MyRating returns the caller's rating and recent changes.
func (h *Handler) MyRating(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.Ratings == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}

	ctx := c.Request.Context()
	current, err := h.Ratings.Rating(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get rating"})
		return
	}
	history, err := h.Ratings.History(ctx, userID, queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get rating history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rating": current, "history": history})
}

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || n <= 0 {
		return 20
	}
	return n
}
