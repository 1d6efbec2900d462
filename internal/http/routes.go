package http

import (
	"time"

	"duel_arena/internal/http/handlers"
	"duel_arena/internal/http/middleware"
	"duel_arena/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps carries everything the router needs.
type Deps struct {
	Handler       *handlers.Handler
	Health        *handlers.HealthHandler
	Broker        *ws.Broker
	AllowedOrigin string
	RateLimit     int
	RateWindow    time.Duration
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.Use(middleware.Metrics())

	// Health checks (no rate limiting)
	r.GET("/health", d.Health.Health)
	r.GET("/healthz", d.Health.Liveness)
	r.GET("/readyz", d.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket for matchmaking and live sessions
	r.GET("/ws", d.Handler.WS(d.Broker, d.AllowedOrigin))

	v1 := r.Group("/api/v1")
	v1.Use(middleware.RedisRateLimit(d.RateLimit, d.RateWindow))
	registerAPIRoutes(v1, d.Handler, d.RateLimit, d.RateWindow)
}

func registerAPIRoutes(api *gin.RouterGroup, h *handlers.Handler, userLimit int, userWindow time.Duration) {
	api.GET("/sessions/:id", h.GetSession)
	api.GET("/queue", h.QueueStatus)
	api.GET("/leaderboard", h.GetLeaderboard)

	me := api.Group("/me")
	me.Use(middleware.JWT(), middleware.UserRateLimit(userLimit, userWindow))
	{
		me.GET("/sessions", h.MySessions)
		me.GET("/rating", h.MyRating)
	}
}
