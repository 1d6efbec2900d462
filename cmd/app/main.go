package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duel_arena/internal/config"
	"duel_arena/internal/db"
	httpServer "duel_arena/internal/http"
	"duel_arena/internal/http/handlers"
	"duel_arena/internal/http/middleware"
	"duel_arena/internal/logger"
	"duel_arena/internal/matchmaking"
	"duel_arena/internal/repository"
	"duel_arena/internal/service"
	"duel_arena/internal/session"
	"duel_arena/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	redis "github.com/redis/go-redis/v9"
)

var version = "dev"

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogJSON)
	if err := service.InitJWT(cfg.JWTSecret); err != nil {
		logger.Fatal("jwt init failed", "error", err)
	}

	var (
		pool     *pgxpool.Pool
		sessions *repository.SessionRepository
		ratings  *repository.RatingRepository
	)
	if cfg.DatabaseURL != "" {
		pool = db.Connect(cfg.DatabaseURL)
		defer pool.Close()
		sessions = repository.NewSessionRepository(pool)
		ratings = repository.NewRatingRepository(pool)
	} else {
		logger.Warn("DATABASE_URL not set, persistence disabled")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		client, err := db.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("redis unavailable, running without event bus", "error", err)
		} else {
			rdb = client
			defer rdb.Close()
		}
	}
	middleware.InitRedisRateLimiter(rdb)

	clock := clockwork.NewRealClock()
	store := session.NewStore(clock, cfg.FinishedGrace, cfg.Strict())

	deps := session.Deps{Clock: clock}
	if sessions != nil {
		deps.Recorder = sessions
	}
	if rdb != nil {
		deps.Publisher = service.NewRedisPublisher(rdb, "")
	}
	engine := session.NewEngine(store, session.Config{
		WinningScore: cfg.WinningScore,
		TickRate:     cfg.TickRate,
	}, deps)

	queue := matchmaking.New(matchmaking.Config{
		SkillRange:    cfg.SkillRange,
		Grace:         cfg.MatchGrace,
		Expiry:        cfg.QueueExpiry,
		SweepInterval: cfg.SweepInterval,
		InSession: func(userID string) bool {
			_, ok := engine.ActiveFor(userID)
			return ok
		},
	}, clock, func(a, b matchmaking.Entry) (session.Snapshot, error) {
		return engine.CreateSession(a.Participant(), b.Participant(), a.Options)
	})

	var lookup ws.RatingLookup
	if ratings != nil {
		lookup = ratings
	}
	broker := ws.NewBroker(engine, queue, lookup, cfg.Strict())

	monitor := session.NewMonitor(engine, cfg.InactivityTimeout, cfg.SweepInterval)
	if err := monitor.Start(); err != nil {
		logger.Fatal("start inactivity monitor", "error", err)
	}
	if err := queue.Start(); err != nil {
		logger.Fatal("start queue sweep", "error", err)
	}

	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS for a frontend served from another origin
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (cfg.AllowedOrigin == "" || origin == cfg.AllowedOrigin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		}
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	httpServer.RegisterRoutes(r, httpServer.Deps{
		Handler:       handlers.NewHandler(engine, queue, sessions, ratings),
		Health:        handlers.NewHealthHandler(pool, rdb, store, version),
		Broker:        broker,
		AllowedOrigin: cfg.AllowedOrigin,
		RateLimit:     cfg.APIRateLimit,
		RateWindow:    cfg.APIRateWindow,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.AppPort,
		Handler: r,
	}

	go func() {
		logger.Info("server started", "port", cfg.AppPort, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := queue.Stop(); err != nil {
		logger.Warn("stop queue sweep", "error", err)
	}
	if err := monitor.Stop(); err != nil {
		logger.Warn("stop inactivity monitor", "error", err)
	}
	engine.Close()

	logger.Info("server exited")
}
