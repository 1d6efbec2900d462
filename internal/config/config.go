package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"duel_arena/internal/logger"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort     string
	AppEnv      string
	LogLevel    string
	LogJSON     bool
	DatabaseURL string // empty disables persistence
	JWTSecret   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AllowedOrigin string

	// Matchmaking
	SkillRange  int
	MatchGrace  time.Duration
	QueueExpiry time.Duration

	// Sessions
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	TickRate          int
	WinningScore      int
	FinishedGrace     time.Duration

	APIRateLimit  int
	APIRateWindow time.Duration
}

// Strict reports whether invariant violations should panic.
func (c *Config) Strict() bool { return c.AppEnv == "development" }

// Load reads .env if present and the process environment. It exits on error.
func Load() *Config {
	_ = godotenv.Load()

	cfg, err := FromEnv(os.Getenv)
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}
	return cfg
}

// FromEnv builds the config from a lookup function, applying defaults.
func FromEnv(getenv func(string) string) (*Config, error) {
	jwtSecret := getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, errors.New("JWT_SECRET is not set")
	}

	r := reader{getenv: getenv}
	cfg := &Config{
		AppPort:       r.str("APP_PORT", "8080"),
		AppEnv:        r.str("APP_ENV", "production"),
		LogLevel:      r.str("LOG_LEVEL", "info"),
		LogJSON:       r.boolean("LOG_JSON", false),
		DatabaseURL:   getenv("DATABASE_URL"),
		JWTSecret:     jwtSecret,
		RedisAddr:     getenv("REDIS_ADDR"),
		RedisPassword: getenv("REDIS_PASSWORD"),
		RedisDB:       r.integer("REDIS_DB", 0),
		AllowedOrigin: getenv("ALLOWED_ORIGIN"),

		SkillRange:  r.integer("SKILL_RANGE", 200),
		MatchGrace:  r.seconds("MATCH_GRACE_SECONDS", 10),
		QueueExpiry: r.seconds("QUEUE_EXPIRY_SECONDS", 60),

		InactivityTimeout: r.seconds("INACTIVITY_TIMEOUT_SECONDS", 120),
		SweepInterval:     r.seconds("SWEEP_INTERVAL_SECONDS", 10),
		TickRate:          r.integer("TICK_RATE", 60),
		WinningScore:      r.integer("WINNING_SCORE", 5),
		FinishedGrace:     r.seconds("FINISHED_GRACE_SECONDS", 30),

		APIRateLimit:  r.integer("API_RATE_LIMIT", 60),
		APIRateWindow: r.seconds("API_RATE_WINDOW_SECONDS", 60),
	}
	if r.err != nil {
		return nil, r.err
	}
	if cfg.TickRate <= 0 || cfg.TickRate > 240 {
		return nil, fmt.Errorf("TICK_RATE out of range: %d", cfg.TickRate)
	}
	if cfg.SweepInterval <= 0 {
		return nil, errors.New("SWEEP_INTERVAL_SECONDS must be positive")
	}
	return cfg, nil
}

// reader remembers the first malformed value.
type reader struct {
	getenv func(string) string
	err    error
}

func (r *reader) str(key, def string) string {
	if v := r.getenv(key); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return n
}

func (r *reader) seconds(key string, def int) time.Duration {
	return time.Duration(r.integer(key, def)) * time.Second
}

func (r *reader) boolean(key string, def bool) bool {
	v := r.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return b
}
