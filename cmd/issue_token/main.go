package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"duel_arena/internal/logger"
	"duel_arena/internal/service"

	"github.com/joho/godotenv"
)

// issue_token prints a signed identity token for manual testing of /ws and /api/v1/me.
func main() {
	_ = godotenv.Load()

	userID := flag.String("user", "", "user id (required)")
	name := flag.String("name", "", "display name")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *userID == "" {
		flag.Usage()
		os.Exit(2)
	}
	if err := service.InitJWT(os.Getenv("JWT_SECRET")); err != nil {
		logger.Fatal("jwt init failed", "error", err)
	}

	token, err := service.GenerateJWT(service.Identity{UserID: *userID, Name: *name}, *ttl)
	if err != nil {
		logger.Fatal("generate token failed", "error", err)
	}
	fmt.Println(token)
}
