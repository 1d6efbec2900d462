package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSecret     = errors.New("JWT_SECRET is not set")
)

var jwtSecret []byte

// Identity is what a token says about its bearer.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

func InitJWT(secret string) error {
	if secret == "" {
		return ErrNoSecret
	}
	jwtSecret = []byte(secret)
	return nil
}

func GenerateJWT(id Identity, ttl time.Duration) (string, error) {
	if len(jwtSecret) == 0 {
		return "", ErrNoSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": id.UserID,
		"name":    id.Name,
		"exp":     now.Add(ttl).Unix(),
		"iat":     now.Unix(),
		"nbf":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// ParseJWT validates the signature and time claims and returns the identity.
func ParseJWT(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return jwtSecret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return Identity{}, errors.New("user_id not found")
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = userID
	}
	return Identity{UserID: userID, Name: name}, nil
}
