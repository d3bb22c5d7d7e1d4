package testutil

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TestToken returns a token the push endpoints accept when they verify with
// the shared JWT_SECRET.
func TestToken(userID string) (string, error) {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return "", errors.New("JWT_SECRET must be set")
	}
	return SignToken(secret, userID, time.Hour)
}

// SignToken signs an HS256 token carrying userID in the userId claim.
func SignToken(secret, userID string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": userID,
		"sub":    userID,
		"exp":    time.Now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
