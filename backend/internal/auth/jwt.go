// Package auth signs and verifies the HS256 access tokens that gate the
// sync endpoints. Token issuance normally lives in an upstream identity
// service sharing the same secret; this package carries enough to verify
// locally and to mint tokens in development and tests.
package auth

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// Tokens verifies and mints tokens with one shared HS256 secret.
type Tokens struct {
	secret []byte
}

// NewTokens builds a Tokens from an explicit secret, falling back to the
// JWT_SECRET environment variable, then to a dev-only default.
func NewTokens(secret string) *Tokens {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		secret = "dev-secret"
	}
	return &Tokens{secret: []byte(secret)}
}

func (t *Tokens) SignAccessToken(userID uint64, username string, ttl time.Duration) (string, time.Time, error) {
	expires := time.Now().Add(ttl)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Type:     "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Parse validates signature and expiry and returns the claims. Callers that
// gate on token kind check Claims.Type themselves.
func (t *Tokens) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
