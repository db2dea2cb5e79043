package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatrelay/pkg/models"
	"chatrelay/pkg/protocol"
)

// Claims carries the identity payload inside a connection token.
type Claims struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// MintToken signs a connection token for the given identity. The token
// expires after ttl.
func MintToken(id models.Identity, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("empty signing secret")
	}
	if id.ID == "" || id.Username == "" {
		return "", errors.New("identity requires id and username")
	}
	now := time.Now()
	claims := &Claims{
		ID:       id.ID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "chatrelay",
			Subject:   id.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyToken parses and validates a connection token and returns the
// identity it carries. All failures come back as an AuthError so
// callers reject uniformly.
func VerifyToken(tokenString, secret string) (models.Identity, error) {
	var id models.Identity
	if tokenString == "" {
		return id, &protocol.AuthError{Reason: "missing token"}
	}
	if secret == "" {
		return id, &protocol.AuthError{Reason: "no signing secret configured"}
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return id, &protocol.AuthError{Reason: "token expired"}
		}
		return id, &protocol.AuthError{Reason: "invalid token"}
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return id, &protocol.AuthError{Reason: "invalid token claims"}
	}
	if claims.ID == "" || claims.Username == "" {
		return id, &protocol.AuthError{Reason: "token missing identity"}
	}
	id.ID = claims.ID
	id.Username = claims.Username
	return id, nil
}
