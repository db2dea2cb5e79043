package auth

import (
	"context"
	"net/http"
	"strings"

	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/utils"
)

// Role represents the resolved caller role for a request.
type Role int

const (
	RoleUnauth Role = iota
	RoleUser
	RoleAdmin
)

// SecConfig mirrors the security-related configuration used to drive
// authentication, CORS and rate limiting behavior. Put here so
// limiter.go and gateway.go can reference the shared type.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	JWTSecret      string
	AdminKeys      map[string]struct{}
}

type ctxIdentityKey struct{}

// WithIdentity returns a context carrying the verified identity.
func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey{}, id)
}

// IdentityFromContext returns the verified identity, or a zero value
// when the request was not token-authenticated.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	if v := ctx.Value(ctxIdentityKey{}); v != nil {
		if id, ok := v.(models.Identity); ok {
			return id, true
		}
	}
	return models.Identity{}, false
}

// TokenFromRequest extracts the connection token from the Authorization
// header (Bearer scheme) or the token query parameter, in that order.
// Browser websocket clients cannot set headers, hence the query form.
func TokenFromRequest(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		if tok := strings.TrimSpace(auth[7:]); tok != "" {
			return tok
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// RequireIdentity verifies the connection token on a plain HTTP request
// and injects the verified identity into the request context. Handlers
// behind it can rely on IdentityFromContext returning a value.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// admin keys pass without a user identity
		if r.Header.Get("X-Role-Name") == "admin" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := VerifyToken(TokenFromRequest(r), config.JWTSecret())
		if err != nil {
			logger.Warn("request_token_rejected", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
			utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
