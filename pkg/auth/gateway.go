package auth

import (
	"net"
	"net/http"
	"strings"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/logging"
	"chatrelay/pkg/telemetry"
	"chatrelay/pkg/utils"
)

// openPath reports whether the path is reachable without a credential.
// The websocket endpoint runs its own token gate before upgrading, and
// probes, status, metrics and docs stay open for operators.
func openPath(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	switch r.URL.Path {
	case "/healthz", "/readyz", "/api/status", "/metrics", "/openapi.yaml", "/ws":
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/docs/")
}

// AuthenticateRequestMiddleware is the HTTP perimeter: CORS, IP
// whitelist, token or admin key resolution and per-caller rate
// limiting. Resolved roles travel to handlers via the X-Role-Name
// header.
func AuthenticateRequestMiddleware(cfg SecConfig) func(http.Handler) http.Handler {
	// rate limiters keyed by identity, admin key or remote ip
	limiters := &limiterPool{cfg: cfg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// log request (redacts sensitive headers and tokens)
			logging.LogRequest(r)

			// cors preflight
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				w.Header().Set("Access-Control-Max-Age", "600")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key")
				w.Header().Set("Access-Control-Expose-Headers", "X-Role-Name")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			// ip whitelist
			if len(cfg.IPWhitelist) > 0 {
				ip := clientIP(r)
				logger.Debug("ip_check", "ip", ip)
				if !ipWhitelisted(ip, cfg.IPWhitelist) {
					utils.JSONError(w, http.StatusForbidden, "forbidden")
					logger.Warn("request_blocked", "reason", "ip_not_whitelisted", "ip", ip, "path", r.URL.Path)
					return
				}
			}

			// open endpoints skip credential checks but still rate limit by ip
			if openPath(r) {
				r.Header.Set("X-Role-Name", "unauth")
				if !limiters.Allow(clientIP(r)) {
					utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
					logger.Warn("rate_limited", "path", r.URL.Path, "remote", r.RemoteAddr)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			// resolve caller: admin key or connection token
			authSpan := telemetry.StartSpan(r.Context(), "auth.authenticate")
			role, key := authenticate(r, cfg)
			authSpan()
			logger.Debug("auth_check", "role", int(role), "path", r.URL.Path)

			var roleName string
			switch role {
			case RoleUser:
				roleName = "user"
			case RoleAdmin:
				roleName = "admin"
			default:
				roleName = "unauth"
			}

			if role == RoleUnauth {
				utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
				logger.Warn("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				return
			}
			r.Header.Set("X-Role-Name", roleName)

			// scope enforcement for user tokens
			if role == RoleUser && !userAllowed(r) {
				utils.JSONError(w, http.StatusForbidden, "forbidden")
				logger.Warn("request_forbidden", "reason", "user_not_allowed", "path", r.URL.Path)
				return
			}

			// rate limiting
			rlSpan := telemetry.StartSpan(r.Context(), "auth.rate_limit")
			if !limiters.Allow(key) {
				rlSpan()
				utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				logger.Warn("rate_limited", "path", r.URL.Path, "role", roleName)
				return
			}
			rlSpan()

			logger.Info("request_allowed", "method", r.Method, "path", r.URL.Path, "role", roleName)

			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	// check if origin is allowed
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// OriginAllowed is the exported check used by the websocket upgrader.
func OriginAllowed(origin string, allowed []string) bool {
	return originAllowed(origin, allowed)
}

func clientIP(r *http.Request) string {
	// get client ip from remoteaddr
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipWhitelisted(ip string, list []string) bool {
	// check if ip is in whitelist
	for _, w := range list {
		if ip == w {
			return true
		}
	}
	return false
}

// authenticate resolves the caller role. Admin API keys are checked
// first (Authorization bearer or X-API-Key), then the connection token.
// The returned key feeds the rate limiter.
func authenticate(r *http.Request, cfg SecConfig) (Role, string) {
	auth := r.Header.Get("Authorization")
	var key string
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		key = strings.TrimSpace(auth[7:])
	}
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key != "" && cfg.AdminKeys != nil {
		if _, ok := cfg.AdminKeys[key]; ok {
			return RoleAdmin, key
		}
	}
	if tok := TokenFromRequest(r); tok != "" {
		if id, err := VerifyToken(tok, cfg.JWTSecret); err == nil {
			return RoleUser, id.ID
		}
	}
	// no credential: rate limit by client ip
	return RoleUnauth, clientIP(r)
}

func userAllowed(r *http.Request) bool {
	// message history is readable with a user token
	if strings.HasPrefix(r.URL.Path, "/api/messages") && r.Method == http.MethodGet {
		return true
	}
	return false
}
