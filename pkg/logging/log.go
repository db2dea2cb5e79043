package logging

import (
	"net/http"
	"strings"

	"chatrelay/pkg/logger"
)

var sensitive = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"cookie":        {},
}

// redactHeaderValue redacts known sensitive header values.
func redactHeaderValue(k, v string) string {
	if v == "" {
		return ""
	}
	if _, ok := sensitive[strings.ToLower(k)]; ok {
		return "<redacted>"
	}
	return v
}

// SafeHeaders returns a map of headers suitable for logging with sensitive
// values redacted. Only the first value is returned for brevity.
func SafeHeaders(r *http.Request) map[string]string {
	out := make(map[string]string)
	for k, v := range r.Header {
		if len(v) == 0 {
			continue
		}
		out[k] = redactHeaderValue(k, v[0])
	}
	return out
}

// SafeQuery returns the request's raw query with credential parameters
// blanked. Websocket handshakes may carry the bearer token as ?token=.
func SafeQuery(r *http.Request) string {
	q := r.URL.Query()
	if q.Get("token") != "" {
		q.Set("token", "<redacted>")
	}
	return q.Encode()
}

// LogRequest logs a concise, safe summary of an incoming request.
func LogRequest(r *http.Request) {
	logger.Info("incoming_request",
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
		"query", SafeQuery(r),
		"headers", SafeHeaders(r),
	)
}
