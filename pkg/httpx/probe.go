package httpx

import (
	"fmt"
	"net/http"
)

// Probe returns the health handler served by the probe sidecars. It is
// transport-agnostic so the same handler runs under net/http and fasthttp.
func Probe(version string) HandlerFunc {
	body := []byte(fmt.Sprintf("{\"status\":\"ok\",\"version\":%q}", version))
	return func(w ResponseWriter, r *Request) {
		switch r.Path {
		case "/health", "/healthz":
			// keep the handler extremely lean to measure router+net overhead
			WriteJSON(w, http.StatusOK, body)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}
