package api

import (
	"net/http"
	"time"

	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterStatus registers the open liveness endpoints.
func RegisterStatus(r *mux.Router) {
	r.HandleFunc("/api/status", getStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", readyz).Methods(http.MethodGet)
}

func getStatus(w http.ResponseWriter, r *http.Request) {
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Status string `json:"status"`
		Time   string `json:"time"`
	}{Status: "ok", Time: time.Now().UTC().Format(time.RFC3339)})
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// readyz reports ready only once the store is open; load balancers use
// it to hold traffic during startup.
func readyz(w http.ResponseWriter, r *http.Request) {
	if !store.Ready() {
		utils.JSONError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
