package api

import (
	"chatrelay/pkg/gateway"
	"chatrelay/pkg/logger"

	"github.com/gorilla/mux"
)

// Register mounts every HTTP endpoint this package owns onto the
// router. The websocket endpoint and the metrics handler are mounted by
// the app assembly, not here.
func Register(r *mux.Router, gw *gateway.Gateway) {
	RegisterStatus(r)
	RegisterMessages(r)
	RegisterStats(r, gw)
	logger.Info("api_routes_registered")
}
