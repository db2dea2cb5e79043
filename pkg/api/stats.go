package api

import (
	"net/http"
	"runtime"
	"time"

	"chatrelay/pkg/gateway"
	"chatrelay/pkg/store"
	"chatrelay/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
)

var startTime = time.Now()

// RegisterStats registers the admin stats endpoint. Admin keys are
// resolved by the perimeter middleware; the handler trusts only the
// role header it sets.
func RegisterStats(r *mux.Router, gw *gateway.Gateway) {
	r.HandleFunc("/stats", statsHandler(gw)).Methods(http.MethodGet)
}

type storeStats struct {
	Messages   int    `json:"messages"`
	Tombstones int    `json:"tombstones"`
	DiskBytes  uint64 `json:"diskBytes"`
	DiskSize   string `json:"diskSize"`
	WALBytes   uint64 `json:"walBytes"`
	L0Files    int    `json:"l0Files"`
}

type gatewayStats struct {
	Sessions     int    `json:"sessions"`
	OnlineUsers  int    `json:"onlineUsers"`
	QueueLen     int    `json:"queueLen"`
	QueueCap     int    `json:"queueCap"`
	QueueDropped uint64 `json:"queueDropped"`
}

type runtimeStats struct {
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines"`
	HeapAlloc  string `json:"heapAlloc"`
	HeapSys    string `json:"heapSys"`
	NumGC      uint32 `json:"numGC"`
}

func statsHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(r) {
			utils.JSONError(w, http.StatusForbidden, "forbidden")
			return
		}
		total, deleted, err := store.CountMessages()
		if err != nil {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		pm := store.GetPebbleMetrics()
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		out := struct {
			Store   storeStats   `json:"store"`
			Gateway gatewayStats `json:"gateway"`
			Runtime runtimeStats `json:"runtime"`
		}{
			Store: storeStats{
				Messages:   total - deleted,
				Tombstones: deleted,
				DiskBytes:  pm.DiskBytes,
				DiskSize:   humanize.Bytes(pm.DiskBytes),
				WALBytes:   pm.WALBytes,
				L0Files:    pm.L0Files,
			},
			Gateway: gatewayStats{
				Sessions:     gw.Hub().SessionCount(),
				OnlineUsers:  len(gw.Hub().OnlineUsers()),
				QueueLen:     gw.Queue().Len(),
				QueueCap:     gw.Queue().Cap(),
				QueueDropped: gw.Queue().Dropped(),
			},
			Runtime: runtimeStats{
				Uptime:     time.Since(startTime).Round(time.Second).String(),
				Goroutines: runtime.NumGoroutine(),
				HeapAlloc:  humanize.Bytes(ms.HeapAlloc),
				HeapSys:    humanize.Bytes(ms.HeapSys),
				NumGC:      ms.NumGC,
			},
		}
		_ = utils.JSONWrite(w, http.StatusOK, out)
	}
}

// isAdmin checks the role resolved by the perimeter middleware.
func isAdmin(r *http.Request) bool {
	return r.Header.Get("X-Role-Name") == "admin"
}
