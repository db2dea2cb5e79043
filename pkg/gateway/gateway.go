package gateway

import (
	"net/http"
	"sync"
	"time"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/utils"

	"github.com/gorilla/websocket"
)

// Gateway owns the websocket surface: handshake auth, the session hub,
// the per-event limiter and the relay pipeline.
type Gateway struct {
	hub      *Hub
	queue    *Queue
	pipeline *Pipeline
	limiter  *eventLimiter
	upgrader websocket.Upgrader

	sendBuffer int
	readLimit  int64
	pongWait   time.Duration
	writeWait  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a gateway from the effective config.
func New(cfg *config.Config) *Gateway {
	limiter := newEventLimiter(cfg.Gateway.Limits)
	hub := NewHub(limiter)
	q := NewQueue(cfg.Gateway.Queue.Capacity)
	SetMaxPooledBuffer(int64(cfg.Gateway.Queue.MaxPooledBufferBytes))

	allowed := cfg.Security.CORS.AllowedOrigins
	gw := &Gateway{
		hub:        hub,
		queue:      q,
		pipeline:   NewPipeline(q, hub),
		limiter:    limiter,
		sendBuffer: cfg.Gateway.SendBuffer,
		readLimit:  int64(cfg.Gateway.ReadLimit),
		pongWait:   cfg.Gateway.PongWait.Duration(),
		writeWait:  cfg.Gateway.WriteWait.Duration(),
		stop:       make(chan struct{}),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// non-browser clients (SDK, relayctl) send no Origin header
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return auth.OriginAllowed(origin, allowed)
		},
	}
	return gw
}

// pingPeriod derives the keepalive interval from the pong deadline. Must
// be shorter than pongWait or the peer times out between pings.
func (g *Gateway) pingPeriod() time.Duration {
	return g.pongWait * 9 / 10
}

// Start launches the hub and the single pipeline worker.
func (g *Gateway) Start() {
	go g.hub.Run()
	go g.pipeline.Run(g.stop)
}

// Shutdown stops the pipeline, the hub and drains the queue.
func (g *Gateway) Shutdown() {
	g.stopOnce.Do(func() {
		close(g.stop)
		g.hub.Stop()
		g.queue.CloseAndDrain()
	})
}

// Hub exposes the session hub for the stats endpoint.
func (g *Gateway) Hub() *Hub { return g.hub }

// Queue exposes the relay queue for the stats endpoint.
func (g *Gateway) Queue() *Queue { return g.queue }

// ServeWS authenticates the handshake and upgrades the connection. The
// perimeter middleware treats the ws path as open, so the token gate
// lives here where the upgrade happens.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	identity, err := auth.VerifyToken(token, config.JWTSecret())
	if err != nil {
		logger.Warn("ws_token_rejected", "remote", r.RemoteAddr, "error", err)
		utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error
		logger.Error("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := newSession(g, conn, identity)
	g.hub.Register(s)
	logger.Info("ws_session_opened", "session", s.ID, "user", identity.ID, "username", identity.Username)

	go s.WritePump()
	go s.ReadPump()
}
