package gateway

import (
	"sort"
	"sync"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/protocol"
	"chatrelay/pkg/telemetry"
)

// presenceEntry refcounts connections per user so a user with several tabs
// appears online exactly once.
type presenceEntry struct {
	username string
	refs     int
}

// Hub maintains the set of active sessions, fans out envelopes and keeps
// the online user list current.
type Hub struct {
	sessions   map[*Session]bool
	presence   map[string]*presenceEntry
	broadcast  chan []byte
	register   chan *Session
	unregister chan *Session
	mu         sync.RWMutex
	quit       chan struct{}
	quitOnce   sync.Once
	limiter    *eventLimiter
}

// NewHub creates a new hub.
func NewHub(limiter *eventLimiter) *Hub {
	return &Hub{
		sessions:   make(map[*Session]bool),
		presence:   make(map[string]*presenceEntry),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		quit:       make(chan struct{}),
		limiter:    limiter,
	}
}

// Run owns the session set until Stop is called.
func (h *Hub) Run() {
	logger.Info("relay_hub_started")
	defer logger.Info("relay_hub_stopped")

	for {
		select {
		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = true
			pe := h.presence[s.identity.ID]
			if pe == nil {
				pe = &presenceEntry{username: s.identity.Username}
				h.presence[s.identity.ID] = pe
			}
			pe.refs++
			h.mu.Unlock()
			telemetry.ConnOpened()
			logger.Debug("session_registered", "session", s.ID, "user", s.identity.ID)
			h.publishPresence()

		case s := <-h.unregister:
			h.mu.Lock()
			removed := false
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				s.shutdown()
				h.dropPresenceLocked(s)
				removed = true
			}
			h.mu.Unlock()
			if removed {
				telemetry.ConnClosed()
				h.limiter.RemoveSession(s.ID)
				logger.Debug("session_unregistered", "session", s.ID, "user", s.identity.ID)
				h.publishPresence()
			}

		case payload := <-h.broadcast:
			h.mu.Lock()
			for s := range h.sessions {
				select {
				case s.send <- payload:
				default:
					// slow consumer, evict
					delete(h.sessions, s)
					s.shutdown()
					h.dropPresenceLocked(s)
					telemetry.ConnClosed()
					h.limiter.RemoveSession(s.ID)
					logger.Warn("session_evicted_slow_consumer", "session", s.ID, "user", s.identity.ID)
				}
			}
			h.mu.Unlock()
			telemetry.CountBroadcast()

		case <-h.quit:
			return
		}
	}
}

// dropPresenceLocked decrements the user refcount for s. Callers hold h.mu.
func (h *Hub) dropPresenceLocked(s *Session) {
	if pe := h.presence[s.identity.ID]; pe != nil {
		pe.refs--
		if pe.refs <= 0 {
			delete(h.presence, s.identity.ID)
		}
	}
}

// publishPresence broadcasts the current online user list.
func (h *Hub) publishPresence() {
	users := h.OnlineUsers()
	payload, err := protocol.Encode(protocol.EvOnlineUsers, users)
	if err != nil {
		logger.Error("presence_encode_failed", "error", err)
		return
	}
	h.Broadcast(payload)
}

// Stop stops the hub.
func (h *Hub) Stop() {
	h.quitOnce.Do(func() { close(h.quit) })
}

// Register registers a new session. After Stop it is a no-op so late
// handshakes cannot block on the drained hub loop.
func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.quit:
	}
}

// Unregister removes a session. After Stop it is a no-op; read pumps on
// hijacked connections can outlive the hub during shutdown.
func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.quit:
	}
}

// Broadcast fans a pre-encoded envelope out to all sessions, the
// originator included. Non-blocking so the hub loop can publish presence
// without waiting on itself.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	default:
		logger.Warn("broadcast_channel_full", "msg", "dropping payload")
	}
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// OnlineUsers returns the users currently online, sorted by username for
// stable payloads. An identity with several live connections appears once.
func (h *Hub) OnlineUsers() []models.OnlineUser {
	h.mu.RLock()
	users := make([]models.OnlineUser, 0, len(h.presence))
	for id, pe := range h.presence {
		users = append(users, models.OnlineUser{ID: id, Username: pe.username})
	}
	h.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool {
		if users[i].Username != users[j].Username {
			return users[i].Username < users[j].Username
		}
		return users[i].ID < users[j].ID
	})
	return users
}
