package gateway

import (
	"sync"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/protocol"
	"chatrelay/pkg/telemetry"
	"chatrelay/pkg/utils"

	"github.com/gorilla/websocket"
)

// Session is one websocket connection with an authenticated identity.
type Session struct {
	ID       string
	identity models.Identity

	gw   *Gateway
	conn *websocket.Conn

	// send carries pre-encoded envelopes to the write pump. It is never
	// closed; done signals the pumps to exit so concurrent senders can
	// never hit a closed channel.
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func newSession(gw *Gateway, conn *websocket.Conn, id models.Identity) *Session {
	return &Session{
		ID:       utils.GenID(),
		identity: id,
		gw:       gw,
		conn:     conn,
		send:     make(chan []byte, gw.sendBuffer),
		done:     make(chan struct{}),
	}
}

// shutdown signals both pumps to exit. Safe to call more than once.
func (s *Session) shutdown() {
	s.doneOnce.Do(func() { close(s.done) })
}

// ReadPump pumps envelopes from the websocket into the relay queue. A bad
// envelope, an unknown event, a rate limited event or a full queue send a
// notice back and keep the connection open.
func (s *Session) ReadPump() {
	defer func() {
		s.gw.hub.Unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(s.gw.readLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.gw.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.gw.pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Error("session_read_failed", "session", s.ID, "error", err)
			}
			break
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			s.notifyError("malformed event")
			continue
		}
		if !protocol.KnownClientEvent(env.Event) {
			s.notifyError("unknown event: " + env.Event)
			continue
		}

		if ok, retry := s.gw.limiter.Allow(s.ID, env.Event); !ok {
			telemetry.CountRateLimited(env.Event)
			logger.Debug("event_rate_limited", "session", s.ID, "event", env.Event, "retry_after", retry)
			rl := &protocol.RateLimitError{EventType: env.Event, RetryAfter: retry}
			s.sendEvent(protocol.EvRateLimit, rl.Notice())
			continue
		}

		op := &Op{
			Event:   env.Event,
			Origin:  s,
			From:    s.identity,
			Payload: env.Data,
			TS:      time.Now().UnixMilli(),
		}
		if err := s.gw.queue.TryEnqueue(op); err != nil {
			telemetry.CountQueueRejected()
			logger.Warn("relay_queue_full", "session", s.ID, "event", env.Event)
			s.notifyError("server busy, try again")
			continue
		}
		telemetry.SetQueueDepth(s.gw.queue.Len())
	}
}

// WritePump pumps envelopes from the send channel to the websocket and
// keeps the connection alive with pings.
func (s *Session) WritePump() {
	ticker := time.NewTicker(s.gw.pingPeriod())
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.gw.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("session_write_failed", "session", s.ID, "error", err)
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.gw.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.gw.writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// sendEvent encodes and queues an envelope for this session only.
func (s *Session) sendEvent(event string, data any) {
	payload, err := protocol.Encode(event, data)
	if err != nil {
		logger.Error("event_encode_failed", "event", event, "error", err)
		return
	}
	s.deliver(payload)
}

// deliver queues a pre-encoded envelope without blocking. Payloads to a
// dead or saturated session are dropped.
func (s *Session) deliver(payload []byte) {
	select {
	case <-s.done:
	case s.send <- payload:
	default:
		logger.Warn("session_send_full", "session", s.ID)
	}
}

func (s *Session) notifyError(msg string) {
	s.sendEvent(protocol.EvError, protocol.ErrorNotice{Message: msg})
}
