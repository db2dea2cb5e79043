package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/protocol"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Emit while no connection is attached.
// Callers fall back to the outbox.
var ErrNotConnected = errors.New("client: not connected")

// ConnState is the session manager's lifecycle position.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// SessionConfig configures one relay connection.
type SessionConfig struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token supplies the bearer credential, read at every handshake so
	// a refreshed token is picked up on reconnect.
	Token func() string

	SendBuffer  int
	WriteWait   time.Duration
	PongWait    time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
}

// Session owns one long-lived relay connection: it attaches the
// credential at handshake, keeps the socket alive with pings, dispatches
// inbound envelopes to registered handlers and reconnects with backoff
// after transport drops. A handshake rejection is fatal; no retry loop
// can fix a bad credential.
type Session struct {
	cfg SessionConfig

	mu       sync.Mutex
	state    ConnState
	conn     *websocket.Conn
	send     chan []byte
	connDone chan struct{}
	gen      int
	runCtx   context.Context
	stop     context.CancelFunc
	lastErr  error

	handlers map[string][]func(json.RawMessage)
	stateFns []func(ConnState)
	stateCh  chan ConnState
}

// NewSession builds a session manager; no connection is attempted until
// Connect.
func NewSession(cfg SessionConfig) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:      cfg,
		handlers: map[string][]func(json.RawMessage){},
	}
}

// On registers a handler for an inbound event. Handlers run sequentially
// on the read pump, so they observe events in server send order.
func (s *Session) On(event string, fn func(json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

// OnState registers a callback fired on every lifecycle transition.
func (s *Session) OnState(fn func(ConnState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFns = append(s.stateFns, fn)
}

// StateChanges returns a signal channel carrying transitions. Slow
// readers miss intermediate states rather than blocking the session.
func (s *Session) StateChanges() <-chan ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateCh == nil {
		s.stateCh = make(chan ConnState, 16)
	}
	return s.stateCh
}

// State reports the current lifecycle position.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether a live connection is attached.
func (s *Session) Connected() bool { return s.State() == StateConnected }

// LastError returns the most recent transport or handshake failure.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Connect dials the relay once. A handshake rejection (400/401/403)
// returns an AuthError and the session stays disconnected; transport
// failures return a TransportError. After a successful connect the
// session reconnects on its own until Disconnect or ctx cancel.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect: session is %s", st)
	}
	s.gen++
	g := s.gen
	runCtx, stop := context.WithCancel(ctx)
	s.runCtx, s.stop = runCtx, stop
	s.state = StateConnecting
	s.mu.Unlock()
	s.notifyState(StateConnecting)

	conn, resp, err := s.dial(runCtx)
	if err != nil {
		cerr := connectError(resp, err)
		s.giveUp(g, cerr)
		return cerr
	}
	if !s.attach(conn, g) {
		_ = conn.Close()
		return context.Canceled
	}
	logger.Info("session_connected", "url", s.cfg.URL)
	return nil
}

// Disconnect closes the connection and halts any reconnect attempt. The
// generation bump guarantees an attempt already dialing cannot re-attach
// afterwards.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	if s.stop != nil {
		s.stop()
	}
	conn, done := s.conn, s.connDone
	s.conn, s.send, s.connDone = nil, nil, nil
	was := s.state
	s.state = StateDisconnected
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.Close()
	}
	if was != StateDisconnected {
		s.notifyState(StateDisconnected)
		logger.Info("session_disconnected")
	}
}

// Emit encodes an envelope and queues it for the write pump.
func (s *Session) Emit(event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != StateConnected || s.send == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	send := s.send
	s.mu.Unlock()
	select {
	case send <- frame:
		return nil
	default:
		return &protocol.TransportError{Op: "emit", Err: errors.New("send buffer full")}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if s.cfg.Token != nil {
		if tok := s.cfg.Token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	return dialer.DialContext(ctx, s.cfg.URL, header)
}

// attach installs an established connection and starts its pumps.
// Returns false when Disconnect won the race.
func (s *Session) attach(conn *websocket.Conn, g int) bool {
	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return false
	}
	send := make(chan []byte, s.cfg.SendBuffer)
	done := make(chan struct{})
	s.conn, s.send, s.connDone = conn, send, done
	s.state = StateConnected
	s.lastErr = nil
	s.mu.Unlock()

	go s.readPump(conn, g)
	go s.writePump(conn, send, done, g)
	s.notifyState(StateConnected)
	return true
}

// lost handles a transport drop. The first pump to report wins; the
// stale generation check keeps a drop observed before Disconnect from
// transitioning the session afterwards.
func (s *Session) lost(conn *websocket.Conn, g int, err error) {
	s.mu.Lock()
	if s.gen != g || s.conn != conn {
		s.mu.Unlock()
		return
	}
	done := s.connDone
	ctx := s.runCtx
	s.conn, s.send, s.connDone = nil, nil, nil
	s.state = StateReconnecting
	s.lastErr = &protocol.TransportError{Op: "read", Err: err}
	s.mu.Unlock()

	close(done)
	_ = conn.Close()
	logger.Warn("session_connection_lost", "error", err)
	s.notifyState(StateReconnecting)
	go s.reconnectLoop(ctx, g)
}

// giveUp abandons the current generation after a fatal failure.
func (s *Session) giveUp(g int, err error) {
	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return
	}
	if s.stop != nil {
		s.stop()
	}
	s.lastErr = err
	was := s.state
	s.state = StateDisconnected
	s.mu.Unlock()
	if was != StateDisconnected {
		s.notifyState(StateDisconnected)
	}
	logger.Warn("session_gave_up", "error", err)
}

func (s *Session) stale(g int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != g
}

func (s *Session) reconnectLoop(ctx context.Context, g int) {
	for attempt := 0; ; attempt++ {
		delay := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffCap, attempt)
		logger.Info("session_reconnect_wait", "attempt", attempt+1, "delay", delay.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if s.stale(g) {
			return
		}
		conn, resp, err := s.dial(ctx)
		if err != nil {
			if authReject(resp) {
				s.giveUp(g, connectError(resp, err))
				return
			}
			logger.Warn("session_reconnect_failed", "attempt", attempt+1, "error", err)
			continue
		}
		if !s.attach(conn, g) {
			_ = conn.Close()
			return
		}
		logger.Info("session_reconnected", "attempt", attempt+1)
		return
	}
}

func (s *Session) readPump(conn *websocket.Conn, g int) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.lost(conn, g, err)
			return
		}
		env, derr := protocol.Decode(raw)
		if derr != nil {
			logger.Warn("session_bad_frame", "error", derr)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}, g int) {
	ticker := time.NewTicker(s.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			deadline := time.Now().Add(s.cfg.WriteWait)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case frame := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.lost(conn, g, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.lost(conn, g, err)
				return
			}
		}
	}
}

func (s *Session) dispatch(env *protocol.Envelope) {
	s.mu.Lock()
	fns := make([]func(json.RawMessage), len(s.handlers[env.Event]))
	copy(fns, s.handlers[env.Event])
	s.mu.Unlock()
	for _, fn := range fns {
		fn(env.Data)
	}
}

func (s *Session) notifyState(st ConnState) {
	s.mu.Lock()
	fns := make([]func(ConnState), len(s.stateFns))
	copy(fns, s.stateFns)
	ch := s.stateCh
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- st:
		default:
		}
	}
	for _, fn := range fns {
		fn(st)
	}
}

func authReject(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func connectError(resp *http.Response, err error) error {
	if authReject(resp) {
		return &protocol.AuthError{Reason: "handshake rejected: " + resp.Status}
	}
	return &protocol.TransportError{Op: "dial", Err: err}
}

// backoffDelay grows exponentially from base and caps at limit, with up
// to 10% random jitter so reconnecting clients spread out.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(limit) {
		d = float64(limit)
	}
	jitterRange := d * 0.1
	d += (rand.Float64() - 0.5) * 2 * jitterRange
	if d < 0 {
		d = float64(base)
	}
	return time.Duration(d)
}
