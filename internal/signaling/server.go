package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshconf/meshconf/internal/auth"
	"github.com/meshconf/meshconf/internal/config"
	"github.com/meshconf/meshconf/internal/metrics"
	"github.com/meshconf/meshconf/internal/ratelimit"
	"github.com/meshconf/meshconf/internal/registry"
)

const wsWriteWait = 1 * time.Second

// sendQueueDepth bounds the per-connection outbound queue. A full queue marks
// the consumer slow; messages for it are dropped rather than stalling senders.
const sendQueueDepth = 64

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Registry *registry.Registry
	Verifier auth.Verifier
	AuthMode config.AuthMode
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// MaxParticipantsPerRoom caps room admission; <= 0 means unlimited.
	MaxParticipantsPerRoom int

	// AuthTimeout bounds how long an unauthenticated connection may sit idle
	// before the first auth message.
	AuthTimeout time.Duration

	// IdleTimeout / PingInterval drive WebSocket keepalive.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// AllowedOrigins is the browser origin allowlist for the WebSocket
	// upgrade. Empty means same-host only.
	AllowedOrigins []string
}

// Server implements the relay's WebSocket signaling surface at GET /ws.
type Server struct {
	cfg   Config
	log   *slog.Logger
	relay *Relay

	upgrader websocket.Upgrader

	mu      sync.Mutex
	open    map[*conn]struct{}
	stopped bool
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = config.DefaultSignalingAuthTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.DefaultSignalingWSPingInterval
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}

	return &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		relay: NewRelay(cfg.Logger, cfg.Registry, cfg.Metrics, cfg.MaxParticipantsPerRoom),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r, cfg.AllowedOrigins)
			},
		},
		open: make(map[*conn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleSignal)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close tears down every open connection. New upgrades are refused afterward.
func (s *Server) Close() {
	s.mu.Lock()
	s.stopped = true
	conns := make([]*conn, 0, len(s.open))
	for c := range s.open {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{
		id:  uuid.NewString(),
		srv: s,
		ws:  ws,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxMessagesPerSecond),
			int64(s.cfg.MaxMessagesPerSecond),
		),
		send: make(chan Message, sendQueueDepth),
		done: make(chan struct{}),
	}

	authenticated := s.cfg.AuthMode == config.AuthModeNone
	if cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query()); err == nil && cred != "" {
		id, err := s.cfg.Verifier.Verify(cred)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.AuthFailure)
			c.closeWith(websocket.ClosePolicyViolation, "invalid credentials")
			_ = ws.Close()
			return
		}
		c.identity = id
		authenticated = true
	}

	s.track(c)
	s.relay.register(c)

	go c.writeLoop()
	go c.readLoop(authenticated)
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.open[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.open, c)
	s.mu.Unlock()
}

// conn is one connection actor. The read loop is the only goroutine mutating
// membership state; the write loop is the only goroutine touching the socket
// for writes, which gives FIFO delivery per recipient.
type conn struct {
	id  string
	srv *Server
	ws  *websocket.Conn

	identity auth.Identity
	limiter  *ratelimit.TokenBucket

	send chan Message
	done chan struct{}

	// wmu serializes all data-frame writes; gorilla allows one writer at a
	// time and fail() must put its error on the wire before the close frame.
	wmu sync.Mutex

	mu   sync.Mutex
	room string

	teardownOnce sync.Once
}

// enqueue hands a message to the connection's write loop without blocking.
func (c *conn) enqueue(msg Message) bool {
	select {
	case <-c.done:
		return true // already closing; drop silently
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.writeJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.wmu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.wmu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) readLoop(authenticated bool) {
	defer c.shutdown()

	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	if authenticated {
		c.resetIdleDeadline()
	} else {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.AuthTimeout))
	}
	c.ws.SetPongHandler(func(string) error {
		c.resetIdleDeadline()
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !authenticated && isTimeout(err) {
				c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		// Rate-limit after reading so bytes already buffered by the OS are
		// consumed; closing with unread data risks an abortive close that
		// hides the close code from the client.
		if !c.limiter.Allow(1) {
			c.srv.cfg.Metrics.Inc(metrics.DropReasonRateLimited)
			c.fail("rate_limited", "rate limit exceeded", websocket.ClosePolicyViolation)
			return
		}
		if msgType != websocket.TextMessage {
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData)
			return
		}
		c.resetIdleDeadline()

		msg, err := ParseMessage(data)
		if err != nil {
			c.srv.cfg.Metrics.Inc(metrics.DropReasonMalformedMessage)
			c.fail("bad_message", err.Error(), websocket.ClosePolicyViolation)
			return
		}

		if !authenticated {
			if msg.Type != MessageTypeAuth {
				c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				c.fail("unauthorized", "authentication required", websocket.ClosePolicyViolation)
				return
			}
			id, err := c.srv.cfg.Verifier.Verify(msg.Token)
			if err != nil {
				c.srv.cfg.Metrics.Inc(metrics.AuthFailure)
				c.fail("unauthorized", "invalid credentials", websocket.ClosePolicyViolation)
				return
			}
			c.identity = id
			authenticated = true
			c.resetIdleDeadline()
			continue
		}

		if msg.Type == MessageTypeAuth {
			// Tolerated: clients may re-send auth after a query-string login.
			continue
		}

		handler, ok := dispatch[msg.Type]
		if !ok {
			c.srv.cfg.Metrics.Inc(metrics.DropReasonMalformedMessage)
			c.fail("bad_message", "unexpected message type", websocket.ClosePolicyViolation)
			return
		}
		if err := handler(c, msg); err != nil {
			var protoErr *protocolError
			if errors.As(err, &protoErr) {
				c.fail(protoErr.Code, protoErr.Message, websocket.ClosePolicyViolation)
				return
			}
			c.fail("internal_error", err.Error(), websocket.CloseInternalServerErr)
			return
		}
	}
}

// dispatch maps every accepted post-auth message kind to its handler. A kind
// missing here is a protocol violation, checked in one place.
var dispatch = map[MessageType]func(*conn, Message) error{
	MessageTypeJoinRoom:         (*conn).handleJoin,
	MessageTypeLeaveRoom:        (*conn).handleLeave,
	MessageTypeOffer:            (*conn).handleDirected,
	MessageTypeAnswer:           (*conn).handleDirected,
	MessageTypeCandidate:        (*conn).handleDirected,
	MessageTypeChat:             (*conn).handleChat,
	MessageTypeStartScreenShare: (*conn).handleToggle,
	MessageTypeStopScreenShare:  (*conn).handleToggle,
	MessageTypeStartRecording:   (*conn).handleToggle,
	MessageTypeStopRecording:    (*conn).handleToggle,
}

type protocolError struct {
	Code    string
	Message string
}

func (e *protocolError) Error() string { return e.Code + ": " + e.Message }

func (c *conn) handleJoin(msg Message) error {
	c.mu.Lock()
	if c.room != "" {
		c.mu.Unlock()
		return &protocolError{Code: "already_joined", Message: "connection is already in a room"}
	}
	c.mu.Unlock()

	p := registry.Participant{
		ConnID:       c.id,
		Identity:     c.identity,
		AudioEnabled: msg.Join.AudioEnabled,
		VideoEnabled: msg.Join.VideoEnabled,
	}
	if c.identity == (auth.Identity{}) && msg.Join.User != nil {
		// AUTH_MODE=none: trust the join payload's user info.
		p.Identity = msg.Join.User.Identity
	}

	others, ok := c.srv.relay.join(c, msg.Room, p)
	if !ok {
		// Not fatal: the client may retry another room on the same socket.
		c.enqueue(Message{Type: MessageTypeError, Room: msg.Room, Code: "room_full", Message: "room is full"})
		return nil
	}

	c.mu.Lock()
	c.room = msg.Room
	c.identity = p.Identity
	c.mu.Unlock()

	c.srv.log.Info("participant joined", "room", msg.Room, "conn_id", c.id, "user_id", p.Identity.ID)
	c.enqueue(Message{
		Type:  MessageTypeRoomUsers,
		Room:  msg.Room,
		To:    c.id,
		Users: others,
	})
	return nil
}

func (c *conn) handleLeave(Message) error {
	c.leaveRoom()
	return nil
}

func (c *conn) handleDirected(msg Message) error {
	room := c.joinedRoom()
	if room == "" {
		return &protocolError{Code: "not_joined", Message: "join a room before signaling"}
	}
	// The sender id always comes from the authenticated connection; clients
	// cannot impersonate each other by stuffing the envelope.
	msg.Room = room
	msg.From = c.id
	c.srv.relay.unicast(room, msg)
	return nil
}

func (c *conn) handleChat(msg Message) error {
	room := c.joinedRoom()
	if room == "" {
		return &protocolError{Code: "not_joined", Message: "join a room before chatting"}
	}
	c.srv.relay.chat(c, room, msg.Chat)
	return nil
}

func (c *conn) handleToggle(msg Message) error {
	room := c.joinedRoom()
	if room == "" {
		return &protocolError{Code: "not_joined", Message: "join a room first"}
	}
	switch msg.Type {
	case MessageTypeStartScreenShare:
		c.srv.relay.setFlagAndAnnounce(c, room, registry.FlagScreenShare, true, MessageTypeScreenShareStarted)
	case MessageTypeStopScreenShare:
		c.srv.relay.setFlagAndAnnounce(c, room, registry.FlagScreenShare, false, MessageTypeScreenShareStopped)
	case MessageTypeStartRecording:
		c.announceRecording(room, MessageTypeRecordingStarted)
	case MessageTypeStopRecording:
		c.announceRecording(room, MessageTypeRecordingStopped)
	}
	return nil
}

// announceRecording is a status broadcast only; the relay records nothing.
func (c *conn) announceRecording(room string, kind MessageType) {
	p, ok := c.srv.cfg.Registry.Get(room, c.id)
	if !ok {
		return
	}
	c.srv.relay.broadcast(room, c.id, Message{
		Type: kind,
		Room: room,
		From: c.id,
		User: &p,
	})
}

func (c *conn) joinedRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// leaveRoom synthesizes the departure exactly once per join, whether it came
// from an explicit leave-room or from the socket closing.
func (c *conn) leaveRoom() {
	c.mu.Lock()
	room := c.room
	c.room = ""
	c.mu.Unlock()
	if room != "" {
		c.srv.relay.leave(c, room)
	}
}

// shutdown is the single teardown path for a connection.
func (c *conn) shutdown() {
	c.teardownOnce.Do(func() {
		c.leaveRoom()
		c.srv.relay.unregister(c)
		c.srv.untrack(c)
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) resetIdleDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
}

func (c *conn) writeJSON(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteJSON(msg)
}

// fail reports a fatal protocol error and closes. The error frame is written
// synchronously so it always precedes the close frame.
func (c *conn) fail(code, message string, closeCode int) {
	_ = c.writeJSON(Message{Type: MessageTypeError, Code: code, Message: message})
	c.closeWith(closeCode, code)
}

func (c *conn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
