// Package client is the session-side counterpart of the relay: it joins a
// room over the signaling WebSocket, spawns one negotiation per remote
// participant, and manages local media for the lifetime of the membership.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshconf/internal/auth"
	"github.com/meshconf/meshconf/internal/peer"
	"github.com/meshconf/meshconf/internal/registry"
	"github.com/meshconf/meshconf/internal/signaling"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateJoined
	StateLeaving
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type EventKind string

const (
	EventPeerJoined         EventKind = "peer-joined"
	EventPeerLeft           EventKind = "peer-left"
	EventPeerState          EventKind = "peer-state"
	EventChat               EventKind = "chat"
	EventScreenShareStarted EventKind = "screen-share-started"
	EventScreenShareStopped EventKind = "screen-share-stopped"
	EventRecordingStarted   EventKind = "recording-started"
	EventRecordingStopped   EventKind = "recording-stopped"
	EventServerError        EventKind = "server-error"
	EventDisconnected       EventKind = "disconnected"
)

// Event is what the session surfaces to its UI layer.
type Event struct {
	Kind EventKind
	From string

	User *registry.Participant
	Chat *signaling.ChatPayload

	Peer      string
	PeerState peer.State

	Code    string
	Message string
}

type Config struct {
	// URL is the relay's signaling endpoint, e.g. "ws://host:8080/ws".
	URL string

	// Token, when set, is presented as an in-band auth message before join.
	Token string

	UserID      string
	DisplayName string
	Email       string

	AudioEnabled bool
	VideoEnabled bool

	// Sources carry outgoing media. A source that fails to start is skipped;
	// with no usable sources the client joins receive-only.
	Sources []TrackSource

	API           *webrtc.API
	ICEServers    []webrtc.ICEServer
	AnswerTimeout time.Duration

	Logger *slog.Logger
	Dialer *websocket.Dialer
}

// Client is a single-use room membership: construct, Join, use, Leave.
type Client struct {
	cfg Config
	log *slog.Logger
	api *webrtc.API

	ws  *websocket.Conn
	wmu sync.Mutex // serializes socket writes

	events     chan Event
	joinResult chan error

	mu           sync.Mutex
	state        State
	room         string
	connID       string
	sources      []TrackSource // sources that started successfully
	negotiations map[string]*peer.Negotiation
	pending      []signaling.Message // negotiation traffic received before our room-users ack
	screen       *screenShare

	teardownOnce sync.Once
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	if cfg.API == nil {
		api, err := peer.NewAPI(cfg.Logger)
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}

	return &Client{
		cfg:          cfg,
		log:          cfg.Logger.With("user_id", cfg.UserID),
		api:          cfg.API,
		events:       make(chan Event, 64),
		joinResult:   make(chan error, 1),
		negotiations: make(map[string]*peer.Negotiation),
	}, nil
}

// Events delivers membership, chat, and peer-state notifications. The channel
// is never closed; EventDisconnected is the terminal signal.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnID is the relay-assigned connection id, known once Join returns.
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Peers lists the remote connection ids with an active negotiation.
func (c *Client) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.negotiations))
	for id := range c.negotiations {
		out = append(out, id)
	}
	return out
}

// Negotiation returns the state machine for one remote peer.
func (c *Client) Negotiation(remote string) (*peer.Negotiation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.negotiations[remote]
	return n, ok
}

// Join connects to the relay and enters room. It blocks until the relay
// acknowledges with the room snapshot, the relay rejects the join, or ctx
// expires.
func (c *Client) Join(ctx context.Context, room string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("client already used (state %s)", c.state)
	}
	c.state = StateConnecting
	c.room = room
	c.mu.Unlock()

	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial relay: %w", err)
	}
	c.ws = ws

	// Start media before offering so the first negotiation already carries
	// the tracks. A source that cannot start is dropped, not fatal.
	var started []TrackSource
	for _, src := range c.cfg.Sources {
		if err := src.Start(); err != nil {
			c.log.Warn("media source failed to start, continuing without it", "err", err)
			continue
		}
		started = append(started, src)
	}
	c.mu.Lock()
	c.sources = started
	c.mu.Unlock()

	if c.cfg.Token != "" {
		if err := c.writeMsg(signaling.Message{Type: signaling.MessageTypeAuth, Token: c.cfg.Token}); err != nil {
			c.teardown()
			return fmt.Errorf("send auth: %w", err)
		}
	}

	join := signaling.Message{
		Type: signaling.MessageTypeJoinRoom,
		Room: room,
		Join: &signaling.JoinPayload{
			User: &registry.Participant{
				Identity: auth.Identity{ID: c.cfg.UserID, Name: c.cfg.DisplayName, Email: c.cfg.Email},
			},
			AudioEnabled: c.cfg.AudioEnabled,
			VideoEnabled: c.cfg.VideoEnabled,
		},
	}
	if err := c.writeMsg(join); err != nil {
		c.teardown()
		return fmt.Errorf("send join: %w", err)
	}

	go c.readPump()

	select {
	case err := <-c.joinResult:
		if err != nil {
			c.teardown()
		}
		return err
	case <-ctx.Done():
		c.teardown()
		return ctx.Err()
	}
}

// Leave runs the full departure sequence. Every step executes even if an
// earlier one fails; the first error is reported.
func (c *Client) Leave() error {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateLeaving {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLeaving
	room := c.room
	c.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(c.stopScreenShareLocalOnly())
	record(c.stopSources())
	record(c.closeNegotiations())
	if room != "" {
		record(c.writeMsg(signaling.Message{Type: signaling.MessageTypeLeaveRoom, Room: room}))
	}
	if c.ws != nil {
		record(c.ws.Close())
	}

	c.setState(StateDisconnected)
	return firstErr
}

// SendChat broadcasts a chat line to the room.
func (c *Client) SendChat(text string) error {
	return c.writeMsg(signaling.Message{
		Type: signaling.MessageTypeChat,
		Chat: &signaling.ChatPayload{Text: text},
	})
}

// StartRecording / StopRecording broadcast recording status. Nothing is
// captured anywhere; the relay only fans the announcement out.
func (c *Client) StartRecording() error {
	return c.writeMsg(signaling.Message{Type: signaling.MessageTypeStartRecording})
}

func (c *Client) StopRecording() error {
	return c.writeMsg(signaling.Message{Type: signaling.MessageTypeStopRecording})
}

func (c *Client) readPump() {
	for {
		var msg signaling.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case c.joinResult <- fmt.Errorf("relay connection lost: %w", err):
			default:
			}
			c.teardown()
			return
		}
		c.handle(msg)
	}
}

// maxPendingSignals bounds the pre-join buffer; anything past it is dropped
// the way the relay drops for slow consumers.
const maxPendingSignals = 128

func (c *Client) handle(msg signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeOffer, signaling.MessageTypeAnswer, signaling.MessageTypeCandidate:
		// Another joiner can receive its snapshot, see us in it, and offer
		// before our own room-users ack arrives; the relay only guarantees
		// order per sender. Hold such traffic until we know our connection id
		// and replay it from handleRoomUsers.
		if c.deferUntilJoined(msg) {
			return
		}
	}

	switch msg.Type {
	case signaling.MessageTypeRoomUsers:
		c.handleRoomUsers(msg)

	case signaling.MessageTypeUserJoined:
		if msg.From == c.ConnID() {
			return
		}
		// The newcomer initiates; we only prepare to answer.
		c.spawn(msg.From, peer.RoleResponder)
		c.emit(Event{Kind: EventPeerJoined, From: msg.From, User: msg.User})

	case signaling.MessageTypeUserLeft:
		c.destroy(msg.From)
		c.emit(Event{Kind: EventPeerLeft, From: msg.From, User: msg.User})

	case signaling.MessageTypeOffer:
		n := c.spawn(msg.From, peer.RoleResponder)
		if n == nil || msg.SDP == nil {
			return
		}
		if err := n.HandleOffer(*msg.SDP); err != nil {
			c.log.Warn("handle offer failed", "from", msg.From, "err", err)
		}

	case signaling.MessageTypeAnswer:
		if n, ok := c.Negotiation(msg.From); ok && msg.SDP != nil {
			if err := n.HandleAnswer(*msg.SDP); err != nil {
				c.log.Warn("handle answer failed", "from", msg.From, "err", err)
			}
		}

	case signaling.MessageTypeCandidate:
		// Delivery order across senders is not guaranteed; a candidate may
		// beat the user-joined for its peer. Spawn on demand and let the
		// negotiation queue it.
		n := c.spawn(msg.From, peer.RoleResponder)
		if n == nil || msg.Candidate == nil {
			return
		}
		if err := n.HandleCandidate(*msg.Candidate); err != nil {
			c.log.Warn("handle candidate failed", "from", msg.From, "err", err)
		}

	case signaling.MessageTypeChat:
		c.emit(Event{Kind: EventChat, From: msg.From, Chat: msg.Chat})

	case signaling.MessageTypeScreenShareStarted:
		c.emit(Event{Kind: EventScreenShareStarted, From: msg.From, User: msg.User})
	case signaling.MessageTypeScreenShareStopped:
		c.emit(Event{Kind: EventScreenShareStopped, From: msg.From, User: msg.User})
	case signaling.MessageTypeRecordingStarted:
		c.emit(Event{Kind: EventRecordingStarted, From: msg.From, User: msg.User})
	case signaling.MessageTypeRecordingStopped:
		c.emit(Event{Kind: EventRecordingStopped, From: msg.From, User: msg.User})

	case signaling.MessageTypeError:
		select {
		case c.joinResult <- fmt.Errorf("relay refused join: %s (%s)", msg.Code, msg.Message):
		default:
		}
		c.emit(Event{Kind: EventServerError, Code: msg.Code, Message: msg.Message})

	default:
		c.log.Debug("ignoring unexpected message", "type", string(msg.Type))
	}
}

func (c *Client) handleRoomUsers(msg signaling.Message) {
	c.mu.Lock()
	c.connID = msg.To
	c.state = StateJoined
	c.mu.Unlock()

	// The snapshot defines who we initiate towards: everyone already present.
	// Everyone who joins later initiates towards us.
	for _, u := range msg.Users {
		n := c.spawn(u.ConnID, peer.RoleInitiator)
		if n == nil {
			continue
		}
		if err := n.Offer(); err != nil {
			c.log.Warn("opening offer failed", "to", u.ConnID, "err", err)
		}
	}

	c.mu.Lock()
	buffered := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, m := range buffered {
		c.handle(m)
	}

	select {
	case c.joinResult <- nil:
	default:
	}
}

// deferUntilJoined buffers msg while the join handshake is still in flight.
func (c *Client) deferUntilJoined(msg signaling.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return false
	}
	if len(c.pending) < maxPendingSignals {
		c.pending = append(c.pending, msg)
	} else {
		c.log.Warn("pre-join buffer full, dropping message", "type", string(msg.Type), "from", msg.From)
	}
	return true
}

// spawn returns the negotiation for remote, creating it if absent.
func (c *Client) spawn(remote string, role peer.Role) *peer.Negotiation {
	if remote == "" {
		return nil
	}

	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return nil
	}
	if existing, ok := c.negotiations[remote]; ok {
		c.mu.Unlock()
		return existing
	}
	local := c.connID
	sources := c.sources
	c.mu.Unlock()

	n, err := peer.New(peer.Config{
		LocalConnID:   local,
		RemoteConnID:  remote,
		Role:          role,
		API:           c.api,
		ICEServers:    c.cfg.ICEServers,
		AnswerTimeout: c.cfg.AnswerTimeout,
		Logger:        c.log,
		Signal:        c.writeMsg,
		OnStateChange: func(s peer.State) {
			c.emit(Event{Kind: EventPeerState, Peer: remote, PeerState: s})
		},
	})
	if err != nil {
		c.log.Error("spawn negotiation failed", "remote", remote, "err", err)
		return nil
	}

	if len(sources) > 0 {
		for _, src := range sources {
			if _, err := n.AddTrack(src.Track()); err != nil {
				c.log.Warn("attach track failed", "remote", remote, "err", err)
			}
		}
	} else {
		// Receive-only membership still needs media sections to negotiate.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := n.PeerConnection().AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				c.log.Warn("add recvonly transceiver failed", "remote", remote, "err", err)
			}
		}
	}

	c.mu.Lock()
	if existing, ok := c.negotiations[remote]; ok {
		// Lost a race with another spawn for the same peer.
		c.mu.Unlock()
		_ = n.Close()
		return existing
	}
	c.negotiations[remote] = n
	c.mu.Unlock()
	return n
}

// destroy tears down exactly the negotiation for remote, if present.
func (c *Client) destroy(remote string) {
	c.mu.Lock()
	n, ok := c.negotiations[remote]
	delete(c.negotiations, remote)
	c.mu.Unlock()
	if ok {
		_ = n.Close()
	}
}

func (c *Client) closeNegotiations() error {
	c.mu.Lock()
	negs := c.negotiations
	c.negotiations = make(map[string]*peer.Negotiation)
	c.mu.Unlock()

	var firstErr error
	for _, n := range negs {
		if err := n.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) stopSources() error {
	c.mu.Lock()
	sources := c.sources
	c.sources = nil
	c.mu.Unlock()

	var firstErr error
	for _, src := range sources {
		if err := src.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// teardown handles an unexpected loss of the relay connection: everything
// local dies with it.
func (c *Client) teardown() {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		wasJoined := c.state == StateJoined
		c.state = StateDisconnected
		c.mu.Unlock()

		_ = c.stopScreenShareLocalOnly()
		_ = c.stopSources()
		_ = c.closeNegotiations()
		if c.ws != nil {
			_ = c.ws.Close()
		}
		if wasJoined {
			c.emit(Event{Kind: EventDisconnected})
		}
	})
}

func (c *Client) writeMsg(msg signaling.Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.ws == nil {
		return errors.New("not connected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(msg)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event channel full, dropping event", "kind", string(ev.Kind))
	}
}
