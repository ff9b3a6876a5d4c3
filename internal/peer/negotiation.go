// Package peer drives the offer/answer lifecycle of a single remote
// participant. One Negotiation owns one webrtc.PeerConnection; the client
// holds a Negotiation per remote connection and feeds it the directed
// signaling messages the relay delivers.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshconf/internal/signaling"
)

// Role says which side opens the negotiation. The joiner is the initiator
// towards everyone already in the room; existing participants respond. This
// keeps exactly one opening offer per pair regardless of timing.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

type State int

const (
	StateIdle State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateRenegotiating
	// StateUnreachable is a soft failure: the pair could not connect (or lost
	// the connection and a restart failed), but the rest of the session keeps
	// running. A late answer can still recover it.
	StateUnreachable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateRenegotiating:
		return "renegotiating"
	case StateUnreachable:
		return "unreachable"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const DefaultAnswerTimeout = 30 * time.Second

var ErrClosed = errors.New("negotiation closed")

type Config struct {
	LocalConnID  string
	RemoteConnID string
	Role         Role

	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	// Signal delivers an outbound directed message for the remote peer,
	// normally by writing it to the relay WebSocket.
	Signal func(signaling.Message) error

	Logger *slog.Logger

	// AnswerTimeout bounds how long an outstanding offer waits before the
	// remote is marked unreachable. Zero means DefaultAnswerTimeout.
	AnswerTimeout time.Duration

	// OnStateChange and OnTrack are invoked with internal locks held and must
	// not call back into the Negotiation.
	OnStateChange func(State)
	OnTrack       func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Negotiation is the per-remote-peer state machine.
//
// Glare is resolved by a fixed polite-peer rule: the side with the
// lexicographically smaller connection id is polite. When both sides have an
// offer in flight, the polite peer rolls its own offer back and answers the
// incoming one; the impolite peer ignores the incoming offer and keeps
// waiting for its answer. Both sides agree on who is polite without any
// extra round trip.
type Negotiation struct {
	cfg    Config
	log    *slog.Logger
	pc     *webrtc.PeerConnection
	polite bool

	mu             sync.Mutex
	state          State
	remoteSet      bool
	localCommitted bool
	pendingRemote  []webrtc.ICECandidateInit
	queuedLocal    []webrtc.ICECandidateInit
	restarted      bool
	answerTimer    *time.Timer

	closeOnce sync.Once
	closed    bool
}

func New(cfg Config) (*Negotiation, error) {
	if cfg.LocalConnID == "" || cfg.RemoteConnID == "" {
		return nil, errors.New("peer: both connection ids are required")
	}
	if cfg.Signal == nil {
		return nil, errors.New("peer: Signal is required")
	}
	if cfg.API == nil {
		cfg.API = webrtc.NewAPI()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = DefaultAnswerTimeout
	}

	n := &Negotiation{
		cfg:    cfg,
		log:    cfg.Logger.With("remote", cfg.RemoteConnID, "role", cfg.Role.String()),
		polite: cfg.LocalConnID < cfg.RemoteConnID,
		state:  StateIdle,
	}

	pc, err := cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	n.pc = pc

	pc.OnICECandidate(n.onLocalCandidate)
	pc.OnConnectionStateChange(n.onConnectionStateChange)
	if cfg.OnTrack != nil {
		pc.OnTrack(cfg.OnTrack)
	}

	return n, nil
}

func (n *Negotiation) RemoteConnID() string { return n.cfg.RemoteConnID }
func (n *Negotiation) Role() Role           { return n.cfg.Role }

// PeerConnection exposes the underlying pion connection for adding tracks,
// transceivers, or data channels before the opening offer.
func (n *Negotiation) PeerConnection() *webrtc.PeerConnection { return n.pc }

// AddTrack attaches an outgoing track. The caller is responsible for
// (re)negotiating afterwards if the connection is already established.
func (n *Negotiation) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return n.pc.AddTrack(track)
}

// Senders returns the connection's RTP senders, for track substitution.
func (n *Negotiation) Senders() []*webrtc.RTPSender {
	return n.pc.GetSenders()
}

func (n *Negotiation) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Offer creates and sends the opening (or renegotiation) offer.
func (n *Negotiation) Offer() error {
	return n.offer(false)
}

func (n *Negotiation) offer(iceRestart bool) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	if n.state == StateHaveLocalOffer || n.state == StateRenegotiating {
		// An offer is already in flight; the answer (or the glare rule)
		// settles it.
		n.mu.Unlock()
		return nil
	}

	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := n.pc.CreateOffer(opts)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("set local offer: %w", err)
	}
	n.localCommitted = true
	flush := n.queuedLocal
	n.queuedLocal = nil

	if n.state == StateStable || n.state == StateUnreachable {
		n.setStateLocked(StateRenegotiating)
	} else {
		n.setStateLocked(StateHaveLocalOffer)
	}
	n.resetAnswerTimerLocked()
	n.mu.Unlock()

	if err := n.cfg.Signal(signaling.Message{
		Type: signaling.MessageTypeOffer,
		To:   n.cfg.RemoteConnID,
		SDP:  &signaling.SDP{Type: "offer", SDP: offer.SDP},
	}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	n.sendCandidates(flush)
	return nil
}

// HandleOffer applies a remote offer and replies with an answer.
func (n *Negotiation) HandleOffer(sdp signaling.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}

	if n.state == StateHaveLocalOffer || n.state == StateRenegotiating {
		if !n.polite {
			// Glare, and we are impolite: drop the incoming offer. The remote
			// is polite, rolls back, and answers ours.
			n.log.Debug("ignoring remote offer during glare")
			n.mu.Unlock()
			return nil
		}
		// Glare, and we are polite: abandon our own offer and answer theirs.
		if err := n.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			n.mu.Unlock()
			return fmt.Errorf("rollback local offer: %w", err)
		}
		n.log.Debug("rolled back local offer during glare")
		n.stopAnswerTimerLocked()
		n.localCommitted = false
		n.queuedLocal = nil
	}

	n.setStateLocked(StateHaveRemoteOffer)
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("set remote offer: %w", err)
	}
	n.remoteSet = true
	n.applyPendingRemoteLocked()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("set local answer: %w", err)
	}
	n.localCommitted = true
	flush := n.queuedLocal
	n.queuedLocal = nil
	n.setStateLocked(StateStable)
	n.mu.Unlock()

	if err := n.cfg.Signal(signaling.Message{
		Type: signaling.MessageTypeAnswer,
		To:   n.cfg.RemoteConnID,
		SDP:  &signaling.SDP{Type: "answer", SDP: answer.SDP},
	}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	n.sendCandidates(flush)
	return nil
}

// HandleAnswer completes an outstanding offer.
func (n *Negotiation) HandleAnswer(sdp signaling.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	switch n.state {
	case StateHaveLocalOffer, StateRenegotiating, StateUnreachable:
	default:
		// Stray answer, e.g. for an offer the glare rule rolled back.
		n.log.Debug("ignoring answer in state", "state", n.state.String())
		return nil
	}

	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.remoteSet = true
	n.applyPendingRemoteLocked()
	n.stopAnswerTimerLocked()
	n.setStateLocked(StateStable)
	return nil
}

// HandleCandidate applies a trickled remote candidate. Candidates arriving
// before the remote description are queued and applied in arrival order once
// it commits.
func (n *Negotiation) HandleCandidate(c signaling.Candidate) error {
	init := c.ToPion()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	if !n.remoteSet {
		n.pendingRemote = append(n.pendingRemote, init)
		return nil
	}
	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Close tears the negotiation down locally. No signaling is sent; the remote
// learns about the departure from the relay's user-left.
func (n *Negotiation) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.stopAnswerTimerLocked()
		n.setStateLocked(StateClosed)
		n.mu.Unlock()
		err = n.pc.Close()
	})
	return err
}

func (n *Negotiation) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if !n.localCommitted {
		// A candidate must never reach the remote before the description it
		// belongs to.
		n.queuedLocal = append(n.queuedLocal, init)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.sendCandidates([]webrtc.ICECandidateInit{init})
}

func (n *Negotiation) sendCandidates(candidates []webrtc.ICECandidateInit) {
	for _, init := range candidates {
		wire := signaling.CandidateFromPion(init)
		if err := n.cfg.Signal(signaling.Message{
			Type:      signaling.MessageTypeCandidate,
			To:        n.cfg.RemoteConnID,
			Candidate: &wire,
		}); err != nil {
			n.log.Warn("send ice candidate failed", "err", err)
		}
	}
}

func (n *Negotiation) applyPendingRemoteLocked() {
	pending := n.pendingRemote
	n.pendingRemote = nil
	for _, init := range pending {
		if err := n.pc.AddICECandidate(init); err != nil {
			n.log.Warn("apply queued ice candidate failed", "err", err)
		}
	}
}

func (n *Negotiation) onConnectionStateChange(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		n.mu.Lock()
		if !n.closed && n.state == StateUnreachable {
			n.setStateLocked(StateStable)
		}
		n.mu.Unlock()
		n.log.Info("peer connected")
	case webrtc.PeerConnectionStateFailed:
		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			return
		}
		if n.restarted {
			n.markUnreachableLocked("ice restart failed")
			n.mu.Unlock()
			return
		}
		n.restarted = true
		n.mu.Unlock()

		n.log.Warn("connection failed, attempting ice restart")
		go func() {
			if err := n.offer(true); err != nil && !errors.Is(err, ErrClosed) {
				n.log.Warn("ice restart offer failed", "err", err)
				n.mu.Lock()
				n.markUnreachableLocked("ice restart offer failed")
				n.mu.Unlock()
			}
		}()
	}
}

func (n *Negotiation) onAnswerTimeout() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if n.state == StateHaveLocalOffer || n.state == StateRenegotiating {
		n.markUnreachableLocked("no answer before timeout")
	}
}

func (n *Negotiation) markUnreachableLocked(reason string) {
	if n.state == StateUnreachable || n.state == StateClosed {
		return
	}
	n.log.Warn("peer unreachable", "reason", reason)
	n.setStateLocked(StateUnreachable)
}

func (n *Negotiation) resetAnswerTimerLocked() {
	n.stopAnswerTimerLocked()
	n.answerTimer = time.AfterFunc(n.cfg.AnswerTimeout, n.onAnswerTimeout)
}

func (n *Negotiation) stopAnswerTimerLocked() {
	if n.answerTimer != nil {
		n.answerTimer.Stop()
		n.answerTimer = nil
	}
}

func (n *Negotiation) setStateLocked(s State) {
	if n.state == s {
		return
	}
	n.state = s
	if n.cfg.OnStateChange != nil {
		n.cfg.OnStateChange(s)
	}
}
