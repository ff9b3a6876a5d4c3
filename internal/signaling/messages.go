package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshconf/internal/auth"
	"github.com/meshconf/meshconf/internal/registry"
)

// MessageType discriminates the signaling envelope. The set is closed: the
// relay drops anything it does not recognize rather than forwarding unknown
// shapes.
type MessageType string

const (
	MessageTypeAuth MessageType = "auth"

	// Membership.
	MessageTypeJoinRoom   MessageType = "join-room"
	MessageTypeRoomUsers  MessageType = "room-users"
	MessageTypeUserJoined MessageType = "user-joined"
	MessageTypeLeaveRoom  MessageType = "leave-room"
	MessageTypeUserLeft   MessageType = "user-left"

	// Directed negotiation traffic, relayed to exactly one connection.
	MessageTypeOffer     MessageType = "webrtc-offer"
	MessageTypeAnswer    MessageType = "webrtc-answer"
	MessageTypeCandidate MessageType = "webrtc-ice-candidate"

	// Room-wide broadcasts.
	MessageTypeChat               MessageType = "chat-message"
	MessageTypeStartScreenShare   MessageType = "start-screen-share"
	MessageTypeStopScreenShare    MessageType = "stop-screen-share"
	MessageTypeScreenShareStarted MessageType = "user-started-screen-share"
	MessageTypeScreenShareStopped MessageType = "user-stopped-screen-share"
	MessageTypeStartRecording     MessageType = "start-recording"
	MessageTypeStopRecording      MessageType = "stop-recording"
	MessageTypeRecordingStarted   MessageType = "recording-started"
	MessageTypeRecordingStopped   MessageType = "recording-stopped"

	MessageTypeError MessageType = "error"
)

// IsDirected reports whether t must carry a target connection id.
func (t MessageType) IsDirected() bool {
	switch t {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
		return true
	default:
		return false
	}
}

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// JoinPayload carries the joiner's initial media flags. User is only honored
// when the relay runs with AUTH_MODE=none; otherwise identity comes from the
// verified credential.
type JoinPayload struct {
	User         *registry.Participant `json:"user,omitempty"`
	AudioEnabled bool                  `json:"audioEnabled"`
	VideoEnabled bool                  `json:"videoEnabled"`
}

// ChatPayload is a room-wide chat line. Timestamp is relay-assigned on
// broadcast; values sent by clients are ignored. Chat is ephemeral by design:
// the relay never persists it.
type ChatPayload struct {
	Text      string        `json:"text"`
	User      auth.Identity `json:"user"`
	Timestamp time.Time     `json:"timestamp"`
}

// Message is the signaling envelope. From is always the relay's idea of the
// sending connection, never client-reported.
type Message struct {
	Type MessageType `json:"type"`
	Room string      `json:"room,omitempty"`
	From string      `json:"from,omitempty"`
	To   string      `json:"to,omitempty"`

	Token     string                `json:"token,omitempty"`
	Join      *JoinPayload          `json:"join,omitempty"`
	User      *registry.Participant `json:"user,omitempty"`
	Users     []registry.Participant `json:"users,omitempty"`
	SDP       *SDP                  `json:"sdp,omitempty"`
	Candidate *Candidate            `json:"candidate,omitempty"`
	Chat      *ChatPayload          `json:"chat,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseMessage strictly decodes a client message: unknown fields and trailing
// data are rejected, and the payload must match the declared type.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	if err := msg.ValidateInbound(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ValidateInbound checks a client-to-relay message. Server-to-client types
// (room-users, user-joined, ...) are not accepted from clients.
func (m Message) ValidateInbound() error {
	switch m.Type {
	case MessageTypeAuth:
		if m.Token == "" {
			return fmt.Errorf("auth message missing token")
		}
	case MessageTypeJoinRoom:
		if m.Room == "" {
			return fmt.Errorf("join-room message missing room")
		}
		if m.Join == nil {
			return fmt.Errorf("join-room message missing join payload")
		}
	case MessageTypeLeaveRoom:
		if m.Room == "" {
			return fmt.Errorf("leave-room message missing room")
		}
	case MessageTypeOffer:
		if m.SDP == nil || m.SDP.Type != "offer" {
			return fmt.Errorf("webrtc-offer message needs sdp.type=offer")
		}
		if m.To == "" {
			return fmt.Errorf("webrtc-offer message missing target")
		}
	case MessageTypeAnswer:
		if m.SDP == nil || m.SDP.Type != "answer" {
			return fmt.Errorf("webrtc-answer message needs sdp.type=answer")
		}
		if m.To == "" {
			return fmt.Errorf("webrtc-answer message missing target")
		}
	case MessageTypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("webrtc-ice-candidate message missing candidate")
		}
		if m.To == "" {
			return fmt.Errorf("webrtc-ice-candidate message missing target")
		}
	case MessageTypeChat:
		if m.Chat == nil || m.Chat.Text == "" {
			return fmt.Errorf("chat-message missing text")
		}
	case MessageTypeStartScreenShare, MessageTypeStopScreenShare,
		MessageTypeStartRecording, MessageTypeStopRecording:
		// Envelope-only toggles.
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
