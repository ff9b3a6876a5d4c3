// Package signaling implements the relay side of session coordination: the
// WebSocket surface clients connect to, the wire protocol, and the routing of
// negotiation and room-event messages between participants.
//
// The relay never carries media. Directed messages (webrtc-offer,
// webrtc-answer, webrtc-ice-candidate) go to exactly one connection in the
// sender's room; everything else is broadcast to the rest of the room.
package signaling
