package signaling

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meshconf/meshconf/internal/metrics"
	"github.com/meshconf/meshconf/internal/registry"
)

// Relay routes signaling messages between connections and keeps the room
// registry in sync with connection lifecycle. Routing is fire-and-forget: a
// message is handed to the recipient's send queue and the sender's loop moves
// on immediately.
type Relay struct {
	log     *slog.Logger
	reg     *registry.Registry
	metrics *metrics.Metrics

	// maxRoomSize caps participants per room. Mesh topology is O(N^2)
	// transports per client, so admission control beats degradation.
	maxRoomSize int

	mu    sync.Mutex
	conns map[string]*conn
}

func NewRelay(logger *slog.Logger, reg *registry.Registry, m *metrics.Metrics, maxRoomSize int) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		log:         logger,
		reg:         reg,
		metrics:     m,
		maxRoomSize: maxRoomSize,
		conns:       make(map[string]*conn),
	}
}

func (rl *Relay) register(c *conn) {
	rl.mu.Lock()
	rl.conns[c.id] = c
	rl.mu.Unlock()
}

func (rl *Relay) unregister(c *conn) {
	rl.mu.Lock()
	if rl.conns[c.id] == c {
		delete(rl.conns, c.id)
	}
	rl.mu.Unlock()
}

func (rl *Relay) lookup(connID string) (*conn, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.conns[connID]
	return c, ok
}

// join admits c into the room and returns the snapshot of participants that
// were already present. The snapshot and the user-joined broadcast both come
// from the same registry operation, so a concurrent joiner appears in exactly
// one of the two.
func (rl *Relay) join(c *conn, roomID string, p registry.Participant) ([]registry.Participant, bool) {
	// Capacity is enforced by the registry under the room lock so racing
	// joiners cannot overshoot the cap between a check and an add.
	others, created, ok := rl.reg.Join(roomID, p, rl.maxRoomSize)
	if !ok {
		rl.metrics.Inc(metrics.DropReasonRoomFull)
		return nil, false
	}
	if created {
		rl.metrics.Inc(metrics.RoomCreated)
	}
	rl.metrics.Inc(metrics.ParticipantIn)

	rl.broadcast(roomID, c.id, Message{
		Type: MessageTypeUserJoined,
		Room: roomID,
		From: c.id,
		User: &p,
	})
	return others, true
}

// leave removes the connection from its room and tells everyone else. Safe to
// call for connections that never joined. The caller guarantees exactly-once
// via the connection's teardown Once.
func (rl *Relay) leave(c *conn, roomID string) {
	if roomID == "" {
		return
	}
	p, _ := rl.reg.Get(roomID, c.id)
	if !rl.reg.Leave(roomID, c.id) {
		return
	}
	rl.metrics.Inc(metrics.ParticipantOut)
	if rl.reg.Participants(roomID) == 0 {
		rl.metrics.Inc(metrics.RoomDestroyed)
	}

	p.ConnID = c.id
	rl.broadcast(roomID, c.id, Message{
		Type: MessageTypeUserLeft,
		Room: roomID,
		From: c.id,
		User: &p,
	})
	rl.log.Debug("participant left", "room", roomID, "conn_id", c.id)
}

// unicast delivers a directed message to the target connection, provided the
// target is currently a member of the sender's room. An unknown or departed
// target is an expected race: the message is dropped and counted, never
// surfaced to the sender as fatal and never delivered anywhere else.
func (rl *Relay) unicast(roomID string, msg Message) {
	if _, inRoom := rl.reg.Get(roomID, msg.To); !inRoom {
		rl.metrics.Inc(metrics.DropReasonUnroutableTarget)
		rl.log.Debug("dropping unroutable directed message", "type", msg.Type, "room", roomID, "to", msg.To)
		return
	}
	target, ok := rl.lookup(msg.To)
	if !ok {
		rl.metrics.Inc(metrics.DropReasonUnroutableTarget)
		return
	}
	rl.deliver(target, msg)
}

// broadcast fans a message out to every room member except exclude.
func (rl *Relay) broadcast(roomID, exclude string, msg Message) {
	for _, p := range rl.reg.ListOthers(roomID, exclude) {
		target, ok := rl.lookup(p.ConnID)
		if !ok {
			continue
		}
		rl.deliver(target, msg)
	}
}

func (rl *Relay) deliver(target *conn, msg Message) {
	if !target.enqueue(msg) {
		// A consumer that cannot drain its queue would otherwise stall every
		// sender in the room. Drop the message and count it.
		rl.metrics.Inc(metrics.DropReasonSlowConsumer)
		rl.log.Warn("dropping message for slow consumer", "conn_id", target.id, "type", msg.Type)
	}
}

// chat stamps and fans out a chat line. The relay keeps no history.
func (rl *Relay) chat(c *conn, roomID string, body *ChatPayload) {
	rl.broadcast(roomID, c.id, Message{
		Type: MessageTypeChat,
		Room: roomID,
		From: c.id,
		Chat: &ChatPayload{
			Text:      body.Text,
			User:      c.identity,
			Timestamp: time.Now().UTC(),
		},
	})
}

// setFlagAndAnnounce updates the participant flag and rebroadcasts the
// corresponding room event.
func (rl *Relay) setFlagAndAnnounce(c *conn, roomID string, flag registry.Flag, value bool, announce MessageType) {
	rl.reg.SetFlag(roomID, c.id, flag, value)
	p, ok := rl.reg.Get(roomID, c.id)
	if !ok {
		// Already disconnected; harmless race.
		return
	}
	rl.broadcast(roomID, c.id, Message{
		Type: announce,
		Room: roomID,
		From: c.id,
		User: &p,
	})
}
