// Package registry tracks which participants are connected to which room.
//
// State is purely in-memory: a room exists exactly as long as it has at least
// one participant, and nothing survives a relay restart. Rooms are created
// implicitly on first join and destroyed implicitly when the last participant
// leaves.
package registry

import (
	"sync"

	"github.com/meshconf/meshconf/internal/auth"
)

// Flag selects one of a participant's boolean media flags.
type Flag int

const (
	FlagAudio Flag = iota
	FlagVideo
	FlagScreenShare
)

// Participant is one live connection inside one room.
type Participant struct {
	// ConnID is the relay-assigned connection identifier, unique per
	// connection across the whole registry.
	ConnID string `json:"connectionId"`

	Identity auth.Identity `json:"user"`

	AudioEnabled  bool `json:"audioEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}

type room struct {
	mu           sync.Mutex
	participants map[string]*Participant

	// closed marks a room whose map entry has been deleted. A joiner holding
	// a stale *room must discard it and fetch a fresh one, otherwise it would
	// populate a room the registry can no longer see.
	closed bool
}

// Registry maps room ids to their connected participants.
//
// The zero value is not usable; construct with New. The registry-level mutex
// only guards the room map itself; each room serializes its own membership
// mutations so unrelated rooms never contend.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func New() *Registry {
	return &Registry{
		rooms: make(map[string]*room),
	}
}

// Join adds p to roomID, creating the room if needed, and returns a snapshot
// of the other participants already present. maxSize > 0 caps the room; a
// full room rejects the join with ok=false. created reports whether this join
// brought the room to life. The capacity check, the add, and the snapshot all
// happen under the room's lock, so concurrent joiners can neither overshoot
// the cap nor miss each other's snapshots.
func (r *Registry) Join(roomID string, p Participant, maxSize int) (others []Participant, created, ok bool) {
	for {
		rm := r.getOrCreate(roomID)

		rm.mu.Lock()
		if rm.closed {
			// Lost a race with the last participant leaving; this handle is
			// already unlinked from the room map.
			rm.mu.Unlock()
			continue
		}
		if maxSize > 0 && len(rm.participants) >= maxSize {
			rm.mu.Unlock()
			return nil, false, false
		}
		created = len(rm.participants) == 0
		others = make([]Participant, 0, len(rm.participants))
		for _, existing := range rm.participants {
			others = append(others, *existing)
		}
		cp := p
		rm.participants[p.ConnID] = &cp
		rm.mu.Unlock()
		return others, created, true
	}
}

// Leave removes the connection from roomID and reports whether it was
// present. Leaving twice is a no-op the second time. The room is deleted when
// its last participant leaves.
func (r *Registry) Leave(roomID, connID string) bool {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	rm.mu.Lock()
	_, present := rm.participants[connID]
	delete(rm.participants, connID)
	empty := len(rm.participants) == 0
	rm.mu.Unlock()

	if empty {
		r.mu.Lock()
		// Re-check under the registry lock: a concurrent Join may have
		// repopulated the room through the same *room pointer.
		rm.mu.Lock()
		if len(rm.participants) == 0 && r.rooms[roomID] == rm {
			rm.closed = true
			delete(r.rooms, roomID)
		}
		rm.mu.Unlock()
		r.mu.Unlock()
	}
	return present
}

// ListOthers returns every participant in roomID except excludeConnID.
func (r *Registry) ListOthers(roomID, excludeConnID string) []Participant {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Participant, 0, len(rm.participants))
	for id, p := range rm.participants {
		if id != excludeConnID {
			out = append(out, *p)
		}
	}
	return out
}

// Get returns the participant for connID in roomID, if present.
func (r *Registry) Get(roomID, connID string) (Participant, bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return Participant{}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, ok := rm.participants[connID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// SetFlag updates one of the connection's media flags. Unknown rooms or
// connections are ignored: a toggle racing a disconnect is harmless and must
// not fail.
func (r *Registry) SetFlag(roomID, connID string, flag Flag, value bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	p, ok := rm.participants[connID]
	if !ok {
		return
	}
	switch flag {
	case FlagAudio:
		p.AudioEnabled = value
	case FlagVideo:
		p.VideoEnabled = value
	case FlagScreenShare:
		p.ScreenSharing = value
	}
}

// Rooms reports the number of live rooms.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Participants reports the number of participants in roomID.
func (r *Registry) Participants(roomID string) int {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.participants)
}

func (r *Registry) getOrCreate(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{participants: make(map[string]*Participant)}
		r.rooms[roomID] = rm
	}
	return rm
}
