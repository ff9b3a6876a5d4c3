package metrics

import "sync"

// Event counter names used by the relay. Drop reasons are deliberately
// fine-grained: an unroutable directed message is an expected race (the
// target left a moment earlier), so it must be countable without being an
// error anywhere else.
const (
	DropReasonUnroutableTarget = "unroutable_target"
	DropReasonUnknownRoom      = "unknown_room"
	DropReasonMalformedMessage = "malformed_message"
	DropReasonRateLimited      = "rate_limited"
	DropReasonSlowConsumer     = "slow_consumer"
	DropReasonRoomFull         = "room_full"

	AuthFailure = "auth_failure"

	RoomCreated    = "room_created"
	RoomDestroyed  = "room_destroyed"
	ParticipantIn  = "participant_joined"
	ParticipantOut = "participant_left"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps routing and registry logic testable in the meantime and backs
// the /metrics Prometheus text endpoint.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
