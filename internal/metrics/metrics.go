package metrics

import "sync"

// Event names incremented by the relay and registry. Names are intentionally
// simple; they surface as the `event` label on the exported counter family.
const (
	EventPeerJoined       = "peer_joined"
	EventPeerLeft         = "peer_left"
	EventRoomCreated      = "room_created"
	EventRoomDeleted      = "room_deleted"
	EventBroadcastCreated = "broadcast_created"
	EventBroadcastLive    = "broadcast_live"
	EventBroadcastEnded   = "broadcast_ended"
	EventBroadcastReaped  = "broadcast_reaped"
	EventSignalForwarded  = "signal_forwarded"
	EventSignalDropped    = "signal_dropped"
	EventChatFanout       = "chat_fanout"

	DropReasonMalformed     = "malformed_message"
	DropReasonUnknownRoom   = "unknown_room"
	DropReasonUnknownPeer   = "unknown_peer"
	DropReasonRateLimited   = "rate_limited"
	DropReasonSendQueueFull = "send_queue_full"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists so relay and registry bookkeeping stay testable without a real
// metrics backend; the Prometheus handler in this package exposes the counters
// for scraping.
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
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
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
