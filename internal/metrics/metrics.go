package metrics

import "sync"

// Counter names used across the relay and the peer runtime. Names are
// intentionally simple; a follow-up metrics task can export these via
// Prometheus/OTel.
const (
	RelayConnections       = "relay_connections"
	RelayRoomJoins         = "relay_room_joins"
	RelayForwards          = "relay_forwards"
	RelayForwardUnknown    = "relay_forward_unknown_target"
	RelayProtocolErrors    = "relay_protocol_errors"
	RelayRateLimited       = "relay_rate_limited"
	FramesSent             = "frames_sent"
	FramesDroppedMalformed = "frames_dropped_malformed"
	ReconnectAttempts      = "reconnect_attempts"
	ReconnectExhausted     = "reconnect_exhausted"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type exists to keep routing and retry logic testable and to feed the
// read-only health endpoint.
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
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters, for the health endpoint.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
