package metrics

import "sync"

// Event counter names.
const (
	SocketsOpened         = "sockets_opened"
	SocketsClosed         = "sockets_closed"
	AuthFailures          = "auth_failures"
	OriginRejected        = "origin_rejected"
	RoomJoins             = "room_joins"
	RoomLeaves            = "room_leaves"
	RoomsCreated          = "rooms_created"
	MessagesRelayed       = "messages_relayed"
	ChatMessages          = "chat_messages"
	EmotionsRecorded      = "emotions_recorded"
	MuteCommands          = "mute_commands"
	BadMessages           = "bad_messages"
	InvalidSignals        = "invalid_signals"
	DropReasonRateLimit   = "drop_rate_limited"
	DropReasonSlowSocket  = "drop_slow_socket"
	DropReasonRoomFull    = "drop_room_full"
	DropReasonTooManyRms  = "drop_too_many_rooms"
	DropReasonConnectRate = "drop_connect_rate_limited"
	BrokerPublishErrors   = "broker_publish_errors"
	BrokerDecodeErrors    = "broker_decode_errors"
)

// Gauge names.
const (
	GaugeSockets      = "sockets"
	GaugeRooms        = "local_rooms"
	GaugeSSEListeners = "sse_listeners"
)

// Metrics is a concurrency-safe registry of monotonic counters and gauges.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]int64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]int64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// GaugeAdd moves a gauge by delta (which may be negative).
func (m *Metrics) GaugeAdd(name string, delta int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) GaugeSet(name string, v int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = v
	m.mu.Unlock()
}

func (m *Metrics) Gauge(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

func (m *Metrics) GaugeSnapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.gauges))
	for k, v := range m.gauges {
		out[k] = v
	}
	return out
}
