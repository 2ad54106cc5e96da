package mood

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/donovanhide/eventsource"
)

// EventName is the SSE event type used for mood summaries.
const EventName = "mood"

type summaryEvent struct {
	id   string
	data string
}

func (e summaryEvent) Id() string    { return e.id }
func (e summaryEvent) Event() string { return EventName }
func (e summaryEvent) Data() string  { return e.data }

// Stream publishes room summaries as Server-Sent Events, one channel per
// room. New subscribers first receive the room's current summary.
type Stream struct {
	board *Board
	srv   *eventsource.Server
	seq   atomic.Uint64

	mu         sync.Mutex
	registered map[string]struct{}

	// closeMu keeps Publish from reaching srv once Close has run; the
	// eventsource server blocks forever on a closed instance.
	closeMu sync.RWMutex
	closed  bool
}

func NewStream(board *Board) *Stream {
	srv := eventsource.NewServer()
	srv.ReplayAll = true
	srv.BufferSize = 32
	return &Stream{
		board:      board,
		srv:        srv,
		registered: make(map[string]struct{}),
	}
}

// Handler serves the SSE stream for roomID.
func (s *Stream) Handler(roomID string) http.HandlerFunc {
	s.mu.Lock()
	if _, ok := s.registered[roomID]; !ok {
		s.registered[roomID] = struct{}{}
		s.srv.Register(roomID, s)
	}
	s.mu.Unlock()
	return s.srv.Handler(roomID)
}

// Publish sends sum to the room's subscribers. It is a no-op after Close.
func (s *Stream) Publish(sum Summary) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	s.srv.Publish([]string{sum.RoomID}, s.event(sum))
}

// Replay implements eventsource.Repository.
func (s *Stream) Replay(channel, _ string) chan eventsource.Event {
	out := make(chan eventsource.Event, 1)
	out <- s.event(s.board.Summary(channel))
	close(out)
	return out
}

// Close disconnects every subscriber. It is safe to call more than once.
func (s *Stream) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.srv.Close()
}

func (s *Stream) event(sum Summary) summaryEvent {
	data, _ := json.Marshal(sum)
	return summaryEvent{
		id:   strconv.FormatUint(s.seq.Add(1), 10),
		data: string(data),
	}
}
