// Package hub coordinates rooms: it applies client messages to the shared
// room registry and fans the resulting frames out over the broker to every
// relay instance, which then delivers them to the addressed local sockets.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moodsync/relay/internal/auth"
	"github.com/moodsync/relay/internal/broker"
	"github.com/moodsync/relay/internal/metrics"
	"github.com/moodsync/relay/internal/mood"
	"github.com/moodsync/relay/internal/protocol"
	"github.com/moodsync/relay/internal/room"
)

// eventRoomClosed is published when the last participant leaves a room. It
// carries no payload and is never delivered to sockets.
const eventRoomClosed = "room-closed"

const storeLookupTimeout = 2 * time.Second

// ErrUnknownSocket is returned for ids that were never registered or have
// been unregistered.
var ErrUnknownSocket = errors.New("unknown socket")

// Socket is one connected client as seen by the hub.
type Socket interface {
	ID() string
	// Send queues an encoded frame. It must not block; a socket that cannot
	// keep up disconnects itself.
	Send(frame []byte)
}

// Config wires a Hub to its registry, bus and mood tallies.
type Config struct {
	// InstanceID identifies this relay on the broker. Defaults to a uuid.
	InstanceID string

	Store room.Store
	Bus   broker.Bus
	Board *mood.Board
	// Stream is optional; when set every summary change is published on it.
	Stream *mood.Stream

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type member struct {
	sock      Socket
	principal auth.Principal

	// Guarded by Hub.mu.
	room   string
	name   string
	isHost bool
}

// Hub is the per-instance coordinator for every socket this relay holds.
type Hub struct {
	instance string
	store    room.Store
	bus      broker.Bus
	board    *mood.Board
	stream   *mood.Stream
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	members map[string]*member
	rooms   map[string]map[string]*member
}

// New creates a hub and subscribes it to cfg.Bus.
func New(ctx context.Context, cfg Config) (*Hub, error) {
	h := &Hub{
		instance: cfg.InstanceID,
		store:    cfg.Store,
		bus:      cfg.Bus,
		board:    cfg.Board,
		stream:   cfg.Stream,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		now:      cfg.Now,
		members:  make(map[string]*member),
		rooms:    make(map[string]map[string]*member),
	}
	if h.instance == "" {
		h.instance = uuid.NewString()
	}
	if h.board == nil {
		h.board = mood.NewBoard()
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.now == nil {
		h.now = time.Now
	}
	if err := h.bus.Subscribe(ctx, h.deliver); err != nil {
		return nil, err
	}
	return h, nil
}

// InstanceID is the id stamped on envelopes this hub publishes.
func (h *Hub) InstanceID() string {
	return h.instance
}

// Board returns the tallies maintained from received emotion updates.
func (h *Hub) Board() *mood.Board {
	return h.board
}

// Register makes sock addressable. It must be called once per socket before
// Handle.
func (h *Hub) Register(sock Socket, principal auth.Principal) {
	h.mu.Lock()
	h.members[sock.ID()] = &member{sock: sock, principal: principal}
	n := len(h.members)
	h.mu.Unlock()
	h.metrics.GaugeSet(metrics.GaugeSockets, int64(n))
}

// Unregister removes the socket, leaving its room first so rosters never
// keep disconnected participants.
func (h *Hub) Unregister(ctx context.Context, id string) {
	if _, err := h.leave(ctx, id, false); err != nil && !isProtocolError(err) {
		h.log.Warn("leave on disconnect failed", "participant_id", id, "err", err)
	}
	h.mu.Lock()
	delete(h.members, id)
	n := len(h.members)
	h.mu.Unlock()
	h.metrics.GaugeSet(metrics.GaugeSockets, int64(n))
}

// Handle applies one authenticated client message from socket id. Returned
// *protocol.Error values are meant for the client; anything else is an
// internal failure.
func (h *Hub) Handle(ctx context.Context, id string, msg protocol.ClientMessage) error {
	switch msg.Type {
	case protocol.TypeJoinRoom:
		return h.join(ctx, id, msg)
	case protocol.TypeLeaveRoom:
		if _, err := h.currentRoom(id, msg.RoomID); err != nil {
			return err
		}
		_, err := h.leave(ctx, id, true)
		return err
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		return h.relay(ctx, id, msg)
	case protocol.TypeEmotion:
		return h.emotion(ctx, id, msg)
	case protocol.TypeChatMessage:
		return h.chat(ctx, id, msg)
	case protocol.TypeMuteUser, protocol.TypeMuteAll:
		return h.mute(ctx, id, msg)
	case protocol.TypeMuteState:
		return h.muteState(ctx, id, msg)
	case protocol.TypeSpeaking:
		return h.speaking(ctx, id, msg)
	default:
		return protocol.Errorf(protocol.CodeBadMessage, "unexpected message type %q", msg.Type)
	}
}

// Rooms reports the number of rooms with at least one local socket.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) lookup(id string) (m *member, code string, err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.members[id]
	if !ok {
		return nil, "", ErrUnknownSocket
	}
	return m, m.room, nil
}

// currentRoom returns the room socket id is in. A non-empty requested code
// must name that room.
func (h *Hub) currentRoom(id, requested string) (string, error) {
	_, code, err := h.lookup(id)
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", protocol.Errorf(protocol.CodeNotInRoom, "not in a room")
	}
	if requested == "" {
		return code, nil
	}
	want, err := room.NormalizeCode(requested)
	if err != nil || want != code {
		return "", protocol.Errorf(protocol.CodeNotInRoom, "not in room %q", requested)
	}
	return code, nil
}

func (h *Hub) join(ctx context.Context, id string, msg protocol.ClientMessage) error {
	m, current, err := h.lookup(id)
	if err != nil {
		return err
	}

	code, err := room.NormalizeCode(msg.RoomID)
	if err != nil {
		return protocol.Errorf(protocol.CodeInvalidRoom, "invalid room code %q", msg.RoomID)
	}
	if m.principal.Room != "" {
		if granted, err := room.NormalizeCode(m.principal.Room); err != nil || granted != code {
			return protocol.Errorf(protocol.CodeForbidden, "credential does not grant room %q", code)
		}
	}
	if msg.IsHost && !m.principal.Host {
		return protocol.Errorf(protocol.CodeForbidden, "credential does not grant host")
	}

	if current != "" && current != code {
		if _, err := h.leave(ctx, id, true); err != nil {
			return err
		}
	}

	p := room.Participant{
		ID:       id,
		Name:     msg.Name,
		IsHost:   msg.IsHost,
		JoinedAt: h.now().UTC(),
	}
	roster, err := h.store.Join(ctx, code, p)
	switch {
	case errors.Is(err, room.ErrRoomFull):
		h.metrics.Inc(metrics.DropReasonRoomFull)
		return protocol.Errorf(protocol.CodeRoomFull, "room %s is full", code)
	case errors.Is(err, room.ErrTooManyRooms):
		h.metrics.Inc(metrics.DropReasonTooManyRms)
		return protocol.Errorf(protocol.CodeTooManyRooms, "too many active rooms")
	case err != nil:
		return err
	}

	h.mu.Lock()
	m.room, m.name, m.isHost = code, p.Name, p.IsHost
	local, ok := h.rooms[code]
	if !ok {
		local = make(map[string]*member)
		h.rooms[code] = local
	}
	local[id] = m
	nrooms := len(h.rooms)
	h.mu.Unlock()
	h.metrics.GaugeSet(metrics.GaugeRooms, int64(nrooms))
	h.metrics.Inc(metrics.RoomJoins)
	h.log.Info("participant joined", "room", code, "participant_id", id, "host", p.IsHost, "members", len(roster))

	joined, err := protocol.Encode(protocol.ServerMessage{
		Type:         protocol.TypeJoined,
		RoomID:       code,
		ID:           id,
		Participants: roster,
	})
	if err != nil {
		return err
	}
	m.sock.Send(joined)

	if err := h.publishRoster(ctx, code, roster); err != nil {
		return err
	}
	if len(roster) > 1 {
		return h.publish(ctx, broker.Envelope{Room: code, From: id, Except: id},
			protocol.ServerMessage{Type: protocol.TypeReady})
	}
	return nil
}

// leave removes socket id from its room. explicit reports whether the client
// asked to leave, in which case it is sent a left frame.
func (h *Hub) leave(ctx context.Context, id string, explicit bool) (string, error) {
	m, code, err := h.lookup(id)
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", protocol.Errorf(protocol.CodeNotInRoom, "not in a room")
	}

	h.mu.Lock()
	m.room = ""
	if local := h.rooms[code]; local != nil {
		delete(local, id)
		if len(local) == 0 {
			delete(h.rooms, code)
		}
	}
	nrooms := len(h.rooms)
	h.mu.Unlock()
	h.metrics.GaugeSet(metrics.GaugeRooms, int64(nrooms))

	roster, err := h.store.Leave(ctx, code, id)
	if err != nil && !errors.Is(err, room.ErrNotMember) {
		return code, err
	}
	h.metrics.Inc(metrics.RoomLeaves)
	h.log.Info("participant left", "room", code, "participant_id", id, "members", len(roster))

	if explicit {
		if frame, err := protocol.Encode(protocol.ServerMessage{Type: protocol.TypeLeft, RoomID: code}); err == nil {
			m.sock.Send(frame)
		}
	}

	if len(roster) == 0 {
		return code, h.bus.Publish(ctx, broker.Envelope{
			Origin: h.instance,
			Room:   code,
			Event:  eventRoomClosed,
			From:   id,
		})
	}
	if err := h.publish(ctx, broker.Envelope{Room: code, From: id, Except: id},
		protocol.ServerMessage{Type: protocol.TypePeerLeft, ID: id}); err != nil {
		return code, err
	}
	return code, h.publishRoster(ctx, code, roster)
}

func (h *Hub) relay(ctx context.Context, id string, msg protocol.ClientMessage) error {
	code, err := h.currentRoom(id, msg.RoomID)
	if err != nil {
		return err
	}
	if msg.To != "" {
		if err := h.requireMember(ctx, code, msg.To); err != nil {
			return err
		}
	}

	out := protocol.ServerMessage{Type: msg.Type, From: id}
	switch msg.Type {
	case protocol.TypeOffer:
		out.Offer = msg.Offer
	case protocol.TypeAnswer:
		out.Answer = msg.Answer
	case protocol.TypeICECandidate:
		out.Candidate = msg.Candidate
	}

	env := broker.Envelope{Room: code, From: id, To: msg.To}
	if msg.To == "" {
		env.Except = id
	}
	if err := h.publish(ctx, env, out); err != nil {
		return err
	}
	h.metrics.Inc(metrics.MessagesRelayed)
	return nil
}

func (h *Hub) emotion(ctx context.Context, id string, msg protocol.ClientMessage) error {
	code, err := h.currentRoom(id, msg.RoomID)
	if err != nil {
		return err
	}
	if err := h.publish(ctx, broker.Envelope{Room: code, From: id, Except: id},
		protocol.ServerMessage{Type: protocol.TypeEmotionUpdate, From: id, Emotion: msg.Emotion}); err != nil {
		return err
	}
	h.metrics.Inc(metrics.MessagesRelayed)
	return nil
}

func (h *Hub) chat(ctx context.Context, id string, msg protocol.ClientMessage) error {
	code, err := h.currentRoom(id, msg.RoomID)
	if err != nil {
		return err
	}
	h.mu.RLock()
	name := h.members[id].name
	h.mu.RUnlock()

	if err := h.publish(ctx, broker.Envelope{Room: code, From: id}, protocol.ServerMessage{
		Type:    protocol.TypeChatMessage,
		From:    id,
		Name:    name,
		Message: msg.Message,
		Time:    h.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	h.metrics.Inc(metrics.ChatMessages)
	return nil
}

func (h *Hub) mute(ctx context.Context, id string, msg protocol.ClientMessage) error {
	code, err := h.currentRoom(id, msg.RoomID)
	if err != nil {
		return err
	}
	h.mu.RLock()
	isHost := h.members[id].isHost
	h.mu.RUnlock()
	if !isHost {
		return protocol.Errorf(protocol.CodeNotHost, "only hosts may mute participants")
	}

	roster, err := h.store.Members(ctx, code)
	if err != nil {
		return err
	}

	var targets []string
	env := broker.Envelope{Room: code, From: id}
	if msg.Type == protocol.TypeMuteUser {
		if _, ok := room.Find(roster, msg.Target); !ok {
			return protocol.Errorf(protocol.CodeUnknownParticipant, "no participant %q in room", msg.Target)
		}
		targets = []string{msg.Target}
		env.To = msg.Target
	} else {
		for _, p := range roster {
			if p.ID != id {
				targets = append(targets, p.ID)
			}
		}
		env.Except = id
	}
	if len(targets) == 0 {
		return nil
	}

	if err := h.publish(ctx, env, protocol.ServerMessage{Type: protocol.TypeForceMute, By: id}); err != nil {
		return err
	}
	h.metrics.Inc(metrics.MuteCommands)

	roster, err = h.store.SetMuted(ctx, code, targets, true)
	if err != nil {
		return err
	}
	return h.publishRoster(ctx, code, roster)
}

func (h *Hub) muteState(ctx context.Context, id string, msg protocol.ClientMessage) error {
	code, err := h.currentRoom(id, msg.RoomID)
	if err != nil {
		return err
	}
	roster, err := h.store.SetMuted(ctx, code, []string{id}, *msg.Muted)
	if err != nil {
		return err
	}
	return h.publishRoster(ctx, code, roster)
}

func (h *Hub) speaking(ctx context.Context, id string, msg protocol.ClientMessage) error {
	code, err := h.currentRoom(id, msg.RoomID)
	if err != nil {
		return err
	}
	h.mu.RLock()
	name := h.members[id].name
	h.mu.RUnlock()

	speaking := *msg.Speaking
	return h.publish(ctx, broker.Envelope{Room: code, From: id, Except: id}, protocol.ServerMessage{
		Type:     protocol.TypeActiveSpeaker,
		ID:       id,
		Name:     name,
		Speaking: &speaking,
	})
}

func (h *Hub) requireMember(ctx context.Context, code, id string) error {
	roster, err := h.store.Members(ctx, code)
	if err != nil {
		return err
	}
	if _, ok := room.Find(roster, id); !ok {
		return protocol.Errorf(protocol.CodeUnknownParticipant, "no participant %q in room", id)
	}
	return nil
}

func (h *Hub) publishRoster(ctx context.Context, code string, roster []room.Participant) error {
	return h.publish(ctx, broker.Envelope{Room: code}, protocol.ServerMessage{
		Type:         protocol.TypeParticipants,
		RoomID:       code,
		Participants: roster,
	})
}

// publish encodes msg into env and hands it to the bus. It must not be called
// with h.mu held: LocalBus delivers synchronously.
func (h *Hub) publish(ctx context.Context, env broker.Envelope, msg protocol.ServerMessage) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	env.Origin = h.instance
	env.Event = string(msg.Type)
	env.Payload = payload
	if err := h.bus.Publish(ctx, env); err != nil {
		h.metrics.Inc(metrics.BrokerPublishErrors)
		h.log.Error("broker publish failed", "room", env.Room, "event", env.Event, "err", err)
		return err
	}
	return nil
}

// deliver is the bus handler: it sends env to the addressed local sockets and
// keeps the mood tally.
func (h *Hub) deliver(env broker.Envelope) {
	if env.Event == eventRoomClosed {
		h.roomClosed(env.Room)
		return
	}
	if len(env.Payload) > 0 {
		for _, m := range h.localMembers(env.Room, func(m *member) bool { return env.Addressed(m.sock.ID()) }) {
			m.sock.Send(env.Payload)
		}
	}
	if env.Event == string(protocol.TypeEmotionUpdate) {
		h.recordEmotion(env)
	}
}

// roomClosed resets the tally of code unless this instance's registry still
// has members there, as happens with a per-instance store behind a shared bus.
func (h *Hub) roomClosed(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeLookupTimeout)
	defer cancel()
	members, err := h.store.Members(ctx, code)
	if err != nil {
		h.log.Warn("room-closed lookup failed, keeping tally", "room", code, "err", err)
		return
	}
	if len(members) > 0 {
		return
	}
	h.board.Reset(code)
}

func (h *Hub) recordEmotion(env broker.Envelope) {
	msg, err := protocol.ParseServerMessage(env.Payload)
	if err != nil {
		h.metrics.Inc(metrics.BrokerDecodeErrors)
		h.log.Warn("undecodable emotion envelope", "room", env.Room, "err", err)
		return
	}
	summary, ok := h.board.Record(env.Room, msg.Emotion)
	if !ok {
		return
	}
	h.metrics.Inc(metrics.EmotionsRecorded)

	frame, err := protocol.Encode(protocol.ServerMessage{Type: protocol.TypeMoodUpdate, Mood: &summary})
	if err != nil {
		h.log.Error("encode mood update", "room", env.Room, "err", err)
		return
	}
	for _, m := range h.localMembers(env.Room, func(m *member) bool { return m.isHost }) {
		m.sock.Send(frame)
	}
	if h.stream != nil {
		h.stream.Publish(summary)
	}
}

// localMembers snapshots the local sockets in code that match filter so
// frames are sent without holding the lock.
func (h *Hub) localMembers(code string, filter func(*member) bool) []*member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	local := h.rooms[code]
	out := make([]*member, 0, len(local))
	for _, m := range local {
		if filter(m) {
			out = append(out, m)
		}
	}
	return out
}

func isProtocolError(err error) bool {
	var perr *protocol.Error
	return errors.As(err, &perr)
}
