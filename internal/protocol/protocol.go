// Package protocol defines the JSON frames exchanged over the signaling
// WebSocket. Every frame is one JSON object discriminated by "type".
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/moodsync/relay/internal/mood"
	"github.com/moodsync/relay/internal/room"
)

type Type string

// Client to server.
const (
	TypeAuth         Type = "auth"
	TypeJoinRoom     Type = "join-room"
	TypeLeaveRoom    Type = "leave-room"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeEmotion      Type = "emotion"
	TypeChatMessage  Type = "chat-message"
	TypeMuteUser     Type = "mute-user"
	TypeMuteAll      Type = "mute-all"
	TypeMuteState    Type = "mute-state"
	TypeSpeaking     Type = "speaking"
)

// Server to client. offer, answer, ice-candidate and chat-message reuse the
// client type names.
const (
	TypeWelcome       Type = "welcome"
	TypeJoined        Type = "joined"
	TypeReady         Type = "ready"
	TypeEmotionUpdate Type = "emotion-update"
	TypeParticipants  Type = "participants"
	TypePeerLeft      Type = "peer-left"
	TypeForceMute     Type = "force-mute"
	TypeActiveSpeaker Type = "active-speaker"
	TypeMoodUpdate    Type = "mood-update"
	TypeLeft          Type = "left"
	TypeError         Type = "error"
)

type Code string

const (
	CodeBadMessage         Code = "bad_message"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotInRoom          Code = "not_in_room"
	CodeRoomFull           Code = "room_full"
	CodeTooManyRooms       Code = "too_many_rooms"
	CodeRateLimited        Code = "rate_limited"
	CodeInvalidRoom        Code = "invalid_room"
	CodeNotHost            Code = "not_host"
	CodeUnknownParticipant Code = "unknown_participant"
	CodeInternalError      Code = "internal_error"
)

// DefaultName is used for participants that join without a display name.
const DefaultName = "Guest"

const (
	MaxNameLength    = 64
	MaxChatLength    = 2000
	MaxEmotionLength = 32
)

// ErrMalformed marks frames that are not protocol JSON at all (syntax
// errors, unknown fields or types, trailing data).
var ErrMalformed = errors.New("malformed message")

// Error is a rejection reported to the client as an error frame.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ClientMessage is the union of every frame a client may send.
type ClientMessage struct {
	Type Type `json:"type"`

	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	RoomID string `json:"roomId,omitempty"`
	Name   string `json:"name,omitempty"`
	IsHost bool   `json:"isHost,omitempty"`

	// To addresses a signaling frame to a single participant.
	To        string          `json:"to,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Emotion string `json:"emotion,omitempty"`
	Message string `json:"message,omitempty"`

	Target   string `json:"target,omitempty"`
	Muted    *bool  `json:"muted,omitempty"`
	Speaking *bool  `json:"speaking,omitempty"`
}

// ServerMessage is the union of every frame the relay sends.
type ServerMessage struct {
	Type Type `json:"type"`

	ID     string `json:"id,omitempty"`
	From   string `json:"from,omitempty"`
	By     string `json:"by,omitempty"`
	RoomID string `json:"roomId,omitempty"`

	ICEServers   []webrtc.ICEServer `json:"iceServers,omitempty"`
	Participants []room.Participant `json:"participants,omitempty"`

	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Emotion  string        `json:"emotion,omitempty"`
	Name     string        `json:"name,omitempty"`
	Message  string        `json:"message,omitempty"`
	Time     string        `json:"time,omitempty"`
	Speaking *bool         `json:"speaking,omitempty"`
	Mood     *mood.Summary `json:"mood,omitempty"`

	Code Code `json:"code,omitempty"`
}

func Encode(m ServerMessage) ([]byte, error) {
	return json.Marshal(m)
}

// ErrorFrame encodes an error frame. It cannot fail.
func ErrorFrame(code Code, message string) []byte {
	b, _ := json.Marshal(ServerMessage{Type: TypeError, Code: code, Message: message})
	return b
}

// ParseServerMessage decodes a frame received from the relay. Unknown fields
// are tolerated so older clients keep working against newer relays.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ServerMessage{}, err
	}
	if m.Type == "" {
		return ServerMessage{}, errors.New("missing type")
	}
	return m, nil
}
