package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// ParseClientMessage strictly decodes one client frame. Structural problems
// are reported wrapped in ErrMalformed; well-formed frames with bad content
// are reported as *Error.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg ClientMessage
	if err := dec.Decode(&msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientMessage{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformed)
	}
	if err := msg.validate(); err != nil {
		if errors.Is(err, ErrMalformed) {
			return ClientMessage{}, err
		}
		// The decoded message is returned alongside content errors so
		// callers can tell which kind of frame was rejected.
		return msg, err
	}
	return msg, nil
}

func (m *ClientMessage) validate() error {
	switch m.Type {
	case TypeAuth:
		if m.APIKey == "" && m.Token == "" {
			return Errorf(CodeBadMessage, "auth message missing apiKey/token")
		}
		if m.APIKey != "" && m.Token != "" && m.APIKey != m.Token {
			return Errorf(CodeBadMessage, "auth message must not include both apiKey and token unless they match")
		}
	case TypeJoinRoom:
		if strings.TrimSpace(m.RoomID) == "" {
			return Errorf(CodeBadMessage, "join-room missing roomId")
		}
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" {
			m.Name = DefaultName
		}
		if utf8.RuneCountInString(m.Name) > MaxNameLength {
			return Errorf(CodeBadMessage, "name longer than %d characters", MaxNameLength)
		}
	case TypeLeaveRoom, TypeMuteAll:
	case TypeOffer:
		if len(m.Offer) == 0 {
			return Errorf(CodeBadMessage, "offer message missing offer")
		}
		return ValidateSessionDescription(m.Offer, webrtc.SDPTypeOffer)
	case TypeAnswer:
		if len(m.Answer) == 0 {
			return Errorf(CodeBadMessage, "answer message missing answer")
		}
		return ValidateSessionDescription(m.Answer, webrtc.SDPTypeAnswer)
	case TypeICECandidate:
		if len(m.Candidate) == 0 {
			return Errorf(CodeBadMessage, "ice-candidate message missing candidate")
		}
		return ValidateCandidate(m.Candidate)
	case TypeEmotion:
		if m.Emotion == "" {
			return Errorf(CodeBadMessage, "emotion message missing emotion")
		}
		if len(m.Emotion) > MaxEmotionLength {
			return Errorf(CodeBadMessage, "emotion longer than %d bytes", MaxEmotionLength)
		}
	case TypeChatMessage:
		if strings.TrimSpace(m.Message) == "" {
			return Errorf(CodeBadMessage, "chat-message missing message")
		}
		if utf8.RuneCountInString(m.Message) > MaxChatLength {
			return Errorf(CodeBadMessage, "message longer than %d characters", MaxChatLength)
		}
	case TypeMuteUser:
		if m.Target == "" {
			return Errorf(CodeBadMessage, "mute-user missing target")
		}
	case TypeMuteState:
		if m.Muted == nil {
			return Errorf(CodeBadMessage, "mute-state missing muted")
		}
	case TypeSpeaking:
		if m.Speaking == nil {
			return Errorf(CodeBadMessage, "speaking missing speaking")
		}
	default:
		return fmt.Errorf("%w: unsupported message type %q", ErrMalformed, m.Type)
	}
	return nil
}

// ValidateSessionDescription checks that raw is an RTCSessionDescriptionInit
// of the wanted type whose sdp parses.
func ValidateSessionDescription(raw json.RawMessage, want webrtc.SDPType) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var desc webrtc.SessionDescription
	if err := dec.Decode(&desc); err != nil {
		return Errorf(CodeBadMessage, "invalid %s: %v", want, err)
	}
	if desc.Type != want {
		return Errorf(CodeBadMessage, "%s has type %q", want, desc.Type)
	}

	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(desc.SDP); err != nil {
		return Errorf(CodeBadMessage, "invalid %s sdp: %v", want, err)
	}
	return nil
}

// ValidateCandidate checks that raw is an RTCIceCandidateInit whose candidate
// line parses. The empty candidate signals end-of-candidates and is allowed.
func ValidateCandidate(raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var init webrtc.ICECandidateInit
	if err := dec.Decode(&init); err != nil {
		return Errorf(CodeBadMessage, "invalid candidate: %v", err)
	}
	if init.Candidate == "" {
		return nil
	}
	if _, err := ice.UnmarshalCandidate(init.Candidate); err != nil {
		return Errorf(CodeBadMessage, "invalid candidate: %v", err)
	}
	return nil
}
