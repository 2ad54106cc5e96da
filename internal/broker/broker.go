// Package broker fans room events out to every relay instance.
//
// Each instance publishes envelopes for the rooms its sockets act in and
// receives every envelope (its own included), delivering it to whichever of
// its local sockets are addressed. Ordering holds per publisher only.
package broker

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrClosed = errors.New("broker closed")

// Envelope is one fan-out unit. Payload is the complete server frame that
// addressed sockets receive.
type Envelope struct {
	// Origin is the publishing instance.
	Origin string `json:"origin"`
	Room   string `json:"room"`
	// Event is the frame type, copied out of Payload for routing.
	Event string `json:"event"`
	// From is the socket that caused the event, if any.
	From string `json:"from,omitempty"`
	// To restricts delivery to a single socket.
	To string `json:"to,omitempty"`
	// Except skips one socket (usually the sender).
	Except  string          `json:"except,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Addressed reports whether socket id should receive e.
func (e Envelope) Addressed(id string) bool {
	if e.To != "" {
		return e.To == id
	}
	return e.Except == "" || e.Except != id
}

type Handler func(Envelope)

type Bus interface {
	Publish(ctx context.Context, e Envelope) error
	// Subscribe installs the single handler for received envelopes. It must
	// be called once, before the first Publish.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
