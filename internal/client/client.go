// Package client is a Go participant for the relay's /ws signaling socket.
// It is used by the probe CLI and by end-to-end tests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/pion/webrtc/v4"

	"github.com/moodsync/relay/internal/protocol"
)

var ErrClosed = errors.New("client closed")

const writeWait = 5 * time.Second

type Options struct {
	// URL is the relay's WebSocket endpoint, e.g. ws://localhost:3000/ws.
	URL string

	APIKey string
	Token  string
	// CredentialInQuery sends the credential as ?apiKey= / ?token= instead of
	// a first auth message.
	CredentialInQuery bool

	Header http.Header
	Dialer *websocket.Dialer
}

type Client struct {
	conn *websocket.Conn

	id         string
	iceServers []webrtc.ICEServer

	writeMu sync.Mutex

	frames  chan protocol.ServerMessage
	backlog []protocol.ServerMessage
	readErr error
	done    chan struct{}

	closeOnce sync.Once
	closing   chan struct{}

	mu   sync.Mutex
	room string
}

// Dial connects, authenticates and waits for the welcome frame.
func Dial(ctx context.Context, opts Options) (c *Client, err error) {
	defer err2.Handle(&err, "dial relay")

	u := try.To1(url.Parse(opts.URL))
	if opts.CredentialInQuery {
		q := u.Query()
		if opts.APIKey != "" {
			q.Set("apiKey", opts.APIKey)
		}
		if opts.Token != "" {
			q.Set("token", opts.Token)
		}
		u.RawQuery = q.Encode()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _ := try.To2(dialer.DialContext(ctx, u.String(), opts.Header))

	c = &Client{
		conn:    conn,
		frames:  make(chan protocol.ServerMessage, 64),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	defer err2.Handle(&err, func(err error) error {
		_ = c.Close()
		return err
	})

	if !opts.CredentialInQuery && (opts.APIKey != "" || opts.Token != "") {
		try.To(c.send(protocol.ClientMessage{Type: protocol.TypeAuth, APIKey: opts.APIKey, Token: opts.Token}))
	}

	welcome := try.To1(c.Next(ctx))
	try.To(asError(welcome))
	if welcome.Type != protocol.TypeWelcome {
		return nil, fmt.Errorf("expected welcome, got %q", welcome.Type)
	}
	c.id = welcome.ID
	c.iceServers = welcome.ICEServers
	return c, nil
}

// ID is the participant id the relay assigned to this socket.
func (c *Client) ID() string { return c.id }

// ICEServers are the servers handed out in the welcome frame.
func (c *Client) ICEServers() []webrtc.ICEServer { return c.iceServers }

// Room is the code of the room last joined, or "".
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Join joins roomID and returns the joined frame. Frames received while
// waiting are kept for Next.
func (c *Client) Join(ctx context.Context, roomID, name string, isHost bool) (joined protocol.ServerMessage, err error) {
	defer err2.Handle(&err, "join %s", roomID)

	try.To(c.send(protocol.ClientMessage{Type: protocol.TypeJoinRoom, RoomID: roomID, Name: name, IsHost: isHost}))
	joined = try.To1(c.waitFor(ctx, protocol.TypeJoined))
	c.mu.Lock()
	c.room = joined.RoomID
	c.mu.Unlock()
	return joined, nil
}

func (c *Client) Leave() error {
	err := c.send(protocol.ClientMessage{Type: protocol.TypeLeaveRoom, RoomID: c.Room()})
	if err == nil {
		c.mu.Lock()
		c.room = ""
		c.mu.Unlock()
	}
	return err
}

// Offer relays an offer to the room, or only to participant to when set.
func (c *Client) Offer(to string, desc webrtc.SessionDescription) (err error) {
	defer err2.Handle(&err)
	raw := try.To1(json.Marshal(desc))
	return c.send(protocol.ClientMessage{Type: protocol.TypeOffer, RoomID: c.Room(), To: to, Offer: raw})
}

func (c *Client) Answer(to string, desc webrtc.SessionDescription) (err error) {
	defer err2.Handle(&err)
	raw := try.To1(json.Marshal(desc))
	return c.send(protocol.ClientMessage{Type: protocol.TypeAnswer, RoomID: c.Room(), To: to, Answer: raw})
}

func (c *Client) Candidate(to string, init webrtc.ICECandidateInit) (err error) {
	defer err2.Handle(&err)
	raw := try.To1(json.Marshal(init))
	return c.send(protocol.ClientMessage{Type: protocol.TypeICECandidate, RoomID: c.Room(), To: to, Candidate: raw})
}

func (c *Client) Emotion(label string) error {
	return c.send(protocol.ClientMessage{Type: protocol.TypeEmotion, RoomID: c.Room(), Emotion: label})
}

func (c *Client) Chat(message string) error {
	return c.send(protocol.ClientMessage{Type: protocol.TypeChatMessage, RoomID: c.Room(), Message: message})
}

func (c *Client) MuteUser(target string) error {
	return c.send(protocol.ClientMessage{Type: protocol.TypeMuteUser, RoomID: c.Room(), Target: target})
}

func (c *Client) MuteAll() error {
	return c.send(protocol.ClientMessage{Type: protocol.TypeMuteAll, RoomID: c.Room()})
}

func (c *Client) SetMuted(muted bool) error {
	return c.send(protocol.ClientMessage{Type: protocol.TypeMuteState, RoomID: c.Room(), Muted: &muted})
}

func (c *Client) SetSpeaking(speaking bool) error {
	return c.send(protocol.ClientMessage{Type: protocol.TypeSpeaking, RoomID: c.Room(), Speaking: &speaking})
}

// Next returns the next frame from the relay. Error frames are returned as
// frames; use AsError to convert them. Next and Join must be called from a
// single goroutine.
func (c *Client) Next(ctx context.Context) (protocol.ServerMessage, error) {
	if len(c.backlog) > 0 {
		msg := c.backlog[0]
		c.backlog = c.backlog[1:]
		return msg, nil
	}
	return c.next(ctx)
}

// waitFor reads until a frame of type want arrives, keeping the others for
// Next. An error frame ends the wait.
func (c *Client) waitFor(ctx context.Context, want protocol.Type) (protocol.ServerMessage, error) {
	var skipped []protocol.ServerMessage
	defer func() {
		c.backlog = append(skipped, c.backlog...)
	}()
	for {
		msg, err := c.next(ctx)
		if err != nil {
			return protocol.ServerMessage{}, err
		}
		if err := asError(msg); err != nil {
			return protocol.ServerMessage{}, err
		}
		if msg.Type == want {
			return msg, nil
		}
		skipped = append(skipped, msg)
	}
}

// next reads from the socket only, bypassing the backlog.
func (c *Client) next(ctx context.Context) (protocol.ServerMessage, error) {
	select {
	case msg, ok := <-c.frames:
		if !ok {
			return protocol.ServerMessage{}, c.readErr
		}
		return msg, nil
	case <-ctx.Done():
		return protocol.ServerMessage{}, ctx.Err()
	}
}

// AsError returns the *protocol.Error carried by an error frame, or nil.
func AsError(msg protocol.ServerMessage) *protocol.Error {
	if msg.Type != protocol.TypeError {
		return nil
	}
	return &protocol.Error{Code: msg.Code, Message: msg.Message}
}

func asError(msg protocol.ServerMessage) error {
	if perr := AsError(msg); perr != nil {
		return perr
	}
	return nil
}

func (c *Client) send(msg protocol.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = ErrClosed
			}
			c.readErr = err
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.readErr = fmt.Errorf("decode frame: %w", err)
			return
		}
		select {
		case c.frames <- msg:
		case <-c.closing:
			c.readErr = ErrClosed
			return
		}
	}
}

// Close sends a normal close frame and waits for the read loop to stop.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
