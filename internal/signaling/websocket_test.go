package signaling

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/moodsync/relay/internal/config"
	"github.com/moodsync/relay/internal/metrics"
	"github.com/moodsync/relay/internal/protocol"
	"github.com/moodsync/relay/internal/turnrest"
)

func TestWebSocket_WelcomeCarriesICEServers(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dialWS(t, env.wsURL, nil)

	welcome := expectFrame(t, c, protocol.TypeWelcome)
	if welcome.ID == "" {
		t.Fatalf("welcome without id")
	}
	if len(welcome.ICEServers) != 1 || welcome.ICEServers[0].URLs[0] != config.DefaultSTUNURL {
		t.Fatalf("iceServers=%+v", welcome.ICEServers)
	}
	if got := env.metrics.Get(metrics.SocketsOpened); got != 1 {
		t.Fatalf("sockets_opened=%d, want 1", got)
	}
}

func TestWebSocket_TURNRESTCredentialsPerSocket(t *testing.T) {
	gen, err := turnrest.NewGenerator(turnrest.Config{SharedSecret: "s3cret", TTLSeconds: 600, UsernamePrefix: "moodsync"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ICE = turnrest.Source{
			Servers:   []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}}},
			Generator: gen,
		}
	})

	var usernames []string
	for i := 0; i < 2; i++ {
		welcome := expectFrame(t, dialWS(t, env.wsURL, nil), protocol.TypeWelcome)
		if len(welcome.ICEServers) != 1 {
			t.Fatalf("iceServers=%+v", welcome.ICEServers)
		}
		s := welcome.ICEServers[0]
		if !strings.HasSuffix(s.Username, ":moodsync:"+welcome.ID) || s.Credential == nil {
			t.Fatalf("turn server %+v for socket %s", s, welcome.ID)
		}
		usernames = append(usernames, s.Username)
	}
	if usernames[0] == usernames[1] {
		t.Fatalf("sockets share TURN username %q", usernames[0])
	}
}

func TestWebSocket_APIKeyAuth(t *testing.T) {
	cfg := config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "secret"}
	env := newTestEnv(t, func(c *Config) {
		c.Authorizer = mustAuthorizer(t, cfg)
		c.SignalingAuthTimeout = 200 * time.Millisecond
	})

	t.Run("query", func(t *testing.T) {
		c := dialWS(t, env.wsURL+"?apiKey=secret", nil)
		expectFrame(t, c, protocol.TypeWelcome)
	})

	t.Run("message", func(t *testing.T) {
		c := dialWS(t, env.wsURL, nil)
		sendJSON(t, c, map[string]string{"type": "auth", "apiKey": "secret"})
		expectFrame(t, c, protocol.TypeWelcome)
	})

	t.Run("wrong query key", func(t *testing.T) {
		c := dialWS(t, env.wsURL+"?apiKey=nope", nil)
		expectErrorFrame(t, c, protocol.CodeUnauthorized)
		expectClose(t, c, websocket.ClosePolicyViolation)
	})

	t.Run("wrong message key", func(t *testing.T) {
		c := dialWS(t, env.wsURL, nil)
		sendJSON(t, c, map[string]string{"type": "auth", "apiKey": "nope"})
		expectErrorFrame(t, c, protocol.CodeUnauthorized)
		expectClose(t, c, websocket.ClosePolicyViolation)
	})

	t.Run("first message must authenticate", func(t *testing.T) {
		c := dialWS(t, env.wsURL, nil)
		sendJSON(t, c, map[string]any{"type": "join-room", "roomId": "ABC", "name": "x"})
		expectErrorFrame(t, c, protocol.CodeUnauthorized)
		expectClose(t, c, websocket.ClosePolicyViolation)
	})

	t.Run("timeout", func(t *testing.T) {
		c := dialWS(t, env.wsURL, nil)
		expectErrorFrame(t, c, protocol.CodeUnauthorized)
		expectClose(t, c, websocket.ClosePolicyViolation)
	})

	if env.metrics.Get(metrics.AuthFailures) < 4 {
		t.Fatalf("auth_failures=%d", env.metrics.Get(metrics.AuthFailures))
	}
}

func TestWebSocket_JWTRoomClaim(t *testing.T) {
	const secret = "jwt-secret-for-tests"
	env := newTestEnv(t, func(c *Config) {
		c.Authorizer = mustAuthorizer(t, config.Config{AuthMode: config.AuthModeJWT, JWTSecret: secret})
	})

	token := signToken(t, secret, "guest", roomClaims{Room: "abc123"})
	c := dialWS(t, env.wsURL+"?token="+token, nil)
	expectFrame(t, c, protocol.TypeWelcome)

	sendJSON(t, c, map[string]any{"type": "join-room", "roomId": "OTHER", "name": "Guest"})
	expectErrorFrame(t, c, protocol.CodeForbidden)

	sendJSON(t, c, map[string]any{"type": "join-room", "roomId": "ABC123", "name": "Guest", "isHost": true})
	expectErrorFrame(t, c, protocol.CodeForbidden)

	sendJSON(t, c, map[string]any{"type": "join-room", "roomId": "abc123", "name": "Guest"})
	joined := expectFrame(t, c, protocol.TypeJoined)
	if joined.RoomID != "ABC123" {
		t.Fatalf("joined %+v", joined)
	}
}

func TestWebSocket_OriginPolicy(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.AllowedOrigins = []string{"https://app.example.com"}
	})

	h := http.Header{}
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, h)
	if err == nil {
		t.Fatalf("dial with disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}
	if env.metrics.Get(metrics.OriginRejected) != 1 {
		t.Fatalf("origin_rejected=%d", env.metrics.Get(metrics.OriginRejected))
	}

	h.Set("Origin", "https://APP.example.com:443")
	expectFrame(t, dialWS(t, env.wsURL, h), protocol.TypeWelcome)
}

func TestWebSocket_BadContentKeepsSocketOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dialWS(t, env.wsURL, nil)
	expectFrame(t, c, protocol.TypeWelcome)

	sendJSON(t, c, map[string]any{"type": "join-room", "roomId": "R", "name": "A"})
	expectFrame(t, c, protocol.TypeJoined)
	expectFrame(t, c, protocol.TypeParticipants)

	sendJSON(t, c, map[string]any{"type": "offer", "offer": map[string]string{"type": "offer", "sdp": "garbage"}})
	expectErrorFrame(t, c, protocol.CodeBadMessage)

	sendJSON(t, c, map[string]any{"type": "ice-candidate", "candidate": map[string]string{"candidate": "candidate:nonsense"}})
	expectErrorFrame(t, c, protocol.CodeBadMessage)

	if env.metrics.Get(metrics.InvalidSignals) != 2 {
		t.Fatalf("invalid_signals=%d, want 2", env.metrics.Get(metrics.InvalidSignals))
	}

	sendJSON(t, c, map[string]any{"type": "chat-message", "message": "still here"})
	chat := expectFrame(t, c, protocol.TypeChatMessage)
	if chat.Message != "still here" || chat.Name != "A" {
		t.Fatalf("chat %+v", chat)
	}
}

func TestWebSocket_MalformedFrameCloses(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dialWS(t, env.wsURL, nil)
	expectFrame(t, c, protocol.TypeWelcome)

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectErrorFrame(t, c, protocol.CodeBadMessage)
	expectClose(t, c, websocket.ClosePolicyViolation)
}

func TestWebSocket_BinaryFrameCloses(t *testing.T) {
	env := newTestEnv(t, nil)
	c := dialWS(t, env.wsURL, nil)
	expectFrame(t, c, protocol.TypeWelcome)

	if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectErrorFrame(t, c, protocol.CodeBadMessage)
	expectClose(t, c, websocket.CloseUnsupportedData)
}

func TestWebSocket_OversizedMessageCloses(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxSignalingMessageBytes = 256 })
	c := dialWS(t, env.wsURL, nil)
	expectFrame(t, c, protocol.TypeWelcome)

	big := `{"type":"chat-message","message":"` + strings.Repeat("x", 1024) + `"}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, c, websocket.CloseMessageTooBig)
}

func TestWebSocket_RateLimitCloses(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxSignalingMessagesPerSecond = 2 })
	c := dialWS(t, env.wsURL, nil)
	expectFrame(t, c, protocol.TypeWelcome)

	// Auth messages are ignored once authenticated, so only the limiter
	// produces a reply.
	for i := 0; i < 5; i++ {
		sendJSON(t, c, map[string]string{"type": "auth", "apiKey": "x"})
	}
	expectErrorFrame(t, c, protocol.CodeRateLimited)
	expectClose(t, c, websocket.ClosePolicyViolation)
	if env.metrics.Get(metrics.DropReasonRateLimit) != 1 {
		t.Fatalf("drop_rate_limited=%d", env.metrics.Get(metrics.DropReasonRateLimit))
	}
}

func TestWebSocket_DisconnectLeavesRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	a := dialWS(t, env.wsURL, nil)
	b := dialWS(t, env.wsURL, nil)
	expectFrame(t, a, protocol.TypeWelcome)
	welcomeB := expectFrame(t, b, protocol.TypeWelcome)

	sendJSON(t, a, map[string]any{"type": "join-room", "roomId": "R", "name": "A"})
	expectFrame(t, a, protocol.TypeJoined)
	expectFrame(t, a, protocol.TypeParticipants)
	sendJSON(t, b, map[string]any{"type": "join-room", "roomId": "R", "name": "B"})
	expectFrame(t, b, protocol.TypeJoined)
	expectFrame(t, a, protocol.TypeParticipants)
	expectFrame(t, a, protocol.TypeReady)

	_ = b.Close()

	left := expectFrame(t, a, protocol.TypePeerLeft)
	if left.ID != welcomeB.ID {
		t.Fatalf("peer-left %+v, want id %s", left, welcomeB.ID)
	}
	roster := expectFrame(t, a, protocol.TypeParticipants)
	if len(roster.Participants) != 1 {
		t.Fatalf("roster after disconnect %+v", roster.Participants)
	}
}

func TestWebSocket_IdleTimeoutClosesWithoutPong(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.SignalingWSIdleTimeout = 500 * time.Millisecond
		c.SignalingWSPingInterval = 50 * time.Millisecond
	})
	c := dialWS(t, env.wsURL, nil)

	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		// Intentionally do not respond with pong.
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case <-pingSeen:
	case err := <-errCh:
		t.Fatalf("connection closed before receiving ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server ping")
	}

	select {
	case err := <-errCh:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("expected close normal closure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server to close idle websocket")
	}
}

func TestWebSocket_PongKeepsConnectionOpenBeyondIdleTimeout(t *testing.T) {
	idleTimeout := 300 * time.Millisecond
	env := newTestEnv(t, func(c *Config) {
		c.SignalingWSIdleTimeout = idleTimeout
		c.SignalingWSPingInterval = 50 * time.Millisecond
	})
	c := dialWS(t, env.wsURL, nil)

	// The default ping handler answers with a pong, but only while a read is
	// in progress.
	errCh := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				errCh <- err
				return
			}
		}
	}()

	select {
	case err := <-errCh:
		t.Fatalf("connection closed despite pongs: %v", err)
	case <-time.After(3 * idleTimeout):
	}
}
