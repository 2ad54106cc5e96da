package signaling

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/gorilla/websocket"

	"github.com/moodsync/relay/internal/broker"
	"github.com/moodsync/relay/internal/config"
	"github.com/moodsync/relay/internal/hub"
	"github.com/moodsync/relay/internal/metrics"
	"github.com/moodsync/relay/internal/mood"
	"github.com/moodsync/relay/internal/protocol"
	"github.com/moodsync/relay/internal/room"
	"github.com/moodsync/relay/internal/turnrest"
)

type testEnv struct {
	ts      *httptest.Server
	store   *room.MemoryStore
	metrics *metrics.Metrics
	wsURL   string
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	return startTestEnv(t, mutate, nil)
}

// startTestEnv is newTestEnv with an optional wrapper around the server's
// listener.
func startTestEnv(t *testing.T, mutate func(*Config), wrap func(net.Listener) net.Listener) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := room.NewMemoryStore(room.Limits{})
	board := mood.NewBoard()
	stream := mood.NewStream(board)
	m := metrics.New()

	h, err := hub.New(context.Background(), hub.Config{
		Store:   store,
		Bus:     broker.NewLocalBus(),
		Board:   board,
		Stream:  stream,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}

	cfg := Config{
		Hub:        h,
		Store:      store,
		Stream:     stream,
		ICE:        turnrest.Source{Servers: config.DefaultICEServers()},
		Authorizer: AllowAll(),
		Metrics:    m,
		Logger:     logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ts := httptest.NewUnstartedServer(NewServer(cfg).Handler())
	if wrap != nil {
		ts.Listener = wrap(ts.Listener)
	}
	ts.Start()
	t.Cleanup(ts.Close)
	// Runs before ts.Close so open SSE streams end first.
	t.Cleanup(stream.Close)

	return &testEnv{
		ts:      ts,
		store:   store,
		metrics: m,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
	}
}

func mustAuthorizer(t *testing.T, cfg config.Config) Authorizer {
	t.Helper()
	a, err := NewAuthorizer(cfg)
	if err != nil {
		t.Fatalf("NewAuthorizer: %v", err)
	}
	return a
}

func dialWS(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return msg
}

func expectFrame(t *testing.T, c *websocket.Conn, want protocol.Type) protocol.ServerMessage {
	t.Helper()
	msg := readFrame(t, c)
	if msg.Type != want {
		t.Fatalf("got %s frame %+v, want %s", msg.Type, msg, want)
	}
	return msg
}

func expectErrorFrame(t *testing.T, c *websocket.Conn, code protocol.Code) {
	t.Helper()
	msg := expectFrame(t, c, protocol.TypeError)
	if msg.Code != code {
		t.Fatalf("error code=%s (%s), want %s", msg.Code, msg.Message, code)
	}
}

// expectClose reads until the connection fails and checks the close code.
func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("expected close %d, got %v", code, err)
		}
		return
	}
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

type roomClaims struct {
	Room string `json:"room,omitempty"`
	Host bool   `json:"host,omitempty"`
}

func signToken(t *testing.T, secret string, subject string, claims roomClaims) string {
	t.Helper()
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	std := jwt.Claims{Subject: subject, Expiry: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	raw, err := jwt.Signed(sig).Claims(std).Claims(claims).CompactSerialize()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}
