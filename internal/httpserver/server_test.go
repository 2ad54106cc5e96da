package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/moodsync/relay/internal/config"
	"github.com/moodsync/relay/internal/turnrest"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, ice turnrest.Source) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, ice)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string, wantStatus int, into any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status=%d, want %d", url, resp.StatusCode, wantStatus)
	}
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), turnrest.Source{})

	var health map[string]any
	resp := getJSON(t, baseURL+"/healthz", http.StatusOK, &health)
	if health["ok"] != true {
		t.Fatalf("body=%v, want ok=true", health)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID response header")
	}

	getJSON(t, baseURL+"/readyz", http.StatusOK, nil)

	var got BuildInfo
	getJSON(t, baseURL+"/version", http.StatusOK, &got)
	if want := (BuildInfo{Commit: "abc", BuildTime: "time"}); got != want {
		t.Fatalf("got=%+v, want=%+v", got, want)
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), turnrest.Source{})

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID=%q, want req-123", got)
	}
}

func TestICEEndpointMintsTURNCredentials(t *testing.T) {
	cfg := testConfig()
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
	}
	gen, err := turnrest.NewGenerator(turnrest.Config{SharedSecret: "s", TTLSeconds: 60, UsernamePrefix: "moodsync"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	baseURL := startTestServer(t, cfg, turnrest.Source{Servers: servers, Generator: gen})

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	resp := getJSON(t, baseURL+"/webrtc/ice", http.StatusOK, &payload)
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("expected Cache-Control: no-store")
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
	username, _ := payload.ICEServers[1]["username"].(string)
	if !strings.Contains(username, ":moodsync:") {
		t.Fatalf("expected minted TURN username, got %#v", payload.ICEServers[1])
	}
}

func TestICEEndpoint_CORS(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg, turnrest.Source{Servers: config.DefaultICEServers()})

	do := func(method, origin string) *http.Response {
		req, _ := http.NewRequest(method, baseURL+"/webrtc/ice", nil)
		req.Header.Set("Origin", origin)
		if method == http.MethodOptions {
			req.Header.Set("Access-Control-Request-Method", "GET")
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := do(http.MethodGet, "https://evil.example.com"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	resp := do(http.MethodGet, "https://app.example.com")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}

	resp = do(http.MethodOptions, "https://app.example.com")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status=%d, want 204", resp.StatusCode)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("MOODSYNC_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg, turnrest.Source{})
	getJSON(t, baseURL+"/readyz", http.StatusServiceUnavailable, nil)
	getJSON(t, baseURL+"/webrtc/ice", http.StatusServiceUnavailable, nil)
}

func TestStaticDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>moodsync</h1>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig()
	cfg.StaticDir = dir
	baseURL := startTestServer(t, cfg, turnrest.Source{})

	resp, err := http.Get(baseURL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "moodsync") {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}

	getJSON(t, baseURL+"/healthz", http.StatusOK, nil)
}

func TestRecoverMiddleware(t *testing.T) {
	srv := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{}, turnrest.Source{})
	srv.Mux().HandleFunc("GET /boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	getJSON(t, "http://"+ln.Addr().String()+"/boom", http.StatusInternalServerError, nil)
}
