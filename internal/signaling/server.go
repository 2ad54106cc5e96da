package signaling

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/moodsync/relay/internal/auth"
	"github.com/moodsync/relay/internal/config"
	"github.com/moodsync/relay/internal/httpserver"
	"github.com/moodsync/relay/internal/hub"
	"github.com/moodsync/relay/internal/metrics"
	"github.com/moodsync/relay/internal/mood"
	"github.com/moodsync/relay/internal/origin"
	"github.com/moodsync/relay/internal/ratelimit"
	"github.com/moodsync/relay/internal/room"
	"github.com/moodsync/relay/internal/turnrest"
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	Hub   *hub.Hub
	Store room.Store
	// Stream serves the per-room SSE mood feed. If nil, /rooms/{roomId}/events
	// is not registered.
	Stream *mood.Stream
	ICE    turnrest.Source

	Authorizer Authorizer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	AllowedOrigins []string

	// WebSocket auth timeout for AUTH_MODE!=none.
	SignalingAuthTimeout time.Duration
	// Keepalive: a ping every SignalingWSPingInterval; sockets silent for
	// SignalingWSIdleTimeout are closed.
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	// WebSocket inbound signaling hardening.
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueBytes                int

	// MaxConnectsPerIPPerMinute limits WebSocket upgrades and room
	// creations per client IP. 0 disables the limit.
	MaxConnectsPerIPPerMinute int
}

// ConfigFrom copies the signaling settings out of the process configuration.
// Runtime dependencies (Hub, Store, Stream, ICE, Authorizer) are left to the
// caller.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		AllowedOrigins:                cfg.AllowedOrigins,
		SignalingAuthTimeout:          cfg.SignalingAuthTimeout,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueBytes:                cfg.SendQueueBytes,
		MaxConnectsPerIPPerMinute:     cfg.MaxConnectsPerIPPerMinute,
	}
}

// Server implements the relay's HTTP/WebSocket signaling surface.
//
// Endpoints:
//   - GET  /ws                      : signaling and room events
//   - POST /rooms                   : allocate a fresh room code
//   - GET  /rooms/{roomId}          : roster and mood summary
//   - GET  /rooms/{roomId}/mood     : mood summary
//   - GET  /rooms/{roomId}/events   : SSE mood stream
type Server struct {
	Config

	log      *slog.Logger
	metrics  *metrics.Metrics
	policy   origin.Policy
	cors     func(http.HandlerFunc) http.HandlerFunc
	upgrader websocket.Upgrader
	connects *ratelimit.Keyed
}

func NewServer(cfg Config) *Server {
	if cfg.SignalingAuthTimeout <= 0 {
		cfg.SignalingAuthTimeout = config.DefaultSignalingAuthTimeout
	}
	if cfg.SignalingWSIdleTimeout <= 0 {
		cfg.SignalingWSIdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.MaxSignalingMessageBytes <= 0 {
		cfg.MaxSignalingMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxSignalingMessagesPerSecond <= 0 {
		cfg.MaxSignalingMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if cfg.SendQueueBytes <= 0 {
		cfg.SendQueueBytes = config.DefaultSendQueueBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy := origin.Policy{AllowedOrigins: cfg.AllowedOrigins}
	return &Server{
		Config:  cfg,
		log:     logger,
		metrics: cfg.Metrics,
		policy:  policy,
		cors:    httpserver.CORS(policy),
		upgrader: websocket.Upgrader{
			// Origin is checked before upgrading so rejections are counted.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connects: ratelimit.NewKeyed(ratelimit.Config{PerMinute: cfg.MaxConnectsPerIPPerMinute}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("POST /rooms", s.cors(s.handleCreateRoom))
	mux.HandleFunc("OPTIONS /rooms", s.cors(s.handleCreateRoom))
	mux.HandleFunc("GET /rooms/{roomId}", s.cors(s.handleRoom))
	mux.HandleFunc("OPTIONS /rooms/{roomId}", s.cors(s.handleRoom))
	mux.HandleFunc("GET /rooms/{roomId}/mood", s.cors(s.handleMood))
	mux.HandleFunc("OPTIONS /rooms/{roomId}/mood", s.cors(s.handleMood))
	if s.Stream != nil {
		mux.HandleFunc("GET /rooms/{roomId}/events", s.cors(s.handleEvents))
		mux.HandleFunc("OPTIONS /rooms/{roomId}/events", s.cors(s.handleEvents))
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if _, present, allowed := s.policy.Check(r); present && !allowed {
		s.metrics.Inc(metrics.OriginRejected)
		httpserver.WriteError(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if !s.allowConnect(w, r) {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		return
	}
	s.metrics.Inc(metrics.SocketsOpened)

	wss := newWSSession(s, conn, r, uuid.NewString())
	wss.log.Info("socket opened", "remote_addr", r.RemoteAddr)
	wss.run(r.Context())
}

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if !s.allowConnect(w, r) {
		return
	}
	principal, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if principal.Room != "" || !principal.Host {
		httpserver.WriteError(w, http.StatusForbidden, "credential does not allow creating rooms")
		return
	}

	code, err := room.NewCode()
	if err != nil {
		s.log.Error("allocate room code", "err", err)
		httpserver.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.metrics.Inc(metrics.RoomsCreated)
	s.log.Info("room allocated", "room", code)
	httpserver.WriteJSON(w, http.StatusCreated, createRoomResponse{RoomID: code})
}

type roomResponse struct {
	RoomID       string             `json:"roomId"`
	Participants []room.Participant `json:"participants"`
	Mood         mood.Summary       `json:"mood"`
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	code, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}
	roster, err := s.Store.Members(r.Context(), code)
	if err != nil {
		s.log.Error("load roster", "room", code, "err", err)
		httpserver.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if roster == nil {
		roster = []room.Participant{}
	}
	httpserver.WriteJSON(w, http.StatusOK, roomResponse{
		RoomID:       code,
		Participants: roster,
		Mood:         s.Hub.Board().Summary(code),
	})
}

func (s *Server) handleMood(w http.ResponseWriter, r *http.Request) {
	code, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, s.Hub.Board().Summary(code))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	code, ok := s.roomFromPath(w, r)
	if !ok {
		return
	}
	// Streams are only opened for occupied rooms so arbitrary codes cannot
	// grow the SSE channel registry.
	roster, err := s.Store.Members(r.Context(), code)
	if err != nil {
		s.log.Error("load roster", "room", code, "err", err)
		httpserver.WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(roster) == 0 {
		httpserver.WriteError(w, http.StatusNotFound, "room not found")
		return
	}

	s.metrics.GaugeAdd(metrics.GaugeSSEListeners, 1)
	defer s.metrics.GaugeAdd(metrics.GaugeSSEListeners, -1)
	s.Stream.Handler(code)(w, r)
}

// roomFromPath authorizes the request and validates the {roomId} path value.
func (s *Server) roomFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	principal, ok := s.authorize(w, r)
	if !ok {
		return "", false
	}
	code, err := room.NormalizeCode(r.PathValue("roomId"))
	if err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid room code")
		return "", false
	}
	if principal.Room != "" {
		if granted, err := room.NormalizeCode(principal.Room); err != nil || granted != code {
			httpserver.WriteError(w, http.StatusForbidden, "credential does not grant this room")
			return "", false
		}
	}
	return code, true
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, err := s.Authorizer.AuthorizeRequest(r)
	if err == nil {
		return principal, true
	}
	s.metrics.Inc(metrics.AuthFailures)
	if IsUnauthorized(err) {
		httpserver.WriteError(w, http.StatusUnauthorized, unauthorizedMessage(err))
		return auth.Principal{}, false
	}
	s.log.Error("authorize request", "err", err)
	httpserver.WriteError(w, http.StatusInternalServerError, unauthorizedMessage(err))
	return auth.Principal{}, false
}

// allowConnect applies the per-IP connect budget and writes 429 when it is
// exhausted.
func (s *Server) allowConnect(w http.ResponseWriter, r *http.Request) bool {
	if s.connects.Allow(clientIP(r)) {
		return true
	}
	s.metrics.Inc(metrics.DropReasonConnectRate)
	w.Header().Set("Retry-After", "60")
	httpserver.WriteError(w, http.StatusTooManyRequests, "too many connections from this address")
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
