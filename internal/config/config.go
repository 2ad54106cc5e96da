package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/moodsync/relay/internal/origin"
)

const (
	envVarListenAddr      = "MOODSYNC_LISTEN_ADDR"
	envVarPort            = "PORT"
	envVarPublicBaseURL   = "MOODSYNC_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "MOODSYNC_LOG_FORMAT"
	envVarLogLevel        = "MOODSYNC_LOG_LEVEL"
	envVarShutdownTimeout = "MOODSYNC_SHUTDOWN_TIMEOUT"
	envVarMode            = "MOODSYNC_MODE"
	envVarStaticDir       = "MOODSYNC_STATIC_DIR"

	// Signaling / WebSocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendQueueBytes                = "SIGNALING_SEND_QUEUE_BYTES"
	envVarMaxConnectsPerIPPerMinute     = "MAX_CONNECTS_PER_IP_PER_MINUTE"

	// Room quotas.
	envVarMaxRooms               = "MAX_ROOMS"
	envVarMaxParticipantsPerRoom = "MAX_PARTICIPANTS_PER_ROOM"

	// Multi-instance fan-out.
	envVarBroker    = "MOODSYNC_BROKER"
	envVarRedisURL  = "REDIS_URL"
	envVarNATSURL   = "NATS_URL"
	envVarKeyPrefix = "MOODSYNC_KEY_PREFIX"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr      = "127.0.0.1:3000"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	// DefaultSendQueueBytes bounds the outbound frames buffered per socket.
	// A socket that falls further behind than this is disconnected.
	DefaultSendQueueBytes = 1 << 20 // 1MiB

	DefaultBroker    Broker = BrokerLocal
	DefaultKeyPrefix        = "moodsync"

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "moodsync"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

// Broker selects how room membership and fan-out envelopes are shared.
type Broker string

const (
	BrokerLocal Broker = "local"
	BrokerRedis Broker = "redis"
	BrokerNATS  Broker = "nats"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// StaticDir, when set, is served at / so an operator-built browser client
	// can be hosted by the relay itself.
	StaticDir string

	// Signaling / WebSocket auth + hardening.
	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueBytes                int
	// MaxConnectsPerIPPerMinute caps WebSocket upgrades and room creations
	// per client IP. 0 disables the limit.
	MaxConnectsPerIPPerMinute int

	// Quotas. A value <= 0 means unlimited.
	MaxRooms               int
	MaxParticipantsPerRoom int

	Broker    Broker
	RedisURL  string
	NATSURL   string
	KeyPrefix string

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports a problem with the configured ICE servers. It is not
// fatal at startup; /readyz and /webrtc/ice surface it instead.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddrDefault := DefaultListenAddr
	if port := strings.TrimSpace(envOrDefault(lookup, envVarPort, "")); port != "" {
		listenAddrDefault = ":" + port
	}
	listenAddr := envOrDefault(lookup, envVarListenAddr, listenAddrDefault)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	staticDir := envOrDefault(lookup, envVarStaticDir, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueBytes, err := envIntOrDefault(lookup, envVarSendQueueBytes, DefaultSendQueueBytes)
	if err != nil {
		return Config{}, err
	}

	maxConnectsPerIPPerMinute, err := envIntOrDefault(lookup, envVarMaxConnectsPerIPPerMinute, 0)
	if err != nil {
		return Config{}, err
	}

	maxRooms, err := envIntOrDefault(lookup, envVarMaxRooms, 0)
	if err != nil {
		return Config{}, err
	}
	maxParticipantsPerRoom, err := envIntOrDefault(lookup, envVarMaxParticipantsPerRoom, 0)
	if err != nil {
		return Config{}, err
	}

	brokerStr := envOrDefault(lookup, envVarBroker, string(DefaultBroker))
	redisURL := envOrDefault(lookup, envVarRedisURL, "")
	natsURL := envOrDefault(lookup, envVarNATSURL, "")
	keyPrefix := envOrDefault(lookup, envVarKeyPrefix, DefaultKeyPrefix)

	fs := flag.NewFlagSet("moodsync-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+" or "+envVarPort+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory served at / for the browser client (env "+envVarStaticDir+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.DurationVar(&signalingAuthTimeout, "signaling-auth-timeout", signalingAuthTimeout, "Signaling WS auth timeout (env "+envVarSignalingAuthTimeout+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&sendQueueBytes, "signaling-send-queue-bytes", sendQueueBytes, "Max queued outbound bytes per socket before it is disconnected (env "+envVarSendQueueBytes+")")
	fs.IntVar(&maxConnectsPerIPPerMinute, "max-connects-per-ip-per-minute", maxConnectsPerIPPerMinute, "Max WebSocket upgrades and room creations per client IP per minute (0 = unlimited; env "+envVarMaxConnectsPerIPPerMinute+")")

	fs.IntVar(&maxRooms, "max-rooms", maxRooms, "Maximum concurrent rooms (0 = unlimited; env "+envVarMaxRooms+")")
	fs.IntVar(&maxParticipantsPerRoom, "max-participants-per-room", maxParticipantsPerRoom, "Maximum participants per room (0 = unlimited; env "+envVarMaxParticipantsPerRoom+")")

	fs.StringVar(&brokerStr, "broker", brokerStr, "Room registry and fan-out broker: local, redis, or nats (env "+envVarBroker+")")
	fs.StringVar(&redisURL, "redis-url", redisURL, "Redis URL for --broker=redis (env "+envVarRedisURL+")")
	fs.StringVar(&natsURL, "nats-url", natsURL, "NATS URL for --broker=nats (env "+envVarNATSURL+")")
	fs.StringVar(&keyPrefix, "key-prefix", keyPrefix, "Key/subject prefix used on the shared broker (env "+envVarKeyPrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if signalingAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-auth-timeout must be > 0", envVarSignalingAuthTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if int64(sendQueueBytes) < maxSignalingMessageBytes {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue-bytes must be >= %s (%d)", envVarSendQueueBytes, envVarMaxSignalingMessageBytes, maxSignalingMessageBytes)
	}
	if maxConnectsPerIPPerMinute < 0 {
		return Config{}, fmt.Errorf("%s/--max-connects-per-ip-per-minute must be >= 0", envVarMaxConnectsPerIPPerMinute)
	}

	broker, err := parseBroker(brokerStr)
	if err != nil {
		return Config{}, err
	}
	switch broker {
	case BrokerRedis:
		if err := validateBrokerURL(redisURL, "redis", "rediss"); err != nil {
			return Config{}, fmt.Errorf("%s/--redis-url: %w", envVarRedisURL, err)
		}
	case BrokerNATS:
		if err := validateBrokerURL(natsURL, "nats", "tls", "ws", "wss"); err != nil {
			return Config{}, fmt.Errorf("%s/--nats-url: %w", envVarNATSURL, err)
		}
	}
	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" || strings.ContainsAny(keyPrefix, " *>.:") {
		return Config{}, fmt.Errorf("invalid %s/--key-prefix %q (must be non-empty and must not contain spaces, '*', '>', '.', or ':')", envVarKeyPrefix, keyPrefix)
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		StaticDir:       strings.TrimSpace(staticDir),

		AuthMode:                      authMode,
		APIKey:                        apiKey,
		JWTSecret:                     jwtSecret,
		SignalingAuthTimeout:          signalingAuthTimeout,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SendQueueBytes:                sendQueueBytes,
		MaxConnectsPerIPPerMinute:     maxConnectsPerIPPerMinute,

		MaxRooms:               maxRooms,
		MaxParticipantsPerRoom: maxParticipantsPerRoom,

		Broker:    broker,
		RedisURL:  strings.TrimSpace(redisURL),
		NATSURL:   strings.TrimSpace(natsURL),
		KeyPrefix: keyPrefix,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseBroker(raw string) (Broker, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(BrokerLocal), "":
		return BrokerLocal, nil
	case string(BrokerRedis):
		return BrokerRedis, nil
	case string(BrokerNATS):
		return BrokerNATS, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarBroker, raw, BrokerLocal, BrokerRedis, BrokerNATS)
	}
}

func validateBrokerURL(raw string, schemes ...string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("must be set")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q (missing host)", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	for _, s := range schemes {
		if scheme == s {
			return nil
		}
	}
	return fmt.Errorf("invalid url %q (expected scheme %s)", raw, strings.Join(schemes, ", "))
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
