package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/moodsync/relay/internal/config"
	"github.com/moodsync/relay/internal/httpserver"
	"github.com/moodsync/relay/internal/hub"
	"github.com/moodsync/relay/internal/metrics"
	"github.com/moodsync/relay/internal/mood"
	"github.com/moodsync/relay/internal/signaling"
	"github.com/moodsync/relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting moodsync-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"broker", cfg.Broker,
		"key_prefix", cfg.KeyPrefix,
		"max_rooms", cfg.MaxRooms,
		"max_participants_per_room", cfg.MaxParticipantsPerRoom,
		"turn_rest", cfg.TURNREST.Enabled(),
		"turn_rest_realm", cfg.TURNREST.Realm,
		"static_dir", cfg.StaticDir,
	)
	logStartupSecurityWarnings(logger, cfg)

	ice := turnrest.Source{Servers: cfg.ICEServers}
	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
		ice.Generator = gen
	}

	authz, err := signaling.NewAuthorizer(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := openBackends(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect broker", "broker", cfg.Broker, "err", err)
		os.Exit(1)
	}
	defer backends.Close()

	m := metrics.New()
	board := mood.NewBoard()
	stream := mood.NewStream(board)
	defer stream.Close()

	h, err := hub.New(ctx, hub.Config{
		Store:   backends.Store,
		Bus:     backends.Bus,
		Board:   board,
		Stream:  stream,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to subscribe to broker", "broker", cfg.Broker, "err", err)
		os.Exit(1)
	}
	logger.Info("hub ready", "instance_id", h.InstanceID())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, ice)

	sigCfg := signaling.ConfigFrom(cfg)
	sigCfg.Hub = h
	sigCfg.Store = backends.Store
	sigCfg.Stream = stream
	sigCfg.ICE = ice
	sigCfg.Authorizer = authz
	sigCfg.Metrics = m
	sigCfg.Logger = logger
	signaling.NewServer(sigCfg).RegisterRoutes(srv.Mux())

	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// SSE handlers only return once their stream is closed, so close it
	// before waiting on in-flight requests.
	stream.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` / dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
