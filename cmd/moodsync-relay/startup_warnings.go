package main

import (
	"log/slog"
	"slices"

	"github.com/moodsync/relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication (any client may join any room as host)",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxRooms <= 0 {
		logger.Warn("startup security warning: MAX_ROOMS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_rooms_unlimited_in_prod",
			"max_rooms", cfg.MaxRooms,
			"mode", cfg.Mode,
		)
	}
	if cfg.Mode == config.ModeProd && cfg.MaxParticipantsPerRoom <= 0 {
		logger.Warn("startup security warning: MAX_PARTICIPANTS_PER_ROOM is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_participants_unlimited_in_prod",
			"max_participants_per_room", cfg.MaxParticipantsPerRoom,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (weakens per-socket memory limits)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Broker == config.BrokerNATS && cfg.RedisURL == "" {
		logger.Warn("startup warning: --broker=nats without REDIS_URL keeps rosters per instance (participants only see members joined through the same relay in roster frames)",
			"warning_code", "nats_without_shared_registry",
			"broker", cfg.Broker,
			"mode", cfg.Mode,
		)
	}
}
