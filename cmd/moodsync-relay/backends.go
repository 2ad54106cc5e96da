package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/moodsync/relay/internal/broker"
	"github.com/moodsync/relay/internal/config"
	"github.com/moodsync/relay/internal/room"
)

// backends is the room registry and fan-out bus selected by --broker.
type backends struct {
	Store room.Store
	Bus   broker.Bus

	closers []func() error
}

// Close releases the bus before the store so no envelope arrives for a
// registry that is already gone.
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	limits := room.Limits{
		MaxRooms:               cfg.MaxRooms,
		MaxParticipantsPerRoom: cfg.MaxParticipantsPerRoom,
	}
	b := &backends{}

	switch cfg.Broker {
	case config.BrokerRedis:
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		store := room.NewRedisStore(client, cfg.KeyPrefix, limits)
		bus := broker.NewRedisBus(client, cfg.KeyPrefix, logger.With("component", "broker"))
		b.Store, b.Bus = store, bus
		b.closers = append(b.closers, store.Close, bus.Close)

	case config.BrokerNATS:
		// NATS carries the fan-out only. Rosters are shared when REDIS_URL is
		// also set; otherwise each instance keeps its own.
		if cfg.RedisURL != "" {
			client, err := openRedis(ctx, cfg.RedisURL)
			if err != nil {
				return nil, err
			}
			store := room.NewRedisStore(client, cfg.KeyPrefix, limits)
			b.Store = store
			b.closers = append(b.closers, store.Close)
		} else {
			store := room.NewMemoryStore(limits)
			b.Store = store
			b.closers = append(b.closers, store.Close)
		}

		nc, err := openNATS(cfg.NATSURL, logger)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		bus := broker.NewNATSBus(nc, cfg.KeyPrefix, logger.With("component", "broker"))
		b.Bus = bus
		b.closers = append(b.closers, func() error { nc.Close(); return nil }, bus.Close)

	default:
		store := room.NewMemoryStore(limits)
		bus := broker.NewLocalBus()
		b.Store, b.Bus = store, bus
		b.closers = append(b.closers, store.Close, bus.Close)
	}
	return b, nil
}

func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func openNATS(rawURL string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(rawURL,
		nats.Name("moodsync-relay"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "err", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}
