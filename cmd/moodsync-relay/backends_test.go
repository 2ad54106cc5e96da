package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/moodsync/relay/internal/broker"
	"github.com/moodsync/relay/internal/config"
	"github.com/moodsync/relay/internal/room"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenBackendsLocal(t *testing.T) {
	ctx := context.Background()
	b, err := openBackends(ctx, config.Config{Broker: config.BrokerLocal, KeyPrefix: "moodsync", MaxParticipantsPerRoom: 1}, discardLogger())
	if err != nil {
		t.Fatalf("openBackends: %v", err)
	}
	defer b.Close()

	if _, ok := b.Store.(*room.MemoryStore); !ok {
		t.Fatalf("store=%T, want *room.MemoryStore", b.Store)
	}
	if _, ok := b.Bus.(*broker.LocalBus); !ok {
		t.Fatalf("bus=%T, want *broker.LocalBus", b.Bus)
	}

	if _, err := b.Store.Join(ctx, "ROOM", room.Participant{ID: "a"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := b.Store.Join(ctx, "ROOM", room.Participant{ID: "b"}); !errors.Is(err, room.ErrRoomFull) {
		t.Fatalf("second Join err=%v, want ErrRoomFull (limits must reach the store)", err)
	}
}

func TestOpenBackendsNATSWithoutServer(t *testing.T) {
	_, err := openBackends(context.Background(), config.Config{
		Broker:    config.BrokerNATS,
		NATSURL:   "nats://127.0.0.1:1",
		KeyPrefix: "moodsync",
	}, discardLogger())
	if err == nil {
		t.Fatalf("expected connect error")
	}
}

func TestOpenBackendsRedis(t *testing.T) {
	url := os.Getenv("MOODSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("MOODSYNC_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := openBackends(ctx, config.Config{Broker: config.BrokerRedis, RedisURL: url, KeyPrefix: "moodsynccmdtest"}, discardLogger())
	if err != nil {
		t.Fatalf("openBackends: %v", err)
	}
	defer b.Close()
	if _, ok := b.Store.(*room.RedisStore); !ok {
		t.Fatalf("store=%T, want *room.RedisStore", b.Store)
	}
	if _, ok := b.Bus.(*broker.RedisBus); !ok {
		t.Fatalf("bus=%T, want *broker.RedisBus", b.Bus)
	}
}
