package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes JSON envelopes on <prefix>:room:<code> and pattern
// subscribes to <prefix>:room:*.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	log    *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisBus(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, prefix: prefix, log: logger}
}

func (b *RedisBus) channel(room string) string {
	return b.prefix + ":room:" + room
}

func (b *RedisBus) Publish(ctx context.Context, e Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(e.Room), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", e.Room, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return fmt.Errorf("redis bus already subscribed")
	}

	ps := b.client.PSubscribe(ctx, b.channel("*"))
	// Wait for the subscription to be confirmed so nothing published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	b.pubsub = ps
	b.done = make(chan struct{})
	go b.loop(ps.Channel(), h, b.done)
	return nil
}

func (b *RedisBus) loop(ch <-chan *redis.Message, h Handler, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var e Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			b.log.Warn("dropping undecodable envelope", "channel", msg.Channel, "err", err)
			continue
		}
		h(e)
	}
}

// Close stops the subscription. The redis client itself is owned by the
// caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	ps, done := b.pubsub, b.done
	b.pubsub = nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
