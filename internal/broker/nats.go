package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBus publishes JSON envelopes on <prefix>.room.<code> and subscribes to
// <prefix>.room.*. NATS delivers a subscription's messages in order on one
// goroutine, which keeps per-publisher ordering.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	log    *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATSBus(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSBus {
	return &NATSBus{nc: nc, prefix: prefix, log: logger}
}

func (b *NATSBus) subject(room string) string {
	return b.prefix + ".room." + room
}

func (b *NATSBus) Publish(_ context.Context, e Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject(e.Room), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", e.Room, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return fmt.Errorf("nats bus already subscribed")
	}

	sub, err := b.nc.Subscribe(b.subject("*"), func(msg *nats.Msg) {
		var e Envelope
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			b.log.Warn("dropping undecodable envelope", "subject", msg.Subject, "err", err)
			return
		}
		h(e)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	// Make sure the server has registered the interest before returning.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}
	b.sub = sub
	return nil
}

// Close drains the subscription. The connection is owned by the caller.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Drain()
}
