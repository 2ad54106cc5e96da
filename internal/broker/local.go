package broker

import (
	"context"
	"sync"
)

// LocalBus delivers envelopes synchronously in the publishing goroutine.
// Publish must not be called while holding a lock the handler takes.
type LocalBus struct {
	mu      sync.RWMutex
	handler Handler
	closed  bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(_ context.Context, e Envelope) error {
	b.mu.RLock()
	h, closed := b.handler, b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if h != nil {
		h(e)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handler = h
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
