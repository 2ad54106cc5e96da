// Package ratelimit keeps one token bucket per key, typically a client IP,
// with a bounded number of tracked keys.
package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// DefaultMaxKeys bounds memory when Config.MaxKeys is unset.
const DefaultMaxKeys = 10000

type Config struct {
	// PerMinute is the sustained number of events allowed per key per
	// minute; it is also the burst. PerMinute <= 0 disables limiting.
	PerMinute int
	// MaxKeys caps the number of tracked keys. The least recently used key
	// is forgotten first, which resets its bucket.
	MaxKeys int
	Clock   Clock
	// OnEvict is called, without the lock held, after a key is forgotten.
	OnEvict func()
}

type entry struct {
	key string
	lim *rate.Limiter
}

// Keyed is safe for concurrent use. A nil *Keyed allows everything.
type Keyed struct {
	limit   rate.Limit
	burst   int
	maxKeys int
	clock   Clock
	onEvict func()

	mu      sync.Mutex
	lru     *list.List // front = most recently used
	entries map[string]*list.Element
}

// NewKeyed returns nil when cfg.PerMinute <= 0.
func NewKeyed(cfg Config) *Keyed {
	if cfg.PerMinute <= 0 {
		return nil
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	return &Keyed{
		limit:   rate.Every(time.Minute / time.Duration(cfg.PerMinute)),
		burst:   cfg.PerMinute,
		maxKeys: cfg.MaxKeys,
		clock:   cfg.Clock,
		onEvict: cfg.OnEvict,
		lru:     list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Allow consumes one token from key's bucket.
func (k *Keyed) Allow(key string) bool {
	if k == nil {
		return true
	}

	evicted := false
	k.mu.Lock()
	el, ok := k.entries[key]
	if ok {
		k.lru.MoveToFront(el)
	} else {
		if k.lru.Len() >= k.maxKeys {
			oldest := k.lru.Back()
			k.lru.Remove(oldest)
			delete(k.entries, oldest.Value.(*entry).key)
			evicted = true
		}
		el = k.lru.PushFront(&entry{key: key, lim: rate.NewLimiter(k.limit, k.burst)})
		k.entries[key] = el
	}
	allowed := el.Value.(*entry).lim.AllowN(k.clock.Now(), 1)
	k.mu.Unlock()

	if evicted && k.onEvict != nil {
		k.onEvict()
	}
	return allowed
}

// Len reports the number of tracked keys.
func (k *Keyed) Len() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lru.Len()
}
