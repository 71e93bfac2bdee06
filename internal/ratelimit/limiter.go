// ABOUTME: Thread-safe, size-bounded cache of per-key token-bucket limiters.
// ABOUTME: Used to cap how often a single user may perform an expensive action.

package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMaxKeys bounds the number of tracked keys.
const DefaultMaxKeys = 10000

// limiterEntry stores the limiter, last use and list element for a key.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	element  *list.Element
}

// KeyedLimiter hands out up to Limit events per Window for each key.
// Keys idle for longer than Window are forgotten, and when the cache is full
// the least recently used key is evicted. Uses a doubly-linked list to keep
// recency order for O(1) eviction.
type KeyedLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	order   *list.List // keys, least recently used at front
	every   rate.Limit
	burst   int
	window  time.Duration
	maxKeys int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option customises a KeyedLimiter.
type Option func(*KeyedLimiter)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(k *KeyedLimiter) { k.now = now }
}

// WithMaxKeys bounds the number of tracked keys.
func WithMaxKeys(n int) Option {
	return func(k *KeyedLimiter) {
		if n > 0 {
			k.maxKeys = n
		}
	}
}

// New creates a limiter allowing limit events per window for each key.
// A background goroutine periodically forgets idle keys.
func New(limit int, window time.Duration, opts ...Option) *KeyedLimiter {
	if limit < 1 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	k := &KeyedLimiter{
		entries: make(map[string]*limiterEntry),
		order:   list.New(),
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		window:  window,
		maxKeys: DefaultMaxKeys,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	go k.cleanup()
	return k
}

// Allow reports whether key may perform one more event now, consuming it if so.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	return k.entryLocked(key, now).limiter.AllowN(now, 1)
}

// RetryAfter returns how long key must wait before its next event is allowed.
// It does not consume anything.
func (k *KeyedLimiter) RetryAfter(key string) time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.entries[key]
	if !ok {
		return 0
	}
	now := k.now()
	r := entry.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return delay
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// entryLocked returns the entry for key, creating it if needed. Must be called with mu held.
func (k *KeyedLimiter) entryLocked(key string, now time.Time) *limiterEntry {
	if entry, exists := k.entries[key]; exists {
		entry.lastSeen = now
		k.order.MoveToBack(entry.element)
		return entry
	}

	if len(k.entries) >= k.maxKeys {
		k.evictOldest()
	}

	entry := &limiterEntry{
		limiter:  rate.NewLimiter(k.every, k.burst),
		lastSeen: now,
		element:  k.order.PushBack(key),
	}
	k.entries[key] = entry
	return entry
}

// evictOldest removes the least recently used key. Must be called with mu held.
func (k *KeyedLimiter) evictOldest() {
	front := k.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	k.order.Remove(front)
	delete(k.entries, key)
}

// cleanup runs in a background goroutine, periodically forgetting idle keys.
func (k *KeyedLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			k.runCleanup()
		case <-k.done:
			return
		}
	}
}

// runCleanup forgets keys idle for at least a full window; their buckets are full again.
func (k *KeyedLimiter) runCleanup() {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	for key, entry := range k.entries {
		if now.Sub(entry.lastSeen) >= k.window {
			k.order.Remove(entry.element)
			delete(k.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (k *KeyedLimiter) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.closed {
		close(k.done)
		k.closed = true
	}
}
