package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

func (e entry[V]) fresh(now time.Time) bool {
	return now.Sub(e.storedAt) < e.ttl
}

// TTL is a keyed store whose entries expire after a per-entry duration.
// There is no size bound; expired entries are evicted when read.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[K]entry[V]
}

func New[K comparable, V any]() *TTL[K, V] {
	return NewWithClock[K, V](time.Now)
}

func NewWithClock[K comparable, V any](now func() time.Time) *TTL[K, V] {
	return &TTL[K, V]{now: now, entries: make(map[K]entry[V])}
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.fresh(c.now()) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key. A non-positive ttl stores nothing.
func (c *TTL[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, storedAt: c.now(), ttl: ttl}
	c.mu.Unlock()
}

// Clear removes the given keys, or every entry when called without keys.
func (c *TTL[K, V]) Clear(keys ...K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(keys) == 0 {
		c.entries = make(map[K]entry[V])
		return
	}
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// Remaining returns how long key stays fresh, or false if it is absent.
func (c *TTL[K, V]) Remaining(key K) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	now := c.now()
	if !e.fresh(now) {
		delete(c.entries, key)
		return 0, false
	}
	return e.ttl - now.Sub(e.storedAt), true
}

// Len counts stored entries, including expired ones not yet read.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
