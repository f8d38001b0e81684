// Package cache provides the process-scoped TTL caches used on the request
// path: query-expansion results, pipeline results and per-document token
// embeddings. Entries expire by TTL and the cache is size-bounded with
// least-recently-used eviction.
package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	value      V
	expiresAt  time.Time
	lastAccess time.Time
}

// TTLCache is safe for concurrent use. The zero value is not usable;
// construct with New.
type TTLCache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*entry[V]
	ttl        time.Duration
	maxEntries int
}

// New builds a cache holding at most maxEntries values for at most ttl each.
// maxEntries <= 0 means unbounded; ttl <= 0 means entries never expire.
func New[V any](ttl time.Duration, maxEntries int) *TTLCache[V] {
	return &TTLCache[V]{
		entries:    make(map[string]*entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get returns the cached value when present and unexpired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	now := time.Now()
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	e.lastAccess = now
	return e.value, true
}

// Set stores value under key, evicting expired then least-recently-used
// entries when the size bound is exceeded.
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	e := &entry[V]{value: value, lastAccess: now}
	if c.ttl > 0 {
		e.expiresAt = now.Add(c.ttl)
	}
	c.entries[key] = e

	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evict(now)
	}
}

// evict removes expired entries, then the least recently used, until the
// cache fits. Caller holds the lock.
func (c *TTLCache[V]) evict(now time.Time) {
	for k, e := range c.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	for len(c.entries) > c.maxEntries {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.lastAccess.Before(oldest) {
				oldestKey = k
				oldest = e.lastAccess
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Len reports the number of entries, expired included until next eviction.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops everything.
func (c *TTLCache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
}

// Key derives a stable cache key from its parts: lowercased, trimmed, joined
// and hashed so arbitrarily long inputs stay bounded.
func Key(parts ...string) string {
	h := sha1.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(strings.ToLower(strings.TrimSpace(p))))
	}
	return hex.EncodeToString(h.Sum(nil))
}
