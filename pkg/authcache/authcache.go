// Package authcache remembers recent successful logins so that clients
// polling every few minutes do not pay for a password hash check each time.
//
// Passwords are never stored. An entry holds a keyed BLAKE3 digest of the
// password under a key generated when the cache is created.
package authcache

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/pkg/metrics"
	"lukechampine.com/blake3"
)

type entry struct {
	digest    []byte
	expiresAt time.Time
}

// AuthCache maps user names to the digest of the last password that
// authenticated successfully.
type AuthCache struct {
	mu      sync.Mutex
	entries map[string]entry
	key     []byte
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache whose entries live for ttl. Expired entries are swept
// every cleanupInterval until ctx is cancelled.
func New(ctx context.Context, ttl time.Duration, maxSize int, cleanupInterval time.Duration) *AuthCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}

	c := &AuthCache{
		entries: make(map[string]entry),
		key:     key,
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
	go c.cleanupLoop(ctx, cleanupInterval)

	logger.Info("AuthCache: initialized", "ttl", ttl, "max_size", maxSize)
	return c
}

func (c *AuthCache) digest(user, password string) []byte {
	h := blake3.New(32, c.key)
	h.Write([]byte(user))
	h.Write([]byte{0})
	h.Write([]byte(password))
	return h.Sum(nil)
}

// Verify reports whether password matches a live entry for user.
func (c *AuthCache) Verify(user, password string) bool {
	d := c.digest(user, password)

	c.mu.Lock()
	e, ok := c.entries[user]
	c.mu.Unlock()

	if !ok || c.now().After(e.expiresAt) || subtle.ConstantTimeCompare(e.digest, d) != 1 {
		metrics.AuthCacheLookups.WithLabelValues("miss").Inc()
		return false
	}
	metrics.AuthCacheLookups.WithLabelValues("hit").Inc()
	return true
}

// Remember records a successful authentication.
func (c *AuthCache) Remember(user, password string) {
	d := c.digest(user, password)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[user]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[user] = entry{digest: d, expiresAt: c.now().Add(c.ttl)}
	metrics.AuthCacheEntries.Set(float64(len(c.entries)))
}

// Invalidate drops the entry of user, e.g. after a failed login or a
// password change.
func (c *AuthCache) Invalidate(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, user)
	metrics.AuthCacheEntries.Set(float64(len(c.entries)))
}

// Len returns the number of entries, expired ones included.
func (c *AuthCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest removes the entry closest to expiry. Caller holds mu.
func (c *AuthCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	delete(c.entries, oldestKey)
}

func (c *AuthCache) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *AuthCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		logger.Debug("AuthCache: removed expired entries", "removed", removed, "remaining", len(c.entries))
		metrics.AuthCacheEntries.Set(float64(len(c.entries)))
	}
}
