package oauth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"mcpgate/pkg/logging"
)

// cacheEntry is immutable once stored.
type cacheEntry struct {
	token     string
	expiresAt time.Time
}

// tokenCache stores exchanged tokens keyed by (sha256(subject_token),
// audience). Entries are bounded by both the token's own exp and the
// configured max TTL; an entry is never served past its expiry. Expired
// entries are dropped on read and by a periodic background sweep; callers
// MUST call stop to release the sweep goroutine.
type tokenCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	maxTTL  time.Duration

	stopSweep chan struct{}
	stopOnce  sync.Once
}

func newTokenCache(maxTTL time.Duration) *tokenCache {
	c := &tokenCache{
		entries:   make(map[string]cacheEntry),
		maxTTL:    maxTTL,
		stopSweep: make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

// cacheKey hashes the subject token so raw credentials never sit in map keys.
func cacheKey(subjectToken, audience string) string {
	sum := sha256.Sum256([]byte(subjectToken))
	return hex.EncodeToString(sum[:]) + "|" + audience
}

func (c *tokenCache) get(subjectToken, audience string) (string, bool) {
	key := cacheKey(subjectToken, audience)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock: another goroutine may have
		// refreshed the entry meanwhile.
		if cur, ok := c.entries[key]; ok && time.Now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return "", false
	}
	return entry.token, true
}

// put stores a token. tokenExp is the token's own expiry; the zero value
// means unknown, in which case only maxTTL applies.
func (c *tokenCache) put(subjectToken, audience, token string, tokenExp time.Time) {
	expiresAt := time.Now().Add(c.maxTTL)
	if !tokenExp.IsZero() && tokenExp.Before(expiresAt) {
		expiresAt = tokenExp
	}
	if !expiresAt.After(time.Now()) {
		return
	}

	c.mu.Lock()
	c.entries[cacheKey(subjectToken, audience)] = cacheEntry{token: token, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *tokenCache) invalidate(subjectToken, audience string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(subjectToken, audience))
	c.mu.Unlock()
}

func (c *tokenCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// minSweepInterval bounds sweep frequency for very short max TTLs.
const minSweepInterval = time.Second

func (c *tokenCache) sweepLoop() {
	interval := c.maxTTL / 2
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := c.sweep(); removed > 0 {
				logging.Debug("TokenExchange", "Swept %d expired cached tokens", removed)
			}
		case <-c.stopSweep:
			return
		}
	}
}

// sweep removes all expired entries and returns how many were dropped.
func (c *tokenCache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// stop halts the sweep goroutine. Safe to call more than once.
func (c *tokenCache) stop() {
	c.stopOnce.Do(func() {
		close(c.stopSweep)
	})
}
