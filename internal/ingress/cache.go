package ingress

import (
	"sync"
	"time"

	"github.com/couriermq/courier/internal/authclient"
	"github.com/couriermq/courier/internal/clock"
)

// cacheSweepThreshold bounds the map before expired entries are swept.
const cacheSweepThreshold = 4096

// clientCache memoizes fingerprint lookups so a busy sender does not pay
// an authority round trip per message. Entries expire after ttl, which is
// also how long a revocation can go unnoticed here.
type clientCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clk     clock.Clock
	entries map[string]cacheEntry
}

type cacheEntry struct {
	info    authclient.ClientInfo
	expires time.Time
}

func newClientCache(ttl time.Duration, clk clock.Clock) *clientCache {
	return &clientCache{
		ttl:     ttl,
		clk:     clk,
		entries: make(map[string]cacheEntry),
	}
}

func (c *clientCache) get(fingerprint string) (*authclient.ClientInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}
	if c.clk.Now().After(e.expires) {
		delete(c.entries, fingerprint)
		return nil, false
	}
	info := e.info
	return &info, true
}

func (c *clientCache) put(fingerprint string, info authclient.ClientInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if len(c.entries) >= cacheSweepThreshold {
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[fingerprint] = cacheEntry{info: info, expires: now.Add(c.ttl)}
}
