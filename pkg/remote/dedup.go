package remote

import (
	"fmt"
	"sync"
	"time"
)

// DedupCache remembers recently seen envelopes so a peer relaying the
// same signal twice (retry, gossip echo) only counts once. Entries expire
// after the TTL; the map is swept lazily on insert.
type DedupCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	lastGC  time.Time
	now     func() time.Time
}

// NewDedupCache creates a cache with the given entry TTL
func NewDedupCache(ttl time.Duration) *DedupCache {
	return &DedupCache{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

func envelopeKey(e *Envelope) string {
	return fmt.Sprintf("%s/%d/%d", e.SourceID, e.Timestamp, e.Nonce)
}

// Seen records the envelope and reports whether it was already present
// and unexpired.
func (c *DedupCache) Seen(e *Envelope) bool {
	now := c.now()
	key := envelopeKey(e)

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastGC) > c.ttl {
		cutoff := now.Add(-c.ttl)
		for k, at := range c.seen {
			if at.Before(cutoff) {
				delete(c.seen, k)
			}
		}
		c.lastGC = now
	}

	if at, ok := c.seen[key]; ok && now.Sub(at) <= c.ttl {
		return true
	}
	c.seen[key] = now
	return false
}

// Len returns the number of unexpired entries currently tracked
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
