package dnsengine

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// cacheKey fingerprints a question the way spec.md §4.2 defines cache
// identity: (name, qtype, qclass), always keyed on the original
// question even when the answer resolves through a CNAME chain.
type cacheKey struct {
	name   string
	qtype  uint16
	qclass uint16
}

type cacheEntry struct {
	rrs        []dns.RR
	insertedAt time.Time
	expiresAt  time.Time
}

// Cache is a size-bounded, RWMutex-guarded DNS answer cache. Overflow
// evicts the oldest insertion; a periodic Sweep removes anything past
// its expiry regardless of size pressure.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	order   []cacheKey
	max     int
}

func NewCache(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Cache{entries: map[cacheKey]cacheEntry{}, max: maxEntries}
}

// Insert stores rrs (with OPT records already stripped by the caller)
// for key, expiring ttl seconds from now.
func (c *Cache) Insert(name string, qtype, qclass uint16, rrs []dns.RR, ttl uint32, now time.Time) {
	key := cacheKey{name: normalizeDomain(name), qtype: qtype, qclass: qclass}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{
		rrs:        rrs,
		insertedAt: now,
		expiresAt:  now.Add(time.Duration(ttl) * time.Second),
	}
}

// Lookup returns the cached record set for (name, qtype, qclass) and
// its remaining TTL, provided it has not expired as of now. Expired
// entries are reported as a miss (Sweep reclaims them separately so
// Lookup itself stays read-mostly).
func (c *Cache) Lookup(name string, qtype, qclass uint16, now time.Time) ([]dns.RR, time.Duration, bool) {
	key := cacheKey{name: normalizeDomain(name), qtype: qtype, qclass: qclass}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ent, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	remaining := ent.expiresAt.Sub(now)
	if remaining <= 0 {
		return nil, 0, false
	}
	return ent.rrs, remaining, true
}

// Sweep removes every entry whose expiry is at or before now, meant to
// run on a 30s ticker (spec.md §4.2).
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	kept := c.order[:0:0]
	for _, key := range c.order {
		ent, ok := c.entries[key]
		if !ok {
			continue
		}
		if !now.Before(ent.expiresAt) {
			delete(c.entries, key)
			removed++
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
	return removed
}

// Clear empties the cache, used on SIGHUP config reload.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[cacheKey]cacheEntry{}
	c.order = nil
}

// Len reports the current entry count, for diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
