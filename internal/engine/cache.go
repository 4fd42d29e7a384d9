package engine

import (
	"sort"
	"sync"
	"time"
)

// ResultCache memoizes condition outcomes keyed by (condition
// fingerprint, raw command, working dir). Bursty identical commands —
// an AI agent retrying, a build script looping — pay per-condition cost
// once per TTL window.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]resultEntry
	ttl     time.Duration
	max     int
	now     func() time.Time
}

type resultEntry struct {
	value bool
	at    time.Time
}

// Default cache sizing.
const (
	DefaultResultTTL      = 3 * time.Second
	DefaultResultCapacity = 1024
	evictFraction         = 10 // remove oldest 1/10 when full
)

// NewResultCache creates a cache with the given TTL and capacity.
// Zero values select the defaults.
func NewResultCache(ttl time.Duration, max int) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	if max <= 0 {
		max = DefaultResultCapacity
	}
	return &ResultCache{
		entries: make(map[string]resultEntry),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
	}
}

func cacheKey(fingerprint, raw, workingDir string) string {
	return fingerprint + "\x00" + raw + "\x00" + workingDir
}

// Get returns the cached value and whether it is present and unexpired.
func (c *ResultCache) Get(fingerprint, raw, workingDir string) (bool, bool) {
	key := cacheKey(fingerprint, raw, workingDir)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false, false
	}
	if c.now().Sub(e.at) >= c.ttl {
		delete(c.entries, key)
		return false, false
	}
	return e.value, true
}

// Put records a condition outcome, evicting the oldest tenth of entries
// when the cache is full.
func (c *ResultCache) Put(fingerprint, raw, workingDir string, value bool) {
	key := cacheKey(fingerprint, raw, workingDir)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		c.evictLocked()
	}
	c.entries[key] = resultEntry{value: value, at: c.now()}
}

func (c *ResultCache) evictLocked() {
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.at})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	n := len(all) / evictFraction
	if n < 1 {
		n = 1
	}
	for _, a := range all[:n] {
		delete(c.entries, a.key)
	}
}

// Len returns the number of cached entries, expired or not.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
