// Package cache is a content-addressed LRU cache of tool responses.
// Entries are keyed by the SHA-256 of "<tool>:<canonical-args-JSON>"; Go's
// JSON encoder sorts map keys, so identical argument bundles hash identically
// regardless of insertion order.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// entry is one cached response.
type entry struct {
	key            string
	tool           string
	response       interface{}
	storedAt       time.Time
	lastAccessedAt time.Time
	ttl            time.Duration
	hits           int64
}

// Stats summarizes cache effectiveness.
type Stats struct {
	Entries   int     `json:"entries"`
	MaxSize   int     `json:"max_size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Evictions int64   `json:"evictions"`
	Expired   int64   `json:"expired"`
	TTLMs     int64   `json:"ttl_ms"`
}

// Cache holds responses up to a fixed entry count, evicting the least
// recently accessed entry when full.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxSize    int
	defaultTTL time.Duration

	hits      int64
	misses    int64
	evictions int64
	expired   int64

	logger *log.Logger
	now    func() time.Time
}

// New creates a cache. maxSize <= 0 disables storage entirely.
func New(maxSize int, defaultTTL time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		logger:     log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
		now:        time.Now,
	}
}

// Key derives the cache key for a tool call.
func Key(tool string, args map[string]interface{}) string {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}
	sum := sha256.Sum256([]byte(tool + ":" + string(argsJSON)))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached response for a call, expiring the entry in place
// if its TTL has lapsed.
func (c *Cache) Get(tool string, args map[string]interface{}) (interface{}, bool) {
	key := Key(tool, args)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	now := c.now()
	if now.Sub(e.storedAt) >= e.ttl {
		delete(c.entries, key)
		c.expired++
		c.misses++
		return nil, false
	}

	e.lastAccessedAt = now
	e.hits++
	c.hits++
	return e.response, true
}

// Put stores a response. A ttl of zero or below means the entry is not
// cacheable and is dropped; when the cache is full the least recently
// accessed entry is evicted first.
func (c *Cache) Put(tool string, args map[string]interface{}, response interface{}, ttl time.Duration) {
	if c.maxSize <= 0 || ttl <= 0 {
		return
	}
	key := Key(tool, args)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLRU()
	}
	c.entries[key] = &entry{
		key:            key,
		tool:           tool,
		response:       response,
		storedAt:       now,
		lastAccessedAt: now,
		ttl:            ttl,
	}
}

// evictLRU removes the entry with the oldest lastAccessedAt. Caller holds
// the lock.
func (c *Cache) evictLRU() {
	var oldest *entry
	for _, e := range c.entries {
		if oldest == nil || e.lastAccessedAt.Before(oldest.lastAccessedAt) {
			oldest = e
		}
	}
	if oldest != nil {
		delete(c.entries, oldest.key)
		c.evictions++
	}
}

// Clear removes entries. With a tool name only that tool's entries go;
// with the empty string everything goes. Returns the number removed.
func (c *Cache) Clear(tool string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tool == "" {
		n := len(c.entries)
		c.entries = make(map[string]*entry)
		return n
	}
	n := 0
	for key, e := range c.entries {
		if e.tool == tool {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Stats purges expired entries opportunistically and reports counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if now.Sub(e.storedAt) >= e.ttl {
			delete(c.entries, key)
			c.expired++
		}
	}

	st := Stats{
		Entries:   len(c.entries),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
		TTLMs:     c.defaultTTL.Milliseconds(),
	}
	if total := c.hits + c.misses; total > 0 {
		st.HitRate = float64(c.hits) / float64(total)
	}
	return st
}
