package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/llamawrapper/gateway/internal/obsmetrics"
)

type entry struct {
	data      []byte
	modelID   string
	createdAt time.Time
}

// ResponseCache caches responses for deterministic requests (temperature=0).
type ResponseCache struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	maxEntries int
	ttl        time.Duration
}

func New(maxEntries int, ttlSec int) *ResponseCache {
	c := &ResponseCache{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		ttl:        time.Duration(ttlSec) * time.Second,
	}
	// Periodic cleanup
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			c.cleanup()
		}
	}()
	return c
}

// CacheKey generates a deterministic key from the request body.
// Only caches if temperature is explicitly 0; a request without a
// temperature field is not cached.
func CacheKey(body []byte) (string, bool) {
	var req map[string]interface{}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", false
	}

	// Only cache deterministic requests
	temp, ok := req["temperature"]
	if !ok {
		return "", false // don't cache if temperature not explicitly 0
	}
	tempFloat, ok := temp.(float64)
	if !ok || tempFloat != 0 {
		return "", false
	}

	// Don't cache streaming requests
	if stream, ok := req["stream"].(bool); ok && stream {
		return "", false
	}

	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:]), true
}

// Get returns cached response data and true if found and not expired,
// recording a cache hit or miss for modelID on the gateway's response-cache
// counters.
func (c *ResponseCache) Get(modelID, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Since(e.createdAt) > c.ttl {
		obsmetrics.CacheMissesTotal.WithLabelValues(modelID).Inc()
		return nil, false
	}
	obsmetrics.CacheHitsTotal.WithLabelValues(modelID).Inc()
	return e.data, true
}

// Set stores a response in the cache under modelID for per-model hit-rate
// reporting.
func (c *ResponseCache) Set(modelID, key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict oldest if at capacity
	if len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldestTime time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.createdAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = e.createdAt
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
		}
	}

	c.entries[key] = &entry{
		data:      data,
		modelID:   modelID,
		createdAt: time.Now(),
	}
}

func (c *ResponseCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, k)
		}
	}
}

// Stats returns cache statistics.
func (c *ResponseCache) Stats() (size int, maxSize int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), c.maxEntries
}
