package compress

import "sync"

// embedCache is a bounded cache of query embeddings keyed by session and
// message text. When the cache is full the oldest-inserted entry is evicted.
// A long-lived process re-embeds the same recent queries often enough that
// an unbounded map would grow without limit.
//
// Safe for concurrent use.
type embedCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string][]float32
	order    []string // insertion order, oldest first
}

func newEmbedCache(capacity int) *embedCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &embedCache{
		capacity: capacity,
		entries:  make(map[string][]float32, capacity),
	}
}

// get returns the cached embedding for key, or nil when absent. Lookups do
// not refresh insertion order.
func (c *embedCache) get(key string) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key]
}

// put stores the embedding for key, evicting the oldest entry when full.
// Re-inserting an existing key updates the value without changing its
// position in the eviction order.
func (c *embedCache) put(key string, embedding []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = embedding
		return
	}

	for len(c.entries) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = embedding
	c.order = append(c.order, key)
}

// len reports the number of cached entries.
func (c *embedCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
