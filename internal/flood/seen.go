package flood

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
)

// DefaultDedupCapacity bounds the number of remembered packet ids.
const DefaultDedupCapacity = 65536

// seenEntry tracks one packet id.
type seenEntry struct {
	seenAt time.Time
	from   string
	relays int
}

// SeenCache remembers packet ids for loop suppression. It is bounded: once
// full, the least recently observed id is evicted. An evicted id that
// arrives again is treated as new, so capacity must exceed the number of
// ids still circulating in the mesh.
type SeenCache struct {
	mu        sync.Mutex
	lru       *simplelru.LRU
	maxRelays int
}

// NewSeenCache creates a cache holding up to capacity ids, each relayed at
// most maxRelays times.
func NewSeenCache(capacity, maxRelays int) (*SeenCache, error) {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	if maxRelays <= 0 {
		maxRelays = 1
	}
	lru, err := simplelru.NewLRU(capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("create seen cache: %w", err)
	}
	return &SeenCache{lru: lru, maxRelays: maxRelays}, nil
}

// Observe records id as seen from addr and reports whether it was new.
// The id is recorded whether or not the packet is later accepted.
func (c *SeenCache) Observe(id, from string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lru.Get(id); ok {
		return false
	}
	c.lru.Add(id, &seenEntry{seenAt: time.Now(), from: from})
	return true
}

// Contains reports whether id is remembered.
func (c *SeenCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(id)
}

// TryRelay consumes one relay for id and reports whether it was available.
func (c *SeenCache) TryRelay(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Peek(id)
	if !ok {
		c.lru.Add(id, &seenEntry{seenAt: time.Now(), relays: 1})
		return true
	}
	e := v.(*seenEntry)
	if e.relays >= c.maxRelays {
		return false
	}
	e.relays++
	return true
}

// Len returns the number of remembered ids.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear forgets every id.
func (c *SeenCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
