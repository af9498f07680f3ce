package bridge

import (
	"container/list"
	"sync"
	"time"
)

// cacheKey identifies one replay cache slot: a vehicle's messages on one
// logical stream ("fault_results" or "vehicle_health").
type cacheKey struct {
	vehicleID string
	stream    string
}

type cacheSlot struct {
	key      cacheKey
	messages [][]byte
}

// adaptiveCache is the bounded LRU per (vehicle_id, stream) spec.md §4.6
// describes: last N messages, replayed to a new subscriber and updated on
// every live tail. Grounded directly on the reference engine's resource
// manager (container/list LRU + map), with page cache entries replaced by
// per-vehicle-and-stream message slots, and a fixed capacity replaced by
// one adjusted at runtime by push-latency pressure instead of in-flight
// slot pressure.
type adaptiveCache struct {
	mu    sync.Mutex
	lru   *list.List
	index map[cacheKey]*list.Element

	maxKeys int

	retain    int // current per-key retained message count
	minRetain int
	maxRetain int

	shrinkThreshold time.Duration
	growIdle        time.Duration
	lastShrinkAt    time.Time

	hits, misses int64
}

func newAdaptiveCache(cfg Config) *adaptiveCache {
	return &adaptiveCache{
		lru:             list.New(),
		index:           make(map[cacheKey]*list.Element),
		maxKeys:         cfg.CacheMaxKeys,
		retain:          cfg.CacheStartMessages,
		minRetain:       cfg.CacheMinMessages,
		maxRetain:       cfg.CacheMaxMessages,
		shrinkThreshold: cfg.LatencyShrinkThreshold,
		growIdle:        cfg.LatencyGrowIdle,
		lastShrinkAt:    time.Time{},
	}
}

// Put records a newly pushed message for (vehicleID, stream), trimming to
// the current retained-message cap and evicting the least-recently-used
// key if the cache is at its key capacity.
func (c *adaptiveCache) Put(vehicleID, stream string, payload []byte) {
	key := cacheKey{vehicleID: vehicleID, stream: stream}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		slot := el.Value.(*cacheSlot)
		slot.messages = append(slot.messages, payload)
		if over := len(slot.messages) - c.retain; over > 0 {
			slot.messages = slot.messages[over:]
		}
		c.lru.MoveToFront(el)
		return
	}

	slot := &cacheSlot{key: key, messages: [][]byte{payload}}
	el := c.lru.PushFront(slot)
	c.index[key] = el
	if c.maxKeys > 0 {
		for len(c.index) > c.maxKeys {
			c.evictOldestLocked()
		}
	}
}

func (c *adaptiveCache) evictOldestLocked() {
	el := c.lru.Back()
	if el == nil {
		return
	}
	slot := el.Value.(*cacheSlot)
	delete(c.index, slot.key)
	c.lru.Remove(el)
}

// Replay returns the retained messages for (vehicleID, stream), oldest
// first, and records a hit/miss for observability.
func (c *adaptiveCache) Replay(vehicleID, stream string) [][]byte {
	key := cacheKey{vehicleID: vehicleID, stream: stream}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.misses++
		return nil
	}
	c.hits++
	c.lru.MoveToFront(el)
	slot := el.Value.(*cacheSlot)
	out := make([][]byte, len(slot.messages))
	copy(out, slot.messages)
	return out
}

// Stats returns cumulative hit/miss counts.
func (c *adaptiveCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// ObservePushLatency feeds one measured push latency into the adaptive
// sizing policy: shrink by one step immediately on a slow push (bounding
// memory when subscribers are falling behind), grow by one step once
// growIdle has elapsed without a shrink (recovering replay depth once the
// system is no longer under pressure).
func (c *adaptiveCache) ObservePushLatency(latency time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if latency >= c.shrinkThreshold {
		if c.retain > c.minRetain {
			c.retain--
		}
		c.lastShrinkAt = now
		return
	}
	if c.lastShrinkAt.IsZero() {
		c.lastShrinkAt = now
		return
	}
	if now.Sub(c.lastShrinkAt) >= c.growIdle && c.retain < c.maxRetain {
		c.retain++
		c.lastShrinkAt = now
	}
}

// CurrentRetain returns the cache's current per-key retained message cap.
func (c *adaptiveCache) CurrentRetain() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retain
}
