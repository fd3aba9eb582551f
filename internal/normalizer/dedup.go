package normalizer

import (
	"container/list"
	"sync"
	"time"
)

// DedupStore records whether an event ID has already been processed within
// a TTL window. SeenOrMark is atomic: a concurrent call with the same key
// must not let both return false. The default is the in-memory LRU below;
// RedisDedupStore (dedup_redis.go) backs this with a shared store instead,
// for a gateway running more than one instance behind the same queue.
type DedupStore interface {
	SeenOrMark(key string) bool
}

// DedupCache is a fixed-capacity, TTL-bounded LRU used to detect repeated
// event deliveries (spec §4.1, spec invariant 3: dedup idempotence). It is
// the default DedupStore: single-process, no external dependency.
type DedupCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List // front = most recently seen
}

type dedupEntry struct {
	key  string
	seen time.Time
}

// NewDedupCache constructs a cache bounded to capacity entries, each
// expiring ttl after it was first marked (a repeat hit does not extend it).
func NewDedupCache(capacity int, ttl time.Duration) *DedupCache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DedupCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// SeenOrMark returns true if key was already marked within the TTL window,
// otherwise marks it as seen now and returns false.
func (c *DedupCache) SeenOrMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*dedupEntry)
		if now.Sub(entry.seen) <= c.ttl {
			c.order.MoveToFront(el)
			return true
		}
		// Expired: treat as a fresh event.
		c.order.Remove(el)
		delete(c.entries, key)
	}

	el := c.order.PushFront(&dedupEntry{key: key, seen: now})
	c.entries[key] = el

	for c.order.Len() > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.order.Remove(back)
		delete(c.entries, back.Value.(*dedupEntry).key)
	}
	return false
}
