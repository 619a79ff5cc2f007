package outbound

import (
	"container/list"
	"sync"
	"time"

	"github.com/beeper/bridgefabric/internal/adapter"
)

// sentCache is a bounded, TTL-expiring idempotency cache keyed by
// idempotency key (spec.md §4.5: "a sent-idempotency cache (LRU of bounded
// size)"). It is read and written from Gateway.submit on the callers'
// goroutines, not from the partition workers, so it is guarded by a mutex.
type sentCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	index    map[string]*list.Element
}

type sentCacheEntry struct {
	key       string
	result    adapter.SendResult
	expiresAt time.Time
}

func newSentCache(capacity int, ttl time.Duration) *sentCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &sentCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		index:    map[string]*list.Element{},
	}
}

func (c *sentCache) get(key string) (adapter.SendResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return adapter.SendResult{}, false
	}
	entry := el.Value.(*sentCacheEntry)
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.index, key)
		return adapter.SendResult{}, false
	}
	c.order.MoveToFront(el)
	return entry.result, true
}

func (c *sentCache) put(key string, result adapter.SendResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Time{}
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}

	if el, ok := c.index[key]; ok {
		entry := el.Value.(*sentCacheEntry)
		entry.result = result
		entry.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	entry := &sentCacheEntry{key: key, result: result, expiresAt: expiresAt}
	el := c.order.PushFront(entry)
	c.index[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*sentCacheEntry).key)
	}
}
