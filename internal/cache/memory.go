package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/manifold-labs/docsearch/internal/clock"
)

// memCache is an in-process Cache with approximate byte-budget LRU
// eviction, for tests and for running without a configured Redis backend.
type memCache struct {
	mu        sync.Mutex
	clock     clock.Clock
	maxBytes  int64
	curBytes  int64
	entries   map[string]*list.Element
	evictList *list.List
}

type memEntry struct {
	key       string
	value     Entry
	expiresAt time.Time
	size      int64
}

// NewMemoryCache returns a Cache bounded by maxBytes of stored value data,
// evicting least-recently-used entries once the budget is exceeded.
func NewMemoryCache(maxBytes int64, c clock.Clock) Cache {
	if c == nil {
		c = clock.System{}
	}
	return &memCache{
		clock:     c,
		maxBytes:  maxBytes,
		entries:   make(map[string]*list.Element),
		evictList: list.New(),
	}
}

func (c *memCache) Get(ctx context.Context, tenant string, kind Kind, fingerprint string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(tenant, kind, fingerprint)
	el, ok := c.entries[k]
	if !ok {
		return Entry{}, false
	}
	e := el.Value.(*memEntry)
	if c.clock.Now().After(e.expiresAt) {
		c.removeElement(el)
		return Entry{}, false
	}
	c.evictList.MoveToFront(el)
	return e.value, true
}

func (c *memCache) Set(ctx context.Context, tenant string, kind Kind, fingerprint string, value Entry, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = DefaultTTL(kind)
	}
	k := key(tenant, kind, fingerprint)
	size := int64(len(value.Value)) + 1

	if el, ok := c.entries[k]; ok {
		old := el.Value.(*memEntry)
		c.curBytes -= old.size
		old.value = value
		old.expiresAt = c.clock.Now().Add(ttl)
		old.size = size
		c.curBytes += size
		c.evictList.MoveToFront(el)
	} else {
		e := &memEntry{key: k, value: value, expiresAt: c.clock.Now().Add(ttl), size: size}
		el := c.evictList.PushFront(e)
		c.entries[k] = el
		c.curBytes += size
	}

	for c.maxBytes > 0 && c.curBytes > c.maxBytes {
		oldest := c.evictList.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}
}

func (c *memCache) removeElement(el *list.Element) {
	e := el.Value.(*memEntry)
	c.evictList.Remove(el)
	delete(c.entries, e.key)
	c.curBytes -= e.size
}
