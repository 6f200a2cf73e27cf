package license

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// catalogEntry is a cached product or tier lookup
type catalogEntry struct {
	product  Product
	tier     Tier
	cachedAt time.Time
}

// catalogCache is a bounded LRU of products and tiers read on the
// validation path. Neither can be updated, and neither can be deleted while
// referenced, so entries are only dropped on delete, expiry or eviction.
type catalogCache struct {
	ttl     time.Duration
	maxSize int

	mu    sync.Mutex
	order *list.List // front is most recently used
	index map[string]*list.Element

	hits   atomic.Int64
	misses atomic.Int64
}

type cachedItem struct {
	key   string
	entry catalogEntry
}

func newCatalogCache(ttl time.Duration, maxSize int) *catalogCache {
	return &catalogCache{
		ttl:     ttl,
		maxSize: maxSize,
		order:   list.New(),
		index:   make(map[string]*list.Element),
	}
}

func productCacheKey(id string) string { return "p:" + id }
func tierCacheKey(id string) string    { return "t:" + id }

func (c *catalogCache) get(key string, now time.Time) (catalogEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if ok && now.Sub(el.Value.(*cachedItem).entry.cachedAt) > c.ttl {
		c.remove(el)
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return catalogEntry{}, false
	}
	c.hits.Add(1)
	c.order.MoveToFront(el)
	return el.Value.(*cachedItem).entry, true
}

func (c *catalogCache) put(key string, entry catalogEntry) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		el.Value.(*cachedItem).entry = entry
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.maxSize {
		c.remove(c.order.Back())
	}
	c.index[key] = c.order.PushFront(&cachedItem{key: key, entry: entry})
}

func (c *catalogCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.remove(el)
	}
}

// remove requires c.mu
func (c *catalogCache) remove(el *list.Element) {
	delete(c.index, el.Value.(*cachedItem).key)
	c.order.Remove(el)
}

// stats reports cache effectiveness for the health endpoint
func (c *catalogCache) stats() map[string]interface{} {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}
	return map[string]interface{}{
		"entries":    size,
		"max_size":   c.maxSize,
		"hit_count":  hits,
		"miss_count": misses,
		"hit_ratio":  ratio,
	}
}
