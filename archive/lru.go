package archive

import (
	"container/list"
	"expvar"
	"sync"
)

type cacheEntry struct {
	key  string
	path string
	size int64
}

// sizedLRU is a byte-size-bounded LRU over extracted archive
// directories. Eviction hands the entry to the onEvicted callback; the
// cache itself never touches the filesystem.
type sizedLRU struct {
	mu        sync.Mutex
	maxBytes  int64
	usedBytes int64
	lruList   *list.List
	items     map[string]*list.Element
	onEvicted func(entry cacheEntry)

	hits   *expvar.Int
	misses *expvar.Int
}

func newSizedLRU(maxBytes int64, onEvicted func(entry cacheEntry)) *sizedLRU {
	return &sizedLRU{
		maxBytes:  maxBytes,
		lruList:   list.New(),
		items:     make(map[string]*list.Element),
		onEvicted: onEvicted,
	}
}

func (c *sizedLRU) SetMetrics(hits, misses *expvar.Int) {
	c.hits = hits
	c.misses = misses
}

// Get returns the cached path for key, bumping its recency.
func (c *sizedLRU) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		if c.hits != nil {
			c.hits.Add(1)
		}
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry).path, true
	}
	if c.misses != nil {
		c.misses.Add(1)
	}
	return "", false
}

// Put inserts an entry, evicting from the back until the size budget
// holds. An entry larger than the whole budget is still admitted; it
// just evicts everything else.
func (c *sizedLRU) Put(key, path string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		// Replacing an in-flight duplicate; evict the old directory.
		old := elem.Value.(*cacheEntry)
		c.usedBytes -= old.size
		c.lruList.Remove(elem)
		delete(c.items, key)
		if c.onEvicted != nil {
			c.onEvicted(*old)
		}
	}

	entry := &cacheEntry{key: key, path: path, size: size}
	c.items[key] = c.lruList.PushFront(entry)
	c.usedBytes += size

	for c.usedBytes > c.maxBytes && c.lruList.Len() > 1 {
		c.evictBack()
	}
}

// Remove evicts key explicitly.
func (c *sizedLRU) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return
	}
	entry := elem.Value.(*cacheEntry)
	c.usedBytes -= entry.size
	c.lruList.Remove(elem)
	delete(c.items, key)
	if c.onEvicted != nil {
		c.onEvicted(*entry)
	}
}

func (c *sizedLRU) evictBack() {
	elem := c.lruList.Back()
	if elem == nil {
		return
	}
	entry := c.lruList.Remove(elem).(*cacheEntry)
	delete(c.items, entry.key)
	c.usedBytes -= entry.size
	if c.onEvicted != nil {
		c.onEvicted(*entry)
	}
}

func (c *sizedLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

func (c *sizedLRU) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}
