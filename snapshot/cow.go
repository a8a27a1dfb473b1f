// Package snapshot maintains the bounded window of immutable database
// snapshots: table metadata, per-table summaries, in-memory secondary
// indexes and the search index managers, all versioned by commit
// timestamp.
package snapshot

// cowMap is a copy-on-first-write map. Clones share the underlying map
// until one side writes, at which point the writer takes a private
// copy. Producing snapshot N+1 from snapshot N therefore costs O(changed
// entries) amortized, not O(map size) per commit.
type cowMap[K comparable, V any] struct {
	m     map[K]V
	owned bool
}

func newCowMap[K comparable, V any]() *cowMap[K, V] {
	return &cowMap[K, V]{m: make(map[K]V), owned: true}
}

// clone shares the map and revokes write ownership from both sides.
func (c *cowMap[K, V]) clone() *cowMap[K, V] {
	c.owned = false
	return &cowMap[K, V]{m: c.m}
}

func (c *cowMap[K, V]) ensureOwned() {
	if c.owned {
		return
	}
	copied := make(map[K]V, len(c.m))
	for k, v := range c.m {
		copied[k] = v
	}
	c.m = copied
	c.owned = true
}

func (c *cowMap[K, V]) get(k K) (V, bool) {
	v, ok := c.m[k]
	return v, ok
}

func (c *cowMap[K, V]) set(k K, v V) {
	c.ensureOwned()
	c.m[k] = v
}

func (c *cowMap[K, V]) delete(k K) {
	c.ensureOwned()
	delete(c.m, k)
}

func (c *cowMap[K, V]) len() int { return len(c.m) }

func (c *cowMap[K, V]) forEach(fn func(K, V) bool) {
	for k, v := range c.m {
		if !fn(k, v) {
			return
		}
	}
}
