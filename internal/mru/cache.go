// Package mru implements the bounded, recency-ordered cache shared by the
// routing table's k-buckets and the value store's two tiers.
package mru

import (
	"container/list"
	"time"
)

// entry is the payload carried by each position-list node.
type entry[K comparable, V any] struct {
	key       K
	value     V
	insertedAt time.Time
}

// Cache is a bounded recency list plus a lookup map. Insertion order
// matters: Add appends to the tail and evicts from the head when the cache
// is at capacity. TryGet never reorders — recency reflects writes only, by
// design (see DESIGN.md, "try_get does not reorder").
type Cache[K comparable, V any] struct {
	capacity int
	maxAge   time.Duration
	order    *list.List // of *entry[K,V], head = oldest, tail = newest
	index    map[K]*list.Element
	now      func() time.Time
}

// New returns an empty cache bounded by capacity items and maxAge age. A
// capacity of 0 means unbounded by count (used for the value store's
// long-term tier).
func New[K comparable, V any](capacity int, maxAge time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		capacity: capacity,
		maxAge:   maxAge,
		order:    list.New(),
		index:    make(map[K]*list.Element),
		now:      time.Now,
	}
}

// Add inserts or refreshes key with value, moving it to the tail with a
// fresh timestamp. If the key already existed its previous position is
// removed first. If the cache is at capacity and key is new, the head
// (oldest) entry is evicted and its key is returned.
func (c *Cache[K, V]) Add(k K, v V) (evicted K, didEvict bool) {
	if elem, ok := c.index[k]; ok {
		c.order.Remove(elem)
		delete(c.index, k)
	} else if c.capacity > 0 && len(c.index) >= c.capacity {
		head := c.order.Front()
		if head != nil {
			evictedEntry := head.Value.(*entry[K, V])
			c.order.Remove(head)
			delete(c.index, evictedEntry.key)
			evicted, didEvict = evictedEntry.key, true
		}
	}

	e := &entry[K, V]{key: k, value: v, insertedAt: c.now()}
	c.index[k] = c.order.PushBack(e)
	return evicted, didEvict
}

// TryGet looks up key without mutating recency order.
func (c *Cache[K, V]) TryGet(k K) (V, bool) {
	elem, ok := c.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	return elem.Value.(*entry[K, V]).value, true
}

// Remove deletes key unconditionally. It reports whether key was present.
func (c *Cache[K, V]) Remove(k K) bool {
	elem, ok := c.index[k]
	if !ok {
		return false
	}
	c.order.Remove(elem)
	delete(c.index, k)
	return true
}

// ExpireOld removes every entry whose age exceeds maxAge, walking from the
// head (oldest) and stopping at the first entry that is not yet expired —
// insertion order guarantees everything after it is younger still. It
// returns the number of entries removed.
func (c *Cache[K, V]) ExpireOld() int {
	if c.maxAge <= 0 {
		return 0
	}
	now := c.now()
	removed := 0
	for {
		head := c.order.Front()
		if head == nil {
			break
		}
		e := head.Value.(*entry[K, V])
		if now.Sub(e.insertedAt) <= c.maxAge {
			break
		}
		c.order.Remove(head)
		delete(c.index, e.key)
		removed++
	}
	return removed
}

// Count returns the number of entries currently held.
func (c *Cache[K, V]) Count() int {
	return len(c.index)
}

// OldestTimestamp returns the insertion time of the current head, or the
// zero time if the cache is empty.
func (c *Cache[K, V]) OldestTimestamp() time.Time {
	head := c.order.Front()
	if head == nil {
		return time.Time{}
	}
	return head.Value.(*entry[K, V]).insertedAt
}

// Keys returns every key currently held, oldest first. Intended for tests
// and stats rendering; callers must not mutate the cache while iterating
// the result in a way that assumes a live view.
func (c *Cache[K, V]) Keys() []K {
	keys := make([]K, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*entry[K, V]).key)
	}
	return keys
}

// Values returns every value currently held, oldest first.
func (c *Cache[K, V]) Values() []V {
	values := make([]V, 0, c.order.Len())
	for e := c.order.Front(); e != nil; e = e.Next() {
		values = append(values, e.Value.(*entry[K, V]).value)
	}
	return values
}

// TotalBytes sums sizeOf(v) over every held value; used by the value store's
// stats() operation.
func (c *Cache[K, V]) TotalBytes(sizeOf func(V) int) int {
	total := 0
	for e := c.order.Front(); e != nil; e = e.Next() {
		total += sizeOf(e.Value.(*entry[K, V]).value)
	}
	return total
}
