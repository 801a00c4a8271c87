package indicators

import (
	"container/list"
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"

	"strategy-replay-engine/internal/market"
	"strategy-replay-engine/internal/metrics"
)

// Cache is a bounded, single-writer LRU for computed feature values.
// Each replay run owns its own instance, so no locking is needed.
type Cache struct {
	capacity int
	order    *list.List
	entries  map[uint64]*list.Element

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	key   uint64
	value float64
}

// NewCache creates a feature cache holding at most capacity entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[uint64]*list.Element, capacity),
	}
}

// Value returns the cached value for key, computing and storing it on miss.
func (c *Cache) Value(key uint64, compute func() float64) float64 {
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		c.hits++
		metrics.CacheHits.Inc()
		return el.Value.(*cacheEntry).value
	}

	c.misses++
	metrics.CacheMisses.Inc()
	v := compute()

	el := c.order.PushFront(&cacheEntry{key: key, value: v})
	c.entries[key] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
	return v
}

// Stats reports hit/miss counters for external observability.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits, c.misses
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	return c.order.Len()
}

// fingerprint keys a feature computation by indicator name, parameters
// and a bounded hash of the trailing slice the indicator actually reads.
// Only the last relevant bars contribute, so two windows that agree on
// that suffix hash identically.
func fingerprint(name string, params []int, bars []market.Bar, relevant int) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(name)

	var buf [8]byte
	for _, p := range params {
		binary.LittleEndian.PutUint64(buf[:], uint64(p))
		_, _ = h.Write(buf[:])
	}

	start := len(bars) - relevant
	if start < 0 {
		start = 0
	}
	binary.LittleEndian.PutUint64(buf[:], uint64(len(bars)-start))
	_, _ = h.Write(buf[:])

	for i := start; i < len(bars); i++ {
		binary.LittleEndian.PutUint64(buf[:], uint64(bars[i].OpenTime.UnixNano()))
		_, _ = h.Write(buf[:])
		for _, f := range []float64{bars[i].Open, bars[i].High, bars[i].Low, bars[i].Close} {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
			_, _ = h.Write(buf[:])
		}
	}

	return h.Sum64()
}
