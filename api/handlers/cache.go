package handlers

import (
	"container/list"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ttlCache is a bounded LRU map with per-entry expiry. Get slides the expiry
// window, so entries die only after a full TTL of inactivity. Take removes the
// entry on read, for one-shot handoffs.
type ttlCache[V any] struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	ttl     time.Duration
	maxSize int
	order   *list.List // front is most recently used
	items   map[string]*list.Element
}

type cacheEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func newTTLCache[V any](clock clockwork.Clock, ttl time.Duration, maxSize int) *ttlCache[V] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ttlCache[V]{
		clock:   clock,
		ttl:     ttl,
		maxSize: maxSize,
		order:   list.New(),
		items:   make(map[string]*list.Element),
	}
}

// Get returns the live entry for key and refreshes its expiry.
func (c *ttlCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	entry := el.Value.(*cacheEntry[V])
	if c.clock.Now().After(entry.expiresAt) {
		c.removeLocked(el)
		return zero, false
	}
	entry.expiresAt = c.clock.Now().Add(c.ttl)
	c.order.MoveToFront(el)
	return entry.value, true
}

// Take returns the live entry for key and removes it.
func (c *ttlCache[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	entry := el.Value.(*cacheEntry[V])
	expired := c.clock.Now().After(entry.expiresAt)
	c.removeLocked(el)
	if expired {
		return zero, false
	}
	return entry.value, true
}

// Put inserts or replaces an entry, evicting the least recently used entry
// when the cache is full.
func (c *ttlCache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*cacheEntry[V])
		entry.value = value
		entry.expiresAt = c.clock.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	if c.maxSize > 0 && c.order.Len() >= c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}
	el := c.order.PushFront(&cacheEntry[V]{
		key:       key,
		value:     value,
		expiresAt: c.clock.Now().Add(c.ttl),
	})
	c.items[key] = el
}

// Delete removes an entry if present.
func (c *ttlCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
}

// Len reports the number of entries, expired ones included.
func (c *ttlCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *ttlCache[V]) removeLocked(el *list.Element) {
	entry := el.Value.(*cacheEntry[V])
	delete(c.items, entry.key)
	c.order.Remove(el)
}
