// ABOUTME: TTL cache for suppressing duplicate Matrix event deliveries.
// ABOUTME: Sync can replay events across reconnects; each event id is handled once.

// Package dedupe tracks recently seen Matrix event ids so replayed sync
// batches do not double-process operator messages.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	at   time.Time
	elem *list.Element
}

// Cache is a thread-safe, size-bounded TTL set of event ids. Expired entries
// are pruned opportunistically on access; there is no background goroutine.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache that remembers ids for ttl, holding at most maxSize.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Seen atomically checks and marks one id. It returns true when the id was
// already recorded and unexpired; a new id is recorded and returns false.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	if e, ok := c.seen[id]; ok && now.Sub(e.at) < c.ttl {
		return true
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.seen[id] = &entry{at: now, elem: c.order.PushBack(id)}
	return false
}

// Len reports the number of unexpired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.seen)
}

// pruneLocked drops expired entries from the front of the order list.
func (c *Cache) pruneLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id := front.Value.(string)
		e := c.seen[id]
		if now.Sub(e.at) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, id)
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, id)
}
