// ABOUTME: TTL- and size-bounded cache of recently seen inbound message ids
// ABOUTME: Inbound workers consult it to drop redelivered messages before any processing

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers message ids for a TTL, evicting the oldest entry once the
// size cap is reached. A background goroutine sweeps expired entries.
type Cache struct {
	mu      sync.Mutex
	ids     map[string]*entry
	order   *list.List // ids in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a dedupe cache and starts its background sweep.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		ids:     make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen atomically checks whether the message id was already recorded within
// the TTL, recording it if not. Returns true for a duplicate that should be
// dropped. An empty id is never deduplicated.
func (c *Cache) Seen(messageID string) bool {
	if messageID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.ids[messageID]; ok && now.Sub(e.seenAt) < c.ttl {
		return true
	}

	if e, ok := c.ids[messageID]; ok {
		// Expired entry for the same id: refresh in place.
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.ids) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.ids, oldest)
		}
	}

	elem := c.order.PushBack(messageID)
	c.ids[messageID] = &entry{seenAt: now, element: elem}
	return false
}

// Len returns the number of ids currently tracked.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// Close stops the background sweep. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.dropExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) dropExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, e := range c.ids {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.ids, id)
		}
	}
}
