// ABOUTME: Thread-safe TTL memory of message ids that reached a terminal outcome
// ABOUTME: The delivery queue consults it to refuse re-admitting sent or failed messages

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Outcome is the terminal result remembered for a key.
type Outcome string

// Terminal outcomes.
const (
	Sent   Outcome = "sent"
	Failed Outcome = "failed"
)

type entry struct {
	key     string
	outcome Outcome
	at      time.Time
}

// Cache remembers the terminal outcome of recently finished message ids.
// It is bounded by both TTL and size; the oldest record is evicted first.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates an outcome cache with the given TTL and maximum size.
// A background goroutine periodically drops expired records.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Record stores the outcome for key, replacing any earlier one.
func (c *Cache) Record(key string, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		e.outcome = outcome
		e.at = now
		c.order.MoveToBack(el)
		return
	}

	if len(c.index) >= c.maxSize {
		c.evictOldest()
	}
	c.index[key] = c.order.PushBack(&entry{key: key, outcome: outcome, at: now})
}

// Lookup returns the remembered outcome for key, if it has not expired.
func (c *Cache) Lookup(key string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.at) >= c.ttl {
		return "", false
	}
	return e.outcome, true
}

// Forget drops any record for key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.order.Remove(el)
		delete(c.index, key)
	}
}

// Len returns the number of records held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// evictOldest removes the front record. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*entry).key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup walks from the oldest record and stops at the first live one.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.at) < c.ttl {
			return
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.index, e.key)
		el = next
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
