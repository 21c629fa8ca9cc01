// ABOUTME: Bounded TTL set of inbound event IDs
// ABOUTME: Frontends consult it so a redelivered chat event never triggers a second exchange

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultTTL and DefaultMaxSize size the cache used by the dispatcher.
const (
	DefaultTTL     = 10 * time.Minute
	DefaultMaxSize = 10000
)

type seenEntry struct {
	key    string
	seenAt time.Time
}

// Cache remembers event IDs for a fixed TTL. When full, the oldest ID is
// forgotten first. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *seenEntry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background expiry loop.
// Non-positive arguments select the defaults.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.expireLoop()
	return c
}

// Seen reports whether key was already recorded within the TTL, recording
// it if not. Check and record happen under one lock, so of several
// concurrent callers with the same key exactly one gets false.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.index[key]; ok {
		entry := elem.Value.(*seenEntry)
		if now.Sub(entry.seenAt) < c.ttl {
			return true
		}
		c.order.Remove(elem)
		delete(c.index, key)
	}

	for c.order.Len() >= c.maxSize {
		c.removeFront()
	}
	c.index[key] = c.order.PushBack(&seenEntry{key: key, seenAt: now})
	return false
}

// Len returns the number of remembered keys, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) removeFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*seenEntry).key)
}

// expire drops every entry older than the TTL. Entries are kept in
// insertion order, so it stops at the first live one.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*seenEntry).seenAt) < c.ttl {
			return
		}
		c.removeFront()
	}
}

func (c *Cache) expireLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.stop:
			return
		}
	}
}

// Close stops the expiry loop. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
