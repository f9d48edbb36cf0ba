// ABOUTME: Thread-safe TTL seen-set for de-duplicating fan-out envelopes.
// ABOUTME: The bus consults it so an envelope redelivered by the broker reaches local endpoints once.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// record is one remembered ID, kept in arrival order.
type record struct {
	id string
	at time.Time
}

// Cache remembers IDs for a TTL, bounded to maxSize entries. Arrival order is
// kept in a list so expiry and eviction both trim from the front.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // *record, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// New creates a cache with the given TTL and capacity and starts a background
// sweeper that runs every ttl (at least once a second, at most once a minute).
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.sweep(sweepInterval(ttl))
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl < time.Second:
		return time.Second
	case ttl > time.Minute:
		return time.Minute
	default:
		return ttl
	}
}

// Seen reports whether id was already recorded within the TTL. If not, it
// records id and returns false. Check and record happen under one lock.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if elem, ok := c.index[id]; ok {
		rec := elem.Value.(*record)
		if now.Sub(rec.at) < c.ttl {
			return true
		}
		// Expired: re-record at the back so order stays chronological.
		c.order.Remove(elem)
		delete(c.index, id)
	}

	for len(c.index) >= c.maxSize {
		c.removeFront()
	}
	c.index[id] = c.order.PushBack(&record{id: id, at: now})
	return false
}

// Contains reports whether id is recorded and unexpired, without recording it.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[id]
	if !ok {
		return false
	}
	return c.now().Sub(elem.Value.(*record).at) < c.ttl
}

// Len returns the number of recorded IDs, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// removeFront drops the oldest record. Caller holds mu.
func (c *Cache) removeFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.index, front.Value.(*record).id)
}

// expire drops records older than the TTL.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*record).at) < c.ttl {
			return
		}
		c.removeFront()
	}
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}
