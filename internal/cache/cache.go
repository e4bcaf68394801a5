// Package cache holds pre-generated reminder messages and the loop that keeps them topped up.
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/philornot/ai-reminder/internal/eventbus"
)

const DefaultSize = 10

var ErrCacheEmpty = errors.New("cache: empty")

// Message is a pre-generated reminder. Seq increases with every generation.
type Message struct {
	Text      string    `json:"text"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache is a bounded FIFO guarded by a single mutex.
type Cache struct {
	mu    sync.Mutex
	items []Message
	cap   int
	bus   eventbus.Bus
}

// New returns a cache with capacity n (DefaultSize when n <= 0). bus may be nil.
func New(n int, bus eventbus.Bus) *Cache {
	if n <= 0 {
		n = DefaultSize
	}
	return &Cache{cap: n, items: make([]Message, 0, n), bus: bus}
}

// Push appends m and reports whether it was stored. A full cache drops m.
func (c *Cache) Push(m Message) bool {
	c.mu.Lock()
	if len(c.items) >= c.cap {
		c.mu.Unlock()
		return false
	}
	c.items = append(c.items, m)
	n := len(c.items)
	c.mu.Unlock()

	eventbus.Publish(c.bus, eventbus.CachePushed, map[string]any{"seq": m.Seq, "len": n})
	return true
}

// Pop removes the oldest message. ok is false when the cache is empty.
func (c *Cache) Pop() (Message, bool) {
	c.mu.Lock()
	if len(c.items) == 0 {
		c.mu.Unlock()
		return Message{}, false
	}
	m := c.items[0]
	c.items[0] = Message{}
	c.items = c.items[1:]
	n := len(c.items)
	c.mu.Unlock()

	eventbus.Publish(c.bus, eventbus.CachePopped, map[string]any{"seq": m.Seq, "len": n})
	return m, true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) Cap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap
}

// Free is the number of messages that can still be pushed.
func (c *Cache) Free() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap - len(c.items)
}

// Resize changes capacity. Shrinking keeps the oldest entries and returns how many were dropped.
func (c *Cache) Resize(n int) int {
	if n <= 0 {
		n = DefaultSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cap = n
	if len(c.items) <= n {
		return 0
	}
	dropped := len(c.items) - n
	kept := make([]Message, n)
	copy(kept, c.items[:n])
	c.items = kept
	return dropped
}

// Peek copies the queued messages, oldest first.
func (c *Cache) Peek() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.items...)
}
