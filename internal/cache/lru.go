package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRU is the default store: a map plus intrusive list bounded by both an
// entry count and a byte budget. Inserting past either budget evicts the
// least-recently-accessed entries until the new entry fits. Expired entries
// are dropped lazily on access and eagerly by a periodic sweep.
type LRU struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	usedBytes  int64
	ll         *list.List // front = most recently used
	items      map[string]*list.Element

	stop     chan struct{}
	stopOnce sync.Once
}

type lruItem struct {
	key string
	ent *Entry
}

// NewLRU builds the store. sweepInterval <= 0 disables the background sweep;
// lazy expiry on access still applies.
func NewLRU(maxEntries int, maxBytes int64, sweepInterval time.Duration) *LRU {
	c := &LRU{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		stop:       make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweepLoop(sweepInterval)
	}
	return c
}

func (c *LRU) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	it := el.Value.(*lruItem)
	if it.ent.Expired(time.Now()) {
		c.removeElement(el)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return it.ent, true
}

func (c *LRU) Set(key string, e *Entry) bool {
	size := e.Size()
	if c.maxBytes > 0 && size > c.maxBytes {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	c.items[key] = c.ll.PushFront(&lruItem{key: key, ent: e})
	c.usedBytes += size

	for (c.maxEntries > 0 && c.ll.Len() > c.maxEntries) ||
		(c.maxBytes > 0 && c.usedBytes > c.maxBytes) {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.removeElement(back)
	}
	return true
}

func (c *LRU) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
		return true
	}
	return false
}

func (c *LRU) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.ll.Len()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.usedBytes = 0
	return n
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// UsedBytes returns the current byte footprint of stored bodies.
func (c *LRU) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

func (c *LRU) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *LRU) removeElement(el *list.Element) {
	it := el.Value.(*lruItem)
	delete(c.items, it.key)
	c.ll.Remove(el)
	c.usedBytes -= it.ent.Size()
}

func (c *LRU) sweepLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.sweep(time.Now())
		case <-c.stop:
			return
		}
	}
}

func (c *LRU) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*lruItem).ent.Expired(now) {
			c.removeElement(el)
		}
		el = prev
	}
}
