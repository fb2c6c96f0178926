package store

import (
	"container/list"
	"strings"
	"sync"
)

type ramItem struct {
	key  string
	ent  Entry
	size int64
}

// ramTier is a byte-bounded LRU in front of LevelDB. Keys are
// tag + "\x00" + request key, so a generation can be dropped by prefix.
type ramTier struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*list.Element
	lru   *list.List
	total int64
}

func newRAMTier(maxBytes int64) *ramTier {
	return &ramTier{maxBytes: maxBytes, items: map[string]*list.Element{}, lru: list.New()}
}

func ramKey(tag, key string) string { return tag + "\x00" + key }

func (c *ramTier) get(tag, key string) (Entry, bool) {
	if c.maxBytes <= 0 {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[ramKey(tag, key)]
	if !ok {
		return Entry{}, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*ramItem).ent, true
}

func (c *ramTier) put(tag, key string, ent Entry) {
	if c.maxBytes <= 0 {
		return
	}
	sz := ent.size()
	if sz > c.maxBytes {
		return
	}
	k := ramKey(tag, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[k]; ok {
		it := el.Value.(*ramItem)
		c.total += sz - it.size
		it.ent, it.size = ent, sz
		c.lru.MoveToFront(el)
	} else {
		c.items[k] = c.lru.PushFront(&ramItem{key: k, ent: ent, size: sz})
		c.total += sz
	}
	for c.total > c.maxBytes {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
	}
}

func (c *ramTier) remove(tag, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[ramKey(tag, key)]; ok {
		c.removeLocked(el)
	}
}

func (c *ramTier) dropGeneration(tag string) {
	prefix := tag + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, el := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.removeLocked(el)
		}
	}
}

func (c *ramTier) removeLocked(el *list.Element) {
	it := el.Value.(*ramItem)
	c.lru.Remove(el)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramTier) totalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
