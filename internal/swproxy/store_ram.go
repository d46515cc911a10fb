package swproxy

import (
	"context"
	"strings"
	"sync"
)

// ramStore is a read-through LRU in front of another Store. Writes reach
// the backing store before the RAM copy is updated, so a RAM hit is never
// something the backing store did not accept.
type ramStore struct {
	next Store
	lru  *ramCache
}

func newRAMStore(next Store, maxBytes int64) *ramStore {
	return &ramStore{next: next, lru: newRAMCache(maxBytes)}
}

func (s *ramStore) Get(ctx context.Context, gen, key string) (CacheEntry, bool, error) {
	k := memKey(gen, key)
	if ent, ok := s.lru.Get(k); ok {
		return ent, true, nil
	}
	ent, ok, err := s.next.Get(ctx, gen, key)
	if err != nil || !ok {
		return ent, ok, err
	}
	s.lru.Put(k, ent)
	return ent, true, nil
}

func (s *ramStore) Put(ctx context.Context, gen, key string, ent CacheEntry) error {
	if err := s.next.Put(ctx, gen, key, ent); err != nil {
		return err
	}
	s.lru.Put(memKey(gen, key), ent)
	return nil
}

func (s *ramStore) PutAll(ctx context.Context, gen string, ents map[string]CacheEntry) error {
	if err := s.next.PutAll(ctx, gen, ents); err != nil {
		return err
	}
	for key, ent := range ents {
		s.lru.Put(memKey(gen, key), ent)
	}
	return nil
}

func (s *ramStore) Delete(ctx context.Context, gen string) (bool, error) {
	s.lru.DeletePrefix(gen + keySep)
	return s.next.Delete(ctx, gen)
}

func (s *ramStore) Names(ctx context.Context) ([]string, error) {
	return s.next.Names(ctx)
}

func (s *ramStore) Close() error {
	return s.next.Close()
}

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent.clone(), true
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		c.dropLocked(it)
	}
}

func (c *ramCache) Put(key string, ent CacheEntry) {
	sz := ent.size() + int64(len(key))
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && sz > c.maxBytes {
		// too big for RAM; drop any older copy so reads go to the backing store
		if it, ok := c.items[key]; ok {
			c.dropLocked(it)
		}
		return
	}
	ent = ent.clone()

	if it, ok := c.items[key]; ok {
		c.total -= it.size
		it.ent = ent
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		c.evictLocked()
		return
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	c.evictLocked()
}

// evictLocked drops least-recently-used items, 10% at a time, until the
// total fits.
func (c *ramCache) evictLocked() {
	for c.maxBytes > 0 && c.total > c.maxBytes && c.tail != nil {
		n := len(c.items) / 10
		if n < 1 {
			n = 1
		}
		for i := 0; i < n && c.tail != nil; i++ {
			c.dropLocked(c.tail)
		}
	}
}

func (c *ramCache) dropLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
