// Package cache provides the bounded in-memory store behind the memlru server.
//
// The cache maps byte-string keys to a value and a small metadata field (the
// memcached flags of the SET that stored it). Memory is budgeted in bytes: the
// sum of len(value)+len(metadata) over all entries never exceeds the capacity
// given to New. When a Set would overflow the budget, entries are evicted from
// the least-recently-used end until the new entry fits.
//
// Example usage:
//
//	c, err := cache.New(64 << 20)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := c.Set([]byte("user:123"), []byte("john_doe"), nil); err != nil {
//		log.Printf("set failed: %v", err)
//	}
//	value, flags, ok := c.Get([]byte("user:123"))
//
// All operations are serialized by a single mutex, so every observer sees one
// linear history of the cache, even for operations on disjoint keys.
package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrTooLarge is returned by Set when a single item cannot fit in the
	// cache even after evicting every other entry.
	ErrTooLarge = errors.New("cache: item larger than capacity")

	// ErrInvalidCapacity is returned by New for a non-positive capacity.
	ErrInvalidCapacity = errors.New("cache: capacity must be positive")
)

// entry is the value stored in the recency list elements.
// The key is kept here because eviction starts from list nodes.
type entry struct {
	key      string
	value    []byte
	metadata []byte
}

func (e *entry) size() int {
	return len(e.value) + len(e.metadata)
}

// Cache is a concurrency-safe, byte-budgeted LRU cache.
//
// A map gives O(1) key lookup and a doubly-linked list keeps recency order.
// The map and the list always hold exactly the same set of keys.
type Cache struct {
	mu sync.Mutex

	capacity int
	usage    int
	items    map[string]*list.Element
	lru      *list.List // Front = most recently used, Back = least recently used

	log   *zap.Logger
	hooks Hooks
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used to report evictions.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHooks installs callbacks for hits, misses, evictions and stores.
func WithHooks(h Hooks) Option {
	return func(c *Cache) {
		if h != nil {
			c.hooks = h
		}
	}
}

// New creates a Cache that holds at most capacity bytes of values and metadata.
//
// Example:
//
//	c, err := cache.New(1024)
//	// c holds up to 1 KiB of value+metadata bytes
//
// Parameters:
//   - capacity: Maximum number of value+metadata bytes held at once
//   - opts: Optional logger and hooks
//
// Returns:
//   - A new, empty Cache
//   - ErrInvalidCapacity if capacity is not positive
func New(capacity int, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}

	c := &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
		log:      zap.NewNop(),
		hooks:    NopHooks{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get looks up key and, on a hit, promotes the entry to most recently used.
//
// The returned value and metadata are copies; callers may keep or modify them
// freely. On a miss ok is false and the cache is left untouched.
//
// Example:
//
//	if value, flags, ok := c.Get([]byte("greeting")); ok {
//		fmt.Printf("greeting=%s flags=%x\n", value, flags)
//	}
func (c *Cache) Get(key []byte) (value, metadata []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[string(key)]
	if !found {
		c.hooks.Miss()
		return nil, nil, false
	}

	c.lru.MoveToFront(el)
	e := el.Value.(*entry)
	c.hooks.Hit()
	return cloneBytes(e.value), cloneBytes(e.metadata), true
}

// Set inserts or replaces the entry for key.
//
// The sequence is:
//  1. Reject the item if it alone exceeds the capacity (no eviction happens)
//  2. Release an existing entry for key, accounting its bytes out of usage
//  3. Evict from the least-recently-used end until the item fits
//  4. Insert a copy of the item at the front
//
// Parameters:
//   - key: The key to store under
//   - value: Value bytes, copied into the cache
//   - metadata: Metadata bytes (e.g. protocol flags), copied into the cache
//
// Returns:
//   - ErrTooLarge (wrapped with the sizes) if len(value)+len(metadata) > capacity
func (c *Cache) Set(key, value, metadata []byte) error {
	size := len(value) + len(metadata)
	if size > c.capacity {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, c.capacity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := string(key)
	if el, ok := c.items[k]; ok {
		c.removeLocked(el)
	}

	for c.usage+size > c.capacity {
		c.evictLocked()
	}

	e := &entry{
		key:      k,
		value:    cloneBytes(value),
		metadata: cloneBytes(metadata),
	}
	c.items[k] = c.lru.PushFront(e)
	c.usage += size

	c.hooks.Stored(len(c.items), c.usage)
	return nil
}

// Len returns the number of entries currently stored.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Usage returns the number of value+metadata bytes currently stored.
func (c *Cache) Usage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Capacity returns the byte budget the cache was created with.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Keys returns keys in MRU -> LRU order.
//
// This is a debug helper; it does not affect recency.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).key)
	}
	return out
}

// evictLocked drops the least recently used entry.
// Callers guarantee the list is non-empty: Set only evicts while usage is
// positive, and usage is zero whenever the list is empty.
func (c *Cache) evictLocked() {
	el := c.lru.Back()
	e := el.Value.(*entry)
	c.removeLocked(el)

	c.log.Debug("evicting key", zap.ByteString("key", []byte(e.key)), zap.Int("bytes", e.size()))
	c.hooks.Evicted(e.key, e.size())
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.items, e.key)
	c.lru.Remove(el)
	c.usage -= e.size()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
