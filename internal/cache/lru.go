// Apiwarden - API Gateway Abuse Detection
// Copyright 2026 Apiwarden Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/apiwarden/apiwarden

// Package cache provides a bounded TTL-aware LRU cache used for duplicate
// suppression at the ingest boundary and for message deduplication keys.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry is a single cache entry in the recency list.
type entry struct {
	key     string
	addedAt time.Time
}

// LRUCache is a thread-safe LRU set with per-entry TTL. Capacity bounds
// memory regardless of key cardinality; TTL bounds how long duplicate
// suppression applies.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List // front = most recently used
	items    map[string]*list.Element
	hits     int64
	misses   int64
}

// NewLRUCache creates an LRU cache holding at most capacity keys, each valid
// for ttl. A ttl of zero disables expiration.
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element, capacity),
	}
}

// Contains reports whether key is present and unexpired without refreshing
// its recency.
func (c *LRUCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	if c.expired(el.Value.(*entry)) {
		c.removeElement(el)
		return false
	}
	return true
}

// Add inserts or refreshes key, evicting the least recently used entry when
// over capacity.
func (c *LRUCache) Add(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.add(key)
}

// IsDuplicate atomically checks for key and records it. Returns true if the
// key was already present and unexpired.
func (c *LRUCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		if !c.expired(e) {
			c.order.MoveToFront(el)
			c.hits++
			return true
		}
		c.removeElement(el)
	}

	c.misses++
	c.add(key)
	return false
}

// Remove deletes key from the cache. Returns true if it was present.
func (c *LRUCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Len returns the current number of entries, including any not yet expired.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear removes all entries.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element, c.capacity)
}

// CleanupExpired removes all expired entries and returns how many were
// removed. Intended for periodic sweeps; lookups also expire lazily.
func (c *LRUCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl <= 0 {
		return 0
	}

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*entry)) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Stats returns hit/miss counters and the current size.
func (c *LRUCache) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.order.Len()
}

// add inserts or refreshes key (must be called with mu held).
func (c *LRUCache) add(key string) {
	if el, ok := c.items[key]; ok {
		el.Value.(*entry).addedAt = time.Now()
		c.order.MoveToFront(el)
		return
	}

	for c.order.Len() >= c.capacity {
		c.removeElement(c.order.Back())
	}
	c.items[key] = c.order.PushFront(&entry{key: key, addedAt: time.Now()})
}

// expired reports whether e has outlived the TTL (must be called with mu held).
func (c *LRUCache) expired(e *entry) bool {
	return c.ttl > 0 && time.Since(e.addedAt) > c.ttl
}

// removeElement unlinks an element (must be called with mu held).
func (c *LRUCache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}
