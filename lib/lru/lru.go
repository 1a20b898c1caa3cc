// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lru implements a bounded least-recently-used map.
//
// Entries live in a slice (the arena) and link to each other by slice
// index rather than by pointer. A map from key to arena slot gives O(1)
// lookup; freed slots are recycled through a free list, so after warmup
// the cache performs no allocation per operation.
//
// A Cache is not safe for concurrent use. Every user in this module
// either owns its cache from a single goroutine or guards it with its
// own mutex.
package lru

const none = -1

type entry[K comparable, V any] struct {
	key        K
	value      V
	prev, next int
}

// Cache is an LRU map holding at most Cap entries.
type Cache[K comparable, V any] struct {
	entries  []entry[K, V]
	index    map[K]int
	free     []int
	head     int // most recently used, or none
	tail     int // least recently used, or none
	capacity int
}

// New returns an empty cache holding at most capacity entries. Panics
// if capacity < 1.
func New[K comparable, V any](capacity int) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be positive")
	}
	return &Cache[K, V]{
		index:    make(map[K]int),
		head:     none,
		tail:     none,
		capacity: capacity,
	}
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int { return len(c.index) }

// Cap returns the maximum number of entries.
func (c *Cache[K, V]) Cap() int { return c.capacity }

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	slot, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToFront(slot)
	return c.entries[slot].value, true
}

// Peek returns the value for key without changing its recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	slot, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return c.entries[slot].value, true
}

// Contains reports whether key is present without changing recency.
func (c *Cache[K, V]) Contains(key K) bool {
	_, ok := c.index[key]
	return ok
}

// Evicted describes an entry pushed out by Put.
type Evicted[K comparable, V any] struct {
	Key   K
	Value V
}

// Put inserts or replaces the value for key and marks it most recently
// used. When the insert pushes the cache over capacity, the least
// recently used entry is removed and returned.
func (c *Cache[K, V]) Put(key K, value V) (Evicted[K, V], bool) {
	if slot, ok := c.index[key]; ok {
		c.entries[slot].value = value
		c.moveToFront(slot)
		return Evicted[K, V]{}, false
	}

	var evicted Evicted[K, V]
	var didEvict bool
	if len(c.index) >= c.capacity {
		victim := c.tail
		evicted = Evicted[K, V]{Key: c.entries[victim].key, Value: c.entries[victim].value}
		didEvict = true
		c.removeSlot(victim)
	}

	slot := c.allocate()
	c.entries[slot] = entry[K, V]{key: key, value: value, prev: none, next: none}
	c.index[key] = slot
	c.pushFront(slot)
	return evicted, didEvict
}

// Remove deletes key and returns its value.
func (c *Cache[K, V]) Remove(key K) (V, bool) {
	slot, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	value := c.entries[slot].value
	c.removeSlot(slot)
	return value, true
}

// RemoveOldest deletes and returns the least recently used entry.
func (c *Cache[K, V]) RemoveOldest() (K, V, bool) {
	if c.tail == none {
		var key K
		var value V
		return key, value, false
	}
	slot := c.tail
	key, value := c.entries[slot].key, c.entries[slot].value
	c.removeSlot(slot)
	return key, value, true
}

// RemoveFunc deletes every entry for which match returns true and
// returns them.
func (c *Cache[K, V]) RemoveFunc(match func(K, V) bool) []Evicted[K, V] {
	var removed []Evicted[K, V]
	for slot := c.head; slot != none; {
		next := c.entries[slot].next
		if match(c.entries[slot].key, c.entries[slot].value) {
			removed = append(removed, Evicted[K, V]{Key: c.entries[slot].key, Value: c.entries[slot].value})
			c.removeSlot(slot)
		}
		slot = next
	}
	return removed
}

// Keys returns the keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	keys := make([]K, 0, len(c.index))
	for slot := c.head; slot != none; slot = c.entries[slot].next {
		keys = append(keys, c.entries[slot].key)
	}
	return keys
}

func (c *Cache[K, V]) allocate() int {
	if n := len(c.free); n > 0 {
		slot := c.free[n-1]
		c.free = c.free[:n-1]
		return slot
	}
	c.entries = append(c.entries, entry[K, V]{})
	return len(c.entries) - 1
}

func (c *Cache[K, V]) removeSlot(slot int) {
	c.unlink(slot)
	delete(c.index, c.entries[slot].key)
	// Clear so the arena does not pin evicted values.
	c.entries[slot] = entry[K, V]{prev: none, next: none}
	c.free = append(c.free, slot)
}

func (c *Cache[K, V]) moveToFront(slot int) {
	if c.head == slot {
		return
	}
	c.unlink(slot)
	c.pushFront(slot)
}

func (c *Cache[K, V]) pushFront(slot int) {
	c.entries[slot].prev = none
	c.entries[slot].next = c.head
	if c.head != none {
		c.entries[c.head].prev = slot
	}
	c.head = slot
	if c.tail == none {
		c.tail = slot
	}
}

func (c *Cache[K, V]) unlink(slot int) {
	prev, next := c.entries[slot].prev, c.entries[slot].next
	if prev != none {
		c.entries[prev].next = next
	} else {
		c.head = next
	}
	if next != none {
		c.entries[next].prev = prev
	} else {
		c.tail = prev
	}
	c.entries[slot].prev, c.entries[slot].next = none, none
}
