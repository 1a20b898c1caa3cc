// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunkcache is the mount's two-tier chunk store.
//
// The memory tier is an LRU bounded by entry count. The disk tier is a
// preallocated cache device file of fixed-size slots, also LRU. A
// chunk lives in exactly one tier: a disk hit is moved up into memory,
// and a chunk pushed out of memory is moved down to disk. Every read
// from either tier re-verifies the content hash; a chunk that fails is
// evicted and reported as a miss, never returned.
//
// A Cache is owned by one goroutine (the mount actor) and performs no
// locking of its own.
package chunkcache

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/lru"
)

// DefaultMemoryEntries holds 500 MiB of full-size chunks.
const DefaultMemoryEntries = 4000

// ErrHashMismatch is returned by Put when the data does not match the
// supplied hash.
var ErrHashMismatch = errors.New("chunk hash mismatch")

// Options configures a Cache.
type Options struct {
	// MemoryEntries bounds the memory tier. Zero means
	// DefaultMemoryEntries.
	MemoryEntries int

	// DiskPath is the cache device file. The disk tier is disabled
	// when DiskPath is empty or DiskBytes is zero.
	DiskPath  string
	DiskBytes int64

	Logger *slog.Logger
}

// Stats counts cache activity since creation.
type Stats struct {
	MemoryHits    uint64
	DiskHits      uint64
	Misses        uint64
	Corruptions   uint64
	Demotions     uint64
	DiskEvictions uint64
	MemoryEntries int
	DiskEntries   int
}

type entry struct {
	data []byte
	hash chunk.Hash
}

// Cache is the two-tier chunk store.
type Cache struct {
	memory *lru.Cache[chunk.ID, entry]
	disk   *diskTier
	logger *slog.Logger
	stats  Stats
}

// New creates a Cache, opening the disk tier's device file if one is
// configured.
func New(options Options) (*Cache, error) {
	if options.MemoryEntries <= 0 {
		options.MemoryEntries = DefaultMemoryEntries
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	cache := &Cache{
		memory: lru.New[chunk.ID, entry](options.MemoryEntries),
		logger: options.Logger,
	}
	if options.DiskPath != "" && options.DiskBytes > 0 {
		disk, err := openDiskTier(options.DiskPath, options.DiskBytes)
		if err != nil {
			return nil, fmt.Errorf("opening disk cache: %w", err)
		}
		cache.disk = disk
	}
	return cache, nil
}

// Get returns the verified contents of id. The returned slice is owned
// by the cache; callers copy out of it and never modify it.
func (c *Cache) Get(id chunk.ID) ([]byte, bool) {
	if cached, ok := c.memory.Get(id); ok {
		if chunk.Verify(cached.data, cached.hash) {
			c.stats.MemoryHits++
			return cached.data, true
		}
		c.memory.Remove(id)
		c.corrupt(id, "memory", nil)
		return nil, false
	}

	if c.disk != nil {
		data, hash, ok, err := c.disk.take(id)
		if err != nil {
			c.corrupt(id, "disk", err)
			return nil, false
		}
		if ok {
			c.stats.DiskHits++
			c.insertMemory(id, entry{data: data, hash: hash})
			return data, true
		}
	}

	c.stats.Misses++
	return nil, false
}

// Contains reports whether either tier holds id, without verifying or
// promoting it.
func (c *Cache) Contains(id chunk.ID) bool {
	if c.memory.Contains(id) {
		return true
	}
	return c.disk != nil && c.disk.contains(id)
}

// Put stores data under id in the memory tier. It rejects data whose
// hash does not match. Any copy of id in the disk tier is dropped so
// the tiers never disagree.
func (c *Cache) Put(id chunk.ID, data []byte, hash chunk.Hash) error {
	if !chunk.Verify(data, hash) {
		return fmt.Errorf("storing %s: %w", id, ErrHashMismatch)
	}
	if c.disk != nil {
		c.disk.remove(id)
	}
	c.insertMemory(id, entry{data: bytes.Clone(data), hash: hash})
	return nil
}

func (c *Cache) insertMemory(id chunk.ID, value entry) {
	evicted, ok := c.memory.Put(id, value)
	if !ok || c.disk == nil {
		return
	}
	diskEvicted, err := c.disk.put(evicted.Key, evicted.Value.data, evicted.Value.hash)
	if err != nil {
		c.logger.Warn("demoting chunk to disk failed", "chunk", evicted.Key, "error", err)
		return
	}
	c.stats.Demotions++
	if diskEvicted {
		c.stats.DiskEvictions++
	}
}

// Invalidate drops id from both tiers.
func (c *Cache) Invalidate(id chunk.ID) {
	c.memory.Remove(id)
	if c.disk != nil {
		c.disk.remove(id)
	}
}

// InvalidateInode drops every chunk of inode from both tiers and
// returns how many were dropped.
func (c *Cache) InvalidateInode(inode uint64) int {
	removed := len(c.memory.RemoveFunc(func(id chunk.ID, _ entry) bool { return id.Inode == inode }))
	if c.disk != nil {
		removed += c.disk.removeInode(inode)
	}
	return removed
}

// Purge drops every chunk from both tiers and returns how many were
// dropped.
func (c *Cache) Purge() int {
	removed := len(c.memory.RemoveFunc(func(chunk.ID, entry) bool { return true }))
	if c.disk != nil {
		removed += c.disk.removeMatching(func(chunk.ID) bool { return true })
	}
	return removed
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	stats := c.stats
	stats.MemoryEntries = c.memory.Len()
	if c.disk != nil {
		stats.DiskEntries = c.disk.len()
	}
	return stats
}

// Close releases the disk tier's device. The memory tier is dropped.
func (c *Cache) Close() error {
	if c.disk == nil {
		return nil
	}
	return c.disk.close()
}

func (c *Cache) corrupt(id chunk.ID, tier string, err error) {
	c.stats.Corruptions++
	c.logger.Warn("evicted corrupt chunk", "chunk", id, "tier", tier, "error", err)
}
