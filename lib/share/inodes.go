// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"strings"
	"sync"

	"github.com/bureau-foundation/wormhole/lib/wire"
)

// DefaultMaxInodes bounds the inode table. Each entry costs two map
// slots and one copy of its relative path.
const DefaultMaxInodes = 1_000_000

// inodeTable maps inodes to slash-separated paths relative to the share
// root. The root is the empty path and always holds wire.RootInode.
// Allocation is monotonic: a removed inode is never handed out again.
type inodeTable struct {
	mu     sync.Mutex
	paths  map[uint64]string
	inodes map[string]uint64
	next   uint64
	limit  int
}

func newInodeTable(limit int) *inodeTable {
	table := &inodeTable{
		paths:  map[uint64]string{wire.RootInode: ""},
		inodes: map[string]uint64{"": wire.RootInode},
		next:   wire.FirstInode,
		limit:  limit,
	}
	return table
}

func (t *inodeTable) path(inode uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	relative, ok := t.paths[inode]
	return relative, ok
}

func (t *inodeTable) lookup(relative string) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inode, ok := t.inodes[relative]
	return inode, ok
}

// ensure returns the inode for relative, allocating one if needed.
func (t *inodeTable) ensure(relative string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if inode, ok := t.inodes[relative]; ok {
		return inode, nil
	}
	if len(t.paths) >= t.limit {
		return 0, ErrInodeTableFull
	}
	inode := t.next
	t.next++
	t.paths[inode] = relative
	t.inodes[relative] = inode
	return inode, nil
}

// forget drops relative and everything beneath it. Returns the inode
// relative held, or 0 if it was not mapped.
func (t *inodeTable) forget(relative string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	inode := t.inodes[relative]
	if inode == wire.RootInode {
		return 0
	}
	if inode != 0 {
		delete(t.inodes, relative)
		delete(t.paths, inode)
	}
	prefix := relative + "/"
	for path, child := range t.inodes {
		if strings.HasPrefix(path, prefix) {
			delete(t.inodes, path)
			delete(t.paths, child)
		}
	}
	return inode
}

// move rebinds the inodes at from and beneath it to the same positions
// under to. Whatever was mapped at to is dropped first, as rename(2)
// replaces it.
func (t *inodeTable) move(from, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if displaced, ok := t.inodes[to]; ok {
		delete(t.inodes, to)
		delete(t.paths, displaced)
	}
	fromPrefix := from + "/"
	toPrefix := to + "/"
	for path, inode := range t.inodes {
		if strings.HasPrefix(path, toPrefix) {
			delete(t.inodes, path)
			delete(t.paths, inode)
		}
	}

	type rebinding struct {
		inode uint64
		path  string
	}
	var moved []rebinding
	if inode, ok := t.inodes[from]; ok {
		delete(t.inodes, from)
		moved = append(moved, rebinding{inode, to})
	}
	for path, inode := range t.inodes {
		if strings.HasPrefix(path, fromPrefix) {
			delete(t.inodes, path)
			moved = append(moved, rebinding{inode, toPrefix + path[len(fromPrefix):]})
		}
	}
	for _, entry := range moved {
		t.inodes[entry.path] = entry.inode
		t.paths[entry.inode] = entry.path
	}
}

// prune drops every entry for which exists reports false. The root is
// never pruned.
func (t *inodeTable) prune(exists func(relative string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for inode, relative := range t.paths {
		if inode == wire.RootInode || exists(relative) {
			continue
		}
		delete(t.paths, inode)
		delete(t.inodes, relative)
		removed++
	}
	return removed
}

func (t *inodeTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.paths)
}
