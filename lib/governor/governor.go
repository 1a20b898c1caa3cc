// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package governor decides which chunks to prefetch from the stream of
// foreground reads.
//
// Per inode it remembers the chunk span of the previous read. A read
// that continues where the previous one left off (same direction, next
// chunk) lengthens a sequential streak; once the streak reaches the
// threshold the governor names the next few chunks in that direction.
// Any other jump resets the streak, which suppresses prefetching until
// sequential access resumes. Chunks already named are not named again
// while the streak lasts.
//
// A Governor is owned by the mount actor and is not safe for concurrent
// use.
package governor

import (
	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/lru"
)

const (
	// DefaultThreshold is the number of sequential advances before
	// prefetching starts: reads of chunks 0, 1, 2 trigger it.
	DefaultThreshold = 2
	// DefaultLookahead is how many chunks ahead are prefetched.
	DefaultLookahead = 4
	// DefaultMaxFiles bounds the number of inodes tracked.
	DefaultMaxFiles = 10000
)

type direction int8

const (
	random   direction = 0
	forward  direction = 1
	backward direction = -1
)

type state struct {
	first, last uint64 // chunk span of the previous read
	streak      int
	direction   direction
	// frontier is the furthest chunk already named in the current
	// direction; valid while emitted is true.
	frontier uint64
	emitted  bool
}

// Options configures a Governor. Zero fields take the defaults.
type Options struct {
	Threshold int
	Lookahead int
	MaxFiles  int
}

// Governor tracks per-inode access patterns.
type Governor struct {
	threshold int
	lookahead int
	files     *lru.Cache[uint64, *state]
}

// New returns a Governor.
func New(options Options) *Governor {
	if options.Threshold <= 0 {
		options.Threshold = DefaultThreshold
	}
	if options.Lookahead <= 0 {
		options.Lookahead = DefaultLookahead
	}
	if options.MaxFiles <= 0 {
		options.MaxFiles = DefaultMaxFiles
	}
	return &Governor{
		threshold: options.Threshold,
		lookahead: options.Lookahead,
		files:     lru.New[uint64, *state](options.MaxFiles),
	}
}

// Observe records a foreground read of length bytes at offset of inode
// and returns the chunks to prefetch, nearest first. fileSize clips the
// result to the file; pass a negative size when it is unknown.
func (g *Governor) Observe(inode uint64, offset int64, length int, fileSize int64) []chunk.ID {
	if length <= 0 || offset < 0 {
		return nil
	}
	first := chunk.At(inode, offset).Index
	last := chunk.At(inode, offset+int64(length)-1).Index

	current, ok := g.files.Get(inode)
	if !ok {
		g.files.Put(inode, &state{first: first, last: last})
		return nil
	}

	switch {
	case first == current.first && last == current.last:
		// Re-reading the same span neither grows nor breaks a streak.
		return nil
	case first > current.first && first <= current.last+1:
		current.advance(forward)
	case last < current.last && last+1 >= current.first:
		current.advance(backward)
	default:
		current.reset()
	}
	current.first, current.last = first, last

	if current.streak < g.threshold {
		return nil
	}
	return g.targets(inode, current, fileSize)
}

func (s *state) advance(d direction) {
	if s.direction != d {
		s.direction = d
		s.streak = 0
		s.emitted = false
	}
	s.streak++
}

func (s *state) reset() {
	s.streak = 0
	s.direction = random
	s.emitted = false
}

func (g *Governor) targets(inode uint64, s *state, fileSize int64) []chunk.ID {
	var ids []chunk.ID
	switch s.direction {
	case forward:
		limit := s.last + uint64(g.lookahead)
		if fileSize >= 0 {
			count := chunk.Count(fileSize)
			if count == 0 {
				return nil
			}
			limit = min(limit, count-1)
		}
		start := s.last + 1
		if s.emitted && s.frontier >= start {
			start = s.frontier + 1
		}
		for index := start; index <= limit; index++ {
			ids = append(ids, chunk.ID{Inode: inode, Index: index})
		}
		if len(ids) > 0 {
			s.frontier = limit
			s.emitted = true
		}
	case backward:
		if s.first == 0 {
			return nil
		}
		start := s.first - 1
		if s.emitted && s.frontier <= start {
			if s.frontier == 0 {
				return nil
			}
			start = s.frontier - 1
		}
		floor := uint64(0)
		if s.first > uint64(g.lookahead) {
			floor = s.first - uint64(g.lookahead)
		}
		for index := start; index >= floor; index-- {
			ids = append(ids, chunk.ID{Inode: inode, Index: index})
			if index == 0 {
				break
			}
		}
		if len(ids) > 0 {
			s.frontier = ids[len(ids)-1].Index
			s.emitted = true
		}
	}
	return ids
}

// Forget drops the state for inode, as when its content changes or it
// is released.
func (g *Governor) Forget(inode uint64) {
	g.files.Remove(inode)
}

// Tracked returns the number of inodes with recorded state.
func (g *Governor) Tracked() int { return g.files.Len() }
