// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"bytes"
	"maps"
	"slices"
	"time"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

// extent is written data buffered inside one chunk, covering bytes
// [start, start+len(data)) of the chunk.
type extent struct {
	start int
	data  []byte
}

func (e *extent) end() int { return e.start + len(e.data) }

// dirtyFile holds the writes to one file that the host has not seen.
type dirtyFile struct {
	extents map[uint64]*extent
	// since is when the oldest unwritten data was buffered.
	since time.Time
	// queued is set while a timed write-back of the file is pending.
	queued bool
	// refused is set when the host refused a timed write-back for
	// want of a lease. Timed write-backs skip the file until a caller
	// writes, flushes or syncs it.
	refused bool
}

// buffer merges data into the extent of piece's chunk. It returns
// false and changes nothing when the chunk already holds an extent
// that data neither overlaps nor touches.
func (a *Actor) buffer(piece chunk.Piece, data []byte) bool {
	file := a.dirty[piece.ID.Inode]
	if file == nil {
		file = &dirtyFile{extents: make(map[uint64]*extent), since: a.clock.Now()}
		a.dirty[piece.ID.Inode] = file
	}
	existing := file.extents[piece.ID.Index]
	if existing == nil {
		file.extents[piece.ID.Index] = &extent{start: piece.Start, data: bytes.Clone(data)}
		a.dirtyChunks++
		return true
	}

	end := piece.Start + len(data)
	switch {
	case end < existing.start || piece.Start > existing.end():
		return false
	case piece.Start == existing.end():
		existing.data = append(existing.data, data...)
	default:
		start := min(existing.start, piece.Start)
		merged := make([]byte, max(existing.end(), end)-start)
		copy(merged[existing.start-start:], existing.data)
		copy(merged[piece.Start-start:], data)
		existing.start, existing.data = start, merged
	}
	return true
}

// firstExtent returns the lowest buffered chunk of inode.
func (a *Actor) firstExtent(inode uint64) (chunk.ID, *extent, bool) {
	file := a.dirty[inode]
	if file == nil || len(file.extents) == 0 {
		return chunk.ID{}, nil, false
	}
	index := slices.Min(slices.Collect(maps.Keys(file.extents)))
	return chunk.ID{Inode: inode, Index: index}, file.extents[index], true
}

// removeExtent forgets ext once the host has it, unless it is no
// longer the buffered extent of id.
func (a *Actor) removeExtent(id chunk.ID, ext *extent) {
	file := a.dirty[id.Inode]
	if file == nil || file.extents[id.Index] != ext {
		return
	}
	delete(file.extents, id.Index)
	a.dirtyChunks--
	if len(file.extents) == 0 {
		delete(a.dirty, id.Inode)
	}
}

// dropDirty discards the buffered writes of inode and returns how many
// chunks they covered.
func (a *Actor) dropDirty(inode uint64) int {
	file := a.dirty[inode]
	if file == nil {
		return 0
	}
	delete(a.dirty, inode)
	a.dirtyChunks -= len(file.extents)
	return len(file.extents)
}

// dirtyEnd is the file offset just past the last buffered byte of
// inode, or zero.
func (a *Actor) dirtyEnd(inode uint64) int64 {
	file := a.dirty[inode]
	if file == nil {
		return 0
	}
	var end int64
	for index, ext := range file.extents {
		end = max(end, chunk.ID{Inode: inode, Index: index}.Offset()+int64(ext.end()))
	}
	return end
}

// localSize is the size the mount presents for inode: the host's size
// extended by buffered writes past it.
func (a *Actor) localSize(inode uint64) int64 {
	size := a.dirtyEnd(inode)
	if cached, ok := a.attrs[inode]; ok {
		size = max(size, int64(cached.attr.Size))
	}
	return size
}

// withDirtySize reports attr with the size extended by buffered
// writes.
func (a *Actor) withDirtySize(attr wire.FileAttr) wire.FileAttr {
	if end := a.dirtyEnd(attr.Inode); end > int64(attr.Size) {
		attr.Size = uint64(end)
	}
	return attr
}

// covered reports whether buffered data holds every byte of piece.
func (a *Actor) covered(piece chunk.Piece) bool {
	file := a.dirty[piece.ID.Inode]
	if file == nil {
		return false
	}
	ext := file.extents[piece.ID.Index]
	return ext != nil && ext.start <= piece.Start && ext.end() >= piece.Start+piece.Length
}

// overlay lays the buffered writes of chunk id over base, the host's
// bytes of the chunk. Chunks of a file with buffered data are padded
// with zeros up to the local size. base is never modified.
func (a *Actor) overlay(id chunk.ID, base []byte) []byte {
	file := a.dirty[id.Inode]
	if file == nil {
		return base
	}
	want := int(min(max(a.localSize(id.Inode)-id.Offset(), 0), chunk.Size))
	ext := file.extents[id.Index]
	if ext == nil && len(base) >= want {
		return base
	}
	out := make([]byte, max(len(base), want))
	copy(out, base)
	if ext != nil {
		copy(out[ext.start:], ext.data)
	}
	return out
}

// queueWriteBacks queues a write-back of every file whose data has
// been buffered for the write-back delay, or of every file when all
// is set.
func (a *Actor) queueWriteBacks(all bool) {
	now := a.clock.Now()
	for inode, file := range a.dirty {
		if file.queued || file.refused || (!all && now.Sub(file.since) < a.writeBackDelay) {
			continue
		}
		file.queued = true
		a.syncs = append(a.syncs, &Request{Kind: KindSync, Inode: inode})
	}
}

// sync handles KindSync.
func (a *Actor) sync(request *Request) {
	file, ok := a.dirty[request.Inode]
	if !ok {
		a.finish(request, Result{})
		return
	}
	if request.reply != nil {
		file.refused = false
	}
	a.withLease(request, func(token wire.LockToken) {
		a.writeBack(request, token, func(err error) {
			a.finish(request, Result{Err: err})
		})
	})
}

// writeBack sends the buffered extents of request.Inode to the host in
// file order and calls done when all are written or one fails. A
// failed extent stays buffered.
func (a *Actor) writeBack(request *Request, token wire.LockToken, done func(error)) {
	inode := request.Inode
	id, ext, ok := a.firstExtent(inode)
	if !ok {
		done(nil)
		return
	}
	a.writeChunk(id, ext.start, ext.data, token, func(err error) {
		switch {
		case err == nil:
			a.removeExtent(id, ext)
			a.writeBack(request, token, done)
		case codeOf(err) == wire.CodeNotFound:
			dropped := a.dropDirty(inode)
			a.logger.Warn("file removed on host, discarding buffered writes", "inode", inode, "chunks", dropped)
			done(err)
		default:
			done(err)
		}
	})
}
