// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

// maxFetchAttempts is the first fetch plus one refetch after a chunk
// fails verification.
const maxFetchAttempts = 2

// errIntegrity marks a chunk response that failed verification.
var errIntegrity = errors.New("chunk failed verification")

// fetch is one in-flight ReadChunk shared by every reader of the
// chunk.
type fetch struct {
	id       chunk.ID
	call     *call
	attempts int
	epoch    uint64
	resets   uint64
	waiters  []func(data []byte, err error)
}

// readOp collects the chunks of one read until all have arrived.
type readOp struct {
	request *Request
	pieces  []chunk.Piece
	data    [][]byte
	pending int
	err     error
}

func (a *Actor) read(request *Request) {
	pieces := chunk.Split(request.Inode, request.Offset, request.Length)
	if len(pieces) == 0 {
		a.finish(request, Result{Data: []byte{}})
		return
	}
	if !a.needsRevalidation(request.Inode, pieces) {
		a.readChunks(request, pieces)
		return
	}
	// Cached chunks are only as current as the attributes they were
	// read under; fetching fresh ones drops the chunks of a file that
	// changed on the host.
	a.issue(&call{
		request: &wire.GetAttr{Inode: request.Inode},
		done: func(response wire.Message, err error) {
			if result := a.attrResult(request.Inode, response, err); result.Err != nil {
				a.finish(request, result)
				return
			}
			a.readChunks(request, pieces)
		},
	})
}

// needsRevalidation reports whether a read could be answered from
// cached chunks whose attributes have expired.
func (a *Actor) needsRevalidation(inode uint64, pieces []chunk.Piece) bool {
	if cached, ok := a.attrs[inode]; ok {
		return !a.fresh(cached.expires)
	}
	for _, piece := range pieces {
		if a.cache.Contains(piece.ID) {
			return true
		}
	}
	return false
}

func (a *Actor) readChunks(request *Request, pieces []chunk.Piece) {
	a.observe(request)

	op := &readOp{request: request, pieces: pieces, data: make([][]byte, len(pieces)), pending: len(pieces)}
	for index, piece := range pieces {
		if a.covered(piece) {
			op.resolve(a, index, a.overlay(piece.ID, nil), nil)
			continue
		}
		if data, ok := a.cache.Get(piece.ID); ok {
			a.counters.cacheHits.Add(1)
			data = a.overlay(piece.ID, data)
			op.resolve(a, index, data, nil)
			if len(data) < chunk.Size {
				// A short chunk is the last one; nothing after it exists.
				for rest := index + 1; rest < len(pieces); rest++ {
					op.resolve(a, rest, nil, nil)
				}
				return
			}
			continue
		}
		a.fetch(piece.ID, false, func(data []byte, err error) {
			if err == nil {
				data = a.overlay(piece.ID, data)
			}
			op.resolve(a, index, data, err)
		})
	}
}

func (op *readOp) resolve(a *Actor, index int, data []byte, err error) {
	if err != nil && op.err == nil {
		op.err = err
	}
	op.data[index] = data
	op.pending--
	if op.pending > 0 {
		return
	}
	if op.err != nil {
		a.finish(op.request, Result{Err: op.err})
		return
	}
	a.finish(op.request, Result{Data: op.assemble()})
}

// assemble stitches the requested range out of the chunks, stopping at
// the first chunk that ends before the range does.
func (op *readOp) assemble() []byte {
	out := make([]byte, 0, op.request.Length)
	for index, piece := range op.pieces {
		data := op.data[index]
		if piece.Start >= len(data) {
			break
		}
		end := min(piece.Start+piece.Length, len(data))
		out = append(out, data[piece.Start:end]...)
		if end < piece.Start+piece.Length {
			break
		}
	}
	return out
}

// observe feeds a foreground read to the governor and queues the
// prefetches it names.
func (a *Actor) observe(request *Request) {
	size := int64(-1)
	if _, ok := a.attrs[request.Inode]; ok {
		size = a.localSize(request.Inode)
	}
	for _, id := range a.governor.Observe(request.Inode, request.Offset, request.Length, size) {
		a.background = append(a.background, &Request{
			Kind:   KindPrefetch,
			Inode:  id.Inode,
			Offset: id.Offset(),
			Length: chunk.Size,
		})
	}
}

// prefetch starts background fetches for the chunks of request that
// are neither cached nor already being fetched.
func (a *Actor) prefetch(request *Request) {
	for _, piece := range chunk.Split(request.Inode, request.Offset, request.Length) {
		if a.cache.Contains(piece.ID) || a.covered(piece) {
			continue
		}
		if _, ok := a.fetches[piece.ID]; ok {
			continue
		}
		a.counters.prefetches.Add(1)
		a.fetch(piece.ID, true, nil)
	}
	a.finish(request, Result{})
}

// fetch delivers chunk id to waiter, joining an in-flight fetch of the
// same chunk when there is one. A nil waiter only fills the cache.
func (a *Actor) fetch(id chunk.ID, background bool, waiter func([]byte, error)) {
	// A fetch begun before a write or reset may carry old bytes.
	if existing, ok := a.fetches[id]; ok && existing.epoch == a.epochs[id.Inode] && existing.resets == a.resets {
		if waiter != nil {
			existing.waiters = append(existing.waiters, waiter)
			a.counters.shared.Add(1)
		}
		if !background {
			a.promote(existing.call)
		}
		return
	}
	f := &fetch{id: id, epoch: a.epochs[id.Inode], resets: a.resets}
	if waiter != nil {
		f.waiters = append(f.waiters, waiter)
	}
	a.fetches[id] = f
	a.sendFetch(f, background)
}

func (a *Actor) sendFetch(f *fetch, background bool) {
	priority := wire.PriorityForeground
	if background {
		priority = wire.PriorityBackground
	}
	f.attempts++
	a.counters.fetches.Add(1)
	f.call = &call{
		request:    &wire.ReadChunk{Chunk: f.id, Priority: priority},
		background: background,
		done: func(response wire.Message, err error) {
			a.fetched(f, response, err)
		},
	}
	a.issue(f.call)
}

func (a *Actor) fetched(f *fetch, response wire.Message, err error) {
	var data []byte
	var hash chunk.Hash
	if err == nil {
		data, hash, err = verifyChunk(f.id, response)
	}
	switch {
	case err == nil:
		if len(data) > 0 && f.epoch == a.epochs[f.id.Inode] && f.resets == a.resets {
			if err := a.cache.Put(f.id, data, hash); err != nil {
				a.logger.Warn("caching chunk failed", "chunk", f.id, "error", err)
			}
		}
	case codeOf(err) == wire.CodeChunkOutOfRange:
		// Past the end of the file: an empty final chunk.
		err = nil
	case errors.Is(err, errIntegrity):
		a.counters.checksumFailures.Add(1)
		a.cache.Invalidate(f.id)
		if f.attempts < maxFetchAttempts {
			a.logger.Warn("chunk failed verification, refetching", "chunk", f.id, "error", err)
			a.sendFetch(f, len(f.waiters) == 0)
			return
		}
		a.logger.Error("chunk failed verification twice", "chunk", f.id, "error", err)
		err = &wire.RemoteError{
			Code:         wire.CodeChecksumMismatch,
			Message:      fmt.Sprintf("chunk %s failed verification after %d attempts", f.id, f.attempts),
			RelatedInode: f.id.Inode,
		}
	}

	if a.fetches[f.id] == f {
		delete(a.fetches, f.id)
	}
	for _, waiter := range f.waiters {
		waiter(data, err)
	}
}

// verifyChunk decodes a ReadChunkResponse and checks it is the chunk
// that was asked for and matches its hash.
func verifyChunk(id chunk.ID, response wire.Message) ([]byte, chunk.Hash, error) {
	r, err := expect[*wire.ReadChunkResponse](response)
	if err != nil {
		return nil, chunk.Hash{}, err
	}
	if r.Chunk != id {
		return nil, chunk.Hash{}, fmt.Errorf("%w: asked for %s, got %s", errIntegrity, id, r.Chunk)
	}
	data, err := chunk.Decode(r.Data, r.Compression, int(r.Size))
	if err != nil {
		return nil, chunk.Hash{}, fmt.Errorf("%w: %s: %v", errIntegrity, id, err)
	}
	if !chunk.Verify(data, r.Hash) {
		return nil, chunk.Hash{}, fmt.Errorf("%w: %s hash mismatch", errIntegrity, id)
	}
	return data, r.Hash, nil
}
