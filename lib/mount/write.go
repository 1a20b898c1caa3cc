// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

func (a *Actor) write(request *Request) {
	if len(request.Data) == 0 {
		a.finish(request, Result{})
		return
	}
	a.withLease(request, func(token wire.LockToken) {
		pieces := chunk.Split(request.Inode, request.Offset, len(request.Data))
		if a.writeThrough {
			a.writePieces(request, token, pieces, 0)
			return
		}
		a.bufferPieces(request, token, pieces, 0)
	})
}

// bufferPieces keeps the write in memory for a later write-back. A
// chunk that already holds data the write does not touch is written
// back first, since a chunk buffers one extent.
func (a *Actor) bufferPieces(request *Request, token wire.LockToken, pieces []chunk.Piece, written int) {
	if file := a.dirty[request.Inode]; file != nil {
		file.refused = false
	}
	for len(pieces) > 0 {
		piece := pieces[0]
		if !a.buffer(piece, request.Data[written:written+piece.Length]) {
			a.writeBack(request, token, func(err error) {
				if err != nil {
					a.finish(request, Result{Written: written, Err: err})
					return
				}
				a.bufferPieces(request, token, pieces, written)
			})
			return
		}
		written += piece.Length
		pieces = pieces[1:]
	}
	if a.dirtyChunks >= a.maxDirtyChunks {
		a.queueWriteBacks(true)
	}
	result := Result{Written: written}
	if cached, ok := a.attrs[request.Inode]; ok {
		result.Attr = a.withDirtySize(cached.attr)
	}
	a.finish(request, result)
}

// writePieces sends one chunk-aligned WriteChunk at a time. A failure
// stops the write and reports the bytes already written.
func (a *Actor) writePieces(request *Request, token wire.LockToken, pieces []chunk.Piece, written int) {
	if len(pieces) == 0 {
		result := Result{Written: written}
		if cached, ok := a.attrs[request.Inode]; ok {
			result.Attr = cached.attr
		}
		a.finish(request, result)
		return
	}
	piece := pieces[0]
	a.writeChunk(piece.ID, piece.Start, request.Data[written:written+piece.Length], token, func(err error) {
		if err != nil {
			a.finish(request, Result{Written: written, Err: err})
			return
		}
		a.writePieces(request, token, pieces[1:], written+piece.Length)
	})
}

// writeChunk writes data at byte start of chunk id. The host must
// report every byte written; a shorter or longer count is a protocol
// error.
func (a *Actor) writeChunk(id chunk.ID, start int, data []byte, token wire.LockToken, done func(error)) {
	a.issue(&call{
		request: &wire.WriteChunk{
			Inode:  id.Inode,
			Offset: id.Offset() + int64(start),
			Data:   data,
			Hash:   chunk.Sum(data),
			Token:  token,
		},
		done: func(response wire.Message, err error) {
			a.cache.Invalidate(id)
			a.governor.Forget(id.Inode)
			a.epochs[id.Inode]++
			var r *wire.WriteResponse
			if err == nil {
				r, err = expect[*wire.WriteResponse](response)
			}
			if err == nil && r.Written != uint32(len(data)) {
				err = &wire.ProtocolError{Reason: fmt.Sprintf("host wrote %d of %d bytes to %s", r.Written, len(data), id)}
			}
			if err != nil {
				a.leaseError(id.Inode, err)
				a.expireAttr(id.Inode)
				done(err)
				return
			}
			a.counters.writeBacks.Add(1)
			a.recordAttr(r.Attr)
			done(nil)
		},
	})
}

// withLease runs next with a live exclusive lease on request.Inode,
// reusing the held one, renewing it when past half its life, or
// acquiring a new one. A lease held elsewhere finishes request with
// LockConflict.
func (a *Actor) withLease(request *Request, next func(wire.LockToken)) {
	inode := request.Inode
	held, ok := a.leases[inode]
	if !ok {
		a.acquire(request, next)
		return
	}
	remaining := held.expires.Sub(a.clock.Now())
	if remaining > a.lockTTL/2 {
		next(held.token)
		return
	}
	if remaining <= 0 {
		delete(a.leases, inode)
		a.acquire(request, next)
		return
	}
	issued := a.clock.Now()
	a.issue(&call{
		request: &wire.RenewLock{Token: held.token, TTLMillis: a.lockTTL.Milliseconds()},
		done: func(response wire.Message, err error) {
			if err == nil {
				var r *wire.LockResponse
				if r, err = expect[*wire.LockResponse](response); err == nil && r.Granted {
					a.leases[inode] = lease{token: held.token, expires: issued.Add(a.lockTTL)}
					next(held.token)
					return
				}
			}
			a.logger.Debug("lease renewal failed, acquiring again", "inode", inode, "error", err)
			delete(a.leases, inode)
			a.acquire(request, next)
		},
	})
}

func (a *Actor) acquire(request *Request, next func(wire.LockToken)) {
	inode := request.Inode
	// The host counts the lease from when it receives the request;
	// counting from before sending keeps the local view conservative.
	issued := a.clock.Now()
	a.issue(&call{
		request: &wire.AcquireLock{Inode: inode, Mode: wire.LockExclusive, TTLMillis: a.lockTTL.Milliseconds()},
		done: func(response wire.Message, err error) {
			var r *wire.LockResponse
			if err == nil {
				r, err = expect[*wire.LockResponse](response)
			}
			if err != nil {
				a.finish(request, Result{Err: err})
				return
			}
			if !r.Granted {
				a.finish(request, Result{Err: &wire.RemoteError{
					Code:         wire.CodeLockConflict,
					Message:      fmt.Sprintf("file is locked by %s", r.Holder),
					RelatedInode: inode,
					RetryAfter:   time.Duration(r.RetryAfterMillis) * time.Millisecond,
				}})
				return
			}
			a.leases[inode] = lease{token: r.Token, expires: issued.Add(a.lockTTL)}
			next(r.Token)
		},
	})
}

// leaseError forgets the lease on inode when err says the host no
// longer honours it, so the next write acquires a fresh one.
func (a *Actor) leaseError(inode uint64, err error) {
	switch codeOf(err) {
	case wire.CodeLockExpired, wire.CodeLockRequired:
		delete(a.leases, inode)
	}
}

// release handles Flush and Release: it writes back buffered data
// and gives back the lease on the file, if one is held. A failed
// write-back fails the request and keeps both. Failing to release is
// only logged; the host expires the lease regardless.
func (a *Actor) release(request *Request) {
	file, ok := a.dirty[request.Inode]
	if !ok {
		a.releaseLease(request)
		return
	}
	file.refused = false
	a.withLease(request, func(token wire.LockToken) {
		a.writeBack(request, token, func(err error) {
			if err != nil {
				a.finish(request, Result{Err: err})
				return
			}
			a.releaseLease(request)
		})
	})
}

func (a *Actor) releaseLease(request *Request) {
	inode := request.Inode
	if request.Kind == KindRelease {
		a.governor.Forget(inode)
	}
	held, ok := a.leases[inode]
	if !ok {
		a.finish(request, Result{})
		return
	}
	delete(a.leases, inode)
	a.issue(&call{
		request: &wire.ReleaseLock{Token: held.token},
		done: func(_ wire.Message, err error) {
			if err != nil {
				a.logger.Warn("releasing lease failed", "inode", inode, "error", err)
			}
			a.finish(request, Result{})
		},
	})
}
