// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"time"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/lockmgr"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

func (h *Host) registerHandlers() {
	h.handlers = make(map[wire.Kind]requestFunc)

	h.handle(wire.KindGetAttr, func(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
		attr, err := h.share.GetAttr(request.(*wire.GetAttr).Inode)
		if err != nil {
			return nil, err
		}
		return &wire.AttrResponse{Attr: attr}, nil
	})

	h.handle(wire.KindLookup, func(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
		r := request.(*wire.Lookup)
		attr, err := h.share.Lookup(r.Parent, r.Name)
		if err != nil {
			return nil, err
		}
		return &wire.AttrResponse{Attr: attr}, nil
	})

	h.handle(wire.KindListDir, func(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
		r := request.(*wire.ListDir)
		return h.share.ListDir(r.Inode, r.Offset, r.Limit)
	})

	h.handle(wire.KindReadChunk, h.readChunk)
	h.handle(wire.KindWriteChunk, h.writeChunk)

	h.handle(wire.KindAcquireLock, h.acquireLock)
	h.handle(wire.KindRenewLock, func(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
		r := request.(*wire.RenewLock)
		entry, err := h.locks.Renew(lockmgr.Token(r.Token), time.Duration(r.TTLMillis)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return &wire.LockResponse{Granted: true, Token: r.Token, ExpiresAt: entry.ExpiresAt.UnixNano()}, nil
	})
	h.handle(wire.KindReleaseLock, func(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
		released := h.locks.Release(lockmgr.Token(request.(*wire.ReleaseLock).Token))
		return &wire.ReleaseResponse{Released: released}, nil
	})

	h.handle(wire.KindCreate, h.create)
	h.handle(wire.KindMkdir, h.mkdir)
	h.handle(wire.KindUnlink, h.unlink)
	h.handle(wire.KindRmdir, h.rmdir)
	h.handle(wire.KindRename, h.rename)
	h.handle(wire.KindSetAttr, h.setAttr)
}

func (h *Host) readChunk(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
	response, err := h.share.ReadChunk(request.(*wire.ReadChunk).Chunk)
	if err != nil {
		return nil, err
	}
	if s.compression.Load() {
		if encoded, compression := chunk.Compress(response.Data); compression != chunk.CompressionNone {
			response.Data = encoded
			response.Compression = compression
		}
	}
	return response, nil
}

func (h *Host) writeChunk(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
	r := request.(*wire.WriteChunk)
	if err := s.requireWritable(r.Inode); err != nil {
		return nil, err
	}
	if !chunk.Verify(r.Data, r.Hash) {
		return nil, failure(wire.CodeChecksumMismatch, r.Inode, "write payload does not match its hash")
	}
	if err := s.requireLease(r.Inode, r.Token); err != nil {
		return nil, err
	}
	attr, err := h.share.WriteChunk(r.Inode, r.Offset, r.Data)
	if err != nil {
		return nil, err
	}
	h.invalidate(s, &wire.Invalidate{Inode: r.Inode})
	return &wire.WriteResponse{Written: uint32(len(r.Data)), Attr: attr}, nil
}

// acquireLock answers a conflict with Granted false rather than an
// error, so the client sees who holds the lease and for how long.
func (h *Host) acquireLock(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
	r := request.(*wire.AcquireLock)
	if r.Mode == wire.LockExclusive {
		if err := s.requireWritable(r.Inode); err != nil {
			return nil, err
		}
	}
	path, err := h.share.Path(r.Inode)
	if err != nil {
		return nil, err
	}
	entry, err := h.locks.Acquire(path, s.holder, lockmgr.Mode(r.Mode), time.Duration(r.TTLMillis)*time.Millisecond)
	var conflict *lockmgr.ConflictError
	if errors.As(err, &conflict) {
		return &wire.LockResponse{
			Holder:           conflict.Holder,
			RetryAfterMillis: max(conflict.RetryAfter.Milliseconds(), 1),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &wire.LockResponse{
		Granted:   true,
		Token:     wire.LockToken(entry.Token),
		ExpiresAt: entry.ExpiresAt.UnixNano(),
	}, nil
}

func (h *Host) create(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
	r := request.(*wire.Create)
	if err := s.requireWritable(r.Parent); err != nil {
		return nil, err
	}
	attr, err := h.share.Create(r.Parent, r.Name, r.Mode, r.Exclusive)
	if err != nil {
		return nil, err
	}
	h.invalidate(s, &wire.Invalidate{Inode: attr.Inode, Parent: r.Parent})
	return &wire.AttrResponse{Attr: attr}, nil
}

func (h *Host) mkdir(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
	r := request.(*wire.Mkdir)
	if err := s.requireWritable(r.Parent); err != nil {
		return nil, err
	}
	attr, err := h.share.Mkdir(r.Parent, r.Name, r.Mode)
	if err != nil {
		return nil, err
	}
	h.invalidate(s, &wire.Invalidate{Inode: attr.Inode, Parent: r.Parent})
	return &wire.AttrResponse{Attr: attr}, nil
}

func (h *Host) unlink(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
	r := request.(*wire.Unlink)
	if err := s.requireWritable(r.Parent); err != nil {
		return nil, err
	}
	if err := s.requireNoForeignLease(r.Parent, r.Name); err != nil {
		return nil, err
	}
	removed, err := h.share.Unlink(r.Parent, r.Name)
	if err != nil {
		return nil, err
	}
	h.invalidate(s, &wire.Invalidate{Inode: removed, Parent: r.Parent})
	return nil, nil
}

func (h *Host) rmdir(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
	r := request.(*wire.Rmdir)
	if err := s.requireWritable(r.Parent); err != nil {
		return nil, err
	}
	if err := s.requireNoForeignLease(r.Parent, r.Name); err != nil {
		return nil, err
	}
	removed, err := h.share.Rmdir(r.Parent, r.Name)
	if err != nil {
		return nil, err
	}
	h.invalidate(s, &wire.Invalidate{Inode: removed, Parent: r.Parent})
	return nil, nil
}

func (h *Host) rename(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
	r := request.(*wire.Rename)
	if err := s.requireWritable(r.Parent); err != nil {
		return nil, err
	}
	if err := s.requireNoForeignLease(r.Parent, r.Name); err != nil {
		return nil, err
	}
	if err := s.requireNoForeignLease(r.NewParent, r.NewName); err != nil {
		return nil, err
	}
	moved, replaced, err := h.share.Rename(r.Parent, r.Name, r.NewParent, r.NewName)
	if err != nil {
		return nil, err
	}
	h.invalidate(s, &wire.Invalidate{Inode: moved, Parent: r.Parent})
	if r.NewParent != r.Parent {
		h.invalidate(s, &wire.Invalidate{Inode: moved, Parent: r.NewParent})
	}
	if replaced != 0 {
		h.invalidate(s, &wire.Invalidate{Inode: replaced, Parent: r.NewParent})
	}
	return nil, nil
}

// setAttr requires an exclusive lease for a size change, which rewrites
// content. Mode and time changes only require that nobody else holds
// one.
func (h *Host) setAttr(_ context.Context, s *peerSession, request wire.Message) (wire.Message, error) {
	r := request.(*wire.SetAttr)
	if r.Size != nil || r.Mode != nil || r.Mtime != nil {
		if err := s.requireWritable(r.Inode); err != nil {
			return nil, err
		}
	}
	if r.Size != nil {
		if err := s.requireLease(r.Inode, r.Token); err != nil {
			return nil, err
		}
	} else {
		path, err := h.share.Path(r.Inode)
		if err != nil {
			return nil, err
		}
		if err := s.checkForeignLease(path); err != nil {
			return nil, err
		}
	}
	attr, err := h.share.SetAttr(r)
	if err != nil {
		return nil, err
	}
	if r.Size != nil || r.Mode != nil || r.Mtime != nil {
		h.invalidate(s, &wire.Invalidate{Inode: r.Inode})
	}
	return &wire.AttrResponse{Attr: attr}, nil
}

// requireWritable rejects mutations on a read-only share or from a
// session that did not negotiate writes.
func (s *peerSession) requireWritable(inode uint64) error {
	if s.host.share.ReadOnly() {
		return failure(wire.CodeReadOnly, inode, "share is read-only")
	}
	if !s.writable.Load() {
		return failure(wire.CodePermissionDenied, inode, "session did not negotiate %s", wire.CapabilityWrite)
	}
	return nil
}

// requireLease checks that token names a live exclusive lease on
// inode's path.
func (s *peerSession) requireLease(inode uint64, token wire.LockToken) error {
	path, err := s.host.share.Path(inode)
	if err != nil {
		return err
	}
	if token.IsZero() {
		return lockmgr.ErrLockRequired
	}
	return s.host.locks.Validate(path, lockmgr.Token(token), lockmgr.Exclusive)
}

func (s *peerSession) requireNoForeignLease(parent uint64, name string) error {
	path, err := s.host.share.ChildPath(parent, name)
	if err != nil {
		return err
	}
	return s.checkForeignLease(path)
}

// checkForeignLease fails when another holder has an exclusive lease on
// path.
func (s *peerSession) checkForeignLease(path string) error {
	now := s.host.clock.Now()
	for _, entry := range s.host.locks.Holders(path) {
		if entry.Mode == lockmgr.Exclusive && entry.Holder != s.holder {
			return &lockmgr.ConflictError{
				Path:       path,
				Holder:     entry.Holder,
				Mode:       entry.Mode,
				RetryAfter: entry.ExpiresAt.Sub(now),
			}
		}
	}
	return nil
}
