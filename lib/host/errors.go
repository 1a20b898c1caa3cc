// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/wormhole/lib/lockmgr"
	"github.com/bureau-foundation/wormhole/lib/share"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

// failure builds an error that is sent to the peer with exactly this
// code.
func failure(code wire.ErrorCode, inode uint64, format string, args ...any) error {
	return &wire.RemoteError{Code: code, RelatedInode: inode, Message: fmt.Sprintf(format, args...)}
}

// errorResponse converts a handler error into the Error message sent
// back to the peer.
func errorResponse(err error, inode uint64) *wire.Error {
	var (
		remote   *wire.RemoteError
		conflict *lockmgr.ConflictError
	)
	switch {
	case errors.As(err, &remote):
		response := wire.ErrorMessage(remote.Code, remote.RelatedInode, "%s", remote.Message)
		if response.RelatedInode == 0 {
			response.RelatedInode = inode
		}
		response.RetryAfterMillis = remote.RetryAfter.Milliseconds()
		return response
	case errors.As(err, &conflict):
		response := wire.ErrorMessage(wire.CodeLockConflict, inode, "%v", err)
		response.RetryAfterMillis = max(conflict.RetryAfter.Milliseconds(), 1)
		return response
	case errors.Is(err, lockmgr.ErrLockExpired):
		return wire.ErrorMessage(wire.CodeLockExpired, inode, "%v", err)
	case errors.Is(err, lockmgr.ErrLockRequired):
		return wire.ErrorMessage(wire.CodeLockRequired, inode, "%v", err)
	default:
		return wire.ErrorMessage(share.Code(err), inode, "%v", err)
	}
}

// relatedInode picks the inode an error response should name.
func relatedInode(request wire.Message) uint64 {
	switch r := request.(type) {
	case *wire.GetAttr:
		return r.Inode
	case *wire.Lookup:
		return r.Parent
	case *wire.ListDir:
		return r.Inode
	case *wire.ReadChunk:
		return r.Chunk.Inode
	case *wire.WriteChunk:
		return r.Inode
	case *wire.AcquireLock:
		return r.Inode
	case *wire.Create:
		return r.Parent
	case *wire.Mkdir:
		return r.Parent
	case *wire.Unlink:
		return r.Parent
	case *wire.Rmdir:
		return r.Parent
	case *wire.Rename:
		return r.Parent
	case *wire.SetAttr:
		return r.Inode
	default:
		return 0
	}
}
