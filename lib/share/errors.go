// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"errors"
	"io/fs"
	"syscall"

	"github.com/bureau-foundation/wormhole/lib/pathsafe"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

var (
	// ErrReadOnly is returned by every mutating operation on a share
	// opened with Options.ReadOnly.
	ErrReadOnly = errors.New("share is read-only")

	// ErrUnknownInode means the inode was never handed out, or its
	// entry has since been removed.
	ErrUnknownInode = errors.New("unknown inode")

	// ErrOutOfRange is returned for a chunk past the end of a file or
	// a write that crosses a chunk boundary.
	ErrOutOfRange = errors.New("chunk out of range")

	// ErrInodeTableFull is returned when no inode can be allocated even
	// after pruning entries whose paths have disappeared.
	ErrInodeTableFull = errors.New("inode table full")
)

// Code classifies an error returned by a Share into the wire taxonomy.
func Code(err error) wire.ErrorCode {
	var pathErr *pathsafe.PathError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrReadOnly), errors.Is(err, syscall.EROFS):
		return wire.CodeReadOnly
	case errors.Is(err, ErrOutOfRange):
		return wire.CodeChunkOutOfRange
	case errors.Is(err, ErrUnknownInode):
		return wire.CodeNotFound
	case errors.As(err, &pathErr) && pathErr.NameTooLong(), errors.Is(err, syscall.ENAMETOOLONG):
		return wire.CodeNameTooLong
	case errors.Is(err, pathsafe.ErrPathTraversal), errors.Is(err, syscall.ELOOP):
		return wire.CodePathTraversal
	// ENOTEMPTY also matches fs.ErrExist, so it is checked first.
	case errors.Is(err, syscall.ENOTEMPTY):
		return wire.CodeNotEmpty
	case errors.Is(err, fs.ErrNotExist):
		return wire.CodeNotFound
	case errors.Is(err, syscall.ENOTDIR):
		return wire.CodeNotADirectory
	case errors.Is(err, syscall.EISDIR):
		return wire.CodeNotAFile
	case errors.Is(err, fs.ErrExist):
		return wire.CodeAlreadyExists
	case errors.Is(err, fs.ErrPermission):
		return wire.CodePermissionDenied
	default:
		return wire.CodeIOError
	}
}
