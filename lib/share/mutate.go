// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

const (
	defaultFileMode = 0o644
	defaultDirMode  = 0o755
)

// WriteChunk writes data at offset in file inode and syncs it. The
// write must lie within a single chunk. Lock validation is the
// caller's job; by the time WriteChunk runs the write is authorized.
func (s *Share) WriteChunk(inode uint64, offset int64, data []byte) (wire.FileAttr, error) {
	if s.readOnly {
		return wire.FileAttr{}, ErrReadOnly
	}
	if offset < 0 {
		return wire.FileAttr{}, fmt.Errorf("negative offset %d: %w", offset, ErrOutOfRange)
	}
	if len(data) > 0 && chunk.At(inode, offset) != chunk.At(inode, offset+int64(len(data))-1) {
		return wire.FileAttr{}, fmt.Errorf("write of %d bytes at %d crosses a chunk boundary: %w",
			len(data), offset, ErrOutOfRange)
	}
	relative, absolute, err := s.resolve(inode)
	if err != nil {
		return wire.FileAttr{}, err
	}
	fd, err := openNoFollow(absolute, unix.O_WRONLY, 0)
	if err != nil {
		return wire.FileAttr{}, err
	}
	defer unix.Close(fd)

	if err := pwriteFull(fd, data, offset); err != nil {
		return wire.FileAttr{}, &fs.PathError{Op: "pwrite", Path: relative, Err: err}
	}
	if err := unix.Fdatasync(fd); err != nil {
		return wire.FileAttr{}, &fs.PathError{Op: "fdatasync", Path: relative, Err: err}
	}
	stat, err := fstat(fd)
	if err != nil {
		return wire.FileAttr{}, &fs.PathError{Op: "fstat", Path: relative, Err: err}
	}
	s.logger.Debug("wrote chunk", "path", relative, "offset", offset, "length", len(data))
	return attrFromStat(inode, stat), nil
}

// Create makes a regular file named name in directory parent. Without
// exclusive an existing regular file is opened and returned unchanged.
func (s *Share) Create(parent uint64, name string, mode uint32, exclusive bool) (wire.FileAttr, error) {
	if s.readOnly {
		return wire.FileAttr{}, ErrReadOnly
	}
	relative, parentAbsolute, err := s.child(parent, name)
	if err != nil {
		return wire.FileAttr{}, err
	}
	if mode&0o7777 == 0 {
		mode = defaultFileMode
	}
	flags := unix.O_WRONLY | unix.O_CREAT
	if exclusive {
		flags |= unix.O_EXCL
	}
	fd, err := openNoFollow(filepath.Join(parentAbsolute, name), flags, mode&0o7777)
	if err != nil {
		return wire.FileAttr{}, err
	}
	defer unix.Close(fd)

	stat, err := fstat(fd)
	if err != nil {
		return wire.FileAttr{}, &fs.PathError{Op: "fstat", Path: relative, Err: err}
	}
	inode, err := s.allocate(relative)
	if err != nil {
		return wire.FileAttr{}, err
	}
	s.logger.Info("created file", "path", relative, "inode", inode)
	return attrFromStat(inode, stat), nil
}

// Mkdir makes a directory named name in directory parent.
func (s *Share) Mkdir(parent uint64, name string, mode uint32) (wire.FileAttr, error) {
	if s.readOnly {
		return wire.FileAttr{}, ErrReadOnly
	}
	relative, parentAbsolute, err := s.child(parent, name)
	if err != nil {
		return wire.FileAttr{}, err
	}
	if mode&0o7777 == 0 {
		mode = defaultDirMode
	}
	target := filepath.Join(parentAbsolute, name)
	if err := unix.Mkdir(target, mode&0o7777); err != nil {
		return wire.FileAttr{}, &fs.PathError{Op: "mkdir", Path: relative, Err: err}
	}
	stat, err := lstat(target)
	if err != nil {
		return wire.FileAttr{}, err
	}
	inode, err := s.allocate(relative)
	if err != nil {
		return wire.FileAttr{}, err
	}
	s.logger.Info("created directory", "path", relative, "inode", inode)
	return attrFromStat(inode, stat), nil
}

// Unlink removes the regular file name from directory parent and
// returns the inode it held (0 if it was never handed out).
func (s *Share) Unlink(parent uint64, name string) (uint64, error) {
	if s.readOnly {
		return 0, ErrReadOnly
	}
	relative, parentAbsolute, err := s.child(parent, name)
	if err != nil {
		return 0, err
	}
	target := filepath.Join(parentAbsolute, name)
	stat, err := lstat(target)
	if err != nil {
		return 0, err
	}
	switch kind, exposed := fileType(stat.Mode); {
	case !exposed:
		return 0, &fs.PathError{Op: "unlink", Path: relative, Err: syscall.ENOENT}
	case kind == wire.TypeDirectory:
		return 0, &fs.PathError{Op: "unlink", Path: relative, Err: syscall.EISDIR}
	}
	if err := unix.Unlink(target); err != nil {
		return 0, &fs.PathError{Op: "unlink", Path: relative, Err: err}
	}
	inode := s.inodes.forget(relative)
	s.logger.Info("removed file", "path", relative, "inode", inode)
	return inode, nil
}

// Rmdir removes the empty directory name from directory parent and
// returns the inode it held.
func (s *Share) Rmdir(parent uint64, name string) (uint64, error) {
	if s.readOnly {
		return 0, ErrReadOnly
	}
	relative, parentAbsolute, err := s.child(parent, name)
	if err != nil {
		return 0, err
	}
	target := filepath.Join(parentAbsolute, name)
	stat, err := lstat(target)
	if err != nil {
		return 0, err
	}
	switch kind, exposed := fileType(stat.Mode); {
	case !exposed:
		return 0, &fs.PathError{Op: "rmdir", Path: relative, Err: syscall.ENOENT}
	case kind != wire.TypeDirectory:
		return 0, &fs.PathError{Op: "rmdir", Path: relative, Err: syscall.ENOTDIR}
	}
	if err := unix.Rmdir(target); err != nil {
		return 0, &fs.PathError{Op: "rmdir", Path: relative, Err: err}
	}
	inode := s.inodes.forget(relative)
	s.logger.Info("removed directory", "path", relative, "inode", inode)
	return inode, nil
}

// Rename moves name in parent to newName in newParent, replacing any
// entry already there the way rename(2) does. The moved entry keeps its
// inode, as do entries beneath a moved directory. Returns the inode of
// the moved entry and the inode of the entry it replaced, if any.
func (s *Share) Rename(parent uint64, name string, newParent uint64, newName string) (moved, replaced uint64, err error) {
	if s.readOnly {
		return 0, 0, ErrReadOnly
	}
	from, fromParent, err := s.child(parent, name)
	if err != nil {
		return 0, 0, err
	}
	to, toParent, err := s.child(newParent, newName)
	if err != nil {
		return 0, 0, err
	}
	source := filepath.Join(fromParent, name)
	stat, err := lstat(source)
	if err != nil {
		return 0, 0, err
	}
	if _, exposed := fileType(stat.Mode); !exposed {
		return 0, 0, &fs.PathError{Op: "rename", Path: from, Err: syscall.ENOENT}
	}
	if err := unix.Rename(source, filepath.Join(toParent, newName)); err != nil {
		return 0, 0, &fs.PathError{Op: "rename", Path: from, Err: err}
	}
	replaced, _ = s.inodes.lookup(to)
	s.inodes.move(from, to)
	moved, err = s.allocate(to)
	if err != nil {
		return 0, 0, err
	}
	if replaced == moved {
		replaced = 0
	}
	s.logger.Info("renamed", "from", from, "to", to, "inode", moved)
	return moved, replaced, nil
}

// SetAttr applies the non-nil fields of change to its inode and returns
// the resulting attributes. Size truncates or extends a regular file.
func (s *Share) SetAttr(change *wire.SetAttr) (wire.FileAttr, error) {
	if change.Size == nil && change.Mode == nil && change.Mtime == nil {
		return s.GetAttr(change.Inode)
	}
	if s.readOnly {
		return wire.FileAttr{}, ErrReadOnly
	}
	relative, absolute, err := s.resolve(change.Inode)
	if err != nil {
		return wire.FileAttr{}, err
	}

	if change.Size != nil {
		fd, err := openNoFollow(absolute, unix.O_WRONLY, 0)
		if err != nil {
			return wire.FileAttr{}, err
		}
		err = unix.Ftruncate(fd, int64(*change.Size))
		unix.Close(fd)
		if err != nil {
			return wire.FileAttr{}, &fs.PathError{Op: "truncate", Path: relative, Err: err}
		}
	}
	if change.Mode != nil {
		if err := unix.Fchmodat(unix.AT_FDCWD, absolute, *change.Mode&0o7777, 0); err != nil {
			return wire.FileAttr{}, &fs.PathError{Op: "chmod", Path: relative, Err: err}
		}
	}
	if change.Mtime != nil {
		times := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			unix.NsecToTimespec(*change.Mtime),
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, absolute, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return wire.FileAttr{}, &fs.PathError{Op: "utimes", Path: relative, Err: err}
		}
	}
	return s.GetAttr(change.Inode)
}
