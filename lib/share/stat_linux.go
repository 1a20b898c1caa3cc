// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"io/fs"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/wormhole/lib/wire"
)

// fileType returns the wire type for a stat mode, or false for the
// kinds of entry a share does not expose.
func fileType(mode uint32) (wire.FileType, bool) {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return wire.TypeFile, true
	case unix.S_IFDIR:
		return wire.TypeDirectory, true
	default:
		return 0, false
	}
}

func attrFromStat(inode uint64, stat *unix.Stat_t) wire.FileAttr {
	kind, _ := fileType(stat.Mode)
	return wire.FileAttr{
		Inode: inode,
		Type:  kind,
		Size:  uint64(stat.Size),
		Mode:  stat.Mode & 0o7777,
		Nlink: uint32(stat.Nlink),
		UID:   stat.Uid,
		GID:   stat.Gid,
		Atime: stat.Atim.Nano(),
		Mtime: stat.Mtim.Nano(),
		Ctime: stat.Ctim.Nano(),
	}
}

func lstat(path string) (*unix.Stat_t, error) {
	var stat unix.Stat_t
	for {
		err := unix.Lstat(path, &stat)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, &fs.PathError{Op: "lstat", Path: path, Err: err}
		}
		return &stat, nil
	}
}

func fstat(fd int) (*unix.Stat_t, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, err
	}
	return &stat, nil
}
