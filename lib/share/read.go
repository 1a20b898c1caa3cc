// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"fmt"
	"io/fs"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

// ReadChunk reads exactly the byte range of chunk id: chunk.Size bytes,
// or fewer for the final chunk of the file. A chunk starting at end of
// file is empty and final; one starting past it is ErrOutOfRange. The
// response is uncompressed.
func (s *Share) ReadChunk(id chunk.ID) (*wire.ReadChunkResponse, error) {
	relative, absolute, err := s.resolve(id.Inode)
	if err != nil {
		return nil, err
	}
	fd, err := openNoFollow(absolute, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)

	stat, err := fstat(fd)
	if err != nil {
		return nil, &fs.PathError{Op: "fstat", Path: relative, Err: err}
	}
	if kind, _ := fileType(stat.Mode); kind != wire.TypeFile {
		return nil, &fs.PathError{Op: "read", Path: relative, Err: syscall.EISDIR}
	}

	size := stat.Size
	offset := id.Offset()
	if offset > size {
		return nil, fmt.Errorf("chunk %s of %q (size %d): %w", id, relative, size, ErrOutOfRange)
	}
	data := make([]byte, min(int64(chunk.Size), size-offset))
	read, err := preadFull(fd, data, offset)
	if err != nil {
		return nil, &fs.PathError{Op: "pread", Path: relative, Err: err}
	}
	data = data[:read]

	return &wire.ReadChunkResponse{
		Chunk:   id,
		Data:    data,
		Hash:    chunk.Sum(data),
		IsFinal: offset+int64(read) >= size,
		Size:    uint32(read),
	}, nil
}

func openNoFollow(path string, flags int, mode uint32) (int, error) {
	for {
		fd, err := unix.Open(path, flags|unix.O_NOFOLLOW|unix.O_CLOEXEC, mode)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, &fs.PathError{Op: "open", Path: path, Err: err}
		}
		return fd, nil
	}
}

// preadFull reads until buffer is full or the file ends. A file that
// shrinks underneath the read returns the bytes that were there.
func preadFull(fd int, buffer []byte, offset int64) (int, error) {
	total := 0
	for total < len(buffer) {
		n, err := unix.Pread(fd, buffer[total:], offset+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

func pwriteFull(fd int, data []byte, offset int64) error {
	for len(data) > 0 {
		n, err := unix.Pwrite(fd, data, offset)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		data = data[n:]
		offset += int64(n)
	}
	return nil
}
