// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package chunkcache

import (
	"fmt"
	"io"
	"runtime/debug"

	"golang.org/x/sys/unix"
)

// device is the fixed-size backing file of the disk tier. Reads copy
// out of a read-only shared mapping; writes use pwrite so they never
// fault pages in just to overwrite them.
type device struct {
	fd   int
	data []byte
	size int64
}

// openDevice creates path at size bytes, or opens it if it already has
// exactly that size.
func openDevice(path string, size int64) (*device, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cache device size must be positive, got %d", size)
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening cache device %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stating cache device %s: %w", path, err)
	}
	switch {
	case stat.Size == 0:
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("sizing cache device to %d bytes: %w", size, err)
		}
	case stat.Size != size:
		unix.Close(fd)
		return nil, fmt.Errorf("cache device %s is %d bytes but %d was configured; delete it to resize",
			path, stat.Size, size)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mapping cache device: %w", err)
	}
	return &device{fd: fd, data: data, size: size}, nil
}

// ReadAt copies from the mapping. A media error surfaces as SIGBUS on
// the mapped page; it is converted to an error instead of crashing.
func (d *device) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= d.size {
		return 0, io.EOF
	}
	previous := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(previous)
		if r := recover(); r != nil {
			err = fmt.Errorf("fault reading cache device at offset %d: %v", off, r)
		}
	}()
	n = copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p at off with pwrite, looping on short writes.
func (d *device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("write of %d bytes at %d exceeds device size %d", len(p), off, d.size)
	}
	total := 0
	for len(p) > 0 {
		written, err := unix.Pwrite(d.fd, p, off)
		total += written
		if err != nil {
			return total, fmt.Errorf("pwrite at offset %d: %w", off, err)
		}
		p = p[written:]
		off += int64(written)
	}
	return total, nil
}

// Close unmaps and closes the file. The file itself is left in place.
func (d *device) Close() error {
	var firstErr error
	if d.data != nil {
		if err := unix.Munmap(d.data); err != nil {
			firstErr = fmt.Errorf("unmapping cache device: %w", err)
		}
		d.data = nil
	}
	if d.fd >= 0 {
		if err := unix.Close(d.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing cache device: %w", err)
		}
		d.fd = -1
	}
	return firstErr
}
