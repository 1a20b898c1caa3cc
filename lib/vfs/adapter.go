// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path"
	"sync"
	"syscall"

	"github.com/bureau-foundation/wormhole/lib/mount"
	"github.com/bureau-foundation/wormhole/lib/pathsafe"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

// Engine is the mount-side engine the adapter forwards to.
// *mount.Actor implements it.
type Engine interface {
	GetAttr(ctx context.Context, inode uint64) (wire.FileAttr, error)
	Lookup(ctx context.Context, parent uint64, name string) (wire.FileAttr, error)
	ReadDir(ctx context.Context, inode uint64) ([]wire.DirEntry, error)
	Read(ctx context.Context, inode uint64, offset int64, length int) ([]byte, error)
	Write(ctx context.Context, inode uint64, offset int64, data []byte) (int, error)
	Create(ctx context.Context, parent uint64, name string, mode uint32, exclusive bool) (wire.FileAttr, error)
	Mkdir(ctx context.Context, parent uint64, name string, mode uint32) (wire.FileAttr, error)
	Unlink(ctx context.Context, parent uint64, name string) error
	Rmdir(ctx context.Context, parent uint64, name string) error
	Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string) error
	SetAttr(ctx context.Context, change wire.SetAttr) (wire.FileAttr, error)
	Flush(ctx context.Context, inode uint64) error
	Fsync(ctx context.Context, inode uint64) error
	Release(ctx context.Context, inode uint64) error
}

var _ Engine = (*mount.Actor)(nil)

// Adapter turns filesystem operations into engine calls and engine
// errors into errnos. It keeps a table of the names it has seen so an
// inode can be reported by path. It has no dependency on FUSE.
type Adapter struct {
	engine Engine
	logger *slog.Logger

	mu       sync.Mutex
	nodes    map[uint64]tableEntry
	children map[childKey]uint64
}

type tableEntry struct {
	parent uint64
	name   string
}

type childKey struct {
	parent uint64
	name   string
}

// NewAdapter returns an Adapter over engine. A nil logger discards
// everything.
func NewAdapter(engine Engine, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{
		engine:   engine,
		logger:   logger,
		nodes:    map[uint64]tableEntry{wire.RootInode: {}},
		children: make(map[childKey]uint64),
	}
}

// Path returns the share-relative path of inode as last seen, or false
// when the adapter has never named it. The root is "".
func (a *Adapter) Path(inode uint64) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var names []string
	for inode != wire.RootInode {
		entry, ok := a.nodes[inode]
		if !ok {
			return "", false
		}
		names = append(names, entry.name)
		inode = entry.parent
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return path.Join(names...), true
}

func (a *Adapter) record(parent uint64, name string, inode uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := childKey{parent: parent, name: name}
	if previous, ok := a.children[key]; ok && previous != inode {
		delete(a.nodes, previous)
	}
	if old, ok := a.nodes[inode]; ok {
		delete(a.children, childKey(old))
	}
	a.nodes[inode] = tableEntry{parent: parent, name: name}
	a.children[key] = inode
}

func (a *Adapter) forget(parent uint64, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := childKey{parent: parent, name: name}
	if inode, ok := a.children[key]; ok {
		delete(a.nodes, inode)
		delete(a.children, key)
	}
}

func (a *Adapter) move(parent uint64, name string, newParent uint64, newName string) {
	a.mu.Lock()
	inode, ok := a.children[childKey{parent: parent, name: name}]
	a.mu.Unlock()
	if !ok {
		a.forget(newParent, newName)
		return
	}
	a.record(newParent, newName, inode)
}

// Errno maps an engine error to the errno the kernel should see.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, mount.ErrShutdown):
		return syscall.ESHUTDOWN
	case errors.Is(err, mount.ErrStale):
		return syscall.ESTALE
	case errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	}
	var pathErr *pathsafe.PathError
	if errors.As(err, &pathErr) {
		if pathErr.NameTooLong() {
			return syscall.ENAMETOOLONG
		}
		return syscall.EINVAL
	}
	return wire.CodeOf(err).Errno()
}

// errno maps err and logs the failures that are not ordinary answers.
func (a *Adapter) errno(operation string, inode uint64, err error) syscall.Errno {
	errno := Errno(err)
	switch errno {
	case 0, syscall.ENOENT, syscall.EEXIST, syscall.ENOTEMPTY, syscall.EAGAIN:
		if errno != 0 {
			a.logger.Debug("operation refused", "operation", operation, "inode", inode, "error", err)
		}
	default:
		path, _ := a.Path(inode)
		a.logger.Warn("operation failed", "operation", operation, "inode", inode, "path", path, "errno", errno, "error", err)
	}
	return errno
}

func (a *Adapter) Lookup(ctx context.Context, parent uint64, name string) (wire.FileAttr, syscall.Errno) {
	if err := pathsafe.ValidateName(name); err != nil {
		return wire.FileAttr{}, Errno(err)
	}
	attr, err := a.engine.Lookup(ctx, parent, name)
	if err != nil {
		if wire.CodeOf(err) == wire.CodeNotFound {
			a.forget(parent, name)
		}
		return wire.FileAttr{}, a.errno("lookup", parent, err)
	}
	a.record(parent, name, attr.Inode)
	return attr, 0
}

func (a *Adapter) Getattr(ctx context.Context, inode uint64) (wire.FileAttr, syscall.Errno) {
	attr, err := a.engine.GetAttr(ctx, inode)
	if err != nil {
		return wire.FileAttr{}, a.errno("getattr", inode, err)
	}
	return attr, 0
}

// Readdir lists inode and records every entry's name.
func (a *Adapter) Readdir(ctx context.Context, inode uint64) ([]wire.DirEntry, syscall.Errno) {
	entries, err := a.engine.ReadDir(ctx, inode)
	if err != nil {
		return nil, a.errno("readdir", inode, err)
	}
	for _, entry := range entries {
		a.record(inode, entry.Name, entry.Inode)
	}
	return entries, 0
}

// Read returns up to size bytes at offset; a short result is the end
// of the file.
func (a *Adapter) Read(ctx context.Context, inode uint64, offset int64, size int) ([]byte, syscall.Errno) {
	if offset < 0 {
		return nil, syscall.EINVAL
	}
	data, err := a.engine.Read(ctx, inode, offset, size)
	if err != nil {
		return nil, a.errno("read", inode, err)
	}
	return data, 0
}

// Write copies data before handing it on: the kernel reuses its buffer
// once the call returns, which can be before the engine is done with a
// request whose caller gave up.
func (a *Adapter) Write(ctx context.Context, inode uint64, offset int64, data []byte) (uint32, syscall.Errno) {
	if offset < 0 {
		return 0, syscall.EINVAL
	}
	written, err := a.engine.Write(ctx, inode, offset, bytes.Clone(data))
	if err != nil {
		if written > 0 {
			a.logger.Warn("short write", "inode", inode, "offset", offset, "written", written, "error", err)
			return uint32(written), 0
		}
		return 0, a.errno("write", inode, err)
	}
	return uint32(written), 0
}

func (a *Adapter) Create(ctx context.Context, parent uint64, name string, mode uint32, exclusive bool) (wire.FileAttr, syscall.Errno) {
	if err := pathsafe.ValidateName(name); err != nil {
		return wire.FileAttr{}, Errno(err)
	}
	attr, err := a.engine.Create(ctx, parent, name, mode&0o7777, exclusive)
	if err != nil {
		return wire.FileAttr{}, a.errno("create", parent, err)
	}
	a.record(parent, name, attr.Inode)
	return attr, 0
}

func (a *Adapter) Mkdir(ctx context.Context, parent uint64, name string, mode uint32) (wire.FileAttr, syscall.Errno) {
	if err := pathsafe.ValidateName(name); err != nil {
		return wire.FileAttr{}, Errno(err)
	}
	attr, err := a.engine.Mkdir(ctx, parent, name, mode&0o7777)
	if err != nil {
		return wire.FileAttr{}, a.errno("mkdir", parent, err)
	}
	a.record(parent, name, attr.Inode)
	return attr, 0
}

func (a *Adapter) Unlink(ctx context.Context, parent uint64, name string) syscall.Errno {
	if err := a.engine.Unlink(ctx, parent, name); err != nil {
		return a.errno("unlink", parent, err)
	}
	a.forget(parent, name)
	return 0
}

func (a *Adapter) Rmdir(ctx context.Context, parent uint64, name string) syscall.Errno {
	if err := a.engine.Rmdir(ctx, parent, name); err != nil {
		return a.errno("rmdir", parent, err)
	}
	a.forget(parent, name)
	return 0
}

func (a *Adapter) Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string) syscall.Errno {
	if err := pathsafe.ValidateName(newName); err != nil {
		return Errno(err)
	}
	if err := a.engine.Rename(ctx, parent, name, newParent, newName); err != nil {
		return a.errno("rename", parent, err)
	}
	a.move(parent, name, newParent, newName)
	return 0
}

// Setattr applies the non-nil fields of change. Mode bits outside the
// permission mask are dropped.
func (a *Adapter) Setattr(ctx context.Context, change wire.SetAttr) (wire.FileAttr, syscall.Errno) {
	if change.Mode != nil {
		mode := *change.Mode & 0o7777
		change.Mode = &mode
	}
	attr, err := a.engine.SetAttr(ctx, change)
	if err != nil {
		return wire.FileAttr{}, a.errno("setattr", change.Inode, err)
	}
	return attr, 0
}

func (a *Adapter) Flush(ctx context.Context, inode uint64) syscall.Errno {
	if err := a.engine.Flush(ctx, inode); err != nil {
		return a.errno("flush", inode, err)
	}
	return 0
}

func (a *Adapter) Fsync(ctx context.Context, inode uint64) syscall.Errno {
	if err := a.engine.Fsync(ctx, inode); err != nil {
		return a.errno("fsync", inode, err)
	}
	return 0
}

func (a *Adapter) Release(ctx context.Context, inode uint64) syscall.Errno {
	if err := a.engine.Release(ctx, inode); err != nil {
		return a.errno("release", inode, err)
	}
	return 0
}
