// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

// Options configures a FUSE mount of a remote share.
type Options struct {
	// Mountpoint is the directory where the share appears. Created if
	// it does not exist.
	Mountpoint string

	// Engine serves every operation, usually a *mount.Actor.
	Engine Engine

	// Name is reported as the filesystem source in the mount table.
	// Defaults to "wormhole".
	Name string

	// AllowOther permits users other than the mounter to access the
	// filesystem. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// ReadOnly mounts the share read-only.
	ReadOnly bool

	// AttrTimeout is how long the kernel may cache entries and
	// attributes. Zero means one second.
	AttrTimeout time.Duration

	Logger *slog.Logger
}

// Mount mounts the share at options.Mountpoint and returns the running
// server. The caller unmounts with server.Unmount().
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	if options.Name == "" {
		options.Name = "wormhole"
	}
	if options.AttrTimeout <= 0 {
		options.AttrTimeout = time.Second
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	tree := &tree{adapter: NewAdapter(options.Engine, options.Logger), readOnly: options.ReadOnly}
	root := &node{tree: tree}

	negativeTimeout := 100 * time.Millisecond
	mountOptions := fuse.MountOptions{
		FsName:     options.Name,
		Name:       "wormhole",
		AllowOther: options.AllowOther,
		MaxWrite:   chunk.Size,
	}
	if options.ReadOnly {
		mountOptions.Options = append(mountOptions.Options, "ro")
	}
	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &options.AttrTimeout,
		AttrTimeout:     &options.AttrTimeout,
		NegativeTimeout: &negativeTimeout,
		RootStableAttr:  &gofuse.StableAttr{Ino: wire.RootInode, Mode: syscall.S_IFDIR},
		MountOptions:    mountOptions,
	})
	if err != nil {
		return nil, fmt.Errorf("mounting at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("share mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// tree is state shared by every node of one mount.
type tree struct {
	adapter  *Adapter
	readOnly bool
}

// node is one file or directory of the share. Its FUSE inode number is
// the host's inode number.
type node struct {
	gofuse.Inode
	tree *tree
}

var _ gofuse.InodeEmbedder = (*node)(nil)
var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeSetattrer = (*node)(nil)
var _ gofuse.NodeReaddirer = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeReader = (*node)(nil)
var _ gofuse.NodeWriter = (*node)(nil)
var _ gofuse.NodeCreater = (*node)(nil)
var _ gofuse.NodeMkdirer = (*node)(nil)
var _ gofuse.NodeUnlinker = (*node)(nil)
var _ gofuse.NodeRmdirer = (*node)(nil)
var _ gofuse.NodeRenamer = (*node)(nil)
var _ gofuse.NodeFlusher = (*node)(nil)
var _ gofuse.NodeFsyncer = (*node)(nil)
var _ gofuse.NodeReleaser = (*node)(nil)

func (n *node) ino() uint64 { return n.StableAttr().Ino }

// child returns the inode for attr under n, reusing the existing one
// when the kernel already knows the host inode.
func (n *node) child(ctx context.Context, attr wire.FileAttr, out *fuse.EntryOut) *gofuse.Inode {
	fillAttr(&out.Attr, attr)
	return n.NewInode(ctx, &node{tree: n.tree}, gofuse.StableAttr{Mode: typeBits(attr.Type), Ino: attr.Inode})
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, errno := n.tree.adapter.Lookup(ctx, n.ino(), name)
	if errno != 0 {
		return nil, errno
	}
	return n.child(ctx, attr, out), 0
}

func (n *node) Getattr(ctx context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, errno := n.tree.adapter.Getattr(ctx, n.ino())
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, attr)
	return 0
}

// Setattr handles truncate, chmod and utimes. Ownership changes are
// not carried to the host.
func (n *node) Setattr(ctx context.Context, _ gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if n.tree.readOnly {
		return syscall.EROFS
	}
	change := wire.SetAttr{Inode: n.ino()}
	if size, ok := in.GetSize(); ok {
		change.Size = &size
	}
	if mode, ok := in.GetMode(); ok {
		change.Mode = &mode
	}
	if mtime, ok := in.GetMTime(); ok {
		nanos := mtime.UnixNano()
		change.Mtime = &nanos
	}
	if change.Size == nil && change.Mode == nil && change.Mtime == nil {
		return n.Getattr(ctx, nil, out)
	}
	attr, errno := n.tree.adapter.Setattr(ctx, change)
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, attr)
	return 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, errno := n.tree.adapter.Readdir(ctx, n.ino())
	if errno != 0 {
		return nil, errno
	}
	listing := make([]fuse.DirEntry, 0, len(entries))
	for _, entry := range entries {
		listing = append(listing, fuse.DirEntry{
			Name: entry.Name,
			Ino:  entry.Inode,
			Mode: typeBits(entry.Type),
		})
	}
	return gofuse.NewListDirStream(listing), 0
}

// Open keeps no per-handle state: reads and writes go by inode. The
// page cache is not kept across opens because other mounts may change
// the file.
func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if n.tree.readOnly && flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	return nil, 0, 0
}

func (n *node) Read(ctx context.Context, _ gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, errno := n.tree.adapter.Read(ctx, n.ino(), off, len(dest))
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(data), 0
}

func (n *node) Write(ctx context.Context, _ gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if n.tree.readOnly {
		return 0, syscall.EROFS
	}
	return n.tree.adapter.Write(ctx, n.ino(), off, data)
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	if n.tree.readOnly {
		return nil, nil, 0, syscall.EROFS
	}
	attr, errno := n.tree.adapter.Create(ctx, n.ino(), name, mode, flags&syscall.O_EXCL != 0)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	return n.child(ctx, attr, out), nil, 0, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if n.tree.readOnly {
		return nil, syscall.EROFS
	}
	attr, errno := n.tree.adapter.Mkdir(ctx, n.ino(), name, mode)
	if errno != 0 {
		return nil, errno
	}
	return n.child(ctx, attr, out), 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.tree.readOnly {
		return syscall.EROFS
	}
	return n.tree.adapter.Unlink(ctx, n.ino(), name)
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.tree.readOnly {
		return syscall.EROFS
	}
	return n.tree.adapter.Rmdir(ctx, n.ino(), name)
}

// Rename supports plain renames only; exchange and no-replace flags
// are refused.
func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.tree.readOnly {
		return syscall.EROFS
	}
	if flags != 0 {
		return syscall.EINVAL
	}
	target := newParent.EmbeddedInode().StableAttr().Ino
	return n.tree.adapter.Rename(ctx, n.ino(), name, target, newName)
}

func (n *node) Flush(ctx context.Context, _ gofuse.FileHandle) syscall.Errno {
	return n.tree.adapter.Flush(ctx, n.ino())
}

func (n *node) Fsync(ctx context.Context, _ gofuse.FileHandle, _ uint32) syscall.Errno {
	return n.tree.adapter.Fsync(ctx, n.ino())
}

func (n *node) Release(ctx context.Context, _ gofuse.FileHandle) syscall.Errno {
	return n.tree.adapter.Release(ctx, n.ino())
}

func typeBits(fileType wire.FileType) uint32 {
	switch fileType {
	case wire.TypeDirectory:
		return syscall.S_IFDIR
	case wire.TypeSymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

func fillAttr(out *fuse.Attr, attr wire.FileAttr) {
	out.Ino = attr.Inode
	out.Mode = typeBits(attr.Type) | attr.Mode&0o7777
	out.Size = attr.Size
	out.Blocks = (attr.Size + 511) / 512
	out.Blksize = chunk.Size
	out.Nlink = max(attr.Nlink, 1)
	out.Uid = attr.UID
	out.Gid = attr.GID
	atime := time.Unix(0, attr.Atime)
	mtime := time.Unix(0, attr.Mtime)
	ctime := time.Unix(0, attr.Ctime)
	out.SetTimes(&atime, &mtime, &ctime)
}
