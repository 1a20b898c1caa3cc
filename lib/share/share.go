// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/bureau-foundation/wormhole/lib/pathsafe"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

const (
	// DefaultListLimit is used when a ListDir request asks for zero
	// entries.
	DefaultListLimit = 1024

	// MaxListLimit caps one ListDir page so that a page of maximum
	// length names still fits in a single frame.
	MaxListLimit = 2048
)

// Options configures a Share.
type Options struct {
	// Root is the directory to expose. It must exist.
	Root string

	// ReadOnly rejects every mutating operation with ErrReadOnly.
	ReadOnly bool

	// MaxInodes bounds the inode table. Zero means DefaultMaxInodes.
	MaxInodes int

	// Logger receives table pressure warnings and mutation records.
	// Nil discards.
	Logger *slog.Logger
}

// Share serves one directory tree. All methods are safe for concurrent
// use; the filesystem itself is the only shared mutable state besides
// the inode table.
type Share struct {
	root      pathsafe.Root
	readOnly  bool
	inodes    *inodeTable
	maxInodes int
	logger    *slog.Logger

	// pressureWarned is set once the table crosses 90% so the warning
	// is logged once per excursion.
	pressureWarned atomic.Bool
}

// New opens a share rooted at options.Root.
func New(options Options) (*Share, error) {
	root, err := pathsafe.NewRoot(options.Root)
	if err != nil {
		return nil, err
	}
	if options.MaxInodes <= 0 {
		options.MaxInodes = DefaultMaxInodes
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Share{
		root:      root,
		readOnly:  options.ReadOnly,
		inodes:    newInodeTable(options.MaxInodes),
		maxInodes: options.MaxInodes,
		logger:    logger,
	}, nil
}

// Root returns the canonical absolute path of the share root.
func (s *Share) Root() string { return s.root.Path() }

// ReadOnly reports whether mutations are rejected.
func (s *Share) ReadOnly() bool { return s.readOnly }

// Inodes returns the number of live inode table entries, the root
// included.
func (s *Share) Inodes() int { return s.inodes.len() }

// Path returns the slash-separated path of inode relative to the root.
// The root itself is "".
func (s *Share) Path(inode uint64) (string, error) {
	relative, ok := s.inodes.path(inode)
	if !ok {
		return "", fmt.Errorf("inode %d: %w", inode, ErrUnknownInode)
	}
	return relative, nil
}

// ChildPath returns the relative path name would have inside directory
// parent, without requiring it to exist.
func (s *Share) ChildPath(parent uint64, name string) (string, error) {
	if err := pathsafe.ValidateName(name); err != nil {
		return "", err
	}
	parentRelative, err := s.Path(parent)
	if err != nil {
		return "", err
	}
	return join(parentRelative, name), nil
}

// Lookup resolves name inside directory parent.
func (s *Share) Lookup(parent uint64, name string) (wire.FileAttr, error) {
	relative, parentAbsolute, err := s.child(parent, name)
	if err != nil {
		return wire.FileAttr{}, err
	}
	target := filepath.Join(parentAbsolute, name)
	stat, err := lstat(target)
	if err != nil {
		return wire.FileAttr{}, err
	}
	if _, exposed := fileType(stat.Mode); !exposed {
		return wire.FileAttr{}, &fs.PathError{Op: "lookup", Path: relative, Err: syscall.ENOENT}
	}
	inode, err := s.allocate(relative)
	if err != nil {
		return wire.FileAttr{}, err
	}
	return attrFromStat(inode, stat), nil
}

// GetAttr returns the current attributes of inode.
func (s *Share) GetAttr(inode uint64) (wire.FileAttr, error) {
	_, absolute, err := s.resolve(inode)
	if err != nil {
		return wire.FileAttr{}, err
	}
	stat, err := lstat(absolute)
	if err != nil {
		return wire.FileAttr{}, err
	}
	return attrFromStat(inode, stat), nil
}

// ListDir returns up to limit entries of directory inode starting at
// offset, in name order. Symlinks and special files are skipped and do
// not count toward offsets. HasMore is determined by probing for one
// entry past the page.
func (s *Share) ListDir(inode, offset uint64, limit uint32) (*wire.ListDirResponse, error) {
	relative, absolute, err := s.resolve(inode)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(absolute)
	if err != nil {
		return nil, err
	}

	switch {
	case limit == 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	response := &wire.ListDirResponse{NextOffset: offset}
	var position uint64
	for _, entry := range entries {
		var kind wire.FileType
		switch mode := entry.Type(); {
		case mode.IsRegular():
			kind = wire.TypeFile
		case mode.IsDir():
			kind = wire.TypeDirectory
		default:
			continue
		}
		if position < offset {
			position++
			continue
		}
		position++
		if len(response.Entries) == int(limit) {
			response.HasMore = true
			break
		}
		child, err := s.allocate(join(relative, entry.Name()))
		if err != nil {
			return nil, err
		}
		response.Entries = append(response.Entries, wire.DirEntry{
			Name:  entry.Name(),
			Inode: child,
			Type:  kind,
		})
	}
	response.NextOffset = offset + uint64(len(response.Entries))
	return response, nil
}

// Prune drops inode table entries whose paths no longer exist on disk.
// Pruned inodes are not reused; a path that reappears gets a new one.
func (s *Share) Prune() int {
	removed := s.inodes.prune(func(relative string) bool {
		_, err := lstat(filepath.Join(s.root.Path(), filepath.FromSlash(relative)))
		return err == nil
	})
	if removed > 0 {
		s.logger.Info("pruned stale inode entries", "removed", removed, "remaining", s.inodes.len())
		if s.inodes.len() < s.maxInodes*9/10 {
			s.pressureWarned.Store(false)
		}
	}
	return removed
}

// resolve maps inode to its relative path and its validated absolute
// path.
func (s *Share) resolve(inode uint64) (string, string, error) {
	relative, err := s.Path(inode)
	if err != nil {
		return "", "", err
	}
	absolute, err := s.root.Validate(relative)
	if err != nil {
		return "", "", err
	}
	return relative, absolute, nil
}

// child validates name, resolves directory parent, and returns the
// child's relative path and the parent's absolute path.
func (s *Share) child(parent uint64, name string) (string, string, error) {
	if err := pathsafe.ValidateName(name); err != nil {
		return "", "", err
	}
	parentRelative, parentAbsolute, err := s.resolve(parent)
	if err != nil {
		return "", "", err
	}
	stat, err := lstat(parentAbsolute)
	if err != nil {
		return "", "", err
	}
	if kind, _ := fileType(stat.Mode); kind != wire.TypeDirectory {
		return "", "", &fs.PathError{Op: "lookup", Path: parentRelative, Err: syscall.ENOTDIR}
	}
	return join(parentRelative, name), parentAbsolute, nil
}

// allocate returns the inode for relative, pruning once if the table
// is full.
func (s *Share) allocate(relative string) (uint64, error) {
	inode, err := s.inodes.ensure(relative)
	if errors.Is(err, ErrInodeTableFull) {
		s.Prune()
		inode, err = s.inodes.ensure(relative)
	}
	if err != nil {
		s.logger.Error("cannot allocate inode", "path", relative, "entries", s.inodes.len())
		return 0, err
	}
	if count := s.inodes.len(); count >= s.maxInodes*9/10 && !s.pressureWarned.Swap(true) {
		s.logger.Warn("inode table nearly full", "entries", count, "limit", s.maxInodes)
	}
	return inode, nil
}

func join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
