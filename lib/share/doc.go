// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package share exposes one host directory to remote mounts.
//
// A [Share] owns the canonical share root and an inode table mapping
// the inodes it hands out to paths relative to that root. Inodes are
// allocated lazily as entries are looked up or listed, start at
// [wire.FirstInode], and are never reused for the lifetime of the
// Share. Every operation resolves its inode back to a relative path and
// runs that path through [pathsafe.Root] before touching the
// filesystem, so a symlink planted inside the share cannot redirect a
// read or write outside it. Files are opened with O_NOFOLLOW as a
// second guard against a leaf being swapped for a symlink between
// validation and open.
//
// Symlinks, devices, sockets and pipes are invisible to mounts: they
// are skipped in listings and looking one up by name reports ENOENT.
//
// Errors are ordinary Go errors wrapping syscall errnos, [pathsafe]
// rejections, or the sentinels in this package. [Code] classifies any
// of them into the wire error taxonomy.
package share
