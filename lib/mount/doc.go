// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mount is the client half of the data path: a single actor
// goroutine that owns the chunk cache, the attribute and directory
// caches, the prefetch governor and the held write leases of one
// mounted share.
//
// Filesystem callbacks call the blocking methods (Read, GetAttr,
// Write, ...). Each builds a Request, sends it on the bounded intake
// channel and waits for the reply. A full intake channel blocks the
// caller, which is the mount's only form of backpressure.
//
// The actor never blocks on the network. A cache miss becomes a call
// run on its own goroutine whose completion is handed back to the
// actor loop; meanwhile the loop keeps serving other requests.
// Concurrent reads of the same chunk share one fetch. At most
// MaxInflight calls run at once and prefetches may use only half of
// them. Foreground requests are always scheduled before prefetches,
// and foreground requests against the same inode run one at a time in
// submission order.
//
// Every fetched chunk is verified against its BLAKE3 hash before it is
// cached or returned. A chunk that fails is evicted and fetched once
// more; a second failure is reported as ChecksumMismatch.
//
// Writes take an exclusive lease on the file and are buffered per
// chunk, one extent each, until Flush, Release, Fsync or the
// write-back delay sends them to the host. Reads see buffered data
// laid over the host's bytes. Too many buffered chunks write every
// file back at once; WriteThrough skips the buffer entirely. A lease
// held by another mount is reported as LockConflict without retrying.
//
// Attributes are cached for AttrTTL. Refreshed attributes whose size
// or times moved mean the file changed on the host, and its cached
// chunks are dropped. After a host restart (Stale) every request fails
// with ErrStale.
//
// Cancelling a caller's context abandons the wait but not the work:
// a fetch already started runs to completion and still fills the
// cache.
package mount
