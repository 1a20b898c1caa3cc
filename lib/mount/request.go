// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"fmt"

	"github.com/bureau-foundation/wormhole/lib/wire"
)

// Kind names an operation submitted to the actor.
type Kind uint8

const (
	KindRead Kind = iota + 1
	KindPrefetch
	KindGetAttr
	KindLookup
	KindReadDir
	KindWrite
	KindCreate
	KindMkdir
	KindUnlink
	KindRmdir
	KindRename
	KindSetAttr
	KindFlush
	KindRelease
	// KindSync writes back a file's buffered data and keeps its lease.
	KindSync
)

var kindNames = map[Kind]string{
	KindRead: "read", KindPrefetch: "prefetch", KindGetAttr: "getattr",
	KindLookup: "lookup", KindReadDir: "readdir", KindWrite: "write",
	KindCreate: "create", KindMkdir: "mkdir", KindUnlink: "unlink",
	KindRmdir: "rmdir", KindRename: "rename", KindSetAttr: "setattr",
	KindFlush: "flush", KindRelease: "release", KindSync: "sync",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Request is one unit of work for the actor.
//
// Inode is the inode the request is ordered against: the file for
// data and attribute operations, the parent directory for namespace
// operations.
type Request struct {
	Kind   Kind
	Inode  uint64
	Offset int64
	Length int
	Data   []byte

	Name      string
	NewParent uint64
	NewName   string
	Mode      uint32
	Exclusive bool
	Change    *wire.SetAttr

	// reply is nil for requests the actor makes for itself.
	reply chan Result
}

func (r *Request) foreground() bool { return r.Kind != KindPrefetch }

// Result is the actor's answer to a Request. Only the fields the
// request kind produces are set.
type Result struct {
	Data    []byte
	Attr    wire.FileAttr
	Entries []wire.DirEntry
	Written int
	Err     error
}
