// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/wormhole/lib/chunk"
)

// RootInode is the inode of the share's root directory. Inodes handed
// out for other entries start at FirstInode and are never reused within
// a host's lifetime.
const (
	RootInode  uint64 = 1
	FirstInode uint64 = 2
)

// Capabilities advertised in Hello and echoed (intersected) in HelloAck.
const (
	CapabilityCompression = "compression"
	CapabilityWrite       = "write"
	CapabilityInvalidate  = "invalidate"
)

// Kind identifies a message type on the wire. Values are protocol
// constants.
type Kind uint16

const (
	KindHello      Kind = 1
	KindHelloAck   Kind = 2
	KindPing       Kind = 3
	KindPong       Kind = 4
	KindGoodbye    Kind = 5
	KindError      Kind = 6
	KindInvalidate Kind = 7

	KindListDir         Kind = 10
	KindListDirResponse Kind = 11
	KindGetAttr         Kind = 12
	KindAttrResponse    Kind = 13
	KindLookup          Kind = 14

	KindReadChunk         Kind = 20
	KindReadChunkResponse Kind = 21
	KindWriteChunk        Kind = 22
	KindWriteResponse     Kind = 23

	KindAcquireLock     Kind = 30
	KindLockResponse    Kind = 31
	KindReleaseLock     Kind = 32
	KindReleaseResponse Kind = 33
	KindRenewLock       Kind = 34

	KindCreate  Kind = 40
	KindMkdir   Kind = 41
	KindUnlink  Kind = 42
	KindRmdir   Kind = 43
	KindRename  Kind = 44
	KindSetAttr Kind = 45
	KindOK      Kind = 46
)

var kindNames = map[Kind]string{
	KindHello: "hello", KindHelloAck: "hello_ack", KindPing: "ping", KindPong: "pong",
	KindGoodbye: "goodbye", KindError: "error", KindInvalidate: "invalidate",
	KindListDir: "list_dir", KindListDirResponse: "list_dir_response",
	KindGetAttr: "get_attr", KindAttrResponse: "attr_response", KindLookup: "lookup",
	KindReadChunk: "read_chunk", KindReadChunkResponse: "read_chunk_response",
	KindWriteChunk: "write_chunk", KindWriteResponse: "write_response",
	KindAcquireLock: "acquire_lock", KindLockResponse: "lock_response",
	KindReleaseLock: "release_lock", KindReleaseResponse: "release_response",
	KindRenewLock: "renew_lock",
	KindCreate:    "create", KindMkdir: "mkdir", KindUnlink: "unlink", KindRmdir: "rmdir",
	KindRename: "rename", KindSetAttr: "set_attr", KindOK: "ok",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

// Message is implemented by every wire message.
type Message interface {
	Kind() Kind
}

var registry = map[Kind]func() Message{
	KindHello:             func() Message { return new(Hello) },
	KindHelloAck:          func() Message { return new(HelloAck) },
	KindPing:              func() Message { return new(Ping) },
	KindPong:              func() Message { return new(Pong) },
	KindGoodbye:           func() Message { return new(Goodbye) },
	KindError:             func() Message { return new(Error) },
	KindInvalidate:        func() Message { return new(Invalidate) },
	KindListDir:           func() Message { return new(ListDir) },
	KindListDirResponse:   func() Message { return new(ListDirResponse) },
	KindGetAttr:           func() Message { return new(GetAttr) },
	KindAttrResponse:      func() Message { return new(AttrResponse) },
	KindLookup:            func() Message { return new(Lookup) },
	KindReadChunk:         func() Message { return new(ReadChunk) },
	KindReadChunkResponse: func() Message { return new(ReadChunkResponse) },
	KindWriteChunk:        func() Message { return new(WriteChunk) },
	KindWriteResponse:     func() Message { return new(WriteResponse) },
	KindAcquireLock:       func() Message { return new(AcquireLock) },
	KindLockResponse:      func() Message { return new(LockResponse) },
	KindReleaseLock:       func() Message { return new(ReleaseLock) },
	KindReleaseResponse:   func() Message { return new(ReleaseResponse) },
	KindRenewLock:         func() Message { return new(RenewLock) },
	KindCreate:            func() Message { return new(Create) },
	KindMkdir:             func() Message { return new(Mkdir) },
	KindUnlink:            func() Message { return new(Unlink) },
	KindRmdir:             func() Message { return new(Rmdir) },
	KindRename:            func() Message { return new(Rename) },
	KindSetAttr:           func() Message { return new(SetAttr) },
	KindOK:                func() Message { return new(OK) },
}

// FileType distinguishes directory entries.
type FileType uint8

const (
	TypeFile      FileType = 1
	TypeDirectory FileType = 2
	TypeSymlink   FileType = 3
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// FileAttr is the metadata of one inode. Times are Unix nanoseconds.
type FileAttr struct {
	Inode uint64   `cbor:"1,keyasint"`
	Type  FileType `cbor:"2,keyasint"`
	Size  uint64   `cbor:"3,keyasint"`
	Mode  uint32   `cbor:"4,keyasint"`
	Nlink uint32   `cbor:"5,keyasint"`
	UID   uint32   `cbor:"6,keyasint"`
	GID   uint32   `cbor:"7,keyasint"`
	Atime int64    `cbor:"8,keyasint"`
	Mtime int64    `cbor:"9,keyasint"`
	Ctime int64    `cbor:"10,keyasint"`
}

// ModTime returns Mtime as a time.Time.
func (a FileAttr) ModTime() time.Time { return time.Unix(0, a.Mtime) }

// DirEntry is one member of a directory listing.
type DirEntry struct {
	Name  string   `cbor:"1,keyasint"`
	Inode uint64   `cbor:"2,keyasint"`
	Type  FileType `cbor:"3,keyasint"`
}

// Priority tells the host how urgently a chunk is needed.
type Priority uint8

const (
	PriorityForeground Priority = 0
	PriorityBackground Priority = 1
)

// LockMode selects shared or exclusive locking.
type LockMode uint8

const (
	LockShared    LockMode = 1
	LockExclusive LockMode = 2
)

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// LockToken is the opaque credential returned by a granted lock.
type LockToken [16]byte

// IsZero reports whether the token is unset.
func (t LockToken) IsZero() bool { return t == LockToken{} }

// Hello is the first message a mount sends after the secure channel is
// up.
type Hello struct {
	Version      uint32   `cbor:"1,keyasint"`
	ClientName   string   `cbor:"2,keyasint"`
	Capabilities []string `cbor:"3,keyasint,omitempty"`
}

func (*Hello) Kind() Kind { return KindHello }

// HelloAck completes capability negotiation.
type HelloAck struct {
	Version      uint32   `cbor:"1,keyasint"`
	HostName     string   `cbor:"2,keyasint"`
	SessionID    string   `cbor:"3,keyasint"`
	RootInode    uint64   `cbor:"4,keyasint"`
	ChunkSize    uint32   `cbor:"5,keyasint"`
	ReadOnly     bool     `cbor:"6,keyasint,omitempty"`
	Capabilities []string `cbor:"7,keyasint,omitempty"`
	// Instance identifies the host process. Inode numbers are only
	// meaningful within one instance.
	Instance string `cbor:"8,keyasint,omitempty"`
}

func (*HelloAck) Kind() Kind { return KindHelloAck }

// Ping is a keepalive message. Either side may send one with ID 0; the
// peer answers with a Pong carrying the same nonce.
type Ping struct {
	Nonce uint64 `cbor:"1,keyasint"`
}

func (*Ping) Kind() Kind { return KindPing }

type Pong struct {
	Nonce uint64 `cbor:"1,keyasint"`
}

func (*Pong) Kind() Kind { return KindPong }

// Goodbye announces an orderly close.
type Goodbye struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

func (*Goodbye) Kind() Kind { return KindGoodbye }

// Error is the failure response to any request.
type Error struct {
	Code         ErrorCode `cbor:"1,keyasint"`
	Message      string    `cbor:"2,keyasint,omitempty"`
	RelatedInode uint64    `cbor:"3,keyasint,omitempty"`
	// RetryAfterMillis is set for RateLimited and LockConflict.
	RetryAfterMillis int64 `cbor:"4,keyasint,omitempty"`
}

func (*Error) Kind() Kind { return KindError }

// Invalidate tells a mount that another session changed an inode, so
// cached data and attributes for it are stale.
type Invalidate struct {
	Inode uint64 `cbor:"1,keyasint"`
	// Parent is set when the change added or removed a directory entry.
	Parent uint64 `cbor:"2,keyasint,omitempty"`
}

func (*Invalidate) Kind() Kind { return KindInvalidate }

// ListDir requests up to Limit entries of directory Inode starting at
// Offset in the host's stable (name-sorted) order.
type ListDir struct {
	Inode  uint64 `cbor:"1,keyasint"`
	Offset uint64 `cbor:"2,keyasint"`
	Limit  uint32 `cbor:"3,keyasint"`
}

func (*ListDir) Kind() Kind { return KindListDir }

type ListDirResponse struct {
	Entries    []DirEntry `cbor:"1,keyasint"`
	HasMore    bool       `cbor:"2,keyasint,omitempty"`
	NextOffset uint64     `cbor:"3,keyasint"`
}

func (*ListDirResponse) Kind() Kind { return KindListDirResponse }

type GetAttr struct {
	Inode uint64 `cbor:"1,keyasint"`
}

func (*GetAttr) Kind() Kind { return KindGetAttr }

// AttrResponse answers GetAttr, Lookup, Create, Mkdir and SetAttr.
type AttrResponse struct {
	Attr FileAttr `cbor:"1,keyasint"`
}

func (*AttrResponse) Kind() Kind { return KindAttrResponse }

// Lookup resolves Name inside directory Parent.
type Lookup struct {
	Parent uint64 `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint"`
}

func (*Lookup) Kind() Kind { return KindLookup }

type ReadChunk struct {
	Chunk    chunk.ID `cbor:"1,keyasint"`
	Priority Priority `cbor:"2,keyasint,omitempty"`
}

func (*ReadChunk) Kind() Kind { return KindReadChunk }

// ReadChunkResponse carries one chunk. Hash covers the uncompressed
// bytes; Size is their length.
type ReadChunkResponse struct {
	Chunk       chunk.ID          `cbor:"1,keyasint"`
	Data        []byte            `cbor:"2,keyasint"`
	Hash        chunk.Hash        `cbor:"3,keyasint"`
	IsFinal     bool              `cbor:"4,keyasint,omitempty"`
	Compression chunk.Compression `cbor:"5,keyasint,omitempty"`
	Size        uint32            `cbor:"6,keyasint"`
}

func (*ReadChunkResponse) Kind() Kind { return KindReadChunkResponse }

// WriteChunk writes Data at file offset Offset. The write must not
// cross a chunk boundary. Token must name a live exclusive lock on the
// file.
type WriteChunk struct {
	Inode  uint64     `cbor:"1,keyasint"`
	Offset int64      `cbor:"2,keyasint"`
	Data   []byte     `cbor:"3,keyasint"`
	Hash   chunk.Hash `cbor:"4,keyasint"`
	Token  LockToken  `cbor:"5,keyasint"`
}

func (*WriteChunk) Kind() Kind { return KindWriteChunk }

type WriteResponse struct {
	Written uint32   `cbor:"1,keyasint"`
	Attr    FileAttr `cbor:"2,keyasint"`
}

func (*WriteResponse) Kind() Kind { return KindWriteResponse }

type AcquireLock struct {
	Inode     uint64   `cbor:"1,keyasint"`
	Mode      LockMode `cbor:"2,keyasint"`
	TTLMillis int64    `cbor:"3,keyasint"`
}

func (*AcquireLock) Kind() Kind { return KindAcquireLock }

// LockResponse answers AcquireLock and RenewLock. When Granted is
// false, Holder and RetryAfterMillis describe the conflicting lease.
type LockResponse struct {
	Granted          bool      `cbor:"1,keyasint"`
	Token            LockToken `cbor:"2,keyasint,omitempty"`
	Holder           string    `cbor:"3,keyasint,omitempty"`
	RetryAfterMillis int64     `cbor:"4,keyasint,omitempty"`
	ExpiresAt        int64     `cbor:"5,keyasint,omitempty"`
}

func (*LockResponse) Kind() Kind { return KindLockResponse }

type ReleaseLock struct {
	Token LockToken `cbor:"1,keyasint"`
}

func (*ReleaseLock) Kind() Kind { return KindReleaseLock }

// ReleaseResponse reports whether a lease was actually removed.
// Releasing an unknown or expired token is not an error.
type ReleaseResponse struct {
	Released bool `cbor:"1,keyasint,omitempty"`
}

func (*ReleaseResponse) Kind() Kind { return KindReleaseResponse }

type RenewLock struct {
	Token     LockToken `cbor:"1,keyasint"`
	TTLMillis int64     `cbor:"2,keyasint"`
}

func (*RenewLock) Kind() Kind { return KindRenewLock }

// Create makes a regular file. With Exclusive set an existing entry is
// an AlreadyExists error; otherwise the existing file is returned.
type Create struct {
	Parent    uint64 `cbor:"1,keyasint"`
	Name      string `cbor:"2,keyasint"`
	Mode      uint32 `cbor:"3,keyasint"`
	Exclusive bool   `cbor:"4,keyasint,omitempty"`
}

func (*Create) Kind() Kind { return KindCreate }

type Mkdir struct {
	Parent uint64 `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint"`
	Mode   uint32 `cbor:"3,keyasint"`
}

func (*Mkdir) Kind() Kind { return KindMkdir }

type Unlink struct {
	Parent uint64 `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint"`
}

func (*Unlink) Kind() Kind { return KindUnlink }

type Rmdir struct {
	Parent uint64 `cbor:"1,keyasint"`
	Name   string `cbor:"2,keyasint"`
}

func (*Rmdir) Kind() Kind { return KindRmdir }

type Rename struct {
	Parent    uint64 `cbor:"1,keyasint"`
	Name      string `cbor:"2,keyasint"`
	NewParent uint64 `cbor:"3,keyasint"`
	NewName   string `cbor:"4,keyasint"`
}

func (*Rename) Kind() Kind { return KindRename }

// SetAttr changes the fields that are non-nil. Changing Size truncates
// or extends the file and requires Token to name a live exclusive lock.
type SetAttr struct {
	Inode uint64    `cbor:"1,keyasint"`
	Size  *uint64   `cbor:"2,keyasint,omitempty"`
	Mode  *uint32   `cbor:"3,keyasint,omitempty"`
	Mtime *int64    `cbor:"4,keyasint,omitempty"`
	Token LockToken `cbor:"5,keyasint,omitempty"`
}

func (*SetAttr) Kind() Kind { return KindSetAttr }

// OK is the empty success response.
type OK struct{}

func (*OK) Kind() Kind { return KindOK }
