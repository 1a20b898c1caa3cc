// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunk defines the unit of caching and transfer: a fixed-size
// slice of one file's content, addressed by (inode, index) and
// protected by a BLAKE3 content hash.
package chunk

import "fmt"

// Size is the length of every chunk except a file's final one, which
// may be shorter.
const Size = 128 * 1024

// ID names one chunk: the Index-th Size-byte slice of the file Inode.
type ID struct {
	Inode uint64 `cbor:"1,keyasint"`
	Index uint64 `cbor:"2,keyasint"`
}

// At returns the ID of the chunk containing byte offset of inode.
func At(inode uint64, offset int64) ID {
	return ID{Inode: inode, Index: uint64(offset) / Size}
}

// Offset returns the file offset of the chunk's first byte.
func (id ID) Offset() int64 { return int64(id.Index) * Size }

func (id ID) String() string { return fmt.Sprintf("%d:%d", id.Inode, id.Index) }

// Count returns the number of chunks a file of size bytes spans.
func Count(size int64) uint64 {
	if size <= 0 {
		return 0
	}
	return uint64((size + Size - 1) / Size)
}

// Piece is the part of a byte range that falls inside one chunk.
type Piece struct {
	ID ID
	// Start is the offset of the piece within the chunk.
	Start int
	// Length is the number of bytes of the piece.
	Length int
}

// Split breaks the range [offset, offset+length) of inode into
// per-chunk pieces in file order. A zero length yields no pieces.
func Split(inode uint64, offset int64, length int) []Piece {
	if length <= 0 || offset < 0 {
		return nil
	}
	var pieces []Piece
	end := offset + int64(length)
	for position := offset; position < end; {
		id := At(inode, position)
		start := int(position - id.Offset())
		n := min(Size-start, int(end-position))
		pieces = append(pieces, Piece{ID: id, Start: start, Length: n})
		position += int64(n)
	}
	return pieces
}
