// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunk

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is the 32-byte BLAKE3 keyed digest of a chunk's uncompressed
// bytes.
type Hash [32]byte

// domainKey is the ASCII domain name zero-padded to 32 bytes. Changing
// it breaks interoperability with every deployed peer.
var domainKey = [32]byte{
	'w', 'o', 'r', 'm', 'h', 'o', 'l', 'e', '.', 'c', 'h', 'u', 'n', 'k',
}

// Sum returns the chunk-domain hash of data.
func Sum(data []byte) Hash {
	hasher, err := blake3.NewKeyed(domainKey[:])
	if err != nil {
		// Only returned for a key that is not 32 bytes.
		panic("chunk: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Verify reports whether hash is the hash of data.
func Verify(data []byte, hash Hash) bool {
	return Sum(data) == hash
}

// String returns the hex form of the hash.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 12 hex characters, for log lines.
func (h Hash) Short() string { return hex.EncodeToString(h[:6]) }

// ParseHash parses a 64-character hex string.
func ParseHash(text string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return hash, fmt.Errorf("parsing chunk hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("chunk hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}
