// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunkcache

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/wormhole/lib/chunk"
)

const sealOverhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var sealInfo = []byte("wormhole.chunkcache.disk.v1")

// sealer encrypts chunks at rest in the disk tier under a key that
// exists only in this process. A cache file left behind by a crash is
// unreadable, and the AEAD tag doubles as a second integrity check
// alongside the content hash.
type sealer struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

func newSealer() (*sealer, error) {
	seed := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("generating cache key seed: %w", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, nil, sealInfo), key); err != nil {
		return nil, fmt.Errorf("deriving cache key: %w", err)
	}
	clear(seed)
	aead, err := chacha20poly1305.NewX(key)
	clear(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// seal returns nonce || ciphertext || tag. The chunk ID and content
// hash are authenticated so a sealed slot cannot be replayed under a
// different ID.
func (s *sealer) seal(id chunk.ID, hash chunk.Hash, plaintext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	output := make([]byte, len(nonce), len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
	copy(output, nonce[:])
	return s.aead.Seal(output, nonce[:], plaintext, associatedData(id, hash)), nil
}

func (s *sealer) open(id chunk.ID, hash chunk.Hash, sealed []byte) ([]byte, error) {
	if len(sealed) < sealOverhead {
		return nil, fmt.Errorf("sealed chunk is %d bytes, minimum %d", len(sealed), sealOverhead)
	}
	nonce := sealed[:chacha20poly1305.NonceSizeX]
	plaintext, err := s.aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], associatedData(id, hash))
	if err != nil {
		return nil, fmt.Errorf("opening sealed chunk %s: %w", id, err)
	}
	return plaintext, nil
}

func associatedData(id chunk.ID, hash chunk.Hash) []byte {
	data := make([]byte, 16+len(hash))
	binary.LittleEndian.PutUint64(data, id.Inode)
	binary.LittleEndian.PutUint64(data[8:], id.Index)
	copy(data[16:], hash[:])
	return data
}
