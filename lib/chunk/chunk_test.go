// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunk

import (
	"bytes"
	"slices"
	"strings"
	"testing"
)

func TestAt(t *testing.T) {
	tests := []struct {
		offset int64
		want   uint64
	}{
		{0, 0},
		{Size - 1, 0},
		{Size, 1},
		{131072, 1},
		{3*Size + 17, 3},
	}
	for _, test := range tests {
		if got := At(42, test.offset); got != (ID{Inode: 42, Index: test.want}) {
			t.Errorf("At(42, %d) = %v, want index %d", test.offset, got, test.want)
		}
	}
}

func TestCount(t *testing.T) {
	tests := []struct {
		size int64
		want uint64
	}{
		{0, 0},
		{1, 1},
		{Size, 1},
		{Size + 1, 2},
		{10 * Size, 10},
	}
	for _, test := range tests {
		if got := Count(test.size); got != test.want {
			t.Errorf("Count(%d) = %d, want %d", test.size, got, test.want)
		}
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name   string
		offset int64
		length int
		want   []Piece
	}{
		{
			name:   "inside one chunk",
			offset: Size, length: 4096,
			want: []Piece{{ID: ID{7, 1}, Start: 0, Length: 4096}},
		},
		{
			name:   "crosses one boundary",
			offset: Size - 100, length: 300,
			want: []Piece{
				{ID: ID{7, 0}, Start: Size - 100, Length: 100},
				{ID: ID{7, 1}, Start: 0, Length: 200},
			},
		},
		{
			name:   "spans three chunks",
			offset: Size - 1, length: Size + 2,
			want: []Piece{
				{ID: ID{7, 0}, Start: Size - 1, Length: 1},
				{ID: ID{7, 1}, Start: 0, Length: Size},
				{ID: ID{7, 2}, Start: 0, Length: 1},
			},
		},
		{name: "empty", offset: 10, length: 0, want: nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Split(7, test.offset, test.length)
			if !slices.Equal(got, test.want) {
				t.Errorf("Split = %+v, want %+v", got, test.want)
			}
		})
	}
}

func TestSumIsKeyed(t *testing.T) {
	data := []byte("hello")
	if Sum(data) != Sum([]byte("hello")) {
		t.Fatal("Sum not deterministic")
	}
	if Sum(data) == Sum([]byte("hellp")) {
		t.Fatal("different inputs hash equal")
	}
	if !Verify(data, Sum(data)) {
		t.Fatal("Verify rejected a correct hash")
	}
	tampered := bytes.Clone(data)
	tampered[0] ^= 0xff
	if Verify(tampered, Sum(data)) {
		t.Fatal("Verify accepted tampered data")
	}
}

func TestParseHash(t *testing.T) {
	hash := Sum([]byte("content"))
	parsed, err := ParseHash(hash.String())
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != hash {
		t.Errorf("ParseHash(String()) = %v, want %v", parsed, hash)
	}
	if _, err := ParseHash("abcd"); err == nil {
		t.Error("ParseHash accepted a short hash")
	}
	if len(hash.Short()) != 12 {
		t.Errorf("Short = %q", hash.Short())
	}
}

func TestCompressPicksAlgorithmByContent(t *testing.T) {
	text := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog\n", 1000))
	encoded, compression := Compress(text)
	if compression != CompressionZstd {
		t.Errorf("text compressed with %s, want zstd", compression)
	}
	decoded, err := Decode(encoded, compression, len(text))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded, text) {
		t.Fatal("zstd decode mismatch")
	}

	binary := make([]byte, 8192)
	for i := range binary {
		binary[i] = byte(i % 4)
	}
	binary[0] = 0
	encoded, compression = Compress(binary)
	if compression != CompressionLZ4 {
		t.Errorf("binary compressed with %s, want lz4", compression)
	}
	decoded, err = Decode(encoded, compression, len(binary))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded, binary) {
		t.Fatal("lz4 decode mismatch")
	}
}

func TestCompressIncompressibleFallsBackToNone(t *testing.T) {
	// A short buffer with no repetition cannot shrink.
	data := []byte{0x00, 0x9a, 0x13, 0xf7, 0x42, 0x88}
	encoded, compression := Compress(data)
	if compression != CompressionNone {
		t.Fatalf("compression = %s, want none", compression)
	}
	if !bytes.Equal(encoded, data) {
		t.Fatal("raw payload altered")
	}
}

func TestDecodeRejectsSizeMismatch(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}, CompressionNone, 4); err == nil {
		t.Error("raw payload with wrong size accepted")
	}
	if _, err := Decode(nil, CompressionNone, Size+1); err == nil {
		t.Error("size above chunk size accepted")
	}
	if _, err := Decode([]byte{1}, Compression(9), 1); err == nil {
		t.Error("unknown compression accepted")
	}
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		parsed, err := ParseCompression(c.String())
		if err != nil || parsed != c {
			t.Errorf("ParseCompression(%q) = %v, %v", c.String(), parsed, err)
		}
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Error("unknown name accepted")
	}
}
