// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunk

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a chunk payload is encoded on the wire.
// The values are protocol constants.
type Compression uint8

const (
	// CompressionNone is the raw chunk bytes.
	CompressionNone Compression = 0
	// CompressionLZ4 is an LZ4 block. Default for binary content.
	CompressionLZ4 Compression = 1
	// CompressionZstd is a zstd frame at the default level. Used when
	// the chunk looks like text.
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses the name returned by String.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// ErrIncompressible is returned when the encoded form would not be
// smaller than the input.
var ErrIncompressible = errors.New("chunk: data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("chunk: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(4*Size))
	if err != nil {
		panic("chunk: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress encodes data with the algorithm suited to its content. It
// returns data itself and CompressionNone when no algorithm shrinks it.
func Compress(data []byte) ([]byte, Compression) {
	if len(data) == 0 {
		return data, CompressionNone
	}
	preferred := CompressionLZ4
	if looksLikeText(data) {
		preferred = CompressionZstd
	}
	encoded, err := Encode(data, preferred)
	if err != nil {
		return data, CompressionNone
	}
	return encoded, preferred
}

// Encode compresses data with the given algorithm.
func Encode(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, ErrIncompressible
		}
		return destination[:written], nil
	case CompressionZstd:
		encoded := zstdEncoder.EncodeAll(data, nil)
		if len(encoded) >= len(data) {
			return nil, ErrIncompressible
		}
		return encoded, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
}

// Decode reverses Encode. size is the uncompressed length, which is
// verified. It never produces more than Size bytes.
func Decode(encoded []byte, compression Compression, size int) ([]byte, error) {
	if size < 0 || size > Size {
		return nil, fmt.Errorf("decompressed size %d outside [0, %d]", size, Size)
	}
	switch compression {
	case CompressionNone:
		if len(encoded) != size {
			return nil, fmt.Errorf("raw chunk is %d bytes, expected %d", len(encoded), size)
		}
		return encoded, nil
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(encoded, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case CompressionZstd:
		decoded, err := zstdDecoder.DecodeAll(encoded, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(decoded) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(decoded), size)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("unsupported compression %s", compression)
	}
}

// looksLikeText samples the start of data: valid UTF-8 with no NUL
// bytes is treated as text.
func looksLikeText(data []byte) bool {
	sample := data[:min(len(data), 4096)]
	for _, b := range sample {
		if b == 0 {
			return false
		}
	}
	// A sample cut mid-rune is still text.
	for i := 0; i < utf8.UTFMax && len(sample) > 0; i++ {
		if utf8.Valid(sample) {
			return true
		}
		sample = sample[:len(sample)-1]
	}
	return false
}
