// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR encoding configuration shared by every
// package that puts bytes on the wire between a host and a mount.
//
// Message bodies are encoded with Core Deterministic Encoding so the
// same logical message always produces the same bytes, and decoded with
// hard limits on item sizes so a hostile peer cannot make the decoder
// allocate more than a frame's worth of memory.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Wire types use `cbor` struct tags with small integer keys
// (`cbor:"1,keyasint"`) so that field names never travel over the
// network.
package codec
