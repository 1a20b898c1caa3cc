// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the messages exchanged between a mount and the
// host serving a share, and their framing.
//
// A frame on the wire is a 4-byte little-endian payload length followed
// by the payload, a CBOR [Envelope]:
//
//	+-----------------+-------------------------------------------+
//	| length (uint32) | Envelope{Version, ID, Kind, Body}          |
//	+-----------------+-------------------------------------------+
//
// Body is the CBOR encoding of the message named by Kind. The set of
// kinds is closed: a frame whose Kind is not registered here, whose
// Version is not [ProtocolVersion], or whose declared length exceeds
// [MaxMessageSize] is a [ProtocolError], and the receiving side tears
// the connection down.
//
// Requests and their responses share an envelope ID chosen by the
// requester. ID 0 is reserved for unsolicited messages (keepalive
// pings, Goodbye, Invalidate).
//
// This package never interprets path strings; names arrive at the host
// as opaque strings and are validated by pathsafe.
package wire
