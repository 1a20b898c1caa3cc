// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package host serves a [share.Share] to remote mounts.
//
// A [Host] accepts connections from any [transport.Listener]. When a
// [transport.PeerAuthenticator] is configured each connection first
// runs the mutual Ed25519 handshake, and the authenticated peer name
// becomes the identity used for rate limiting and lock ownership.
// Otherwise the remote address stands in for the name.
//
// Each connection is one session: the client's Hello negotiates
// capabilities, after which requests are dispatched to per-kind
// handlers on their own goroutines. Writes are checked against the
// lock manager before anything touches the filesystem, so a write with
// a missing, expired or shared-only lease is rejected whole. Locks are
// owned by the session, not the peer, and are released when the
// session ends for any reason.
//
// Changes made through one session are announced to every other
// session that negotiated the invalidate capability, so their caches
// drop the affected inodes without waiting for attribute TTLs.
package host
