// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session runs the wire protocol over one transport connection.
//
// A [Conn] multiplexes concurrent request/response exchanges over a
// single net.Conn: every request carries a fresh envelope ID, a reader
// goroutine routes each response to the call waiting on its ID, and
// writes are serialized so frames never interleave. Both sides send a
// Ping every KeepAlive interval; a connection that receives nothing for
// IdleTimeout is torn down. Frames with ID 0 are unsolicited (Ping,
// Pong, Goodbye, Invalidate).
//
// [Client] is the mount side. It keeps one persistent connection to the
// host, performing the Hello/HelloAck negotiation after every dial.
// When the connection breaks, the next call redials with exponential
// backoff (200ms, doubling, capped at 10s, five attempts) and reports
// lifecycle changes to an [Observer]: Established, Degraded, Lost. A
// protocol error tears the connection down and the next call starts
// from a fresh connection.
//
// [Serve] is the host side: it reads requests and answers each one from
// its own goroutine, bounded by MaxConcurrent.
package session
