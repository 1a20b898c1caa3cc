// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries mount sessions between a host and a client.
//
// [Listener] accepts inbound connections (Serve, Address, Close) and
// hands each one to a [ConnHandler]; [Dialer] opens outbound
// connections (DialContext). Everything above this package sees a plain
// net.Conn: the wire protocol, framing, and multiplexing live in
// lib/session.
//
// [TCPListener] and [TCPDialer] serve peers on the same network.
// [WebRTCTransport] uses pion/webrtc data channels with ICE/TURN for NAT
// traversal; each pair of peers shares one PeerConnection with
// SCTP-multiplexed data channels, and every dial opens a new channel.
// [DataChannelConn] wraps a detached data channel as a net.Conn with
// deadline support.
//
// Signaling is abstracted behind [Signaler], which publishes and polls
// SDP offers and answers in vanilla ICE mode (all candidates gathered
// before signaling). [MemorySignaler] serves tests; [FileSignaler]
// exchanges signals through a shared directory. When both peers dial
// each other at once, the peer whose name sorts first becomes the
// offerer and the other drops its redundant PeerConnection.
//
// [Authenticate] runs a mutual Ed25519 challenge-response on a fresh
// connection of any kind and returns the peer's verified name.
// [Ed25519Authenticator] is the key-table implementation of
// [PeerAuthenticator]; [GenerateIdentity] and [LoadIdentity] manage the
// local key file.
package transport
