// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
)

// Signaler abstracts the rendezvous mechanism that carries WebRTC
// session descriptions between peers. The rendezvous service itself is
// external; [MemorySignaler] serves tests and [FileSignaler] serves
// peers that share a directory (a synced folder or a network mount).
//
// The signaling model is vanilla ICE: all ICE candidates are gathered
// before the SDP is published, so connection establishment requires
// exactly one signaling round-trip (offer, then answer).
type Signaler interface {
	// PublishOffer publishes a complete SDP offer from name directed at
	// target.
	PublishOffer(ctx context.Context, name, target, sdp string) error

	// PublishAnswer publishes a complete SDP answer from name in
	// response to an offer made by offerer.
	PublishAnswer(ctx context.Context, offerer, name, sdp string) error

	// PollOffers returns offers directed at name that have not been
	// returned to this caller before.
	PollOffers(ctx context.Context, name string) ([]SignalMessage, error)

	// PollAnswers returns answers to offers originated by name that
	// have not been returned to this caller before.
	PollAnswers(ctx context.Context, name string) ([]SignalMessage, error)
}

// SignalMessage represents a signaling message (offer or answer).
type SignalMessage struct {
	// PeerName is the name of the other party. For received offers,
	// this is the offerer. For received answers, this is the answerer.
	PeerName string `cbor:"1,keyasint"`

	// SDP is the complete Session Description Protocol string with all
	// ICE candidates embedded.
	SDP string `cbor:"2,keyasint"`

	// Timestamp is the RFC 3339 creation time of the signal.
	Timestamp string `cbor:"3,keyasint"`
}

// signalingSeparator separates the offerer and target names in a
// signal key. Peer names are validated to never contain it.
const signalingSeparator = "|"

// signalKey returns the key under which an offer from offerer to target
// (and the matching answer) is stored.
func signalKey(offerer, target string) string {
	return offerer + signalingSeparator + target
}

// signalKeyMatcher reports whether key concerns name and, if so, returns
// the name of the other party.
type signalKeyMatcher func(key, name string) (string, bool)

// matchOfferKey matches offers directed at name; the other party is the
// offerer.
func matchOfferKey(key, name string) (string, bool) {
	offerer, found := strings.CutSuffix(key, signalingSeparator+name)
	if !found || offerer == "" || strings.Contains(offerer, signalingSeparator) {
		return "", false
	}
	return offerer, true
}

// matchAnswerKey matches answers to offers made by name; the other
// party is the answerer.
func matchAnswerKey(key, name string) (string, bool) {
	target, found := strings.CutPrefix(key, name+signalingSeparator)
	if !found || target == "" || strings.Contains(target, signalingSeparator) {
		return "", false
	}
	return target, true
}
