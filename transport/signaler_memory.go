// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler for tests. Two
// WebRTCTransport instances sharing the same MemorySignaler can
// establish PeerConnections without any network signaling.
type MemorySignaler struct {
	mu       sync.Mutex
	offers   map[string]SignalMessage // key: "offerer|target"
	answers  map[string]SignalMessage // key: "offerer|target"
	lastSeen map[string]time.Time     // per-consumer high-water mark
}

// NewMemorySignaler creates a new in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]time.Time),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, name, target, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[signalKey(name, target)] = newSignal(name, sdp)
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, name, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[signalKey(offerer, name)] = newSignal(name, sdp)
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, name string) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return collectSignals(s.lastSeen, "offers:"+name, s.offers, name, matchOfferKey), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, name string) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return collectSignals(s.lastSeen, "answers:"+name, s.answers, name, matchAnswerKey), nil
}

func newSignal(from, sdp string) SignalMessage {
	return SignalMessage{
		PeerName:  from,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// collectSignals returns the messages in store whose keys match name
// and whose timestamps are newer than the consumer's last-seen mark for
// that key, advancing the marks. Shared by every Signaler backed by a
// key/value store.
func collectSignals(lastSeen map[string]time.Time, consumer string, store map[string]SignalMessage, name string, match signalKeyMatcher) []SignalMessage {
	var messages []SignalMessage
	for key, message := range store {
		peer, ok := match(key, name)
		if !ok {
			continue
		}
		timestamp, err := time.Parse(time.RFC3339Nano, message.Timestamp)
		if err != nil {
			continue
		}
		seenKey := consumer + ":" + key
		if last, ok := lastSeen[seenKey]; ok && !timestamp.After(last) {
			continue
		}
		lastSeen[seenKey] = timestamp
		message.PeerName = peer
		messages = append(messages, message)
	}
	return messages
}
