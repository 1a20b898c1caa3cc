// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/wormhole/lib/codec"
)

// Compile-time interface check.
var _ Signaler = (*FileSignaler)(nil)

// FileSignaler exchanges offers and answers through a directory that
// both peers can read and write. Each signal is one CBOR file named by
// its escaped "offerer|target" key under offers/ or answers/; files are
// replaced atomically with a rename so a poller never sees a partial
// write.
type FileSignaler struct {
	directory string

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewFileSignaler creates the offers/ and answers/ subdirectories of
// directory if needed.
func NewFileSignaler(directory string) (*FileSignaler, error) {
	for _, sub := range []string{"offers", "answers"} {
		if err := os.MkdirAll(filepath.Join(directory, sub), 0o700); err != nil {
			return nil, fmt.Errorf("creating signaling directory: %w", err)
		}
	}
	return &FileSignaler{directory: directory, lastSeen: make(map[string]time.Time)}, nil
}

func (s *FileSignaler) PublishOffer(_ context.Context, name, target, sdp string) error {
	return s.publish("offers", signalKey(name, target), newSignal(name, sdp))
}

func (s *FileSignaler) PublishAnswer(_ context.Context, offerer, name, sdp string) error {
	return s.publish("answers", signalKey(offerer, name), newSignal(name, sdp))
}

func (s *FileSignaler) PollOffers(_ context.Context, name string) ([]SignalMessage, error) {
	return s.poll("offers", name, matchOfferKey)
}

func (s *FileSignaler) PollAnswers(_ context.Context, name string) ([]SignalMessage, error) {
	return s.poll("answers", name, matchAnswerKey)
}

func (s *FileSignaler) publish(kind, key string, message SignalMessage) error {
	data, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding signal %s: %w", key, err)
	}
	directory := filepath.Join(s.directory, kind)
	temporary, err := os.CreateTemp(directory, ".tmp-*")
	if err != nil {
		return fmt.Errorf("publishing signal %s: %w", key, err)
	}
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporary.Name())
		return fmt.Errorf("publishing signal %s: %w", key, err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("publishing signal %s: %w", key, err)
	}
	if err := os.Rename(temporary.Name(), filepath.Join(directory, url.PathEscape(key))); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("publishing signal %s: %w", key, err)
	}
	return nil
}

func (s *FileSignaler) poll(kind, name string, match signalKeyMatcher) ([]SignalMessage, error) {
	directory := filepath.Join(s.directory, kind)
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, fmt.Errorf("polling %s: %w", kind, err)
	}

	store := make(map[string]SignalMessage)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		key, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		if _, ok := match(key, name); !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(directory, entry.Name()))
		if err != nil {
			// Replaced or removed between ReadDir and ReadFile.
			continue
		}
		var message SignalMessage
		if err := codec.Unmarshal(data, &message); err != nil || message.SDP == "" {
			continue
		}
		store[key] = message
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return collectSignals(s.lastSeen, kind+":"+name, store, name, match), nil
}
