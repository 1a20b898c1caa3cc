// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/wormhole/lib/testutil"
)

// newTransportPair creates two WebRTCTransports sharing an in-process
// signaler, with host candidates only (loopback).
func newTransportPair(t *testing.T) (*WebRTCTransport, *WebRTCTransport) {
	t.Helper()
	signaler := NewMemorySignaler()
	alpha := NewWebRTCTransport(signaler, "alpha", ICEConfig{}, nil)
	beta := NewWebRTCTransport(signaler, "beta", ICEConfig{}, nil)
	t.Cleanup(func() {
		alpha.Close()
		beta.Close()
	})
	return alpha, beta
}

func serveInBackground(t *testing.T, listener Listener, handler ConnHandler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- listener.Serve(ctx, handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWebRTCTransport_DialAndServe(t *testing.T) {
	alpha, beta := newTransportPair(t)
	serveInBackground(t, beta, echoHandler)
	testutil.RequireClosed(t, beta.Ready(), 5*time.Second, "beta never became ready")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	conn, err := alpha.DialContext(ctx, "beta")
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	if got := roundTrip(t, conn, "hello from alpha"); got != "hello from alpha" {
		t.Errorf("echo = %q", got)
	}
	if conn.RemoteAddr().Network() != "webrtc" {
		t.Errorf("RemoteAddr().Network() = %q", conn.RemoteAddr().Network())
	}
}

// Sequential dials reuse the PeerConnection and each get a fresh data
// channel.
func TestWebRTCTransport_SequentialDials(t *testing.T) {
	alpha, beta := newTransportPair(t)
	serveInBackground(t, beta, echoHandler)
	testutil.RequireClosed(t, beta.Ready(), 5*time.Second, "beta never became ready")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	labels := make(map[string]bool)
	for index := range 3 {
		conn, err := alpha.DialContext(ctx, "beta")
		if err != nil {
			t.Fatalf("dial %d: %v", index, err)
		}
		message := fmt.Sprintf("message %d", index)
		if got := roundTrip(t, conn, message); got != message {
			t.Errorf("dial %d: echo = %q", index, got)
		}
		labels[conn.LocalAddr().String()] = true
		conn.Close()
	}
	if len(labels) != 3 {
		t.Errorf("expected 3 distinct data channels, got %v", labels)
	}

	alpha.mu.Lock()
	peers := len(alpha.peers)
	alpha.mu.Unlock()
	if peers != 1 {
		t.Errorf("alpha holds %d PeerConnections, want 1", peers)
	}
}

// Concurrent callers share one PeerConnection establishment attempt
// instead of overwriting each other's offers.
func TestWebRTCTransport_ConcurrentDials(t *testing.T) {
	alpha, beta := newTransportPair(t)
	serveInBackground(t, beta, echoHandler)
	testutil.RequireClosed(t, beta.Ready(), 5*time.Second, "beta never became ready")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const concurrency = 5
	var waitGroup sync.WaitGroup
	errors := make(chan error, concurrency)
	for index := range concurrency {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			conn, err := alpha.DialContext(ctx, "beta")
			if err != nil {
				errors <- fmt.Errorf("dial %d: %w", index, err)
				return
			}
			defer conn.Close()
			message := fmt.Sprintf("concurrent %d", index)
			conn.SetDeadline(time.Now().Add(10 * time.Second))
			if _, err := conn.Write([]byte(message)); err != nil {
				errors <- fmt.Errorf("write %d: %w", index, err)
				return
			}
			buffer := make([]byte, len(message))
			if _, err := readFull(conn, buffer); err != nil {
				errors <- fmt.Errorf("read %d: %w", index, err)
				return
			}
			if string(buffer) != message {
				errors <- fmt.Errorf("dial %d: echo = %q", index, buffer)
			}
		}()
	}
	waitGroup.Wait()
	close(errors)
	for err := range errors {
		t.Error(err)
	}
}

func readFull(conn net.Conn, buffer []byte) (int, error) {
	total := 0
	for total < len(buffer) {
		n, err := conn.Read(buffer[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestWebRTCTransport_Address(t *testing.T) {
	wt := NewWebRTCTransport(NewMemorySignaler(), "workstation", ICEConfig{}, nil)
	defer wt.Close()

	if address := wt.Address(); address != "workstation" {
		t.Errorf("Address() = %q, want %q", address, "workstation")
	}
}

func TestWebRTCTransport_DialAfterClose(t *testing.T) {
	wt := NewWebRTCTransport(NewMemorySignaler(), "alpha", ICEConfig{}, nil)
	wt.Close()

	if _, err := wt.DialContext(context.Background(), "beta"); err == nil {
		t.Fatal("expected error from DialContext after Close, got nil")
	}
}

// After alpha connects to beta, beta can open channels back to alpha.
func TestWebRTCTransport_Bidirectional(t *testing.T) {
	alpha, beta := newTransportPair(t)

	tagged := func(tag string) ConnHandler {
		return func(_ context.Context, conn net.Conn) {
			defer conn.Close()
			conn.Write([]byte(tag))
			// Hold the channel open until the dialer closes it.
			io.Copy(io.Discard, conn)
		}
	}
	serveInBackground(t, alpha, tagged("from-alpha"))
	serveInBackground(t, beta, tagged("from-beta"))
	testutil.RequireClosed(t, alpha.Ready(), 5*time.Second, "alpha never became ready")
	testutil.RequireClosed(t, beta.Ready(), 5*time.Second, "beta never became ready")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, direction := range []struct {
		from *WebRTCTransport
		to   string
		want string
	}{
		{alpha, "beta", "from-beta"},
		{beta, "alpha", "from-alpha"},
	} {
		conn, err := direction.from.DialContext(ctx, direction.to)
		if err != nil {
			t.Fatalf("dial %s: %v", direction.to, err)
		}
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		buffer := make([]byte, len(direction.want))
		if _, err := readFull(conn, buffer); err != nil {
			t.Fatalf("read from %s: %v", direction.to, err)
		}
		if string(buffer) != direction.want {
			t.Errorf("read from %s = %q, want %q", direction.to, buffer, direction.want)
		}
		conn.Close()
	}
}

func TestWebRTCTransport_UpdateICEConfig(t *testing.T) {
	wt := NewWebRTCTransport(NewMemorySignaler(), "alpha", ICEConfig{}, nil)
	defer wt.Close()

	wt.UpdateICEConfig(ICEConfigFromURLs([]string{"turn:turn.local:3478"}, "user", "pass"))

	wt.configMu.RLock()
	defer wt.configMu.RUnlock()
	if len(wt.iceConfig.Servers) != 1 {
		t.Errorf("updated servers = %d, want 1", len(wt.iceConfig.Servers))
	}
}
