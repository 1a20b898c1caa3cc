// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/wormhole/lib/testutil"
)

// echoHandler copies everything it reads back to the sender.
func echoHandler(_ context.Context, conn net.Conn) {
	defer conn.Close()
	io.Copy(conn, conn)
}

// roundTrip writes message to conn and reads back the same number of
// bytes.
func roundTrip(t *testing.T, conn net.Conn, message string) string {
	t.Helper()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetDeadline(time.Time{})
	if _, err := conn.Write([]byte(message)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buffer := make([]byte, len(message))
	if _, err := io.ReadFull(conn, buffer); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	return string(buffer)
}

func TestTCPListener_Address(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener() error: %v", err)
	}
	defer listener.Close()

	address := listener.Address()
	if !strings.HasPrefix(address, "127.0.0.1:") {
		t.Errorf("Address() = %q, expected 127.0.0.1:port", address)
	}
}

func TestTCPRoundTrip(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener() error: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx, echoHandler)

	dialer := &TCPDialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, listener.Address())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()

	for _, message := range []string{"first", "second message", "third"} {
		if got := roundTrip(t, conn, message); got != message {
			t.Errorf("echo = %q, want %q", got, message)
		}
	}
}

func TestTCPListener_ConcurrentConnections(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener() error: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go listener.Serve(ctx, echoHandler)

	dialer := &TCPDialer{}
	first, err := dialer.DialContext(ctx, listener.Address())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer first.Close()
	second, err := dialer.DialContext(ctx, listener.Address())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer second.Close()

	// The second connection is served while the first is still open.
	if got := roundTrip(t, second, "two"); got != "two" {
		t.Errorf("second echo = %q", got)
	}
	if got := roundTrip(t, first, "one"); got != "one" {
		t.Errorf("first echo = %q", got)
	}
}

func TestTCPListener_ServeReturnsOnCancel(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener() error: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	handlerContexts := make(chan context.Context, 1)
	done := make(chan error, 1)
	go func() {
		done <- listener.Serve(ctx, func(ctx context.Context, conn net.Conn) {
			defer conn.Close()
			handlerContexts <- ctx
			<-ctx.Done()
		})
	}()

	conn, err := (&TCPDialer{}).DialContext(context.Background(), listener.Address())
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	defer conn.Close()
	testutil.RequireReceive(t, handlerContexts, 5*time.Second, "handler never started")

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Serve did not return"); err != nil {
		t.Errorf("Serve() = %v, want nil", err)
	}
}

func TestTCPListener_CloseStopsServe(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener() error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- listener.Serve(context.Background(), echoHandler)
	}()

	// Let Serve reach Accept; Close before Accept also ends the loop.
	time.Sleep(10 * time.Millisecond)
	listener.Close()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Serve did not return"); err != nil {
		t.Errorf("Serve() = %v, want nil", err)
	}
}

func TestTCPDialer_Refused(t *testing.T) {
	listener, err := NewTCPListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPListener() error: %v", err)
	}
	address := listener.Address()
	listener.Close()

	if _, err := (&TCPDialer{Timeout: time.Second}).DialContext(context.Background(), address); err == nil {
		t.Fatal("expected error dialing a closed listener")
	}
}
