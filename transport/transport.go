// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"sync"
)

// ConnHandler serves one inbound connection. The handler owns conn and
// must close it before returning. ctx is cancelled when the listener
// shuts down.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Listener accepts inbound connections from peers. A host creates a
// Listener and calls Serve with a handler that runs the wire protocol
// on each connection.
type Listener interface {
	// Serve starts accepting connections and dispatches each to
	// handler on its own goroutine. Blocks until ctx is cancelled or
	// Close is called, then waits for running handlers to return.
	// Returns nil on clean shutdown.
	Serve(ctx context.Context, handler ConnHandler) error

	// Address returns the address peers use to reach this listener.
	// The format is transport-specific ("192.168.1.10:7891" for TCP,
	// the peer name for WebRTC).
	Address() string

	// Close shuts down the listener. Subsequent calls to Serve return
	// immediately.
	Close() error
}

// Dialer opens connections to peers. The address format matches what
// the peer's Listener.Address returns.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// serveListener runs the accept loop shared by every Listener
// implementation. Each accepted connection gets its own goroutine;
// their context is cancelled when the loop exits and serveListener
// waits for all of them before returning.
func serveListener(ctx context.Context, listener net.Listener, handler ConnHandler) error {
	var running sync.WaitGroup
	defer running.Wait()

	connectionContext, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		running.Add(1)
		go func() {
			defer running.Done()
			handler(connectionContext, conn)
		}()
	}
}
