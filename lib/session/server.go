// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/bureau-foundation/wormhole/lib/wire"
)

// DefaultMaxConcurrent bounds the requests one host-side connection
// works on at once. When all slots are busy the reader stops pulling
// frames, which pushes back on the client through the transport.
const DefaultMaxConcurrent = 64

// Handler answers one request. A nil response is sent as OK; a
// *wire.Error response reports failure.
type Handler interface {
	Handle(ctx context.Context, request wire.Message) wire.Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, request wire.Message) wire.Message

func (f HandlerFunc) Handle(ctx context.Context, request wire.Message) wire.Message {
	return f(ctx, request)
}

// finalResponse marks the last response on a connection.
type finalResponse struct {
	wire.Message
}

// CloseAfter wraps a handler's response so the connection is closed
// once it has been written. Used for failures that end the session,
// such as a refused Hello.
func CloseAfter(response wire.Message) wire.Message {
	return finalResponse{response}
}

// ServerConn is the host side of one connection.
type ServerConn struct {
	*Conn

	ctx    context.Context
	cancel context.CancelFunc

	slots    chan struct{}
	inflight sync.WaitGroup
}

// NewServerConn starts serving requests from conn with handler. Every
// request runs on its own goroutine; at most maxConcurrent run at once
// (DefaultMaxConcurrent when zero).
func NewServerConn(conn net.Conn, handler Handler, maxConcurrent int, options Options) *ServerConn {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	ctx, cancel := context.WithCancel(context.Background())
	server := &ServerConn{
		Conn:   newConn(conn, options),
		ctx:    ctx,
		cancel: cancel,
		slots:  make(chan struct{}, maxConcurrent),
	}
	server.serve = func(id uint64, request wire.Message) {
		select {
		case server.slots <- struct{}{}:
		case <-server.done:
			return
		}
		server.inflight.Add(1)
		go func() {
			defer server.inflight.Done()
			defer func() { <-server.slots }()

			response := handler.Handle(server.ctx, request)
			final, closing := response.(finalResponse)
			if closing {
				response = final.Message
			}
			if response == nil {
				response = &wire.OK{}
			}
			if closing {
				defer server.Close()
			}
			if err := server.respond(id, response); err != nil {
				server.options.Logger.Debug("writing response failed",
					"id", id,
					"kind", request.Kind().String(),
					"error", err,
				)
			}
		}()
	}
	go func() {
		<-server.done
		cancel()
	}()
	server.start()
	return server
}

// Wait blocks until the connection ends or ctx is cancelled (which
// closes it), then waits for running handlers. Returns nil when the
// peer said goodbye or the connection was closed locally.
func (s *ServerConn) Wait(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.Close()
	}
	// Handlers are only started from the reader goroutine.
	<-s.readerDone
	s.inflight.Wait()

	err := s.Err()
	if errors.Is(err, ErrClosed) || errors.Is(err, ErrPeerGoodbye) {
		return nil
	}
	return err
}

// Serve runs the host side of a session on conn until the peer leaves,
// the connection fails, or ctx is cancelled.
func Serve(ctx context.Context, conn net.Conn, handler Handler, options Options) error {
	return NewServerConn(conn, handler, 0, options).Wait(ctx)
}
