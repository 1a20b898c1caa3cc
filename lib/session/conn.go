// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/wormhole/lib/clock"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

const (
	// DefaultKeepAlive is how often each side pings an otherwise quiet
	// connection.
	DefaultKeepAlive = 15 * time.Second

	// DefaultIdleTimeout is how long a connection may go without
	// receiving any frame before it is torn down.
	DefaultIdleTimeout = 45 * time.Second

	// writeTimeout bounds a single frame write.
	writeTimeout = 30 * time.Second

	readBufferSize = 64 * 1024
)

var (
	// ErrClosed is returned by calls on a connection that was closed
	// locally.
	ErrClosed = errors.New("session closed")

	// ErrIdleTimeout is the terminal error of a connection that heard
	// nothing from its peer for the idle timeout.
	ErrIdleTimeout = errors.New("session idle timeout")

	// ErrPeerGoodbye is the terminal error after the peer sent Goodbye.
	ErrPeerGoodbye = errors.New("peer closed the session")
)

// Options configures a Conn.
type Options struct {
	KeepAlive   time.Duration
	IdleTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger

	// OnMessage receives unsolicited frames other than Ping, Pong and
	// Goodbye (in practice, Invalidate). Called from the reader
	// goroutine; it must not block.
	OnMessage func(wire.Message)

}

func (o *Options) setDefaults() {
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Conn is one multiplexed wire-protocol connection.
type Conn struct {
	conn    net.Conn
	options Options

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan wire.Message
	nextID  uint64
	err     error

	lastReceived atomic.Int64 // clock nanoseconds
	pingNonce    atomic.Uint64

	// serve answers requests on the host side; nil for a client.
	serve func(id uint64, message wire.Message)

	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

// NewConn starts the reader and keepalive goroutines on conn. The Conn
// owns conn from here on.
func NewConn(conn net.Conn, options Options) *Conn {
	c := newConn(conn, options)
	c.start()
	return c
}

func newConn(conn net.Conn, options Options) *Conn {
	options.setDefaults()
	return &Conn{
		conn:    conn,
		options: options,
		pending:    make(map[uint64]chan wire.Message),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

func (c *Conn) start() {
	c.touch()
	go c.readLoop()
	go c.keepAlive()
}

// Done is closed when the connection has terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, or nil while the connection is live.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemoteAddr returns the peer's transport address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Call sends request and waits for its response. An Error response is
// returned as a *wire.RemoteError. If ctx ends first the call is
// abandoned and a late response is discarded.
func (c *Conn) Call(ctx context.Context, request wire.Message) (wire.Message, error) {
	reply := make(chan wire.Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = reply
	c.mu.Unlock()

	if err := c.send(wire.Frame{ID: id, Message: request}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case response := <-reply:
		if failure, ok := response.(*wire.Error); ok {
			return nil, wire.RemoteErrorFrom(failure)
		}
		return response, nil
	case <-c.done:
		// The response may have raced the shutdown.
		select {
		case response := <-reply:
			if failure, ok := response.(*wire.Error); ok {
				return nil, wire.RemoteErrorFrom(failure)
			}
			return response, nil
		default:
		}
		return nil, c.Err()
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Notify sends an unsolicited message (ID 0).
func (c *Conn) Notify(message wire.Message) error {
	return c.send(wire.Frame{Message: message})
}

// respond sends the response to request id.
func (c *Conn) respond(id uint64, message wire.Message) error {
	return c.send(wire.Frame{ID: id, Message: message})
}

// Close sends Goodbye (best effort) and tears the connection down.
func (c *Conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.Notify(&wire.Goodbye{Reason: "closing"})
	c.shutdown(ErrClosed)
	return nil
}

func (c *Conn) send(frame wire.Frame) error {
	encoded, err := wire.Encode(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Err(); err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(encoded); err != nil {
		err = fmt.Errorf("writing %s frame: %w", frame.Message.Kind(), err)
		c.shutdown(err)
		return err
	}
	return nil
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// shutdown records the terminal error, closes the transport, and fails
// every pending call. The first error wins.
func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.pending = make(map[uint64]chan wire.Message)
		c.mu.Unlock()
		c.conn.Close()
		close(c.done)
	})
}

func (c *Conn) touch() {
	c.lastReceived.Store(c.options.Clock.Now().UnixNano())
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	reader := bufio.NewReaderSize(c.conn, readBufferSize)
	for {
		frame, err := wire.ReadFrame(reader)
		if err != nil {
			var protocolError *wire.ProtocolError
			switch {
			case errors.As(err, &protocolError):
				c.options.Logger.Warn("closing session after protocol error",
					"peer", c.conn.RemoteAddr().String(),
					"error", err,
				)
				c.Notify(wire.ErrorMessage(wire.CodeProtocolError, 0, "%s", protocolError.Reason))
			default:
				err = fmt.Errorf("connection lost: %w", err)
			}
			c.shutdown(err)
			return
		}
		c.touch()
		c.dispatch(frame)
	}
}

func (c *Conn) dispatch(frame wire.Frame) {
	switch message := frame.Message.(type) {
	case *wire.Ping:
		go c.Notify(&wire.Pong{Nonce: message.Nonce})
		return
	case *wire.Pong:
		return
	case *wire.Goodbye:
		c.options.Logger.Debug("peer said goodbye", "reason", message.Reason)
		c.shutdown(ErrPeerGoodbye)
		return
	}

	if frame.ID == 0 {
		if failure, ok := frame.Message.(*wire.Error); ok {
			c.options.Logger.Warn("peer reported a connection error", "error", wire.RemoteErrorFrom(failure))
			return
		}
		if c.options.OnMessage != nil {
			c.options.OnMessage(frame.Message)
		}
		return
	}

	if c.serve != nil {
		c.serve(frame.ID, frame.Message)
		return
	}

	c.mu.Lock()
	reply, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if !ok {
		// Abandoned call.
		c.options.Logger.Debug("discarding response to unknown request",
			"id", frame.ID,
			"kind", frame.Message.Kind().String(),
		)
		return
	}
	reply <- frame.Message
}

func (c *Conn) keepAlive() {
	ticker := c.options.Clock.NewTicker(c.options.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			idle := c.options.Clock.Now().Sub(time.Unix(0, c.lastReceived.Load()))
			if idle >= c.options.IdleTimeout {
				c.options.Logger.Info("session idle, closing",
					"peer", c.conn.RemoteAddr().String(),
					"idle", idle,
				)
				c.shutdown(ErrIdleTimeout)
				return
			}
			// A failed ping shuts the connection down itself.
			go c.Notify(&wire.Ping{Nonce: c.pingNonce.Add(1)})
		}
	}
}
