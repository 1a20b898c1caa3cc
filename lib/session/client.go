// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/clock"
	"github.com/bureau-foundation/wormhole/lib/wire"
	"github.com/bureau-foundation/wormhole/transport"
)

// Reconnect backoff defaults: 200ms, 400ms, 800ms, ... capped at 10s,
// five attempts per reconnect cycle.
const (
	DefaultBackoffBase = 200 * time.Millisecond
	DefaultBackoffMax  = 10 * time.Second
	DefaultMaxAttempts = 5

	// handshakeTimeout bounds dial, authentication and Hello.
	handshakeTimeout = 15 * time.Second
)

// ErrUnavailable is returned when a reconnect cycle exhausted its
// attempts. It wraps the last dial or handshake error.
var ErrUnavailable = errors.New("host unavailable")

// State is a connection lifecycle state reported to the Observer.
type State int

const (
	// Established: a connection completed the Hello exchange.
	Established State = iota + 1
	// Degraded: the connection broke or a reconnect attempt failed;
	// more attempts follow.
	Degraded
	// Lost: a reconnect cycle exhausted its attempts. The next call
	// starts a new cycle.
	Lost
)

func (s State) String() string {
	switch s {
	case Established:
		return "established"
	case Degraded:
		return "degraded"
	case Lost:
		return "lost"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event describes one lifecycle change.
type Event struct {
	State   State
	Attempt int
	Err     error
	// Ack is the host's HelloAck for Established events.
	Ack *wire.HelloAck
	// Restarted is set on an Established event whose host instance
	// differs from the one first connected to. Inode numbers from
	// before do not name the same files.
	Restarted bool
}

// Observer receives lifecycle events. It is called synchronously from
// the goroutine that caused the change and must not block. An
// Established event is delivered before any call can use the new
// connection.
type Observer func(Event)

// ClientOptions configures a Client.
type ClientOptions struct {
	Dialer  transport.Dialer
	Address string

	// Authenticator, when set, runs transport.Authenticate on every new
	// connection before Hello. LocalName is this peer's name; PeerName
	// is the host's expected name (empty accepts any trusted peer).
	Authenticator transport.PeerAuthenticator
	LocalName     string
	PeerName      string

	// ClientName and Capabilities are sent in Hello.
	ClientName   string
	Capabilities []string

	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int

	KeepAlive   time.Duration
	IdleTimeout time.Duration

	Observer  Observer
	OnMessage func(wire.Message)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client is the mount side of a session: one persistent connection to
// a host, redialed on demand.
type Client struct {
	options ClientOptions

	// connectMu serializes reconnect cycles; mu guards the fields.
	connectMu sync.Mutex

	mu     sync.Mutex
	conn   *Conn
	ack    *wire.HelloAck
	closed bool

	// instance is the host instance of the first connection. Only
	// reconnect cycles touch it, under connectMu.
	instance string
}

// NewClient returns a Client. No connection is made until Connect or
// the first Call.
func NewClient(options ClientOptions) *Client {
	if options.BackoffBase <= 0 {
		options.BackoffBase = DefaultBackoffBase
	}
	if options.BackoffMax <= 0 {
		options.BackoffMax = DefaultBackoffMax
	}
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = DefaultMaxAttempts
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.ClientName == "" {
		options.ClientName = options.LocalName
	}
	return &Client{options: options}
}

// Connect ensures a live, negotiated connection and returns the host's
// HelloAck.
func (c *Client) Connect(ctx context.Context) (*wire.HelloAck, error) {
	if _, err := c.connection(ctx); err != nil {
		return nil, err
	}
	return c.Ack(), nil
}

// Ack returns the HelloAck of the current connection, or nil.
func (c *Client) Ack() *wire.HelloAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ack
}

// HasCapability reports whether the host granted capability on the
// current connection.
func (c *Client) HasCapability(capability string) bool {
	ack := c.Ack()
	return ack != nil && slices.Contains(ack.Capabilities, capability)
}

// Call sends request over the persistent connection, reconnecting
// first if needed. When the connection fails underneath an idempotent
// request (reads, lookups, listings) the request is retried once on a
// fresh connection; other requests return the transport error.
func (c *Client) Call(ctx context.Context, request wire.Message) (wire.Message, error) {
	for attempt := 0; ; attempt++ {
		conn, err := c.connection(ctx)
		if err != nil {
			return nil, err
		}
		response, err := conn.Call(ctx, request)
		if err == nil {
			return response, nil
		}
		var remote *wire.RemoteError
		if errors.As(err, &remote) || ctx.Err() != nil {
			return nil, err
		}

		// The connection itself failed.
		c.drop(conn, err)
		if attempt > 0 || !idempotent(request) {
			return nil, err
		}
	}
}

func idempotent(request wire.Message) bool {
	switch request.(type) {
	case *wire.ReadChunk, *wire.GetAttr, *wire.Lookup, *wire.ListDir:
		return true
	default:
		return false
	}
}

// Close ends the session. Calls after Close fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.ack = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// current returns the live connection, if any.
func (c *Client) current() (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil && c.conn.Err() == nil {
		return c.conn, nil
	}
	return nil, nil
}

func (c *Client) connection(ctx context.Context) (*Conn, error) {
	if conn, err := c.current(); conn != nil || err != nil {
		return conn, err
	}

	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	// Another caller may have reconnected while we waited.
	if conn, err := c.current(); conn != nil || err != nil {
		return conn, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.options.MaxAttempts; attempt++ {
		conn, ack, err := c.dial(ctx)
		if err == nil {
			restarted := c.instance != "" && ack.Instance != c.instance
			if c.instance == "" {
				c.instance = ack.Instance
			}
			c.options.Logger.Info("session established",
				"address", c.options.Address,
				"host", ack.HostName,
				"session", ack.SessionID,
				"attempt", attempt,
				"restarted", restarted,
			)
			c.emit(Event{State: Established, Attempt: attempt, Ack: ack, Restarted: restarted})

			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				conn.Close()
				return nil, ErrClosed
			}
			c.conn, c.ack = conn, ack
			c.mu.Unlock()
			go c.watch(conn)
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var remote *wire.RemoteError
		var protocol *wire.ProtocolError
		if (errors.As(err, &remote) && !remote.Code.Retryable()) || errors.As(err, &protocol) {
			// The host refused the session or cannot serve this
			// client; retrying cannot help.
			c.emit(Event{State: Lost, Attempt: attempt, Err: err})
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		lastErr = err

		if attempt == c.options.MaxAttempts {
			break
		}
		delay := c.backoff(attempt)
		c.options.Logger.Warn("connecting to host failed",
			"address", c.options.Address,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		c.emit(Event{State: Degraded, Attempt: attempt, Err: err})
		select {
		case <-c.options.Clock.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.options.Logger.Error("host unavailable",
		"address", c.options.Address,
		"attempts", c.options.MaxAttempts,
		"error", lastErr,
	)
	c.emit(Event{State: Lost, Attempt: c.options.MaxAttempts, Err: lastErr})
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrUnavailable, c.options.MaxAttempts, lastErr)
}

// backoff returns the delay after the given failed attempt (1-based).
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.options.BackoffBase
	for range attempt - 1 {
		delay *= 2
		if delay >= c.options.BackoffMax {
			return c.options.BackoffMax
		}
	}
	return delay
}

// dial opens, authenticates and negotiates one connection.
func (c *Client) dial(ctx context.Context) (*Conn, *wire.HelloAck, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	netConn, err := c.options.Dialer.DialContext(ctx, c.options.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", c.options.Address, err)
	}
	if c.options.Authenticator != nil {
		if _, err := transport.Authenticate(ctx, netConn, c.options.Authenticator, c.options.LocalName, c.options.PeerName); err != nil {
			netConn.Close()
			return nil, nil, fmt.Errorf("authenticating %s: %w", c.options.Address, err)
		}
	}

	conn := NewConn(netConn, Options{
		KeepAlive:   c.options.KeepAlive,
		IdleTimeout: c.options.IdleTimeout,
		Clock:       c.options.Clock,
		Logger:      c.options.Logger,
		OnMessage:   c.options.OnMessage,
	})
	ack, err := handshake(ctx, conn, c.options.ClientName, c.options.Capabilities)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ack, nil
}

func handshake(ctx context.Context, conn *Conn, name string, capabilities []string) (*wire.HelloAck, error) {
	response, err := conn.Call(ctx, &wire.Hello{
		Version:      wire.ProtocolVersion,
		ClientName:   name,
		Capabilities: capabilities,
	})
	if err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}
	ack, ok := response.(*wire.HelloAck)
	if !ok {
		return nil, &wire.ProtocolError{Reason: "hello answered with " + response.Kind().String()}
	}
	if ack.Version != wire.ProtocolVersion {
		return nil, &wire.ProtocolError{Reason: fmt.Sprintf("host speaks protocol version %d", ack.Version)}
	}
	if ack.ChunkSize != chunk.Size {
		return nil, &wire.ProtocolError{Reason: fmt.Sprintf("host uses %d-byte chunks, want %d", ack.ChunkSize, chunk.Size)}
	}
	if ack.RootInode != wire.RootInode {
		return nil, &wire.ProtocolError{Reason: fmt.Sprintf("host root inode is %d, want %d", ack.RootInode, wire.RootInode)}
	}
	return ack, nil
}

// drop discards conn after a transport failure so the next call
// redials.
func (c *Client) drop(conn *Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.ack = nil
	}
	c.mu.Unlock()
	conn.shutdown(err)
}

// watch reports the connection's end as Degraded, unless the client
// closed it.
func (c *Client) watch(conn *Conn) {
	<-conn.Done()

	c.mu.Lock()
	closed := c.closed
	if c.conn == conn {
		c.conn = nil
		c.ack = nil
	}
	c.mu.Unlock()
	if closed {
		return
	}
	err := conn.Err()
	c.options.Logger.Warn("session lost", "address", c.options.Address, "error", err)
	c.emit(Event{State: Degraded, Err: err})
}

func (c *Client) emit(event Event) {
	if c.options.Observer != nil {
		c.options.Observer(event)
	}
}

// RemoteAddr returns the transport address of the current connection,
// or nil.
func (c *Client) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}
