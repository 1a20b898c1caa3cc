// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/wormhole/lib/clock"
	"github.com/bureau-foundation/wormhole/lib/lockmgr"
	"github.com/bureau-foundation/wormhole/lib/session"
	"github.com/bureau-foundation/wormhole/lib/share"
	"github.com/bureau-foundation/wormhole/lib/wire"
	"github.com/bureau-foundation/wormhole/transport"
)

const (
	// DefaultMaxSessionDuration ends a session that has been connected
	// this long; the client reconnects and negotiates a fresh one.
	DefaultMaxSessionDuration = 24 * time.Hour

	// pruneInterval is how often the inode table is swept for paths
	// that no longer exist.
	pruneInterval = 5 * time.Minute

	// lockSweepInterval is how often expired leases are discarded
	// eagerly. Expiry is also applied lazily on every lock operation.
	lockSweepInterval = time.Minute
)

// Options configures a Host.
type Options struct {
	// Share is the directory being served. Required.
	Share *share.Share

	// Locks arbitrates writers. Nil creates a private manager using
	// Clock.
	Locks *lockmgr.Manager

	// Name is announced in HelloAck and used as the local name in the
	// peer handshake.
	Name string

	// Authenticator, when set, runs the mutual handshake on every
	// accepted connection before any protocol traffic.
	Authenticator transport.PeerAuthenticator

	// MaxConcurrent bounds in-flight requests per session.
	MaxConcurrent int

	// RequestRate is the sustained requests per second allowed per
	// peer. Zero means DefaultRequestRate; negative disables limiting.
	RequestRate float64

	// RequestBurst is the token bucket depth. Zero means
	// DefaultRequestBurst.
	RequestBurst int

	// MaxSessionDuration bounds session lifetime. Zero means
	// DefaultMaxSessionDuration.
	MaxSessionDuration time.Duration

	KeepAlive   time.Duration
	IdleTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// requestFunc handles one request kind within a negotiated session.
type requestFunc func(ctx context.Context, s *peerSession, request wire.Message) (wire.Message, error)

// Host serves a share to any number of concurrent sessions.
type Host struct {
	share         *share.Share
	locks         *lockmgr.Manager
	name          string
	instance      string
	authenticator transport.PeerAuthenticator
	maxConcurrent int
	maxDuration   time.Duration
	keepAlive     time.Duration
	idleTimeout   time.Duration
	clock         clock.Clock
	logger        *slog.Logger

	handlers map[wire.Kind]requestFunc
	limiters *peerLimiters

	mu       sync.Mutex
	sessions map[string]*peerSession
}

// New validates options and returns a Host ready to Serve.
func New(options Options) (*Host, error) {
	if options.Share == nil {
		return nil, errors.New("host: Share is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.Locks == nil {
		options.Locks = lockmgr.New(lockmgr.Options{Clock: options.Clock, Logger: options.Logger})
	}
	if options.Name == "" {
		options.Name = "wormhole-host"
	}
	if options.MaxSessionDuration <= 0 {
		options.MaxSessionDuration = DefaultMaxSessionDuration
	}
	limit := rate.Limit(options.RequestRate)
	switch {
	case options.RequestRate < 0:
		limit = rate.Inf
	case options.RequestRate == 0:
		limit = DefaultRequestRate
	}
	if options.RequestBurst <= 0 {
		options.RequestBurst = DefaultRequestBurst
	}

	// Inode numbers mean nothing to a later process; clients use the
	// instance to tell a restarted host from a reconnect.
	instance, err := randomID()
	if err != nil {
		return nil, fmt.Errorf("generating host instance: %w", err)
	}

	h := &Host{
		share:         options.Share,
		locks:         options.Locks,
		name:          options.Name,
		instance:      instance,
		authenticator: options.Authenticator,
		maxConcurrent: options.MaxConcurrent,
		maxDuration:   options.MaxSessionDuration,
		keepAlive:     options.KeepAlive,
		idleTimeout:   options.IdleTimeout,
		clock:         options.Clock,
		logger:        options.Logger,
		limiters:      newPeerLimiters(limit, options.RequestBurst),
		sessions:      make(map[string]*peerSession),
	}
	h.registerHandlers()
	return h, nil
}

// handle registers the handler for a request kind. Panics on duplicate
// registration.
func (h *Host) handle(kind wire.Kind, handler requestFunc) {
	if _, exists := h.handlers[kind]; exists {
		panic(fmt.Sprintf("host: duplicate handler for %s", kind))
	}
	h.handlers[kind] = handler
}

// Serve accepts sessions from listener until ctx is cancelled, running
// lease sweeping and inode table pruning alongside.
func (h *Host) Serve(ctx context.Context, listener transport.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.locks.Run(ctx, lockSweepInterval)
	go h.pruneLoop(ctx)

	h.logger.Info("host serving",
		"address", listener.Address(),
		"root", h.share.Root(),
		"read_only", h.share.ReadOnly(),
		"authenticated", h.authenticator != nil,
	)
	return listener.Serve(ctx, h.HandleConn)
}

func (h *Host) pruneLoop(ctx context.Context) {
	ticker := h.clock.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.share.Prune()
		}
	}
}

// HandleConn runs one session on conn and returns when it ends. It is
// a transport.ConnHandler.
func (h *Host) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	if h.authenticator != nil {
		name, err := transport.Authenticate(ctx, conn, h.authenticator, h.name, "")
		if err != nil {
			h.logger.Warn("peer authentication failed", "remote", peer, "error", err)
			return
		}
		peer = name
	}

	id, err := randomID()
	if err != nil {
		h.logger.Error("generating session id", "error", err)
		return
	}
	logger := h.logger.With("session", id, "peer", peer)
	s := &peerSession{
		host:    h,
		id:      id,
		peer:    peer,
		holder:  peer + "/" + id,
		started: h.clock.Now(),
		limiter: h.limiters.get(peer),
		logger:  logger,
		ready:   make(chan struct{}),
	}
	s.conn = session.NewServerConn(conn, s, h.maxConcurrent, session.Options{
		KeepAlive:   h.keepAlive,
		IdleTimeout: h.idleTimeout,
		Clock:       h.clock,
		Logger:      logger,
	})

	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()
	close(s.ready)
	defer h.endSession(s)

	if err := s.conn.Wait(ctx); err != nil {
		logger.Info("session ended", "error", err)
		return
	}
	logger.Info("session ended")
}

func (h *Host) endSession(s *peerSession) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.locks.ReleaseHolder(s.holder)
}

// Sessions returns the number of connected sessions.
func (h *Host) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// invalidate tells every other session that negotiated the capability
// that message's inode changed.
func (h *Host) invalidate(origin *peerSession, message *wire.Invalidate) {
	h.mu.Lock()
	targets := make([]*peerSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s != origin && s.invalidations.Load() {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, target := range targets {
		if err := target.conn.Notify(message); err != nil {
			target.logger.Debug("invalidate not delivered", "inode", message.Inode, "error", err)
		}
	}
}

// randomID returns 16 random bytes in hex.
func randomID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}
