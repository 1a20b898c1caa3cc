// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/session"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

// peerSession is the host's state for one connected mount.
type peerSession struct {
	host    *Host
	id      string
	peer    string
	holder  string
	started time.Time
	limiter *rate.Limiter
	logger  *slog.Logger
	conn    *session.ServerConn

	// ready is closed once conn is set and the session is registered
	// with the host. Requests wait on it.
	ready chan struct{}

	helloSeen     atomic.Bool
	negotiated    atomic.Bool
	compression   atomic.Bool
	writable      atomic.Bool
	invalidations atomic.Bool
}

// Handle implements session.Handler.
func (s *peerSession) Handle(ctx context.Context, request wire.Message) wire.Message {
	<-s.ready
	kind := request.Kind()
	if kind == wire.KindHello {
		return s.hello(request.(*wire.Hello))
	}
	if !s.negotiated.Load() {
		return session.CloseAfter(wire.ErrorMessage(wire.CodeProtocolError, 0, "%s before hello", kind))
	}

	now := s.host.clock.Now()
	if age := now.Sub(s.started); age > s.host.maxDuration {
		s.logger.Warn("session exceeded maximum duration", "age", age)
		return session.CloseAfter(wire.ErrorMessage(wire.CodeSessionExpired, 0,
			"session exceeded %v", s.host.maxDuration))
	}
	if wait, ok := admit(s.limiter, now); !ok {
		response := wire.ErrorMessage(wire.CodeRateLimited, 0, "request rate exceeded")
		response.RetryAfterMillis = max(wait.Milliseconds(), 1)
		return response
	}

	handler, ok := s.host.handlers[kind]
	if !ok {
		return wire.ErrorMessage(wire.CodeNotImplemented, 0, "unsupported request %s", kind)
	}
	response, err := handler(ctx, s, request)
	if err != nil {
		s.logger.Debug("request failed", "kind", kind.String(), "error", err)
		return errorResponse(err, relatedInode(request))
	}
	return response
}

// hello negotiates the session. Capabilities are the intersection of
// what the client asked for and what this host offers.
func (s *peerSession) hello(request *wire.Hello) wire.Message {
	if !s.helloSeen.CompareAndSwap(false, true) {
		return session.CloseAfter(wire.ErrorMessage(wire.CodeProtocolError, 0, "duplicate hello"))
	}
	if request.Version != wire.ProtocolVersion {
		s.logger.Warn("refusing client protocol version", "version", request.Version, "client", request.ClientName)
		return session.CloseAfter(wire.ErrorMessage(wire.CodeProtocolError, 0,
			"unsupported protocol version %d (host speaks %d)", request.Version, wire.ProtocolVersion))
	}

	offered := []string{wire.CapabilityCompression, wire.CapabilityInvalidate}
	if !s.host.share.ReadOnly() {
		offered = append(offered, wire.CapabilityWrite)
	}
	var granted []string
	for _, capability := range request.Capabilities {
		if slices.Contains(offered, capability) && !slices.Contains(granted, capability) {
			granted = append(granted, capability)
		}
	}
	s.compression.Store(slices.Contains(granted, wire.CapabilityCompression))
	s.writable.Store(slices.Contains(granted, wire.CapabilityWrite))
	s.invalidations.Store(slices.Contains(granted, wire.CapabilityInvalidate))
	s.negotiated.Store(true)

	s.logger.Info("session established",
		"client", request.ClientName,
		"capabilities", granted,
	)
	return &wire.HelloAck{
		Version:      wire.ProtocolVersion,
		HostName:     s.host.name,
		SessionID:    s.id,
		Instance:     s.host.instance,
		RootInode:    wire.RootInode,
		ChunkSize:    chunk.Size,
		ReadOnly:     s.host.share.ReadOnly(),
		Capabilities: granted,
	}
}
