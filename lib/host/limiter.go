// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/wormhole/lib/lru"
)

const (
	// DefaultRequestRate is the sustained requests per second allowed
	// to one peer across all of its sessions.
	DefaultRequestRate = 2000

	// DefaultRequestBurst is the token bucket depth.
	DefaultRequestBurst = 500

	// limiterPeers bounds how many peers' buckets are remembered. A
	// forgotten peer starts over with a full bucket.
	limiterPeers = 1024
)

// peerLimiters hands out one token bucket per peer name.
type peerLimiters struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

// newPeerLimiters returns nil when limit is infinite, which disables
// limiting.
func newPeerLimiters(limit rate.Limit, burst int) *peerLimiters {
	if limit == rate.Inf {
		return nil
	}
	return &peerLimiters{
		limit:   limit,
		burst:   burst,
		buckets: lru.New[string, *rate.Limiter](limiterPeers),
	}
}

func (p *peerLimiters) get(peer string) *rate.Limiter {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if limiter, ok := p.buckets.Get(peer); ok {
		return limiter
	}
	limiter := rate.NewLimiter(p.limit, p.burst)
	p.buckets.Put(peer, limiter)
	return limiter
}

// admit takes one token at now, or reports how long until one would be
// available. Times come from the host clock so tests can drive the
// bucket.
func admit(limiter *rate.Limiter, now time.Time) (time.Duration, bool) {
	if limiter == nil {
		return 0, true
	}
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return time.Second, false
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return 0, true
	}
	reservation.CancelAt(now)
	return delay, false
}
