// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lockmgr is the host's table of write leases.
//
// A lease is held on a share-relative path in shared or exclusive mode
// and expires after a TTL unless renewed. At most one exclusive lease
// exists per path, and an exclusive lease excludes every shared one.
// Expiry is lazy: each call first discards the leases it touches whose
// deadline has passed, so correctness never depends on a background
// sweep. [Manager.Run] sweeps periodically only to reclaim memory.
//
// One Manager exists per host and is handed explicitly to each
// connection handler; a single mutex guards the table.
package lockmgr

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/wormhole/lib/clock"
	"github.com/bureau-foundation/wormhole/lib/lru"
)

// DefaultTTL is the lease lifetime used when a request asks for none.
const DefaultTTL = 30 * time.Second

// MaxTTL caps what a client may request.
const MaxTTL = 10 * time.Minute

// expiredMemory is how many expired tokens are remembered so a late
// write can be told its lease expired rather than that it never had one.
const expiredMemory = 4096

// Mode is shared or exclusive.
type Mode uint8

const (
	Shared Mode = iota + 1
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Token identifies one lease.
type Token [16]byte

func (t Token) String() string { return hex.EncodeToString(t[:]) }

// Entry is one live lease.
type Entry struct {
	Path      string
	Holder    string
	Token     Token
	Mode      Mode
	ExpiresAt time.Time
}

var (
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("lock conflict")
	// ErrLockRequired is returned when a write names no live lease.
	ErrLockRequired = errors.New("lock required")
	// ErrLockExpired is returned when a write names a lease that has
	// expired.
	ErrLockExpired = errors.New("lock expired")
)

// ConflictError describes the lease that blocked an Acquire.
type ConflictError struct {
	Path   string
	Holder string
	Mode   Mode
	// RetryAfter is how long until the blocking lease expires unless
	// it is renewed or released sooner.
	RetryAfter time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s lock on %q held by %s (retry after %v)", e.Mode, e.Path, e.Holder, e.RetryAfter)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Options configures a Manager.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger
	// DefaultTTL applies when Acquire is given a non-positive TTL.
	// Zero means the package DefaultTTL.
	DefaultTTL time.Duration
}

// Manager is the lease table.
type Manager struct {
	clock      clock.Clock
	logger     *slog.Logger
	defaultTTL time.Duration

	mu      sync.Mutex
	byPath  map[string][]Entry
	byToken map[Token]string
	expired *lru.Cache[Token, string]
}

// New returns an empty Manager.
func New(options Options) *Manager {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.DefaultTTL <= 0 {
		options.DefaultTTL = DefaultTTL
	}
	return &Manager{
		clock:      options.Clock,
		logger:     options.Logger,
		defaultTTL: options.DefaultTTL,
		byPath:     make(map[string][]Entry),
		byToken:    make(map[Token]string),
		expired:    lru.New[Token, string](expiredMemory),
	}
}

// Acquire grants a lease on path to holder. It succeeds when the path
// has no live lease, or when every live lease is shared and mode is
// shared. Otherwise it returns a *ConflictError naming the blocking
// holder.
func (m *Manager) Acquire(path, holder string, mode Mode, ttl time.Duration) (Entry, error) {
	if mode != Shared && mode != Exclusive {
		return Entry{}, fmt.Errorf("invalid lock mode %d", mode)
	}
	ttl = m.clampTTL(ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	live := m.pruneLocked(path, now)
	if conflict := conflicting(live, mode); conflict != nil {
		return Entry{}, &ConflictError{
			Path:       path,
			Holder:     conflict.Holder,
			Mode:       conflict.Mode,
			RetryAfter: conflict.ExpiresAt.Sub(now),
		}
	}

	token, err := newToken()
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{Path: path, Holder: holder, Token: token, Mode: mode, ExpiresAt: now.Add(ttl)}
	m.byPath[path] = append(live, entry)
	m.byToken[token] = path
	m.logger.Debug("lock granted", "path", path, "holder", holder, "mode", mode, "ttl", ttl)
	return entry, nil
}

// conflicting returns the live lease that blocks a request for mode, or
// nil. For an exclusive request the soonest-expiring lease is reported
// so RetryAfter is the shortest useful wait.
func conflicting(live []Entry, mode Mode) *Entry {
	var blocker *Entry
	for i := range live {
		if mode == Shared && live[i].Mode == Shared {
			continue
		}
		if blocker == nil || live[i].ExpiresAt.Before(blocker.ExpiresAt) {
			blocker = &live[i]
		}
	}
	return blocker
}

// Release removes the lease named by token and reports whether one was
// removed. Releasing an unknown, expired, or already-released token is
// a no-op.
func (m *Manager) Release(token Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, ok := m.byToken[token]
	if !ok {
		return false
	}
	live := m.pruneLocked(path, m.clock.Now())
	for i, entry := range live {
		if entry.Token == token {
			m.removeLocked(path, live, i)
			m.logger.Debug("lock released", "path", path, "holder", entry.Holder)
			return true
		}
	}
	return false
}

// Renew extends a live lease to expire ttl from now.
func (m *Manager) Renew(token Token, ttl time.Duration) (Entry, error) {
	ttl = m.clampTTL(ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	path, err := m.lookupLocked(token)
	if err != nil {
		return Entry{}, err
	}
	now := m.clock.Now()
	live := m.pruneLocked(path, now)
	for i := range live {
		if live[i].Token == token {
			live[i].ExpiresAt = now.Add(ttl)
			return live[i], nil
		}
	}
	return Entry{}, m.missingLocked(token)
}

// Validate checks that token names a live lease on path of at least
// the given mode (an exclusive lease satisfies a shared requirement).
// It returns ErrLockExpired, ErrLockRequired, or nil.
func (m *Manager) Validate(path string, token Token, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.pruneLocked(path, m.clock.Now())
	for _, entry := range live {
		if entry.Token != token {
			continue
		}
		if mode == Exclusive && entry.Mode != Exclusive {
			return fmt.Errorf("%w: %s lease held, exclusive needed", ErrLockRequired, entry.Mode)
		}
		return nil
	}
	return m.missingLocked(token)
}

// Holders returns the live leases on path.
func (m *Manager) Holders(path string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.pruneLocked(path, m.clock.Now())
	return append([]Entry(nil), live...)
}

// ReleaseHolder drops every lease held by holder, as when its session
// ends. Returns the number removed.
func (m *Manager) ReleaseHolder(holder string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for path, entries := range m.byPath {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.Holder == holder {
				delete(m.byToken, entry.Token)
				removed++
				continue
			}
			kept = append(kept, entry)
		}
		m.storeLocked(path, kept)
	}
	if removed > 0 {
		m.logger.Info("released session locks", "holder", holder, "count", removed)
	}
	return removed
}

// Sweep discards every expired lease and returns how many it dropped.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	dropped := 0
	for path, entries := range m.byPath {
		before := len(entries)
		dropped += before - len(m.pruneLocked(path, now))
	}
	return dropped
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := m.Sweep(); dropped > 0 {
				m.logger.Debug("swept expired locks", "count", dropped)
			}
		}
	}
}

// Len returns the number of live leases, for tests and status output.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	count := 0
	for path := range m.byPath {
		count += len(m.pruneLocked(path, now))
	}
	return count
}

func (m *Manager) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.defaultTTL
	}
	return min(ttl, MaxTTL)
}

// pruneLocked drops expired leases on path and returns the live ones.
func (m *Manager) pruneLocked(path string, now time.Time) []Entry {
	entries := m.byPath[path]
	live := entries[:0]
	for _, entry := range entries {
		if now.Before(entry.ExpiresAt) {
			live = append(live, entry)
			continue
		}
		delete(m.byToken, entry.Token)
		m.expired.Put(entry.Token, path)
		m.logger.Debug("lock expired", "path", path, "holder", entry.Holder)
	}
	m.storeLocked(path, live)
	return live
}

func (m *Manager) removeLocked(path string, live []Entry, index int) {
	delete(m.byToken, live[index].Token)
	live = append(live[:index], live[index+1:]...)
	m.storeLocked(path, live)
}

func (m *Manager) storeLocked(path string, entries []Entry) {
	if len(entries) == 0 {
		delete(m.byPath, path)
		return
	}
	m.byPath[path] = entries
}

func (m *Manager) lookupLocked(token Token) (string, error) {
	if path, ok := m.byToken[token]; ok {
		return path, nil
	}
	return "", m.missingLocked(token)
}

func (m *Manager) missingLocked(token Token) error {
	if _, ok := m.expired.Peek(token); ok {
		return ErrLockExpired
	}
	return ErrLockRequired
}

func newToken() (Token, error) {
	var token Token
	if _, err := rand.Read(token[:]); err != nil {
		return token, fmt.Errorf("generating lock token: %w", err)
	}
	return token, nil
}
