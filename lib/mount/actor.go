// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/chunkcache"
	"github.com/bureau-foundation/wormhole/lib/clock"
	"github.com/bureau-foundation/wormhole/lib/governor"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

const (
	// DefaultQueueDepth is the capacity of the intake channel.
	DefaultQueueDepth = 64
	// DefaultMaxInflight bounds concurrent calls to the host.
	DefaultMaxInflight = 16
	// DefaultAttrTTL is how long attributes, lookups and listings are
	// served from memory.
	DefaultAttrTTL = time.Second
	// DefaultLockTTL is the lifetime requested for write leases.
	DefaultLockTTL = 30 * time.Second
	// DefaultCallTimeout bounds a single call to the host.
	DefaultCallTimeout = 30 * time.Second
	// DefaultWriteBackDelay is how long written data may stay in
	// memory before it is sent to the host.
	DefaultWriteBackDelay = time.Second
	// DefaultMaxDirtyChunks is the number of buffered chunks at which
	// every file is written back at once.
	DefaultMaxDirtyChunks = 256
)

var (
	// ErrShutdown is the result of every request pending when the
	// actor stops, and of every request submitted afterwards.
	ErrShutdown = errors.New("mount is shut down")

	// ErrStale is the result of every request after the host has
	// restarted. Inode numbers from before the restart name nothing.
	ErrStale = errors.New("host restarted; inodes are stale")
)

// Caller sends one request to the host and waits for its response.
// Error responses come back as *wire.RemoteError. *session.Client
// implements it.
type Caller interface {
	Call(ctx context.Context, request wire.Message) (wire.Message, error)
}

// Options configures an Actor.
type Options struct {
	// Caller is required.
	Caller Caller

	// Cache is the chunk store. When nil the actor creates a memory-only
	// cache of the default size and closes it on Close.
	Cache *chunkcache.Cache

	// Governor decides prefetches. Nil means governor defaults.
	Governor *governor.Governor

	QueueDepth  int
	MaxInflight int
	AttrTTL     time.Duration
	LockTTL     time.Duration
	CallTimeout time.Duration

	// WriteBackDelay and MaxDirtyChunks bound how long and how much
	// written data stays in memory. WriteThrough sends every write to
	// the host before answering it instead.
	WriteBackDelay time.Duration
	MaxDirtyChunks int
	WriteThrough   bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stats counts actor activity since creation.
type Stats struct {
	Requests         uint64
	CacheHits        uint64
	Fetches          uint64
	SharedFetches    uint64
	Prefetches       uint64
	ChecksumFailures uint64
	Invalidations    uint64
	WriteBacks       uint64
	Inflight         int
	DirtyFiles       int
	DirtyChunks      int
	TrackedFiles     int
	Cache            chunkcache.Stats
}

// Actor serializes all mount state behind one goroutine.
type Actor struct {
	caller      Caller
	cache       *chunkcache.Cache
	ownsCache   bool
	governor    *governor.Governor
	maxInflight int
	attrTTL     time.Duration
	lockTTL     time.Duration
	callTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	writeBackDelay time.Duration
	maxDirtyChunks int
	writeThrough   bool
	writeBacks     *clock.Ticker

	intake      chan *Request
	notices     chan notice
	completions chan completion
	statsQuery  chan chan Stats
	dirtyQuery  chan chan []uint64

	// ctx is cancelled when the loop begins shutting down; call
	// goroutines use it so none outlives the actor.
	ctx       context.Context
	cancel    context.CancelFunc
	closing   chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}

	counters struct {
		requests, cacheHits, fetches, shared  atomic.Uint64
		prefetches, checksumFailures, notices atomic.Uint64
		writeBacks                            atomic.Uint64
	}

	// Everything below is owned by the loop goroutine.
	foreground []*Request
	syncs      []*Request
	background []*Request
	busy       map[uint64]bool
	active     map[*Request]struct{}

	waitingForeground  []*call
	waitingBackground  []*call
	inflight           int
	backgroundInflight int
	fetches            map[chunk.ID]*fetch

	// epochs counts content changes per inode and resets counts
	// Reset calls. A fetch that started before either moved is
	// delivered but not cached.
	epochs  map[uint64]uint64
	resets  uint64
	attrs   map[uint64]cachedAttr
	lookups map[nameKey]cachedName
	dirs    map[uint64]cachedDir
	leases  map[uint64]lease

	dirty       map[uint64]*dirtyFile
	dirtyChunks int
	// stale is set once the host has restarted.
	stale bool
}

type cachedAttr struct {
	attr    wire.FileAttr
	expires time.Time
}

type nameKey struct {
	parent uint64
	name   string
}

type cachedName struct {
	inode   uint64
	expires time.Time
}

type cachedDir struct {
	entries []wire.DirEntry
	expires time.Time
}

type lease struct {
	token   wire.LockToken
	expires time.Time
}

// notice is an invalidation pushed by the host, a reset of every
// cache when all is set, or the end of the mount when stale is set.
type notice struct {
	inode, parent uint64
	all, stale    bool
}

// New starts an actor. Close stops it.
func New(options Options) (*Actor, error) {
	if options.Caller == nil {
		return nil, errors.New("mount: Caller is required")
	}
	if options.QueueDepth <= 0 {
		options.QueueDepth = DefaultQueueDepth
	}
	if options.MaxInflight <= 0 {
		options.MaxInflight = DefaultMaxInflight
	}
	if options.AttrTTL <= 0 {
		options.AttrTTL = DefaultAttrTTL
	}
	if options.LockTTL <= 0 {
		options.LockTTL = DefaultLockTTL
	}
	if options.CallTimeout <= 0 {
		options.CallTimeout = DefaultCallTimeout
	}
	if options.WriteBackDelay <= 0 {
		options.WriteBackDelay = DefaultWriteBackDelay
	}
	if options.MaxDirtyChunks <= 0 {
		options.MaxDirtyChunks = DefaultMaxDirtyChunks
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.Governor == nil {
		options.Governor = governor.New(governor.Options{})
	}
	ownsCache := false
	if options.Cache == nil {
		cache, err := chunkcache.New(chunkcache.Options{Logger: options.Logger})
		if err != nil {
			return nil, fmt.Errorf("creating chunk cache: %w", err)
		}
		options.Cache = cache
		ownsCache = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		caller:      options.Caller,
		cache:       options.Cache,
		ownsCache:   ownsCache,
		governor:    options.Governor,
		maxInflight: options.MaxInflight,
		attrTTL:     options.AttrTTL,
		lockTTL:     options.LockTTL,
		callTimeout: options.CallTimeout,
		clock:       options.Clock,
		logger:      options.Logger,

		writeBackDelay: options.WriteBackDelay,
		maxDirtyChunks: options.MaxDirtyChunks,
		writeThrough:   options.WriteThrough,
		writeBacks:     options.Clock.NewTicker(options.WriteBackDelay),

		intake:      make(chan *Request, options.QueueDepth),
		notices:     make(chan notice, options.QueueDepth),
		completions: make(chan completion, options.MaxInflight),
		statsQuery:  make(chan chan Stats),
		dirtyQuery:  make(chan chan []uint64),

		ctx:     ctx,
		cancel:  cancel,
		closing: make(chan struct{}),
		stopped: make(chan struct{}),

		busy:    make(map[uint64]bool),
		active:  make(map[*Request]struct{}),
		fetches: make(map[chunk.ID]*fetch),
		epochs:  make(map[uint64]uint64),
		attrs:   make(map[uint64]cachedAttr),
		lookups: make(map[nameKey]cachedName),
		dirs:    make(map[uint64]cachedDir),
		leases:  make(map[uint64]lease),
		dirty:   make(map[uint64]*dirtyFile),
	}
	if options.WriteThrough {
		a.writeBacks.Stop()
	}
	go a.run()
	return a, nil
}

// Close stops the actor. Every queued or in-flight request is answered
// with ErrShutdown. Leases still held are left to expire on the host,
// and data not yet written back is lost; call Sync first to keep it.
func (a *Actor) Close() error {
	a.closeOnce.Do(func() { close(a.closing) })
	<-a.stopped
	if a.ownsCache {
		return a.cache.Close()
	}
	return nil
}

// Done is closed once the actor has stopped.
func (a *Actor) Done() <-chan struct{} { return a.stopped }

func (a *Actor) run() {
	defer close(a.stopped)
	defer a.writeBacks.Stop()
	for {
		// Notices go first so that no request starts against caches a
		// queued Reset or Invalidate has already condemned.
		a.drainNotices()
		a.schedule()
		select {
		case request := <-a.intake:
			a.accept(request)
			// Take everything already queued so one pass can order it.
			for drained := false; !drained; {
				select {
				case request := <-a.intake:
					a.accept(request)
				default:
					drained = true
				}
			}
		case done := <-a.completions:
			a.complete(done)
		case n := <-a.notices:
			a.applyNotice(n)
		case <-a.writeBacks.C:
			a.queueWriteBacks(false)
		case reply := <-a.statsQuery:
			reply <- a.snapshot()
		case reply := <-a.dirtyQuery:
			reply <- slices.Collect(maps.Keys(a.dirty))
		case <-a.closing:
			a.shutdown()
			return
		}
	}
}

func (a *Actor) drainNotices() {
	for {
		select {
		case n := <-a.notices:
			a.applyNotice(n)
		default:
			return
		}
	}
}

func (a *Actor) accept(request *Request) {
	a.counters.requests.Add(1)
	if request.foreground() {
		a.foreground = append(a.foreground, request)
	} else {
		a.background = append(a.background, request)
	}
}

// schedule starts every runnable foreground request, then prefetches
// while no foreground call is waiting for a slot, then launches calls.
func (a *Actor) schedule() {
	if len(a.syncs) > 0 {
		a.foreground = append(a.foreground, a.syncs...)
		a.syncs = nil
	}
	if len(a.foreground) > 0 {
		waiting := a.foreground[:0]
		for _, request := range a.foreground {
			if a.busy[request.Inode] {
				waiting = append(waiting, request)
				continue
			}
			a.busy[request.Inode] = true
			a.active[request] = struct{}{}
			a.start(request)
		}
		clear(a.foreground[len(waiting):])
		a.foreground = waiting
	}

	for len(a.background) > 0 && len(a.waitingForeground) == 0 && len(a.waitingBackground) < a.maxInflight {
		request := a.background[0]
		a.background[0] = nil
		a.background = a.background[1:]
		a.prefetch(request)
	}

	a.launch()
}

func (a *Actor) start(request *Request) {
	if a.stale {
		a.finish(request, Result{Err: ErrStale})
		return
	}
	switch request.Kind {
	case KindRead:
		a.read(request)
	case KindGetAttr:
		a.getAttr(request)
	case KindLookup:
		a.lookup(request)
	case KindReadDir:
		a.readDir(request)
	case KindWrite:
		a.write(request)
	case KindCreate, KindMkdir:
		a.create(request)
	case KindUnlink, KindRmdir:
		a.remove(request)
	case KindRename:
		a.rename(request)
	case KindSetAttr:
		a.setAttr(request)
	case KindFlush, KindRelease:
		a.release(request)
	case KindSync:
		a.sync(request)
	default:
		a.finish(request, Result{Err: fmt.Errorf("mount: unsupported request kind %s", request.Kind)})
	}
}

// finish answers request and lets the next request for its inode run.
// Answering a request twice is a no-op.
func (a *Actor) finish(request *Request, result Result) {
	if request.foreground() {
		if _, ok := a.active[request]; !ok {
			return
		}
		delete(a.active, request)
		delete(a.busy, request.Inode)
	}
	if request.reply != nil {
		request.reply <- result
		return
	}
	if request.Kind == KindSync {
		file := a.dirty[request.Inode]
		if file != nil {
			file.queued = false
		}
		if result.Err != nil && !errors.Is(result.Err, ErrShutdown) {
			if file != nil {
				// Wait a full delay before trying again. Lease errors
				// wait for the caller.
				file.since = a.clock.Now()
				switch codeOf(result.Err) {
				case wire.CodeLockConflict, wire.CodeLockExpired, wire.CodeLockRequired:
					file.refused = true
				}
			}
			a.logger.Warn("write-back failed", "inode", request.Inode, "error", result.Err)
		}
	}
}

func (a *Actor) shutdown() {
	a.cancel()
	for request := range a.active {
		a.finish(request, Result{Err: ErrShutdown})
	}
	for _, request := range a.foreground {
		if request.reply != nil {
			request.reply <- Result{Err: ErrShutdown}
		}
	}
	a.foreground = nil
	if a.dirtyChunks > 0 {
		a.logger.Error("discarding data not written back", "files", len(a.dirty), "chunks", a.dirtyChunks)
	}
	for {
		select {
		case request := <-a.intake:
			if request.reply != nil {
				request.reply <- Result{Err: ErrShutdown}
			}
		default:
			return
		}
	}
}

func (a *Actor) snapshot() Stats {
	return Stats{
		Requests:         a.counters.requests.Load(),
		CacheHits:        a.counters.cacheHits.Load(),
		Fetches:          a.counters.fetches.Load(),
		SharedFetches:    a.counters.shared.Load(),
		Prefetches:       a.counters.prefetches.Load(),
		ChecksumFailures: a.counters.checksumFailures.Load(),
		Invalidations:    a.counters.notices.Load(),
		WriteBacks:       a.counters.writeBacks.Load(),
		Inflight:         a.inflight,
		DirtyFiles:       len(a.dirty),
		DirtyChunks:      a.dirtyChunks,
		TrackedFiles:     a.governor.Tracked(),
		Cache:            a.cache.Stats(),
	}
}

// Stats returns a snapshot of the counters, taken on the actor
// goroutine.
func (a *Actor) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case a.statsQuery <- reply:
	case <-a.stopped:
		return Stats{}, ErrShutdown
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// submit hands request to the actor and waits for the answer.
func (a *Actor) submit(ctx context.Context, request *Request) Result {
	request.reply = make(chan Result, 1)
	select {
	case a.intake <- request:
	case <-a.stopped:
		return Result{Err: ErrShutdown}
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
	select {
	case result := <-request.reply:
		return result
	case <-a.stopped:
		select {
		case result := <-request.reply:
			return result
		default:
			return Result{Err: ErrShutdown}
		}
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Read returns up to length bytes of inode at offset. Fewer bytes mean
// the read reached the end of the file.
func (a *Actor) Read(ctx context.Context, inode uint64, offset int64, length int) ([]byte, error) {
	result := a.submit(ctx, &Request{Kind: KindRead, Inode: inode, Offset: offset, Length: length})
	return result.Data, result.Err
}

func (a *Actor) GetAttr(ctx context.Context, inode uint64) (wire.FileAttr, error) {
	result := a.submit(ctx, &Request{Kind: KindGetAttr, Inode: inode})
	return result.Attr, result.Err
}

func (a *Actor) Lookup(ctx context.Context, parent uint64, name string) (wire.FileAttr, error) {
	result := a.submit(ctx, &Request{Kind: KindLookup, Inode: parent, Name: name})
	return result.Attr, result.Err
}

// ReadDir returns the complete listing of a directory.
func (a *Actor) ReadDir(ctx context.Context, inode uint64) ([]wire.DirEntry, error) {
	result := a.submit(ctx, &Request{Kind: KindReadDir, Inode: inode})
	return result.Entries, result.Err
}

// Write writes data at offset under an exclusive lease, taking one if
// the mount does not hold it. The data is buffered until Flush,
// Release, Fsync or the write-back delay unless the actor writes
// through. It returns the bytes written, which are fewer than
// len(data) only together with an error.
func (a *Actor) Write(ctx context.Context, inode uint64, offset int64, data []byte) (int, error) {
	result := a.submit(ctx, &Request{Kind: KindWrite, Inode: inode, Offset: offset, Data: data})
	return result.Written, result.Err
}

func (a *Actor) Create(ctx context.Context, parent uint64, name string, mode uint32, exclusive bool) (wire.FileAttr, error) {
	result := a.submit(ctx, &Request{Kind: KindCreate, Inode: parent, Name: name, Mode: mode, Exclusive: exclusive})
	return result.Attr, result.Err
}

func (a *Actor) Mkdir(ctx context.Context, parent uint64, name string, mode uint32) (wire.FileAttr, error) {
	result := a.submit(ctx, &Request{Kind: KindMkdir, Inode: parent, Name: name, Mode: mode})
	return result.Attr, result.Err
}

func (a *Actor) Unlink(ctx context.Context, parent uint64, name string) error {
	return a.submit(ctx, &Request{Kind: KindUnlink, Inode: parent, Name: name}).Err
}

func (a *Actor) Rmdir(ctx context.Context, parent uint64, name string) error {
	return a.submit(ctx, &Request{Kind: KindRmdir, Inode: parent, Name: name}).Err
}

func (a *Actor) Rename(ctx context.Context, parent uint64, name string, newParent uint64, newName string) error {
	return a.submit(ctx, &Request{Kind: KindRename, Inode: parent, Name: name, NewParent: newParent, NewName: newName}).Err
}

// SetAttr applies the non-nil fields of change to change.Inode. A size
// change takes the file's exclusive lease like a write.
func (a *Actor) SetAttr(ctx context.Context, change wire.SetAttr) (wire.FileAttr, error) {
	result := a.submit(ctx, &Request{Kind: KindSetAttr, Inode: change.Inode, Change: &change})
	return result.Attr, result.Err
}

// Flush writes back the buffered data of inode and releases its write
// lease, if the mount holds one.
func (a *Actor) Flush(ctx context.Context, inode uint64) error {
	return a.submit(ctx, &Request{Kind: KindFlush, Inode: inode}).Err
}

// Fsync writes back the buffered data of inode and keeps its lease.
func (a *Actor) Fsync(ctx context.Context, inode uint64) error {
	return a.submit(ctx, &Request{Kind: KindSync, Inode: inode}).Err
}

// Sync writes back the buffered data of every file.
func (a *Actor) Sync(ctx context.Context) error {
	reply := make(chan []uint64, 1)
	select {
	case a.dirtyQuery <- reply:
	case <-a.stopped:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, inode := range <-reply {
		if err := a.Fsync(ctx, inode); err != nil {
			errs = append(errs, fmt.Errorf("inode %d: %w", inode, err))
		}
	}
	return errors.Join(errs...)
}

// Release is Flush for the last close of a file; it also forgets the
// file's access pattern.
func (a *Actor) Release(ctx context.Context, inode uint64) error {
	return a.submit(ctx, &Request{Kind: KindRelease, Inode: inode}).Err
}

// Invalidate drops everything cached about inode, and the listing and
// name lookups of parent when it is non-zero. It is the handler for
// the host's Invalidate notifications.
func (a *Actor) Invalidate(inode, parent uint64) {
	select {
	case a.notices <- notice{inode: inode, parent: parent}:
	case <-a.stopped:
	}
}

// Reset drops every cache and forgets every lease, as after a
// reconnect, when the host may have changed anything and has released
// the old session's leases. Buffered writes are kept and written back
// under fresh leases.
func (a *Actor) Reset() {
	select {
	case a.notices <- notice{all: true}:
	case <-a.stopped:
	}
}

// Stale ends the mount after the host restarted: it drops every cache,
// lease and buffered write, and every request from then on fails with
// ErrStale.
func (a *Actor) Stale() {
	select {
	case a.notices <- notice{stale: true}:
	case <-a.stopped:
	}
}

// HandleMessage routes unsolicited host messages; pass it as
// session.ClientOptions.OnMessage.
func (a *Actor) HandleMessage(message wire.Message) {
	switch m := message.(type) {
	case *wire.Invalidate:
		a.Invalidate(m.Inode, m.Parent)
	default:
		a.logger.Debug("ignoring unsolicited message", "kind", message.Kind())
	}
}

func (a *Actor) applyNotice(n notice) {
	a.counters.notices.Add(1)
	if n.stale {
		if a.dirtyChunks > 0 {
			a.logger.Error("host restarted, discarding data not written back", "files", len(a.dirty), "chunks", a.dirtyChunks)
		}
		a.stale = true
		clear(a.dirty)
		a.dirtyChunks = 0
		a.writeBacks.Stop()
	}
	if n.all || n.stale {
		a.cache.Purge()
		a.resets++
		clear(a.attrs)
		clear(a.lookups)
		clear(a.dirs)
		clear(a.leases)
		return
	}
	a.forgetContent(n.inode)
	if n.parent != 0 {
		a.forgetDirectory(n.parent)
	}
}

// forgetContent drops the cached chunks and attributes of inode.
func (a *Actor) forgetContent(inode uint64) {
	a.cache.InvalidateInode(inode)
	a.governor.Forget(inode)
	a.epochs[inode]++
	delete(a.attrs, inode)
}

// forgetDirectory drops the listing of parent and every name looked
// up in it.
func (a *Actor) forgetDirectory(parent uint64) {
	delete(a.dirs, parent)
	for key := range a.lookups {
		if key.parent == parent {
			delete(a.lookups, key)
		}
	}
}

func (a *Actor) fresh(expires time.Time) bool {
	return a.clock.Now().Before(expires)
}

// storeAttr caches attributes fetched from the host. A file whose
// size or times differ from what was cached was changed on the host,
// so its cached content goes too.
func (a *Actor) storeAttr(attr wire.FileAttr) {
	if cached, ok := a.attrs[attr.Inode]; ok && changed(cached.attr, attr) {
		a.logger.Debug("file changed on host", "inode", attr.Inode, "size", attr.Size, "mtime", attr.Mtime)
		if attr.Type == wire.TypeDirectory {
			a.forgetDirectory(attr.Inode)
		} else {
			a.forgetContent(attr.Inode)
		}
	}
	a.recordAttr(attr)
}

// recordAttr caches attributes without comparing, for changes the
// mount made itself.
func (a *Actor) recordAttr(attr wire.FileAttr) {
	a.attrs[attr.Inode] = cachedAttr{attr: attr, expires: a.clock.Now().Add(a.attrTTL)}
}

// expireAttr keeps the attributes of inode for comparison but makes
// the next use fetch them again.
func (a *Actor) expireAttr(inode uint64) {
	if cached, ok := a.attrs[inode]; ok {
		cached.expires = time.Time{}
		a.attrs[inode] = cached
	}
}

func changed(before, after wire.FileAttr) bool {
	return before.Size != after.Size || before.Mtime != after.Mtime || before.Ctime != after.Ctime
}
