// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/clock"
	"github.com/bureau-foundation/wormhole/lib/host"
	"github.com/bureau-foundation/wormhole/lib/session"
	"github.com/bureau-foundation/wormhole/lib/share"
	"github.com/bureau-foundation/wormhole/lib/testutil"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

// hostDialer connects each dial to a fresh session on an in-process
// host over a pipe.
type hostDialer struct {
	ctx  context.Context
	host *host.Host
}

func (d *hostDialer) DialContext(context.Context, string) (net.Conn, error) {
	server, client := net.Pipe()
	go d.host.HandleConn(d.ctx, server)
	return client, nil
}

type liveShare struct {
	root   string
	dialer *hostDialer
}

func newLiveShare(t *testing.T, files map[string][]byte) *liveShare {
	t.Helper()
	root := t.TempDir()
	testutil.WriteTree(t, root, files)
	served, err := share.New(share.Options{Root: root})
	if err != nil {
		t.Fatalf("share.New: %v", err)
	}
	h, err := host.New(host.Options{Share: served, RequestRate: -1})
	if err != nil {
		t.Fatalf("host.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &liveShare{root: root, dialer: &hostDialer{ctx: ctx, host: h}}
}

// mount connects a client session and an actor to the share.
// configure, when set, adjusts the actor's options.
func (s *liveShare) mount(t *testing.T, name string, configure func(*Options)) *Actor {
	t.Helper()
	var actor atomic.Pointer[Actor]
	client := session.NewClient(session.ClientOptions{
		Dialer:       s.dialer,
		Address:      "pipe",
		ClientName:   name,
		Capabilities: []string{wire.CapabilityCompression, wire.CapabilityWrite, wire.CapabilityInvalidate},
		OnMessage: func(message wire.Message) {
			if a := actor.Load(); a != nil {
				a.HandleMessage(message)
			}
		},
	})
	t.Cleanup(func() { client.Close() })
	if _, err := client.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	options := Options{Caller: client}
	if configure != nil {
		configure(&options)
	}
	a, err := New(options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	actor.Store(a)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestReadThroughHost(t *testing.T) {
	content := testutil.Pattern(3*chunk.Size+500, 21)
	live := newLiveShare(t, map[string][]byte{
		"data.bin":        content,
		"docs/readme.txt": []byte("read me\n"),
	})
	actor := live.mount(t, "reader", nil)
	ctx := testContext(t)

	entries, err := actor.ReadDir(ctx, wire.RootInode)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	if !slices.Equal(names, []string{"data.bin", "docs"}) {
		t.Errorf("root entries = %v", names)
	}

	attr, err := actor.Lookup(ctx, wire.RootInode, "data.bin")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if attr.Size != uint64(len(content)) {
		t.Errorf("Size = %d, want %d", attr.Size, len(content))
	}

	var assembled []byte
	for offset := int64(0); ; offset += 64 * 1024 {
		data, err := actor.Read(ctx, attr.Inode, offset, 64*1024)
		if err != nil {
			t.Fatalf("Read at %d: %v", offset, err)
		}
		if len(data) == 0 {
			break
		}
		assembled = append(assembled, data...)
	}
	if !bytes.Equal(assembled, content) {
		t.Errorf("read back %d bytes, want %d", len(assembled), len(content))
	}
}

func TestFlushedWriteInvalidatesOtherMounts(t *testing.T) {
	live := newLiveShare(t, map[string][]byte{"shared.txt": []byte("original text")})
	writer := live.mount(t, "writer", nil)
	reader := live.mount(t, "reader", nil)
	ctx := testContext(t)

	attr, err := reader.Lookup(ctx, wire.RootInode, "shared.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if data, err := reader.Read(ctx, attr.Inode, 0, 100); err != nil || string(data) != "original text" {
		t.Fatalf("Read = %q, %v", data, err)
	}

	if _, err := writer.Lookup(ctx, wire.RootInode, "shared.txt"); err != nil {
		t.Fatalf("writer Lookup: %v", err)
	}
	if _, err := writer.Write(ctx, attr.Inode, 0, []byte("REVISION")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// While the writer holds the lease the reader cannot write.
	_, err = reader.Write(ctx, attr.Inode, 0, []byte("x"))
	if code := wire.CodeOf(err); code != wire.CodeLockConflict {
		t.Errorf("competing Write = %v, want LockConflict", err)
	}
	if err := writer.Flush(ctx, attr.Inode); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	eventually(t, "invalidation at the reader", func() bool { return stats(t, reader).Invalidations > 0 })
	data, err := reader.Read(ctx, attr.Inode, 0, 100)
	if err != nil {
		t.Fatalf("Read after write: %v", err)
	}
	if string(data) != "REVISION text" {
		t.Errorf("reader sees %q", data)
	}

	onDisk, err := os.ReadFile(filepath.Join(live.root, "shared.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(onDisk) != "REVISION text" {
		t.Errorf("file on disk = %q", onDisk)
	}
}

func TestNamespaceThroughHost(t *testing.T) {
	live := newLiveShare(t, map[string][]byte{"keep.txt": []byte("keep")})
	actor := live.mount(t, "editor", nil)
	ctx := testContext(t)

	dir, err := actor.Mkdir(ctx, wire.RootInode, "notes", 0o755)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	file, err := actor.Create(ctx, dir.Inode, "today.md", 0o644, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := actor.Write(ctx, file.Inode, 0, []byte("# today\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := actor.Release(ctx, file.Inode); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := actor.Rename(ctx, dir.Inode, "today.md", wire.RootInode, "today.md"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := actor.Rmdir(ctx, wire.RootInode, "notes"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}

	entries, err := actor.ReadDir(ctx, wire.RootInode)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name)
	}
	if !slices.Equal(names, []string{"keep.txt", "today.md"}) {
		t.Errorf("root entries = %v", names)
	}

	size := uint64(2)
	attr, err := actor.SetAttr(ctx, wire.SetAttr{Inode: file.Inode, Size: &size})
	if err != nil {
		t.Fatalf("SetAttr: %v", err)
	}
	if attr.Size != 2 {
		t.Errorf("Size after truncate = %d", attr.Size)
	}
	if err := actor.Flush(ctx, file.Inode); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if data, err := actor.Read(ctx, file.Inode, 0, 100); err != nil || string(data) != "# " {
		t.Errorf("Read after truncate = %q, %v", data, err)
	}

	if err := actor.Unlink(ctx, wire.RootInode, "today.md"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := os.Stat(filepath.Join(live.root, "today.md")); !os.IsNotExist(err) {
		t.Errorf("today.md still on disk: %v", err)
	}
	if _, err := actor.Lookup(ctx, wire.RootInode, "today.md"); wire.CodeOf(err) != wire.CodeNotFound {
		t.Errorf("Lookup after unlink = %v, want NotFound", err)
	}
}

func TestHostEditSeenAfterAttrTTL(t *testing.T) {
	live := newLiveShare(t, map[string][]byte{"notes.txt": []byte("first draft")})
	fake := clock.Fake(time.Now())
	actor := live.mount(t, "reader", func(o *Options) { o.Clock = fake })
	ctx := testContext(t)

	attr, err := actor.Lookup(ctx, wire.RootInode, "notes.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if data, err := actor.Read(ctx, attr.Inode, 0, 100); err != nil || string(data) != "first draft" {
		t.Fatalf("Read = %q, %v", data, err)
	}

	// Edited behind the host's back: no invalidation reaches the mount.
	if err := os.WriteFile(filepath.Join(live.root, "notes.txt"), []byte("second draft, revised"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if data, err := actor.Read(ctx, attr.Inode, 0, 100); err != nil || string(data) != "first draft" {
		t.Fatalf("Read within the TTL = %q, %v", data, err)
	}

	fake.Advance(2 * DefaultAttrTTL)
	data, err := actor.Read(ctx, attr.Inode, 0, 100)
	if err != nil {
		t.Fatalf("Read after the TTL: %v", err)
	}
	if string(data) != "second draft, revised" {
		t.Errorf("Read after the TTL = %q", data)
	}
}
