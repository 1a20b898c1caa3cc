// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/wormhole/lib/chunk"
	"github.com/bureau-foundation/wormhole/lib/testutil"
	"github.com/bureau-foundation/wormhole/lib/wire"
)

func newShare(t *testing.T, files map[string][]byte) (*Share, string) {
	t.Helper()
	root := t.TempDir()
	testutil.WriteTree(t, root, files)
	share, err := New(Options{Root: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return share, root
}

// lookupPath walks relative from the root one Lookup at a time.
func lookupPath(t *testing.T, share *Share, relative string) wire.FileAttr {
	t.Helper()
	var attr wire.FileAttr
	parent := wire.RootInode
	for _, name := range strings.Split(relative, "/") {
		var err error
		attr, err = share.Lookup(parent, name)
		if err != nil {
			t.Fatalf("Lookup(%q) in %q: %v", name, relative, err)
		}
		parent = attr.Inode
	}
	return attr
}

func TestLookupAllocatesStableInodes(t *testing.T) {
	share, _ := newShare(t, map[string][]byte{
		"docs/readme.txt": []byte("hello"),
		"notes.txt":       []byte("n"),
	})

	docs := lookupPath(t, share, "docs")
	if docs.Inode != wire.FirstInode {
		t.Errorf("first allocated inode = %d, want %d", docs.Inode, wire.FirstInode)
	}
	if docs.Type != wire.TypeDirectory {
		t.Errorf("docs type = %v, want directory", docs.Type)
	}

	readme := lookupPath(t, share, "docs/readme.txt")
	if readme.Type != wire.TypeFile || readme.Size != 5 {
		t.Errorf("readme attr = %+v", readme)
	}
	again := lookupPath(t, share, "docs/readme.txt")
	if again.Inode != readme.Inode {
		t.Errorf("second lookup inode = %d, want %d", again.Inode, readme.Inode)
	}

	relative, err := share.Path(readme.Inode)
	if err != nil || relative != "docs/readme.txt" {
		t.Errorf("Path = %q, %v", relative, err)
	}
}

func TestLookupErrors(t *testing.T) {
	share, root := newShare(t, map[string][]byte{
		"file.txt": []byte("x"),
		"dir/":     nil,
	})
	if err := os.Symlink("/etc", filepath.Join(root, "escape")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink("file.txt", filepath.Join(root, "inside")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	file := lookupPath(t, share, "file.txt")

	tests := []struct {
		name   string
		parent uint64
		lookup string
		code   wire.ErrorCode
	}{
		{"missing", wire.RootInode, "absent", wire.CodeNotFound},
		{"dot dot", wire.RootInode, "..", wire.CodePathTraversal},
		{"separator", wire.RootInode, "dir/file.txt", wire.CodePathTraversal},
		{"long name", wire.RootInode, string(bytes.Repeat([]byte("a"), 256)), wire.CodeNameTooLong},
		{"symlink out", wire.RootInode, "escape", wire.CodeNotFound},
		{"symlink in", wire.RootInode, "inside", wire.CodeNotFound},
		{"parent is file", file.Inode, "child", wire.CodeNotADirectory},
		{"unknown parent", 9999, "child", wire.CodeNotFound},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := share.Lookup(test.parent, test.lookup)
			if err == nil {
				t.Fatal("expected error")
			}
			if code := Code(err); code != test.code {
				t.Errorf("Code(%v) = %v, want %v", err, code, test.code)
			}
		})
	}
}

func TestListDirSortedPaginatedSkipsSymlinks(t *testing.T) {
	files := map[string][]byte{}
	for i := range 5 {
		files[fmt.Sprintf("file-%d", i)] = []byte{byte(i)}
	}
	files["subdir/"] = nil
	share, root := newShare(t, files)
	if err := os.Symlink("file-0", filepath.Join(root, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	first, err := share.ListDir(wire.RootInode, 0, 4)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if !first.HasMore || first.NextOffset != 4 || len(first.Entries) != 4 {
		t.Fatalf("first page = %+v", first)
	}
	second, err := share.ListDir(wire.RootInode, first.NextOffset, 4)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if second.HasMore || len(second.Entries) != 2 {
		t.Fatalf("second page = %+v", second)
	}

	var names []string
	for _, entry := range append(first.Entries, second.Entries...) {
		names = append(names, entry.Name)
	}
	want := []string{"file-0", "file-1", "file-2", "file-3", "file-4", "subdir"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("names = %v, want %v", names, want)
	}
	if last := second.Entries[1]; last.Type != wire.TypeDirectory {
		t.Errorf("subdir type = %v", last.Type)
	}

	// Listing hands out the same inodes lookup does.
	attr := lookupPath(t, share, "file-2")
	if attr.Inode != first.Entries[2].Inode {
		t.Errorf("lookup inode %d, listing inode %d", attr.Inode, first.Entries[2].Inode)
	}
}

func TestListDirExactPageHasNoMore(t *testing.T) {
	share, _ := newShare(t, map[string][]byte{"a": nil, "b": nil})
	page, err := share.ListDir(wire.RootInode, 0, 2)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	if page.HasMore || len(page.Entries) != 2 {
		t.Errorf("page = %+v", page)
	}
	past, err := share.ListDir(wire.RootInode, 10, 2)
	if err != nil {
		t.Fatalf("ListDir past end: %v", err)
	}
	if len(past.Entries) != 0 || past.HasMore || past.NextOffset != 10 {
		t.Errorf("past end page = %+v", past)
	}
}

func TestReadChunk(t *testing.T) {
	content := testutil.Pattern(2*chunk.Size+100, 3)
	share, _ := newShare(t, map[string][]byte{
		"big.bin":   content,
		"empty.bin": nil,
	})
	big := lookupPath(t, share, "big.bin")

	tests := []struct {
		index uint64
		want  []byte
		final bool
	}{
		{0, content[:chunk.Size], false},
		{1, content[chunk.Size : 2*chunk.Size], false},
		{2, content[2*chunk.Size:], true},
	}
	for _, test := range tests {
		id := chunk.ID{Inode: big.Inode, Index: test.index}
		response, err := share.ReadChunk(id)
		if err != nil {
			t.Fatalf("ReadChunk(%s): %v", id, err)
		}
		if !bytes.Equal(response.Data, test.want) {
			t.Errorf("chunk %d: %d bytes, content mismatch", test.index, len(response.Data))
		}
		if response.IsFinal != test.final {
			t.Errorf("chunk %d: IsFinal = %v, want %v", test.index, response.IsFinal, test.final)
		}
		if !chunk.Verify(response.Data, response.Hash) {
			t.Errorf("chunk %d: hash does not verify", test.index)
		}
		if int(response.Size) != len(test.want) {
			t.Errorf("chunk %d: Size = %d", test.index, response.Size)
		}
	}

	_, err := share.ReadChunk(chunk.ID{Inode: big.Inode, Index: 5})
	if !errors.Is(err, ErrOutOfRange) || Code(err) != wire.CodeChunkOutOfRange {
		t.Errorf("chunk past end: %v", err)
	}

	empty := lookupPath(t, share, "empty.bin")
	response, err := share.ReadChunk(chunk.ID{Inode: empty.Inode})
	if err != nil {
		t.Fatalf("ReadChunk(empty): %v", err)
	}
	if len(response.Data) != 0 || !response.IsFinal {
		t.Errorf("empty file chunk = %+v", response)
	}

	if _, err := share.ReadChunk(chunk.ID{Inode: wire.RootInode}); Code(err) != wire.CodeNotAFile {
		t.Errorf("reading a directory: %v (code %v)", err, Code(err))
	}
}

func TestReadChunkRefusesSwappedSymlink(t *testing.T) {
	share, root := newShare(t, map[string][]byte{"target.txt": []byte("inside")})
	outside := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(outside, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	attr := lookupPath(t, share, "target.txt")

	path := filepath.Join(root, "target.txt")
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, path); err != nil {
		t.Fatal(err)
	}

	_, err := share.ReadChunk(chunk.ID{Inode: attr.Inode})
	if Code(err) != wire.CodePathTraversal {
		t.Fatalf("ReadChunk through swapped symlink: %v (code %v)", err, Code(err))
	}
}

func TestWriteChunk(t *testing.T) {
	share, root := newShare(t, map[string][]byte{"data.bin": bytes.Repeat([]byte{'.'}, 10)})
	attr := lookupPath(t, share, "data.bin")

	result, err := share.WriteChunk(attr.Inode, 5, []byte("hello world"))
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if result.Size != 16 {
		t.Errorf("size after write = %d, want 16", result.Size)
	}
	content, err := os.ReadFile(filepath.Join(root, "data.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != ".....hello world" {
		t.Errorf("content = %q", content)
	}

	_, err = share.WriteChunk(attr.Inode, chunk.Size-2, []byte("span"))
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("boundary-crossing write: %v", err)
	}
}

func TestNamespaceMutations(t *testing.T) {
	share, root := newShare(t, map[string][]byte{"dir/inner.txt": []byte("i")})

	created, err := share.Create(wire.RootInode, "new.txt", 0o600, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Mode != 0o600 || created.Type != wire.TypeFile {
		t.Errorf("created attr = %+v", created)
	}
	if _, err := share.Create(wire.RootInode, "new.txt", 0o600, true); Code(err) != wire.CodeAlreadyExists {
		t.Errorf("exclusive re-create: %v", err)
	}
	reopened, err := share.Create(wire.RootInode, "new.txt", 0, false)
	if err != nil || reopened.Inode != created.Inode {
		t.Errorf("non-exclusive re-create = %+v, %v", reopened, err)
	}

	made, err := share.Mkdir(wire.RootInode, "made", 0)
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if made.Type != wire.TypeDirectory || made.Mode&0o700 != 0o700 {
		t.Errorf("mkdir attr = %+v", made)
	}

	dir := lookupPath(t, share, "dir")
	inner := lookupPath(t, share, "dir/inner.txt")

	if _, err := share.Rmdir(wire.RootInode, "dir"); Code(err) != wire.CodeNotEmpty {
		t.Errorf("Rmdir non-empty: %v (code %v)", err, Code(err))
	}
	if _, err := share.Unlink(wire.RootInode, "dir"); Code(err) != wire.CodeNotAFile {
		t.Errorf("Unlink directory: %v", err)
	}
	if _, err := share.Rmdir(wire.RootInode, "new.txt"); Code(err) != wire.CodeNotADirectory {
		t.Errorf("Rmdir file: %v", err)
	}

	// Renaming a directory keeps the inodes beneath it.
	moved, replaced, err := share.Rename(wire.RootInode, "dir", made.Inode, "moved")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if moved != dir.Inode || replaced != 0 {
		t.Errorf("Rename = (%d, %d), want (%d, 0)", moved, replaced, dir.Inode)
	}
	relative, err := share.Path(inner.Inode)
	if err != nil || relative != "made/moved/inner.txt" {
		t.Errorf("inner path after rename = %q, %v", relative, err)
	}
	if _, err := os.Stat(filepath.Join(root, "made", "moved", "inner.txt")); err != nil {
		t.Errorf("renamed file missing on disk: %v", err)
	}

	removed, err := share.Unlink(moved, "inner.txt")
	if err != nil || removed != inner.Inode {
		t.Errorf("Unlink = %d, %v", removed, err)
	}
	if _, err := share.GetAttr(inner.Inode); Code(err) != wire.CodeNotFound {
		t.Errorf("GetAttr of unlinked inode: %v", err)
	}
	if removed, err := share.Rmdir(made.Inode, "moved"); err != nil || removed != dir.Inode {
		t.Errorf("Rmdir = %d, %v", removed, err)
	}
}

func TestRenameReplacesTarget(t *testing.T) {
	share, _ := newShare(t, map[string][]byte{"a": []byte("a"), "b": []byte("bb")})
	a := lookupPath(t, share, "a")
	b := lookupPath(t, share, "b")

	moved, replaced, err := share.Rename(wire.RootInode, "a", wire.RootInode, "b")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if moved != a.Inode || replaced != b.Inode {
		t.Errorf("Rename = (%d, %d), want (%d, %d)", moved, replaced, a.Inode, b.Inode)
	}
	if _, err := share.Path(b.Inode); !errors.Is(err, ErrUnknownInode) {
		t.Errorf("replaced inode still mapped: %v", err)
	}
	attr := lookupPath(t, share, "b")
	if attr.Inode != a.Inode || attr.Size != 1 {
		t.Errorf("b after rename = %+v", attr)
	}
}

func TestSetAttr(t *testing.T) {
	share, _ := newShare(t, map[string][]byte{"f": []byte("0123456789")})
	attr := lookupPath(t, share, "f")

	size := uint64(4)
	mode := uint32(0o640)
	mtime := int64(1_700_000_000_000_000_000)
	result, err := share.SetAttr(&wire.SetAttr{Inode: attr.Inode, Size: &size, Mode: &mode, Mtime: &mtime})
	if err != nil {
		t.Fatalf("SetAttr: %v", err)
	}
	if result.Size != 4 || result.Mode != 0o640 || result.Mtime != mtime {
		t.Errorf("attr = %+v", result)
	}
}

func TestReadOnlyShareRejectsMutations(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string][]byte{"f": []byte("x")})
	share, err := New(Options{Root: root, ReadOnly: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	attr := lookupPath(t, share, "f")
	size := uint64(0)

	checks := map[string]error{}
	_, checks["write"] = share.WriteChunk(attr.Inode, 0, []byte("y"))
	_, checks["create"] = share.Create(wire.RootInode, "g", 0, false)
	_, checks["mkdir"] = share.Mkdir(wire.RootInode, "d", 0)
	_, checks["unlink"] = share.Unlink(wire.RootInode, "f")
	_, _, checks["rename"] = share.Rename(wire.RootInode, "f", wire.RootInode, "h")
	_, checks["truncate"] = share.SetAttr(&wire.SetAttr{Inode: attr.Inode, Size: &size})
	for operation, err := range checks {
		if !errors.Is(err, ErrReadOnly) || Code(err) != wire.CodeReadOnly {
			t.Errorf("%s: %v", operation, err)
		}
	}
	if _, err := share.ReadChunk(chunk.ID{Inode: attr.Inode}); err != nil {
		t.Errorf("read on read-only share: %v", err)
	}
}

func TestInodeTableFullPrunesStaleEntries(t *testing.T) {
	root := t.TempDir()
	testutil.WriteTree(t, root, map[string][]byte{"a": nil, "b": nil, "c": nil})
	share, err := New(Options{Root: root, MaxInodes: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := lookupPath(t, share, "a")
	lookupPath(t, share, "b")

	if _, err := share.Lookup(wire.RootInode, "c"); !errors.Is(err, ErrInodeTableFull) {
		t.Fatalf("Lookup with full table: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "a")); err != nil {
		t.Fatal(err)
	}
	c := lookupPath(t, share, "c")
	if c.Inode <= a.Inode {
		t.Errorf("inode %d reused or out of order after prune (a was %d)", c.Inode, a.Inode)
	}
	if _, err := share.Path(a.Inode); !errors.Is(err, ErrUnknownInode) {
		t.Errorf("pruned inode still mapped: %v", err)
	}
}
