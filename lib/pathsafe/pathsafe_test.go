// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pathsafe

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/wormhole/lib/testutil"
)

func newShare(t *testing.T) (Root, string) {
	t.Helper()
	base := t.TempDir()
	share := filepath.Join(base, "share")
	testutil.WriteTree(t, share, map[string][]byte{
		"a.txt":          []byte("a"),
		"docs/b.txt":     []byte("b"),
		"docs/deep/c.md": []byte("c"),
	})
	testutil.WriteTree(t, base, map[string][]byte{"secret.txt": []byte("outside")})

	root, err := NewRoot(share)
	if err != nil {
		t.Fatalf("NewRoot: %v", err)
	}
	return root, base
}

func TestCleanRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"parent", ".."},
		{"parent prefix", "../etc/passwd"},
		{"parent in middle", "docs/../../etc"},
		{"parent at end", "docs/.."},
		{"absolute", "/etc/passwd"},
		{"backslash absolute", `\windows`},
		{"nul byte", "a\x00b"},
		{"long path", strings.Repeat("a/", MaxPathLength/2+1)},
		{"long name", strings.Repeat("n", MaxNameLength+1)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Clean(test.input)
			if !errors.Is(err, ErrPathTraversal) {
				t.Fatalf("Clean(%q) = %v, want ErrPathTraversal", test.input, err)
			}
		})
	}
}

func TestCleanNormalizes(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", ""},
		{".", ""},
		{"a.txt", "a.txt"},
		{"./docs//b.txt", "docs/b.txt"},
		{"docs/./deep/", "docs/deep"},
		{"..hidden", "..hidden"},
	}
	for _, test := range tests {
		got, err := Clean(test.input)
		if err != nil {
			t.Errorf("Clean(%q): %v", test.input, err)
			continue
		}
		if got != test.want {
			t.Errorf("Clean(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestValidateInsideRoot(t *testing.T) {
	root, _ := newShare(t)
	tests := []struct {
		input, want string
	}{
		{"", root.Path()},
		{"a.txt", filepath.Join(root.Path(), "a.txt")},
		{"docs/deep/c.md", filepath.Join(root.Path(), "docs", "deep", "c.md")},
		{"./docs/b.txt", filepath.Join(root.Path(), "docs", "b.txt")},
	}
	for _, test := range tests {
		got, err := root.Validate(test.input)
		if err != nil {
			t.Errorf("Validate(%q): %v", test.input, err)
			continue
		}
		if got != test.want {
			t.Errorf("Validate(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestValidateRejectsSymlinkEscape(t *testing.T) {
	root, base := newShare(t)
	if err := os.Symlink(filepath.Join(base, "secret.txt"), filepath.Join(root.Path(), "escape")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if err := os.Symlink(base, filepath.Join(root.Path(), "docs", "up")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	for _, input := range []string{"escape", "docs/up", "docs/up/secret.txt"} {
		if _, err := root.Validate(input); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("Validate(%q) = %v, want ErrPathTraversal", input, err)
		}
	}
}

func TestValidateAllowsSymlinkInsideRoot(t *testing.T) {
	root, _ := newShare(t)
	if err := os.Symlink("docs/b.txt", filepath.Join(root.Path(), "link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	got, err := root.Validate("link")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if want := filepath.Join(root.Path(), "docs", "b.txt"); got != want {
		t.Errorf("Validate(link) = %q, want %q", got, want)
	}
}

func TestValidateMissingIsNotExist(t *testing.T) {
	root, _ := newShare(t)
	_, err := root.Validate("missing.txt")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
	if errors.Is(err, ErrPathTraversal) {
		t.Fatal("missing file reported as traversal")
	}
}

func TestValidateForCreate(t *testing.T) {
	root, base := newShare(t)

	got, err := root.ValidateForCreate("docs/new.txt")
	if err != nil {
		t.Fatalf("ValidateForCreate: %v", err)
	}
	if want := filepath.Join(root.Path(), "docs", "new.txt"); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if err := os.Symlink(base, filepath.Join(root.Path(), "out")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if _, err := root.ValidateForCreate("out/new.txt"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("create under escaping symlink = %v, want ErrPathTraversal", err)
	}
	if err := os.Symlink(filepath.Join(base, "secret.txt"), filepath.Join(root.Path(), "dangling-out")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if _, err := root.ValidateForCreate("dangling-out"); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("create over escaping symlink = %v, want ErrPathTraversal", err)
	}
	if _, err := root.ValidateForCreate(""); !errors.Is(err, ErrPathTraversal) {
		t.Errorf("create root = %v, want ErrPathTraversal", err)
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "a\x00", strings.Repeat("x", 256)} {
		if err := ValidateName(name); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("ValidateName(%q) = %v, want rejection", name, err)
		}
	}
	for _, name := range []string{"a", ".hidden", "..x", strings.Repeat("x", 255)} {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v", name, err)
		}
	}
}

func TestRelative(t *testing.T) {
	root, base := newShare(t)
	got, err := root.Relative(filepath.Join(root.Path(), "docs", "b.txt"))
	if err != nil || got != "docs/b.txt" {
		t.Errorf("Relative = %q, %v", got, err)
	}
	if got, err := root.Relative(root.Path()); err != nil || got != "" {
		t.Errorf("Relative(root) = %q, %v", got, err)
	}
	if _, err := root.Relative(base); err == nil {
		t.Error("Relative accepted a path outside the root")
	}
	// A sibling sharing the root as a string prefix is outside.
	if _, err := root.Relative(root.Path() + "-sibling"); err == nil {
		t.Error("Relative accepted a prefix sibling")
	}
}

func TestNewRootRequiresDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	testutil.WriteTree(t, dir, map[string][]byte{"file": nil})
	if _, err := NewRoot(file); err == nil {
		t.Error("NewRoot accepted a regular file")
	}
	if _, err := NewRoot(filepath.Join(dir, "missing")); err == nil {
		t.Error("NewRoot accepted a missing directory")
	}
}
