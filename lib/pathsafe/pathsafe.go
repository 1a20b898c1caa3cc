// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pathsafe confines client-supplied relative paths to a share
// root on the host.
//
// Validation happens in two stages. The lexical stage rejects anything
// that is not a plain relative path: NUL bytes, absolute paths, ".."
// segments, over-long paths or names. The resolution stage joins the
// path to the root, resolves symlinks, and accepts the result only if
// it is still the canonical root or lies beneath it. A symlink inside
// the share pointing outside it therefore fails the second stage even
// though its name passes the first.
package pathsafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MaxPathLength bounds a relative path in bytes.
	MaxPathLength = 4096
	// MaxNameLength bounds a single path component in bytes.
	MaxNameLength = 255
)

// ErrPathTraversal matches every validation failure via errors.Is.
var ErrPathTraversal = errors.New("path traversal")

// PathError describes why a path was rejected.
type PathError struct {
	Path   string
	Reason string
	Err    error
}

func (e *PathError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("path %q rejected: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("path %q rejected: %s", e.Path, e.Reason)
}

func (e *PathError) Is(target error) bool { return target == ErrPathTraversal }

func (e *PathError) Unwrap() error { return e.Err }

// NameTooLong reports whether the rejection was for length, so the host
// can answer NameTooLong instead of PathTraversal.
func (e *PathError) NameTooLong() bool {
	return strings.Contains(e.Reason, "too long")
}

func reject(path, format string, args ...any) *PathError {
	return &PathError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Clean performs the lexical stage and returns the path in slash form
// with "." segments and repeated separators removed. The empty string
// and "." both name the root and return "".
func Clean(relative string) (string, error) {
	if strings.IndexByte(relative, 0) >= 0 {
		return "", reject(relative, "contains NUL byte")
	}
	if len(relative) > MaxPathLength {
		return "", reject(relative, "path too long: %d bytes (max %d)", len(relative), MaxPathLength)
	}
	if strings.HasPrefix(relative, "/") || strings.HasPrefix(relative, `\`) || filepath.IsAbs(relative) {
		return "", reject(relative, "absolute path")
	}

	var kept []string
	for _, segment := range strings.Split(relative, "/") {
		switch segment {
		case "", ".":
			continue
		case "..":
			return "", reject(relative, "parent directory segment")
		}
		if len(segment) > MaxNameLength {
			return "", reject(relative, "name too long: %d bytes (max %d)", len(segment), MaxNameLength)
		}
		kept = append(kept, segment)
	}
	return strings.Join(kept, "/"), nil
}

// ValidateName checks a single path component, as used for create and
// rename targets.
func ValidateName(name string) error {
	switch {
	case name == "":
		return reject(name, "empty name")
	case name == "." || name == "..":
		return reject(name, "special directory name")
	case strings.IndexByte(name, 0) >= 0:
		return reject(name, "contains NUL byte")
	case strings.ContainsAny(name, `/\`):
		return reject(name, "contains path separator")
	case len(name) > MaxNameLength:
		return reject(name, "name too long: %d bytes (max %d)", len(name), MaxNameLength)
	}
	return nil
}

// Root is a canonicalized share root.
type Root struct {
	path string
}

// NewRoot resolves root to its canonical absolute form. The directory
// must exist.
func NewRoot(root string) (Root, error) {
	absolute, err := filepath.Abs(root)
	if err != nil {
		return Root{}, fmt.Errorf("resolving share root %q: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		return Root{}, fmt.Errorf("resolving share root %q: %w", root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Root{}, fmt.Errorf("share root %q: %w", root, err)
	}
	if !info.IsDir() {
		return Root{}, fmt.Errorf("share root %q is not a directory", root)
	}
	return Root{path: filepath.Clean(resolved)}, nil
}

// Path returns the canonical root.
func (r Root) Path() string { return r.path }

// Validate confines relative to the root and returns the canonical
// absolute path. The target must exist.
func (r Root) Validate(relative string) (string, error) {
	cleaned, err := Clean(relative)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(r.path, filepath.FromSlash(cleaned))
	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		return "", &PathError{Path: relative, Reason: "cannot resolve", Err: err}
	}
	if !r.contains(resolved) {
		return "", reject(relative, "resolves outside the share root")
	}
	return resolved, nil
}

// ValidateForCreate is Validate for a path whose final component may
// not exist yet: the parent must resolve inside the root, and the final
// component must be a valid name. If the final component exists and is
// a symlink, it is resolved and checked like any other path.
func (r Root) ValidateForCreate(relative string) (string, error) {
	cleaned, err := Clean(relative)
	if err != nil {
		return "", err
	}
	if cleaned == "" {
		return "", reject(relative, "cannot create the share root")
	}
	parent, name := "", cleaned
	if slash := strings.LastIndexByte(cleaned, '/'); slash >= 0 {
		parent, name = cleaned[:slash], cleaned[slash+1:]
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	resolvedParent, err := r.Validate(parent)
	if err != nil {
		return "", err
	}
	target := filepath.Join(resolvedParent, name)
	if _, err := os.Lstat(target); err == nil {
		return r.Validate(cleaned)
	}
	return target, nil
}

// Relative returns the slash-separated path of absolute relative to the
// root, or an error if absolute is outside it.
func (r Root) Relative(absolute string) (string, error) {
	if !r.contains(absolute) {
		return "", reject(absolute, "outside the share root")
	}
	relative, err := filepath.Rel(r.path, absolute)
	if err != nil {
		return "", &PathError{Path: absolute, Reason: "cannot relativize", Err: err}
	}
	if relative == "." {
		return "", nil
	}
	return filepath.ToSlash(relative), nil
}

func (r Root) contains(resolved string) bool {
	resolved = filepath.Clean(resolved)
	if resolved == r.path {
		return true
	}
	prefix := r.path
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(resolved, prefix)
}

// Validate is the one-shot form of NewRoot(root).Validate(relative).
func Validate(root, relative string) (string, error) {
	canonical, err := NewRoot(root)
	if err != nil {
		return "", err
	}
	return canonical.Validate(relative)
}
