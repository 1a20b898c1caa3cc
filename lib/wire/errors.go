// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"
	"syscall"
	"time"
)

// ErrorCode is the failure taxonomy carried in Error messages. The
// numeric values are protocol constants grouped by hundreds: general,
// namespace, data, locking, session.
type ErrorCode uint16

const (
	CodeUnknown        ErrorCode = 1
	CodeProtocolError  ErrorCode = 2
	CodeNotImplemented ErrorCode = 3
	CodeTimeout        ErrorCode = 4

	CodeNotFound         ErrorCode = 100
	CodeNotADirectory    ErrorCode = 101
	CodeNotAFile         ErrorCode = 102
	CodePermissionDenied ErrorCode = 103
	CodePathTraversal    ErrorCode = 104
	CodeNameTooLong      ErrorCode = 105
	CodeAlreadyExists    ErrorCode = 106
	CodeNotEmpty         ErrorCode = 107
	CodeReadOnly         ErrorCode = 108

	CodeIOError          ErrorCode = 200
	CodeChecksumMismatch ErrorCode = 201
	CodeChunkOutOfRange  ErrorCode = 202

	CodeLockRequired ErrorCode = 300
	CodeLockExpired  ErrorCode = 301
	CodeLockConflict ErrorCode = 302

	CodeSessionExpired   ErrorCode = 400
	CodeRateLimited      ErrorCode = 401
	CodeHostShuttingDown ErrorCode = 402
)

var codeNames = map[ErrorCode]string{
	CodeUnknown: "Unknown", CodeProtocolError: "ProtocolError",
	CodeNotImplemented: "NotImplemented", CodeTimeout: "Timeout",
	CodeNotFound: "NotFound", CodeNotADirectory: "NotADirectory",
	CodeNotAFile: "NotAFile", CodePermissionDenied: "PermissionDenied",
	CodePathTraversal: "PathTraversal", CodeNameTooLong: "NameTooLong",
	CodeAlreadyExists: "AlreadyExists", CodeNotEmpty: "NotEmpty",
	CodeReadOnly: "ReadOnly", CodeIOError: "IOError",
	CodeChecksumMismatch: "ChecksumMismatch", CodeChunkOutOfRange: "ChunkOutOfRange",
	CodeLockRequired: "LockRequired", CodeLockExpired: "LockExpired",
	CodeLockConflict: "LockConflict", CodeSessionExpired: "SessionExpired",
	CodeRateLimited: "RateLimited", CodeHostShuttingDown: "HostShuttingDown",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint16(c))
}

// Errno maps the code to the errno a filesystem call returns.
func (c ErrorCode) Errno() syscall.Errno {
	switch c {
	case CodeNotFound:
		return syscall.ENOENT
	case CodeNotADirectory:
		return syscall.ENOTDIR
	case CodeNotAFile:
		return syscall.EISDIR
	case CodePermissionDenied, CodePathTraversal:
		return syscall.EACCES
	case CodeNameTooLong:
		return syscall.ENAMETOOLONG
	case CodeAlreadyExists:
		return syscall.EEXIST
	case CodeNotEmpty:
		return syscall.ENOTEMPTY
	case CodeReadOnly:
		return syscall.EROFS
	case CodeChunkOutOfRange:
		return syscall.EINVAL
	case CodeNotImplemented:
		return syscall.ENOSYS
	case CodeLockRequired, CodeLockExpired:
		return syscall.ENOLCK
	case CodeLockConflict, CodeRateLimited:
		return syscall.EAGAIN
	case CodeTimeout:
		return syscall.ETIMEDOUT
	default:
		return syscall.EIO
	}
}

// Retryable reports whether the engine itself may retry after this
// code. Input and coordination errors are surfaced, never retried.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeTimeout, CodeHostShuttingDown, CodeSessionExpired:
		return true
	default:
		return false
	}
}

// RemoteError is an Error message received from the peer.
type RemoteError struct {
	Code         ErrorCode
	Message      string
	RelatedInode uint64
	RetryAfter   time.Duration
}

func (e *RemoteError) Error() string {
	if e.RelatedInode != 0 {
		return fmt.Sprintf("%s (inode %d): %s", e.Code, e.RelatedInode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errno implements the interface go-fuse uses to translate errors.
func (e *RemoteError) Errno() syscall.Errno { return e.Code.Errno() }

// Is matches another *RemoteError with the same code, so callers can
// write errors.Is(err, &wire.RemoteError{Code: wire.CodeNotFound}).
func (e *RemoteError) Is(target error) bool {
	other, ok := target.(*RemoteError)
	return ok && other.Code == e.Code
}

// RemoteErrorFrom converts a received Error message.
func RemoteErrorFrom(message *Error) *RemoteError {
	return &RemoteError{
		Code:         message.Code,
		Message:      message.Message,
		RelatedInode: message.RelatedInode,
		RetryAfter:   time.Duration(message.RetryAfterMillis) * time.Millisecond,
	}
}

// ErrorMessage builds the Error message for code.
func ErrorMessage(code ErrorCode, inode uint64, format string, args ...any) *Error {
	return &Error{Code: code, RelatedInode: inode, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err: a *RemoteError's own code,
// CodeProtocolError for a *ProtocolError, CodeUnknown otherwise.
func CodeOf(err error) ErrorCode {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	var protocol *ProtocolError
	if errors.As(err, &protocol) {
		return CodeProtocolError
	}
	return CodeUnknown
}

// ProtocolError reports a frame that violates the wire format. It is
// fatal to the connection it arrived on.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol error: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var protocol *ProtocolError
	return errors.As(err, &protocol)
}
