// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Anything whose behavior depends on elapsed time (lock expiry, cached
// attribute freshness, keepalive intervals, reconnect backoff) takes a
// Clock instead of calling the time package, so tests can drive it:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager := lockmgr.New(lockmgr.Options{Clock: c})
//	c.Advance(31 * time.Second) // every 30s lease is now expired
//
// When a goroutine under test registers a timer, use WaitForTimers
// before Advance so the registration cannot race the advance.
package clock
