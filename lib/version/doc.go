// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build of the wormhole binary.
//
// Release builds inject the variables with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/wormhole/lib/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/wormhole
//
// Development builds fall back to the VCS stamp in the binary's build
// info, then to "unknown".
package version
