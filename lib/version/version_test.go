// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"strings"
	"testing"

	"github.com/bureau-foundation/wormhole/lib/wire"
)

func TestInfo(t *testing.T) {
	savedCommit, savedDirty, savedTime := GitCommit, GitDirty, BuildTime
	t.Cleanup(func() { GitCommit, GitDirty, BuildTime = savedCommit, savedDirty, savedTime })

	GitCommit, GitDirty, BuildTime = "abc1234", "true", "2026-10-16T00:00:00Z"
	want := Version + " (abc1234-dirty, 2026-10-16T00:00:00Z)"
	if got := Info(); got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}

	GitDirty = "false"
	if got := Info(); strings.Contains(got, "dirty") {
		t.Errorf("clean build reported dirty: %q", got)
	}
}

func TestFullNamesProtocol(t *testing.T) {
	full := Full()
	if !strings.HasPrefix(full, Info()) {
		t.Errorf("Full() = %q does not start with Info()", full)
	}
	if want := fmt.Sprintf("Protocol: %d", wire.ProtocolVersion); !strings.Contains(full, want) {
		t.Errorf("Full() = %q, missing %q", full, want)
	}
}
