// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides helpers shared by the package tests.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so a test that would otherwise hang fails with a message.
// They are the only place tests wait on the wall clock.
//
// [WriteTree] lays out a share directory from a map of relative paths
// to contents, and [Pattern] produces deterministic file content whose
// every byte depends on its offset, so range and stitching errors show
// up as content mismatches.
//
// [UniqueID] hands out distinct identifiers for holders and peers.
package testutil
