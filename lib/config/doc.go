// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads wormhole configuration.
//
// Configuration comes from a single file named by the WORMHOLE_CONFIG
// environment variable (via [Load]) or a --config flag (via
// [LoadFile]). There is no search path and no environment override of
// individual values. Command-line flags may override what the file
// says; that happens in the commands, not here.
//
// Files are YAML. A file ending in .json or .jsonc is read as JSON with
// comments. Durations are Go duration strings ("500ms", "30s").
//
// Path fields expand ${HOME}, ${VAR} and ${VAR:-default}.
//
// Key exports:
//
//   - [Config] with Host, Client, Cache, Network and Transport sections
//   - [Default] for the values a file leaves unset
//   - [Load] and [LoadFile], the two entry points
//   - [Config.Validate], [Config.ValidateHost], [Config.ValidateClient]
//
// This package depends on no other wormhole packages.
package config
