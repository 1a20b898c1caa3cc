// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command-line framework for the wormhole binary.
//
// [Command] is a named command with optional [Command.Subcommands], a
// pflag flag set factory and a Run function. [Command.Execute] parses
// flags, routes subcommands and prints help with examples. An unknown
// command or flag gets a suggestion when a known one is within an edit
// distance of 3.
//
// [NewLogger] picks slog text output on a terminal and JSON otherwise.
package cli
