// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the wormhole command tree.
package commands

import "github.com/bureau-foundation/wormhole/cmd/wormhole/cli"

// Root returns the top-level wormhole command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "wormhole",
		Summary: "Mount a directory from another machine",
		Description: `Wormhole mounts a directory shared by another machine as a local
filesystem. One side runs "wormhole host", the other "wormhole mount".

Configuration comes from --config, else the file named by
$WORMHOLE_CONFIG, else built-in defaults. Flags override the file.`,
		Subcommands: []*cli.Command{
			hostCommand(),
			mountCommand(),
			keygenCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{
				Description: "On the machine with the files",
				Command:     "wormhole host --writable ~/Projects",
			},
			{
				Description: "On the machine that wants them",
				Command:     "wormhole mount desktop.lan:4433 ~/mnt/projects",
			},
		},
	}
}
