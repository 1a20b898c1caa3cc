// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/wormhole/cmd/wormhole/cli"
	"github.com/bureau-foundation/wormhole/lib/version"
)

func versionCommand() *cli.Command {
	var short bool
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			flagSet.BoolVar(&short, "short", false, "print only the version number")
			return flagSet
		},
		Run: func(context.Context, []string) error {
			if short {
				fmt.Println(version.Version)
				return nil
			}
			fmt.Printf("wormhole %s\n", version.Full())
			return nil
		},
	}
}
