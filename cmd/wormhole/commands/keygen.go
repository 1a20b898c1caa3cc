// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/wormhole/cmd/wormhole/cli"
	"github.com/bureau-foundation/wormhole/lib/sealed"
	"github.com/bureau-foundation/wormhole/transport"
)

func keygenCommand() *cli.Command {
	var (
		output string
		force  bool
		show   bool
		seal   bool
	)

	return &cli.Command{
		Name:    "keygen",
		Summary: "Create an Ed25519 peer identity",
		Description: `Write a new Ed25519 identity and print its public key.

Give the public key to every peer that should trust this one; they list
it under transport.peers with this peer's name. Point transport.identity
at the written file. --show prints the public key of an existing file.

With --seal the file is encrypted under a passphrase, read from
$WORMHOLE_PASSPHRASE or the terminal whenever the identity is loaded.`,
		Usage: "wormhole keygen [flags] [path]",
		Examples: []cli.Example{
			{
				Description: "Create the default identity",
				Command:     "wormhole keygen",
			},
			{
				Description: "Create a passphrase-protected identity",
				Command:     "wormhole keygen --seal ~/.config/wormhole/identity",
			},
			{
				Description: "Print the public key to hand to a peer",
				Command:     "wormhole keygen --show",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVarP(&output, "output", "o", "", "identity file (default: ~/.config/wormhole/identity)")
			flagSet.BoolVarP(&force, "force", "f", false, "replace an existing identity")
			flagSet.BoolVar(&show, "show", false, "print the public key of an existing identity")
			flagSet.BoolVar(&seal, "seal", false, "encrypt the identity under a passphrase")
			return flagSet
		},
		Run: func(_ context.Context, args []string) error {
			path := output
			if len(args) > 1 {
				return fmt.Errorf("expected at most one path, got %d arguments", len(args))
			}
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				configDir, err := os.UserConfigDir()
				if err != nil {
					return fmt.Errorf("locating config directory: %w", err)
				}
				path = filepath.Join(configDir, "wormhole", "identity")
			}
			return runKeygen(os.Stdout, keygenOptions{
				path:       path,
				force:      force,
				show:       show,
				seal:       seal,
				passphrase: promptPassphrase,
				workFactor: sealed.DefaultWorkFactor,
			})
		},
	}
}

type keygenOptions struct {
	path       string
	force      bool
	show       bool
	seal       bool
	passphrase passphraseFunc
	workFactor int
}

func runKeygen(w io.Writer, options keygenOptions) error {
	path := options.path
	if options.show {
		privateKey, err := loadIdentity(path, options.passphrase)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, transport.EncodePublicKey(privateKey.Public().(ed25519.PublicKey)))
		return nil
	}

	_, err := os.Stat(path)
	switch {
	case err == nil && !options.force:
		return fmt.Errorf("%s already exists (use --force to replace it, --show to print its public key)", path)
	case err == nil:
		if err := os.Remove(path); err != nil {
			return err
		}
	case !errors.Is(err, os.ErrNotExist):
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}

	privateKey, err := createIdentity(path, options.seal, options.passphrase, options.workFactor)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "identity: %s\n", path)
	if options.seal {
		fmt.Fprintln(w, "sealed: yes")
	}
	fmt.Fprintf(w, "public key: %s\n", transport.EncodePublicKey(privateKey.Public().(ed25519.PublicKey)))
	return nil
}
