// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/wormhole/lib/sealed"
	"github.com/bureau-foundation/wormhole/transport"
)

// passphraseVariable supplies the identity passphrase to unattended
// hosts and mounts.
const passphraseVariable = "WORMHOLE_PASSPHRASE"

// passphraseFunc returns the passphrase for a sealed identity. confirm
// asks twice when prompting.
type passphraseFunc func(prompt string, confirm bool) (string, error)

// promptPassphrase reads WORMHOLE_PASSPHRASE, or prompts on the
// terminal without echo.
func promptPassphrase(prompt string, confirm bool) (string, error) {
	if passphrase := os.Getenv(passphraseVariable); passphrase != "" {
		return passphrase, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("identity is sealed: set %s or run on a terminal", passphraseVariable)
	}
	read := func(prompt string) (string, error) {
		fmt.Fprint(os.Stderr, prompt)
		passphrase, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(passphrase), err
	}
	passphrase, err := read(prompt)
	if err != nil {
		return "", err
	}
	if confirm {
		again, err := read("Confirm passphrase: ")
		if err != nil {
			return "", err
		}
		if again != passphrase {
			return "", errors.New("passphrases do not match")
		}
	}
	return passphrase, nil
}

// loadIdentity reads a plain or sealed identity file.
func loadIdentity(path string, passphrase passphraseFunc) (ed25519.PrivateKey, error) {
	data, err := transport.ReadIdentityFile(path)
	if err != nil {
		return nil, err
	}
	if sealed.IsSealed(data) {
		secret, err := passphrase(fmt.Sprintf("Passphrase for %s: ", path), false)
		if err != nil {
			return nil, err
		}
		opened, err := sealed.Open(data, secret)
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", path, err)
		}
		defer clear(opened)
		data = opened
	}
	privateKey, err := transport.ParseIdentity(data)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", path, err)
	}
	return privateKey, nil
}

// createIdentity writes a new identity to path, sealed under a
// passphrase when seal is set.
func createIdentity(path string, seal bool, passphrase passphraseFunc, workFactor int) (ed25519.PrivateKey, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 key: %w", err)
	}
	data := transport.EncodeIdentity(privateKey)
	if seal {
		secret, err := passphrase("New passphrase: ", true)
		if err != nil {
			return nil, err
		}
		plain := data
		data, err = sealed.SealWithWorkFactor(plain, secret, workFactor)
		clear(plain)
		if err != nil {
			return nil, err
		}
	}
	if err := transport.WriteIdentityFile(path, data); err != nil {
		return nil, err
	}
	return privateKey, nil
}
