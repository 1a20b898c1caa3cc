// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// DefaultWorkFactor is the scrypt cost (log2 N) used by [Seal]. It is
// age's own default, about a second on current hardware.
const DefaultWorkFactor = 18

// maxSealedSize bounds what [Open] will read. Identity seeds are tens
// of bytes; anything near this is not one of ours.
const maxSealedSize = 64 << 10

// ErrPassphrase is returned by [Open] when the passphrase does not
// decrypt the file.
var ErrPassphrase = errors.New("wrong passphrase")

// Seal encrypts plaintext under passphrase at [DefaultWorkFactor].
func Seal(plaintext []byte, passphrase string) ([]byte, error) {
	return SealWithWorkFactor(plaintext, passphrase, DefaultWorkFactor)
}

// SealWithWorkFactor is [Seal] with an explicit scrypt cost.
func SealWithWorkFactor(plaintext []byte, passphrase string, workFactor int) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is empty")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(workFactor)

	var output bytes.Buffer
	armored := armor.NewWriter(&output)
	writer, err := age.Encrypt(armored, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return output.Bytes(), nil
}

// Open decrypts data produced by [Seal].
func Open(data []byte, passphrase string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(data)), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, ErrPassphrase
		}
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(io.LimitReader(reader, maxSealedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	if len(plaintext) > maxSealedSize {
		return nil, fmt.Errorf("sealed payload exceeds %d bytes", maxSealedSize)
	}
	return plaintext, nil
}

// IsSealed reports whether data begins with the age armor header.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte(armor.Header))
}
