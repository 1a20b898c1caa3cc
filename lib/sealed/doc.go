// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed keeps small secrets, such as a peer identity seed,
// encrypted on disk under a passphrase.
//
// [Seal] produces an ASCII-armored age file with a single scrypt
// recipient; [Open] reverses it. [IsSealed] recognizes the armor so a
// caller can accept both sealed and plain files at the same path.
// A wrong passphrase is reported as [ErrPassphrase].
package sealed
