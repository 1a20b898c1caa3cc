// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// authNonceSize is the size of the random challenge nonce in bytes.
const authNonceSize = 32

// authSignatureSize is the size of an Ed25519 signature in bytes.
const authSignatureSize = 64

// maxPeerNameLength bounds the name a peer announces in its hello.
const maxPeerNameLength = 255

// authTimeout is the maximum time allowed for the entire handshake when
// the caller's context carries no earlier deadline.
const authTimeout = 10 * time.Second

// ErrPeerMismatch is returned by [Authenticate] when the remote side
// announces a different name than the one the caller dialed.
var ErrPeerMismatch = errors.New("peer announced an unexpected name")

// PeerAuthenticator provides cryptographic identity verification for
// connections between peers. Both sides of a fresh connection exchange
// random 32-byte nonces, sign each other's nonces with their Ed25519
// private keys, and verify the signatures against the peer's known
// public key. This binds the connection to the peers' identities so a
// party that can reach the listener (or the signaling directory)
// cannot impersonate a peer.
type PeerAuthenticator interface {
	// Sign signs message with the local Ed25519 private key. Returns a
	// 64-byte Ed25519 signature.
	Sign(message []byte) []byte

	// VerifyPeer verifies that signature is a valid Ed25519 signature of
	// message produced by the peer named peerName. Returns an error if
	// the peer's public key is unknown or the signature is invalid.
	VerifyPeer(peerName string, message, signature []byte) error
}

// Authenticate runs the mutual challenge-response handshake on conn and
// returns the authenticated name of the remote peer. Both sides run it
// concurrently on the same connection. The protocol is:
//
//  1. Send a hello: one length byte, the local name, a 32-byte nonce
//  2. Read the peer's hello
//  3. Sign (peerNonce || peerName), binding the response to the
//     challenger's identity
//  4. Send the 64-byte signature
//  5. Read the peer's signature and verify it against
//     (ownNonce || localName) with the announced peer's key
//
// When expectedPeer is non-empty the announced name must match it; a
// dialer knows who it meant to reach, a listener does not.
//
// Writes run on a background goroutine so that synchronous pipes (such
// as net.Pipe, where Write blocks until the peer reads) cannot deadlock
// with both sides writing first. The caller closes conn on error.
func Authenticate(ctx context.Context, conn net.Conn, authenticator PeerAuthenticator, localName, expectedPeer string) (string, error) {
	if len(localName) == 0 || len(localName) > maxPeerNameLength {
		return "", fmt.Errorf("local peer name %q: length must be 1-%d", localName, maxPeerNameLength)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(authTimeout)
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating auth nonce: %w", err)
	}

	hello := make([]byte, 0, 1+len(localName)+authNonceSize)
	hello = append(hello, byte(len(localName)))
	hello = append(hello, localName...)
	hello = append(hello, nonce...)

	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)

	go func() {
		if _, err := conn.Write(hello); err != nil {
			writeErrors <- fmt.Errorf("sending auth hello: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			writeErrors <- nil
			return
		}
		if _, err := conn.Write(signature); err != nil {
			writeErrors <- fmt.Errorf("sending auth signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	peerName, peerNonce, err := readHello(conn)
	if err != nil {
		close(signatureToSend)
		return "", err
	}
	if expectedPeer != "" && peerName != expectedPeer {
		close(signatureToSend)
		return "", fmt.Errorf("%w: dialed %q, peer says %q", ErrPeerMismatch, expectedPeer, peerName)
	}

	signedMessage := make([]byte, 0, authNonceSize+len(peerName))
	signedMessage = append(signedMessage, peerNonce...)
	signedMessage = append(signedMessage, peerName...)
	signatureToSend <- authenticator.Sign(signedMessage)

	peerSignature := make([]byte, authSignatureSize)
	if _, err := io.ReadFull(conn, peerSignature); err != nil {
		return "", fmt.Errorf("reading peer signature: %w", err)
	}

	if err := <-writeErrors; err != nil {
		return "", err
	}

	verifyMessage := make([]byte, 0, authNonceSize+len(localName))
	verifyMessage = append(verifyMessage, nonce...)
	verifyMessage = append(verifyMessage, localName...)
	if err := authenticator.VerifyPeer(peerName, verifyMessage, peerSignature); err != nil {
		return "", fmt.Errorf("peer %s failed authentication: %w", peerName, err)
	}
	return peerName, nil
}

func readHello(reader io.Reader) (string, []byte, error) {
	var length [1]byte
	if _, err := io.ReadFull(reader, length[:]); err != nil {
		return "", nil, fmt.Errorf("reading peer hello: %w", err)
	}
	if length[0] == 0 {
		return "", nil, errors.New("peer announced an empty name")
	}
	body := make([]byte, int(length[0])+authNonceSize)
	if _, err := io.ReadFull(reader, body); err != nil {
		return "", nil, fmt.Errorf("reading peer hello: %w", err)
	}
	return string(body[:length[0]]), body[length[0]:], nil
}

// Ed25519Authenticator is the PeerAuthenticator used by the CLI: a
// local private key plus a fixed table of trusted peer public keys.
type Ed25519Authenticator struct {
	privateKey ed25519.PrivateKey
	peers      map[string]ed25519.PublicKey
}

// NewEd25519Authenticator returns an authenticator signing with
// privateKey and trusting exactly the given peers.
func NewEd25519Authenticator(privateKey ed25519.PrivateKey, peers map[string]ed25519.PublicKey) *Ed25519Authenticator {
	trusted := make(map[string]ed25519.PublicKey, len(peers))
	for name, key := range peers {
		trusted[name] = key
	}
	return &Ed25519Authenticator{privateKey: privateKey, peers: trusted}
}

// Sign implements PeerAuthenticator.
func (a *Ed25519Authenticator) Sign(message []byte) []byte {
	return ed25519.Sign(a.privateKey, message)
}

// VerifyPeer implements PeerAuthenticator.
func (a *Ed25519Authenticator) VerifyPeer(peerName string, message, signature []byte) error {
	publicKey, ok := a.peers[peerName]
	if !ok {
		return fmt.Errorf("unknown peer %q", peerName)
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return fmt.Errorf("Ed25519 signature verification failed for %s", peerName)
	}
	return nil
}

// PublicKey returns the public half of the local key.
func (a *Ed25519Authenticator) PublicKey() ed25519.PublicKey {
	return a.privateKey.Public().(ed25519.PublicKey)
}

// EncodePublicKey returns the text form of a public key used in
// configuration files (unpadded standard base64).
func EncodePublicKey(key ed25519.PublicKey) string {
	return base64.RawStdEncoding.EncodeToString(key)
}

// ParsePublicKey parses the text form produced by [EncodePublicKey].
func ParsePublicKey(text string) (ed25519.PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// GenerateIdentity creates a new Ed25519 key and writes its seed to
// path with mode 0600. The file must not already exist.
func GenerateIdentity(path string) (ed25519.PrivateKey, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 key: %w", err)
	}
	if err := WriteIdentityFile(path, EncodeIdentity(privateKey)); err != nil {
		return nil, err
	}
	return privateKey, nil
}

// LoadIdentity reads a private key written by [GenerateIdentity].
func LoadIdentity(path string) (ed25519.PrivateKey, error) {
	data, err := ReadIdentityFile(path)
	if err != nil {
		return nil, err
	}
	privateKey, err := ParseIdentity(data)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", path, err)
	}
	return privateKey, nil
}

// EncodeIdentity returns the file form of a private key: its seed in
// unpadded base64 and a newline.
func EncodeIdentity(privateKey ed25519.PrivateKey) []byte {
	return []byte(base64.RawStdEncoding.EncodeToString(privateKey.Seed()) + "\n")
}

// ParseIdentity parses the form produced by [EncodeIdentity].
func ParseIdentity(data []byte) (ed25519.PrivateKey, error) {
	seed, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// WriteIdentityFile creates path with mode 0600 and writes data. The
// file must not already exist.
func WriteIdentityFile(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("writing identity %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("writing identity %s: %w", path, err)
	}
	return nil
}

// ReadIdentityFile returns the contents of an identity file. The file
// must not be readable by group or other.
func ReadIdentityFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("identity %s has mode %v, want 0600", path, info.Mode().Perm())
	}
	return os.ReadFile(path)
}
