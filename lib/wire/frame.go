// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/wormhole/lib/codec"
)

const (
	// ProtocolVersion is carried in every envelope and in Hello.
	ProtocolVersion = 1

	// MaxMessageSize bounds the payload of a single frame.
	MaxMessageSize = 1 << 20

	headerSize = 4
)

// Envelope is the CBOR payload of a frame.
type Envelope struct {
	Version uint8            `cbor:"1,keyasint"`
	ID      uint64           `cbor:"2,keyasint"`
	Kind    Kind             `cbor:"3,keyasint"`
	Body    codec.RawMessage `cbor:"4,keyasint"`
}

// Frame is a decoded envelope: the correlation ID and the message.
type Frame struct {
	ID      uint64
	Message Message
}

// Marshal returns the envelope payload for frame, without the length
// prefix.
func Marshal(frame Frame) ([]byte, error) {
	if frame.Message == nil {
		return nil, errors.New("wire: nil message")
	}
	kind := frame.Message.Kind()
	if _, ok := registry[kind]; !ok {
		return nil, fmt.Errorf("wire: unregistered message kind %d", kind)
	}
	body, err := codec.Marshal(frame.Message)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", kind, err)
	}
	payload, err := codec.Marshal(Envelope{
		Version: ProtocolVersion,
		ID:      frame.ID,
		Kind:    kind,
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", kind, err)
	}
	if len(payload) > MaxMessageSize {
		return nil, fmt.Errorf("wire: %s message is %d bytes, limit %d", kind, len(payload), MaxMessageSize)
	}
	return payload, nil
}

// Unmarshal decodes an envelope payload (without the length prefix).
// Every failure is a *ProtocolError.
func Unmarshal(payload []byte) (Frame, error) {
	if len(payload) > MaxMessageSize {
		return Frame{}, protocolErrorf("payload is %d bytes, limit %d", len(payload), MaxMessageSize)
	}
	var envelope Envelope
	if err := codec.Unmarshal(payload, &envelope); err != nil {
		return Frame{}, &ProtocolError{Reason: "malformed envelope", Err: err}
	}
	if envelope.Version != ProtocolVersion {
		return Frame{}, protocolErrorf("unsupported protocol version %d", envelope.Version)
	}
	factory, ok := registry[envelope.Kind]
	if !ok {
		return Frame{}, protocolErrorf("unknown message kind %d", envelope.Kind)
	}
	message := factory()
	if err := codec.Unmarshal(envelope.Body, message); err != nil {
		return Frame{}, &ProtocolError{Reason: "malformed " + envelope.Kind.String() + " body", Err: err}
	}
	return Frame{ID: envelope.ID, Message: message}, nil
}

// Encode returns frame as length-prefixed bytes ready to write.
func Encode(frame Frame) ([]byte, error) {
	payload, err := Marshal(frame)
	if err != nil {
		return nil, err
	}
	framed := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(framed, uint32(len(payload)))
	copy(framed[headerSize:], payload)
	return framed, nil
}

// Decode parses exactly one length-prefixed frame from data. Trailing
// bytes are a protocol error.
func Decode(data []byte) (Frame, error) {
	reader := bytes.NewReader(data)
	frame, err := ReadFrame(reader)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, &ProtocolError{Reason: "truncated frame", Err: err}
		}
		return Frame{}, err
	}
	if reader.Len() != 0 {
		return Frame{}, protocolErrorf("%d trailing bytes after frame", reader.Len())
	}
	return frame, nil
}

// WriteFrame writes one length-prefixed frame to w in a single Write.
func WriteFrame(w io.Writer, frame Frame) error {
	framed, err := Encode(frame)
	if err != nil {
		return err
	}
	_, err = w.Write(framed)
	return err
}

// ReadFrame reads one length-prefixed frame from r. I/O errors are
// returned as is (io.EOF for a clean close between frames); anything
// wrong with the frame's contents is a *ProtocolError. An oversized
// length is rejected before any payload is read.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxMessageSize {
		return Frame{}, protocolErrorf("declared length %d exceeds limit %d", length, MaxMessageSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Unmarshal(payload)
}
