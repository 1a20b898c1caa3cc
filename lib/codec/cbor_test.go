// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

type sample struct {
	Inode uint64 `cbor:"1,keyasint"`
	Name  string `cbor:"2,keyasint,omitempty"`
	Data  []byte `cbor:"3,keyasint,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]uint64{"zeta": 1, "alpha": 2, "mid": 3}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x vs %x", first, again)
		}
	}
}

func TestIntegerKeysOmitFieldNames(t *testing.T) {
	data, err := Marshal(sample{Inode: 42, Name: "report.txt"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if bytes.Contains(data, []byte("Inode")) {
		t.Errorf("encoded form contains Go field name: %x", data)
	}

	var decoded sample
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Inode != 42 || decoded.Name != "report.txt" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	// {1: 1, 1: 2}
	data := []byte{0xa2, 0x01, 0x01, 0x01, 0x02}
	var decoded sample
	if err := Unmarshal(data, &decoded); err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestUnmarshalRejectsIndefiniteLength(t *testing.T) {
	// [_ 1, 2]
	data := []byte{0x9f, 0x01, 0x02, 0xff}
	var decoded []int
	if err := Unmarshal(data, &decoded); err == nil {
		t.Fatal("expected indefinite-length error")
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var decoded sample
	if err := Unmarshal([]byte{0xff, 0xfe}, &decoded); err == nil {
		t.Fatal("expected error for invalid CBOR")
	}
}

func TestRawMessageDefersDecoding(t *testing.T) {
	type envelope struct {
		Kind uint16     `cbor:"1,keyasint"`
		Body RawMessage `cbor:"2,keyasint"`
	}
	body, err := Marshal(sample{Inode: 7, Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("Marshal body: %v", err)
	}
	data, err := Marshal(envelope{Kind: 3, Body: body})
	if err != nil {
		t.Fatalf("Marshal envelope: %v", err)
	}

	var decoded envelope
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal envelope: %v", err)
	}
	var inner sample
	if err := Unmarshal(decoded.Body, &inner); err != nil {
		t.Fatalf("Unmarshal body: %v", err)
	}
	if inner.Inode != 7 || !bytes.Equal(inner.Data, []byte{1, 2, 3}) {
		t.Errorf("inner = %+v", inner)
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(sample{Inode: 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	text, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(text, "1: 1") {
		t.Errorf("Diagnose = %q", text)
	}
}
