// Copyright 2026 Meshpay Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package oer

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"
)

func TestVarUIntBoundaryVectors(t *testing.T) {
	testDefs := []struct {
		value    uint64
		expected []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0x81, 0x80}},
		{256, []byte{0x82, 0x01, 0x00}},
		{
			math.MaxUint64,
			[]byte{0x88, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		},
	}
	for _, testDef := range testDefs {
		got := AppendVarUInt(nil, testDef.value)
		if !bytes.Equal(got, testDef.expected) {
			t.Errorf(
				"encoding %d: expected %x, got %x",
				testDef.value,
				testDef.expected,
				got,
			)
		}
	}
}

func TestVarUIntRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 127, 128, 255, 256, 65535, 65536,
		1_000_000, math.MaxUint32, math.MaxUint32 + 1, math.MaxUint64,
	}
	for _, value := range values {
		buf := AppendVarUInt(nil, value)
		got, err := ReadVarUInt(bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("decoding %d: unexpected error: %s", value, err)
		}
		if got != value {
			t.Errorf("round trip of %d returned %d", value, got)
		}
	}
}

func TestVarUIntUnderflow(t *testing.T) {
	testDefs := [][]byte{
		{},
		{0x81},
		{0x84, 0x01, 0x02},
	}
	for _, testDef := range testDefs {
		_, err := ReadVarUInt(bytes.NewReader(testDef))
		if !errors.Is(err, ErrBufferUnderflow) {
			t.Errorf("decoding %x: expected buffer underflow, got %v", testDef, err)
		}
	}
}

func TestVarUIntOverlongLength(t *testing.T) {
	buf := []byte{0x89, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	_, err := ReadVarUInt(bytes.NewReader(buf))
	if !errors.Is(err, ErrInvalidPacket) {
		t.Errorf("expected invalid packet, got %v", err)
	}
}

func TestVarOctetString(t *testing.T) {
	// Zero-length encodes as a single 0x00
	got := AppendVarOctetString(nil, nil)
	if !bytes.Equal(got, []byte{0x00}) {
		t.Errorf("expected 00, got %x", got)
	}
	data := []byte("hello interledger")
	buf := AppendVarOctetString(nil, data)
	decoded, err := ReadVarOctetString(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Errorf("expected %x, got %x", data, decoded)
	}
}

func TestVarOctetStringUnderflow(t *testing.T) {
	// Length prefix claims 5 bytes but only 2 follow
	buf := []byte{0x05, 0x01, 0x02}
	_, err := ReadVarOctetString(bytes.NewReader(buf))
	if !errors.Is(err, ErrBufferUnderflow) {
		t.Errorf("expected buffer underflow, got %v", err)
	}
}

func TestFixedOctetString(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	buf, err := AppendFixedOctetString(nil, data, 4)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !bytes.Equal(buf, data) {
		t.Errorf("expected %x, got %x", data, buf)
	}
	if _, err := AppendFixedOctetString(nil, data, 8); !errors.Is(err, ErrInvalidPacket) {
		t.Errorf("expected invalid packet for wrong length, got %v", err)
	}
	if _, err := ReadFixedOctetString(bytes.NewReader(data), 8); !errors.Is(err, ErrBufferUnderflow) {
		t.Errorf("expected buffer underflow, got %v", err)
	}
}

func TestGeneralizedTimeVector(t *testing.T) {
	instant := time.Date(2025, 1, 31, 23, 59, 59, 999_000_000, time.UTC)
	got := AppendGeneralizedTime(nil, instant)
	expected := "20250131235959.999Z"
	if string(got) != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
	if len(got) != 19 {
		t.Errorf("expected 19 bytes, got %d", len(got))
	}
}

func TestGeneralizedTimeRoundTrip(t *testing.T) {
	instant := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	buf := AppendGeneralizedTime(nil, instant)
	decoded, err := ReadGeneralizedTime(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if !decoded.Equal(instant) {
		t.Errorf("expected %s, got %s", instant, decoded)
	}
}

func TestGeneralizedTimeRejectsDeviation(t *testing.T) {
	testDefs := []string{
		"20250131235959.999X",  // bad zone marker
		"2025013123595A.999Z",  // non-digit
		"20250131235959,999Z",  // bad separator
		"20251331235959.999Z",  // impossible month
	}
	for _, testDef := range testDefs {
		_, err := ReadGeneralizedTime(bytes.NewReader([]byte(testDef)))
		if !errors.Is(err, ErrInvalidPacket) {
			t.Errorf("decoding %q: expected invalid packet, got %v", testDef, err)
		}
	}
}

func TestGeneralizedTimeUnderflow(t *testing.T) {
	_, err := ReadGeneralizedTime(bytes.NewReader([]byte("20250131")))
	if !errors.Is(err, ErrBufferUnderflow) {
		t.Errorf("expected buffer underflow, got %v", err)
	}
}
