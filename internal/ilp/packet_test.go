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

package ilp

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/meshpay/ilpd/internal/oer"
)

func testCondition() [ConditionLength]byte {
	var cond [ConditionLength]byte
	for i := range cond {
		cond[i] = byte(i * 8)
	}
	return cond
}

func TestPrepareWireVector(t *testing.T) {
	var condition [ConditionLength]byte
	for i := range condition {
		// 0x01 0x23 ... repeating nibble ramp
		condition[i] = byte((2*i)<<4 | (2*i+1)&0x0f)
	}
	p := &Prepare{
		Amount:             1000,
		Destination:        "g.example.alice",
		ExpiresAt:          time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		ExecutionCondition: condition,
	}
	buf, err := p.Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	var expected []byte
	expected = append(expected, 0x0c)
	expected = append(expected, 0x82, 0x03, 0xe8)
	expected = append(expected, []byte("20240101120000.000Z")...)
	expected = append(expected, condition[:]...)
	expected = append(expected, 0x0f)
	expected = append(expected, []byte("g.example.alice")...)
	expected = append(expected, 0x00)
	if !bytes.Equal(buf, expected) {
		t.Errorf("expected %x, got %x", expected, buf)
	}
}

func TestFulfillWireVector(t *testing.T) {
	var fulfillment [ConditionLength]byte
	for i := range fulfillment {
		fulfillment[i] = byte(0xfe - i)
	}
	f := &Fulfill{Fulfillment: fulfillment}
	buf, err := f.Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(buf) != 34 {
		t.Errorf("expected 34 bytes, got %d", len(buf))
	}
	if buf[0] != 0x0d {
		t.Errorf("expected type tag 0x0d, got %#x", buf[0])
	}
	if !bytes.Equal(buf[1:33], fulfillment[:]) {
		t.Errorf("fulfillment bytes mangled: %x", buf[1:33])
	}
	if buf[33] != 0x00 {
		t.Errorf("expected empty data suffix, got %#x", buf[33])
	}
}

func TestRejectWireVector(t *testing.T) {
	r := &Reject{
		Code:        CodeUnreachable,
		TriggeredBy: "g.hub",
		Message:     "No route found",
	}
	buf, err := r.Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	var expected []byte
	expected = append(expected, 0x0e)
	expected = append(expected, []byte("F02")...)
	expected = append(expected, 0x05)
	expected = append(expected, []byte("g.hub")...)
	expected = append(expected, 0x0e)
	expected = append(expected, []byte("No route found")...)
	expected = append(expected, 0x00)
	if !bytes.Equal(buf, expected) {
		t.Errorf("expected %x, got %x", expected, buf)
	}
}

func TestPrepareRoundTrip(t *testing.T) {
	p := &Prepare{
		Amount:             987654321,
		Destination:        "g.peer3.dst.account~1",
		ExpiresAt:          time.Date(2026, 8, 25, 6, 30, 0, 250_000_000, time.UTC),
		ExecutionCondition: testCondition(),
		Data:               []byte("application payload"),
	}
	buf, err := p.Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	pkt, err := DeserializePacket(buf)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	decoded, ok := pkt.(*Prepare)
	if !ok {
		t.Fatalf("expected *Prepare, got %T", pkt)
	}
	if decoded.Amount != p.Amount {
		t.Errorf("amount: expected %d, got %d", p.Amount, decoded.Amount)
	}
	if !decoded.ExpiresAt.Equal(p.ExpiresAt) {
		t.Errorf("expiresAt: expected %s, got %s", p.ExpiresAt, decoded.ExpiresAt)
	}
	if decoded.ExecutionCondition != p.ExecutionCondition {
		t.Errorf("condition mangled")
	}
	if decoded.Destination != p.Destination {
		t.Errorf("destination: expected %s, got %s", p.Destination, decoded.Destination)
	}
	if !bytes.Equal(decoded.Data, p.Data) {
		t.Errorf("data: expected %x, got %x", p.Data, decoded.Data)
	}
}

func TestFulfillRoundTrip(t *testing.T) {
	preimage := [ConditionLength]byte{1, 2, 3}
	f := &Fulfill{Fulfillment: preimage, Data: []byte{0xde, 0xad}}
	buf, err := f.Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	pkt, err := DeserializePacket(buf)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	decoded, ok := pkt.(*Fulfill)
	if !ok {
		t.Fatalf("expected *Fulfill, got %T", pkt)
	}
	if decoded.Fulfillment != preimage {
		t.Errorf("fulfillment mangled")
	}
	if !bytes.Equal(decoded.Data, f.Data) {
		t.Errorf("data: expected %x, got %x", f.Data, decoded.Data)
	}
}

func TestRejectRoundTrip(t *testing.T) {
	r := &Reject{
		Code:        CodeTransferTimedOut,
		TriggeredBy: "g.hub.west",
		Message:     "held too long",
		Data:        []byte("details"),
	}
	buf, err := r.Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	pkt, err := DeserializePacket(buf)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	decoded, ok := pkt.(*Reject)
	if !ok {
		t.Fatalf("expected *Reject, got %T", pkt)
	}
	if decoded.Code != r.Code ||
		decoded.TriggeredBy != r.TriggeredBy ||
		decoded.Message != r.Message ||
		!bytes.Equal(decoded.Data, r.Data) {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func TestRejectEmptyTriggeredBy(t *testing.T) {
	r := &Reject{Code: CodeInternalError}
	buf, err := r.Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	pkt, err := DeserializePacket(buf)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if pkt.(*Reject).TriggeredBy != "" {
		t.Errorf("expected empty triggeredBy")
	}
}

func TestDeserializeUnknownType(t *testing.T) {
	_, err := DeserializePacket([]byte{0x2a, 0x00})
	if !errors.Is(err, oer.ErrInvalidPacket) {
		t.Errorf("expected invalid packet, got %v", err)
	}
}

func TestDeserializeEmpty(t *testing.T) {
	_, err := DeserializePacket(nil)
	if !errors.Is(err, oer.ErrBufferUnderflow) {
		t.Errorf("expected buffer underflow, got %v", err)
	}
}

func TestDeserializeTruncatedPrepare(t *testing.T) {
	p := &Prepare{
		Amount:             10,
		Destination:        "g.alice",
		ExpiresAt:          time.Now().UTC(),
		ExecutionCondition: testCondition(),
	}
	buf, err := p.Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	for _, cut := range []int{1, 5, 20, len(buf) - 1} {
		_, err := DeserializePacket(buf[:cut])
		if !errors.Is(err, oer.ErrBufferUnderflow) {
			t.Errorf("truncation at %d: expected buffer underflow, got %v", cut, err)
		}
	}
}

func TestDeserializeBadDestination(t *testing.T) {
	p := &Prepare{
		Amount:             10,
		Destination:        "g.alice",
		ExpiresAt:          time.Now().UTC(),
		ExecutionCondition: testCondition(),
	}
	buf, err := p.Serialize()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	// Corrupt a destination byte into an illegal character
	buf[len(buf)-3] = '!'
	if _, err := DeserializePacket(buf); !errors.Is(err, oer.ErrInvalidPacket) {
		t.Errorf("expected invalid packet, got %v", err)
	}
}

func TestFulfillMatchesCondition(t *testing.T) {
	preimage := [ConditionLength]byte{9, 9, 9}
	condition := sha256.Sum256(preimage[:])
	f := &Fulfill{Fulfillment: preimage}
	if !f.Matches(condition) {
		t.Errorf("expected fulfillment to match its condition")
	}
	condition[0] ^= 0xff
	if f.Matches(condition) {
		t.Errorf("expected mismatch after corrupting condition")
	}
}

func TestAddressValidation(t *testing.T) {
	valid := []string{"g", "g.alice", "g.example.alice", "g.a-b_c~d.x1"}
	for _, addr := range valid {
		if !ValidAddress(addr) {
			t.Errorf("expected %q to be valid", addr)
		}
	}
	invalid := []string{"", "x.alice", "g.", "g..a", "g.al ice", "g.alice!", "private.bob"}
	for _, addr := range invalid {
		if ValidAddress(addr) {
			t.Errorf("expected %q to be invalid", addr)
		}
	}
}

func TestAddressHasPrefix(t *testing.T) {
	if !Address("g.a.x").HasPrefix("g.a") {
		t.Errorf("expected g.a to prefix g.a.x")
	}
	if !Address("g.a").HasPrefix("g.a") {
		t.Errorf("expected g.a to prefix itself")
	}
	if Address("g.ab").HasPrefix("g.a") {
		t.Errorf("label boundary violated: g.a should not prefix g.ab")
	}
}
