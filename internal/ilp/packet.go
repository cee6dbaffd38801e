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
	"fmt"
	"time"

	"github.com/meshpay/ilpd/internal/oer"
)

// Packet type tags on the wire
const (
	TypePrepare uint8 = 12
	TypeFulfill uint8 = 13
	TypeReject  uint8 = 14
)

const (
	// ConditionLength is the size of execution conditions and fulfillments
	ConditionLength = 32
	// MaxDataLength bounds the opaque data field of any packet
	MaxDataLength = 32 * 1024
)

// Packet is implemented by the three ILPv4 packet types
type Packet interface {
	// Type returns the packet's wire type tag
	Type() uint8
	// Serialize encodes the packet in OER, including the type tag
	Serialize() ([]byte, error)
}

// Prepare is a conditional transfer request traveling toward a destination
type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [ConditionLength]byte
	Destination        Address
	Data               []byte
}

// Fulfill releases a Prepare by presenting the condition preimage
type Fulfill struct {
	Fulfillment [ConditionLength]byte
	Data        []byte
}

// Reject refuses a Prepare with a classified error code
type Reject struct {
	Code        string
	TriggeredBy Address
	Message     string
	Data        []byte
}

func (p *Prepare) Type() uint8 { return TypePrepare }
func (f *Fulfill) Type() uint8 { return TypeFulfill }
func (r *Reject) Type() uint8  { return TypeReject }

// Serialize encodes the Prepare in OER
func (p *Prepare) Serialize() ([]byte, error) {
	if !ValidAddress(string(p.Destination)) {
		return nil, fmt.Errorf("%w: invalid destination %q", oer.ErrInvalidPacket, p.Destination)
	}
	if len(p.Data) > MaxDataLength {
		return nil, fmt.Errorf("%w: data exceeds %d bytes", oer.ErrInvalidPacket, MaxDataLength)
	}
	buf := []byte{TypePrepare}
	buf = oer.AppendVarUInt(buf, p.Amount)
	buf = oer.AppendGeneralizedTime(buf, p.ExpiresAt)
	buf = append(buf, p.ExecutionCondition[:]...)
	buf = oer.AppendVarOctetString(buf, []byte(p.Destination))
	buf = oer.AppendVarOctetString(buf, p.Data)
	return buf, nil
}

// Serialize encodes the Fulfill in OER
func (f *Fulfill) Serialize() ([]byte, error) {
	if len(f.Data) > MaxDataLength {
		return nil, fmt.Errorf("%w: data exceeds %d bytes", oer.ErrInvalidPacket, MaxDataLength)
	}
	buf := []byte{TypeFulfill}
	buf = append(buf, f.Fulfillment[:]...)
	buf = oer.AppendVarOctetString(buf, f.Data)
	return buf, nil
}

// Serialize encodes the Reject in OER
func (r *Reject) Serialize() ([]byte, error) {
	if !validErrorCode(r.Code) {
		return nil, fmt.Errorf("%w: invalid error code %q", oer.ErrInvalidPacket, r.Code)
	}
	if r.TriggeredBy != "" && !ValidAddress(string(r.TriggeredBy)) {
		return nil, fmt.Errorf("%w: invalid triggeredBy %q", oer.ErrInvalidPacket, r.TriggeredBy)
	}
	if len(r.Data) > MaxDataLength {
		return nil, fmt.Errorf("%w: data exceeds %d bytes", oer.ErrInvalidPacket, MaxDataLength)
	}
	buf := []byte{TypeReject}
	buf = append(buf, r.Code...)
	buf = oer.AppendVarOctetString(buf, []byte(r.TriggeredBy))
	buf = oer.AppendVarOctetString(buf, []byte(r.Message))
	buf = oer.AppendVarOctetString(buf, r.Data)
	return buf, nil
}

// Matches reports whether the fulfillment is the preimage of condition
func (f *Fulfill) Matches(condition [ConditionLength]byte) bool {
	return sha256.Sum256(f.Fulfillment[:]) == condition
}

// DeserializePacket decodes an OER-encoded ILP packet, dispatching on the
// leading type tag
func DeserializePacket(data []byte) (Packet, error) {
	r := bytes.NewReader(data)
	typeTag, err := r.ReadByte()
	if err != nil {
		return nil, oer.ErrBufferUnderflow
	}
	switch typeTag {
	case TypePrepare:
		return deserializePrepare(r)
	case TypeFulfill:
		return deserializeFulfill(r)
	case TypeReject:
		return deserializeReject(r)
	default:
		return nil, fmt.Errorf("%w: unknown packet type %d", oer.ErrInvalidPacket, typeTag)
	}
}

func deserializePrepare(r *bytes.Reader) (*Prepare, error) {
	var p Prepare
	amount, err := oer.ReadVarUInt(r)
	if err != nil {
		return nil, err
	}
	p.Amount = amount
	expiresAt, err := oer.ReadGeneralizedTime(r)
	if err != nil {
		return nil, err
	}
	p.ExpiresAt = expiresAt
	condition, err := oer.ReadFixedOctetString(r, ConditionLength)
	if err != nil {
		return nil, err
	}
	copy(p.ExecutionCondition[:], condition)
	destination, err := oer.ReadVarOctetString(r)
	if err != nil {
		return nil, err
	}
	if !ValidAddress(string(destination)) {
		return nil, fmt.Errorf("%w: invalid destination %q", oer.ErrInvalidPacket, destination)
	}
	p.Destination = Address(destination)
	data, err := oer.ReadVarOctetString(r)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDataLength {
		return nil, fmt.Errorf("%w: data exceeds %d bytes", oer.ErrInvalidPacket, MaxDataLength)
	}
	p.Data = data
	return &p, nil
}

func deserializeFulfill(r *bytes.Reader) (*Fulfill, error) {
	var f Fulfill
	fulfillment, err := oer.ReadFixedOctetString(r, ConditionLength)
	if err != nil {
		return nil, err
	}
	copy(f.Fulfillment[:], fulfillment)
	data, err := oer.ReadVarOctetString(r)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDataLength {
		return nil, fmt.Errorf("%w: data exceeds %d bytes", oer.ErrInvalidPacket, MaxDataLength)
	}
	f.Data = data
	return &f, nil
}

func deserializeReject(r *bytes.Reader) (*Reject, error) {
	var rej Reject
	code, err := oer.ReadFixedOctetString(r, 3)
	if err != nil {
		return nil, err
	}
	if !validErrorCode(string(code)) {
		return nil, fmt.Errorf("%w: invalid error code %q", oer.ErrInvalidPacket, code)
	}
	rej.Code = string(code)
	triggeredBy, err := oer.ReadVarOctetString(r)
	if err != nil {
		return nil, err
	}
	if len(triggeredBy) > 0 && !ValidAddress(string(triggeredBy)) {
		return nil, fmt.Errorf("%w: invalid triggeredBy %q", oer.ErrInvalidPacket, triggeredBy)
	}
	rej.TriggeredBy = Address(triggeredBy)
	message, err := oer.ReadVarOctetString(r)
	if err != nil {
		return nil, err
	}
	rej.Message = string(message)
	data, err := oer.ReadVarOctetString(r)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxDataLength {
		return nil, fmt.Errorf("%w: data exceeds %d bytes", oer.ErrInvalidPacket, MaxDataLength)
	}
	rej.Data = data
	return &rej, nil
}
