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

// Package btp implements the Bilateral Transfer Protocol: the frame codec
// and the authenticated WebSocket peering fabric with request/response
// correlation
package btp

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/meshpay/ilpd/internal/oer"
)

// Frame types
const (
	TypeResponse uint8 = 1
	TypeError    uint8 = 2
	TypeMessage  uint8 = 6
)

// Protocol-data content types
const (
	ContentTypeOctetStream uint8 = 0
	ContentTypeTextPlain   uint8 = 1
	ContentTypeJson        uint8 = 2
)

// Well-known subprotocol names
const (
	ProtocolAuth  = "auth"
	ProtocolIlp   = "ilp"
	ProtocolClaim = "claim"
	ProtocolError = "error"
)

// ProtocolData is one entry of a frame's protocol-data vector
type ProtocolData struct {
	Name        string
	ContentType uint8
	Data        []byte
}

// Frame is a single BTP frame: type, correlation ID, protocol data
type Frame struct {
	Type         uint8
	RequestId    uint32
	ProtocolData []ProtocolData
}

// AuthPayload is the JSON payload of the auth subprotocol entry
type AuthPayload struct {
	PeerId string `json:"peerId"`
	Secret string `json:"secret"`
}

// Serialize encodes the frame: type || requestId BE || protocol-data vector
func (f *Frame) Serialize() ([]byte, error) {
	switch f.Type {
	case TypeMessage, TypeResponse, TypeError:
	default:
		return nil, fmt.Errorf("%w: unknown frame type %d", oer.ErrInvalidPacket, f.Type)
	}
	buf := []byte{f.Type}
	buf = binary.BigEndian.AppendUint32(buf, f.RequestId)
	buf = oer.AppendVarUInt(buf, uint64(len(f.ProtocolData)))
	for _, pd := range f.ProtocolData {
		buf = oer.AppendVarOctetString(buf, []byte(pd.Name))
		buf = append(buf, pd.ContentType)
		buf = oer.AppendVarOctetString(buf, pd.Data)
	}
	return buf, nil
}

// DeserializeFrame decodes a BTP frame
func DeserializeFrame(data []byte) (*Frame, error) {
	r := bytes.NewReader(data)
	var f Frame
	frameType, err := r.ReadByte()
	if err != nil {
		return nil, oer.ErrBufferUnderflow
	}
	switch frameType {
	case TypeMessage, TypeResponse, TypeError:
		f.Type = frameType
	default:
		return nil, fmt.Errorf("%w: unknown frame type %d", oer.ErrInvalidPacket, frameType)
	}
	var requestId [4]byte
	if n, err := r.Read(requestId[:]); err != nil || n != len(requestId) {
		return nil, oer.ErrBufferUnderflow
	}
	f.RequestId = binary.BigEndian.Uint32(requestId[:])
	count, err := oer.ReadVarUInt(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < count; i++ {
		name, err := oer.ReadVarOctetString(r)
		if err != nil {
			return nil, err
		}
		contentType, err := r.ReadByte()
		if err != nil {
			return nil, oer.ErrBufferUnderflow
		}
		pdData, err := oer.ReadVarOctetString(r)
		if err != nil {
			return nil, err
		}
		f.ProtocolData = append(f.ProtocolData, ProtocolData{
			Name:        string(name),
			ContentType: contentType,
			Data:        pdData,
		})
	}
	return &f, nil
}

// Protocol returns the first protocol-data entry with the given name
func (f *Frame) Protocol(name string) (ProtocolData, bool) {
	for _, pd := range f.ProtocolData {
		if pd.Name == name {
			return pd, true
		}
	}
	return ProtocolData{}, false
}

// NewMessageFrame builds a MESSAGE frame
func NewMessageFrame(requestId uint32, protocolData ...ProtocolData) *Frame {
	return &Frame{
		Type:         TypeMessage,
		RequestId:    requestId,
		ProtocolData: protocolData,
	}
}

// NewResponseFrame builds a RESPONSE frame correlated to a request
func NewResponseFrame(requestId uint32, protocolData ...ProtocolData) *Frame {
	return &Frame{
		Type:         TypeResponse,
		RequestId:    requestId,
		ProtocolData: protocolData,
	}
}

// NewErrorFrame builds an ERROR frame carrying a human-readable reason
func NewErrorFrame(requestId uint32, reason string) *Frame {
	return &Frame{
		Type:      TypeError,
		RequestId: requestId,
		ProtocolData: []ProtocolData{
			{
				Name:        ProtocolError,
				ContentType: ContentTypeTextPlain,
				Data:        []byte(reason),
			},
		},
	}
}
