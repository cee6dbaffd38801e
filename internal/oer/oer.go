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

// Package oer implements the Octet Encoding Rules primitives used by the
// ILP and BTP wire formats
package oer

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBufferUnderflow is returned when the input ends before a complete
	// value could be decoded
	ErrBufferUnderflow = errors.New("buffer underflow")
	// ErrInvalidPacket is returned for any structural or semantic violation
	// of the wire format
	ErrInvalidPacket = errors.New("invalid packet")
)

// generalizedTimeFormat is the fixed 19-byte ILP timestamp layout
const generalizedTimeFormat = "20060102150405.000Z"

// AppendVarUInt appends the OER variable-length unsigned integer encoding
// of val to buf. Values up to 127 encode as a single byte; larger values
// get a length-prefix byte followed by big-endian value bytes.
func AppendVarUInt(buf []byte, val uint64) []byte {
	if val <= 127 {
		return append(buf, byte(val))
	}
	var tmp [8]byte
	length := 0
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(val)
		val >>= 8
		length++
		if val == 0 {
			break
		}
	}
	buf = append(buf, 0x80|byte(length))
	return append(buf, tmp[8-length:]...)
}

// ReadVarUInt decodes a variable-length unsigned integer from r
func ReadVarUInt(r *bytes.Reader) (uint64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, ErrBufferUnderflow
	}
	if first&0x80 == 0 {
		return uint64(first), nil
	}
	length := int(first & 0x7f)
	if length == 0 || length > 8 {
		return 0, fmt.Errorf("%w: unsupported uint length %d", ErrInvalidPacket, length)
	}
	var val uint64
	for i := 0; i < length; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, ErrBufferUnderflow
		}
		val = val<<8 | uint64(b)
	}
	return val, nil
}

// AppendVarOctetString appends a length-prefixed octet string. A zero-length
// string is legal and encodes as a single 0x00 byte.
func AppendVarOctetString(buf []byte, data []byte) []byte {
	buf = AppendVarUInt(buf, uint64(len(data)))
	return append(buf, data...)
}

// ReadVarOctetString decodes a length-prefixed octet string from r
func ReadVarOctetString(r *bytes.Reader) ([]byte, error) {
	length, err := ReadVarUInt(r)
	if err != nil {
		return nil, err
	}
	if length > uint64(r.Len()) {
		return nil, ErrBufferUnderflow
	}
	data := make([]byte, length)
	if length > 0 {
		if _, err := r.Read(data); err != nil {
			return nil, ErrBufferUnderflow
		}
	}
	return data, nil
}

// AppendFixedOctetString appends exactly size bytes with no length prefix.
// It fails when the input length differs from the configured size.
func AppendFixedOctetString(buf []byte, data []byte, size int) ([]byte, error) {
	if len(data) != size {
		return nil, fmt.Errorf(
			"%w: fixed octet string expects %d bytes, got %d",
			ErrInvalidPacket,
			size,
			len(data),
		)
	}
	return append(buf, data...), nil
}

// ReadFixedOctetString reads exactly size bytes from r
func ReadFixedOctetString(r *bytes.Reader, size int) ([]byte, error) {
	if r.Len() < size {
		return nil, ErrBufferUnderflow
	}
	data := make([]byte, size)
	if _, err := r.Read(data); err != nil {
		return nil, ErrBufferUnderflow
	}
	return data, nil
}

// AppendGeneralizedTime appends the 19-byte UTC timestamp encoding
// YYYYMMDDHHmmss.fffZ with millisecond precision
func AppendGeneralizedTime(buf []byte, t time.Time) []byte {
	return append(buf, t.UTC().Format(generalizedTimeFormat)...)
}

// ReadGeneralizedTime decodes a 19-byte UTC timestamp from r. Any deviation
// from the fixed layout is rejected.
func ReadGeneralizedTime(r *bytes.Reader) (time.Time, error) {
	raw, err := ReadFixedOctetString(r, len(generalizedTimeFormat))
	if err != nil {
		return time.Time{}, err
	}
	for i, c := range raw {
		switch i {
		case 14:
			if c != '.' {
				return time.Time{}, fmt.Errorf("%w: malformed timestamp %q", ErrInvalidPacket, raw)
			}
		case 18:
			if c != 'Z' {
				return time.Time{}, fmt.Errorf("%w: malformed timestamp %q", ErrInvalidPacket, raw)
			}
		default:
			if c < '0' || c > '9' {
				return time.Time{}, fmt.Errorf("%w: malformed timestamp %q", ErrInvalidPacket, raw)
			}
		}
	}
	t, err := time.Parse(generalizedTimeFormat, string(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed timestamp %q", ErrInvalidPacket, raw)
	}
	return t, nil
}
