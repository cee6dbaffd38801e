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

package claims

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// xrpClaimPrefix is the XRPL payment-channel claim signing prefix ("CLM\0")
var xrpClaimPrefix = []byte{0x43, 0x4c, 0x4d, 0x00}

// XrpSigner signs XRP payment-channel claims with an Ed25519 key
type XrpSigner struct {
	key    ed25519.PrivateKey
	public string
}

// NewXrpSigner creates a signer from a hex-encoded Ed25519 private key seed
func NewXrpSigner(privateKeyHex string) (*XrpSigner, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid XRP private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf(
			"XRP private key seed must be %d bytes, got %d",
			ed25519.SeedSize,
			len(seed),
		)
	}
	key := ed25519.NewKeyFromSeed(seed)
	return &XrpSigner{
		key:    key,
		public: strings.ToUpper(hex.EncodeToString(key.Public().(ed25519.PublicKey))),
	}, nil
}

// PublicKey returns the signer's Ed25519 public key as uppercase hex
func (s *XrpSigner) PublicKey() string {
	return s.public
}

// SignClaim signs the claim payload and fills in Signature and Signer.
// The channel ID is canonicalized to uppercase hex first.
func (s *XrpSigner) SignClaim(c *XrpClaim) error {
	c.ChannelId = strings.ToUpper(c.ChannelId)
	payload, err := xrpClaimPayload(c)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(s.key, payload)
	c.Signature = strings.ToUpper(hex.EncodeToString(sig))
	c.Signer = s.public
	return nil
}

// VerifyXrpClaim checks the claim's Ed25519 signature against
// expectedSigner (exact public key compare, case-insensitive hex)
func VerifyXrpClaim(c *XrpClaim, expectedSigner string) bool {
	if !strings.EqualFold(c.Signer, expectedSigner) {
		return false
	}
	pub, err := hex.DecodeString(expectedSigner)
	if err != nil {
		return false
	}
	// XRPL-style keys carry a leading 0xED marker byte
	if len(pub) == ed25519.PublicKeySize+1 && pub[0] == 0xed {
		pub = pub[1:]
	}
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(c.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	payload, err := xrpClaimPayload(c)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// xrpClaimPayload builds the signed payload: prefix || channelId || drops BE
func xrpClaimPayload(c *XrpClaim) ([]byte, error) {
	channelId, err := hex.DecodeString(c.ChannelId)
	if err != nil || len(channelId) != 32 {
		return nil, fmt.Errorf("invalid XRP channel ID: %s", c.ChannelId)
	}
	payload := make([]byte, 0, len(xrpClaimPrefix)+32+8)
	payload = append(payload, xrpClaimPrefix...)
	payload = append(payload, channelId...)
	payload = binary.BigEndian.AppendUint64(payload, c.Amount)
	return payload, nil
}
