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

	"golang.org/x/crypto/sha3"
)

// AptosSigner signs Aptos payment-channel claims with an Ed25519 key
type AptosSigner struct {
	key    ed25519.PrivateKey
	public string
}

// NewAptosSigner creates a signer from a hex-encoded Ed25519 private key seed
func NewAptosSigner(privateKeyHex string) (*AptosSigner, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid Aptos private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf(
			"Aptos private key seed must be %d bytes, got %d",
			ed25519.SeedSize,
			len(seed),
		)
	}
	key := ed25519.NewKeyFromSeed(seed)
	return &AptosSigner{
		key:    key,
		public: hex.EncodeToString(key.Public().(ed25519.PublicKey)),
	}, nil
}

// PublicKey returns the signer's Ed25519 public key as hex
func (s *AptosSigner) PublicKey() string {
	return s.public
}

// AccountAddress derives the Aptos account address for the signer: the
// SHA3-256 authentication key of the public key with the single-key scheme
// byte appended
func (s *AptosSigner) AccountAddress() string {
	pub, _ := hex.DecodeString(s.public)
	h := sha3.New256()
	h.Write(pub)
	h.Write([]byte{0x00})
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// SignClaim signs the claim payload and fills in Signature and Signer
func (s *AptosSigner) SignClaim(c *AptosClaim) error {
	payload, err := aptosClaimPayload(c)
	if err != nil {
		return err
	}
	sig := ed25519.Sign(s.key, payload)
	c.Signature = hex.EncodeToString(sig)
	c.Signer = s.public
	return nil
}

// VerifyAptosClaim checks the claim's Ed25519 signature against
// expectedSigner (exact public key compare)
func VerifyAptosClaim(c *AptosClaim, expectedSigner string) bool {
	if !strings.EqualFold(c.Signer, expectedSigner) {
		return false
	}
	pub, err := hex.DecodeString(strings.TrimPrefix(expectedSigner, "0x"))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(c.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	payload, err := aptosClaimPayload(c)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// aptosClaimPayload builds the BCS-style signed payload:
// owner || amount LE || nonce LE
func aptosClaimPayload(c *AptosClaim) ([]byte, error) {
	owner, err := hex.DecodeString(strings.TrimPrefix(c.ChannelOwner, "0x"))
	if err != nil || len(owner) != 32 {
		return nil, fmt.Errorf("invalid Aptos channel owner: %s", c.ChannelOwner)
	}
	payload := make([]byte, 0, 32+8+8)
	payload = append(payload, owner...)
	payload = binary.LittleEndian.AppendUint64(payload, c.Amount)
	payload = binary.LittleEndian.AppendUint64(payload, c.Nonce)
	return payload, nil
}
