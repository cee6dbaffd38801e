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
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Pre-computed EIP-712 type hashes (constant across all instances)
var (
	evmDomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)",
	))
	evmClaimTypeHash = crypto.Keccak256Hash([]byte(
		"ChannelClaim(bytes32 channelId,uint256 transferredAmount,uint256 nonce,uint256 lockedAmount,bytes32 locksRoot)",
	))
)

const (
	evmDomainName    = "MeshpayChannel"
	evmDomainVersion = "1"
)

// EvmSigner signs EVM channel claims with a local secp256k1 key
type EvmSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainId *big.Int
}

// NewEvmSigner creates a signer from a hex-encoded private key
func NewEvmSigner(privateKeyHex string, chainId int64) (*EvmSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid EVM private key: %w", err)
	}
	return &EvmSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainId: big.NewInt(chainId),
	}, nil
}

// Address returns the signer's 0x-prefixed address
func (s *EvmSigner) Address() string {
	return s.address.Hex()
}

// SignClaim computes the EIP-712 digest for the claim and fills in its
// Signature and Signer fields
func (s *EvmSigner) SignClaim(c *EvmClaim) error {
	digest, err := evmClaimDigest(c, s.chainId)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return fmt.Errorf("EVM claim signing failed: %w", err)
	}
	// Shift recovery ID into the on-chain convention
	sig[64] += 27
	c.Signature = "0x" + hex.EncodeToString(sig)
	c.Signer = s.address.Hex()
	return nil
}

// VerifyEvmClaim recovers the claim's EIP-712 signer and compares it to
// expectedSigner, case-insensitively
func VerifyEvmClaim(c *EvmClaim, expectedSigner string, chainId int64) bool {
	digest, err := evmClaimDigest(c, big.NewInt(chainId))
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(c.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return false
	}
	// Accept both raw {0,1} and on-chain {27,28} recovery IDs
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig...), 0)[:65]
		sig[64] -= 27
	}
	pubBytes, err := crypto.Ecrecover(digest.Bytes(), sig)
	if err != nil {
		return false
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return false
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return strings.EqualFold(recovered.Hex(), expectedSigner)
}

// evmClaimDigest builds the EIP-712 digest 0x19 0x01 || domain || struct
func evmClaimDigest(c *EvmClaim, chainId *big.Int) (common.Hash, error) {
	channelId, err := hexToBytes32(c.ChannelId)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid channel ID: %w", err)
	}
	locksRoot, err := hexToBytes32(c.LocksRoot)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid locks root: %w", err)
	}
	domain := make([]byte, 0, 128)
	domain = append(domain, evmDomainTypeHash.Bytes()...)
	domain = append(domain, crypto.Keccak256([]byte(evmDomainName))...)
	domain = append(domain, crypto.Keccak256([]byte(evmDomainVersion))...)
	domain = append(domain, common.BigToHash(chainId).Bytes()...)
	domainSeparator := crypto.Keccak256Hash(domain)

	enc := make([]byte, 0, 192)
	enc = append(enc, evmClaimTypeHash.Bytes()...)
	enc = append(enc, channelId[:]...)
	enc = append(enc, common.BigToHash(c.Value()).Bytes()...)
	enc = append(enc, common.BigToHash(new(big.Int).SetUint64(c.Nonce)).Bytes()...)
	locked := c.LockedAmount
	if locked == nil {
		locked = new(big.Int)
	}
	enc = append(enc, common.BigToHash(locked).Bytes()...)
	enc = append(enc, locksRoot[:]...)
	structHash := crypto.Keccak256Hash(enc)

	return crypto.Keccak256Hash(
		append(
			[]byte{0x19, 0x01},
			append(domainSeparator.Bytes(), structHash.Bytes()...)...,
		),
	), nil
}

// hexToBytes32 parses a 0x-prefixed or bare 64-char hex string
func hexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
